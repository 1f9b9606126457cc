package db

import (
	"context"
	"encoding/json"
	"time"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

func (d *DB) InsertPipeline(ctx context.Context, p models.Pipeline) error {
	stages, err := json.Marshal(p.Stages)
	if err != nil {
		return err
	}
	env, err := json.Marshal(p.Environment)
	if err != nil {
		return err
	}

	_, err = d.ExecContext(ctx, d.rebind(`
		insert into pipelines (id, name, repository, branch, trigger_kind, schedule, stages, environment, created)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.Id, p.Name, p.Repository, p.Branch, string(p.Trigger), p.Schedule, string(stages), string(env), time.Now().UnixNano())
	return err
}

func (d *DB) GetPipeline(ctx context.Context, id string) (models.Pipeline, error) {
	row := d.QueryRowContext(ctx, d.rebind(`
		select id, name, repository, branch, trigger_kind, schedule, stages, environment
		from pipelines
		where id = ?
	`), id)
	return scanPipeline(row)
}

func (d *DB) GetPipelines(ctx context.Context) ([]models.Pipeline, error) {
	rows, err := d.QueryContext(ctx, `
		select id, name, repository, branch, trigger_kind, schedule, stages, environment
		from pipelines
		order by created asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelines, nil
}

// DeletePipeline reports whether a row was removed.
func (d *DB) DeletePipeline(ctx context.Context, id string) (bool, error) {
	res, err := d.ExecContext(ctx, d.rebind(`delete from pipelines where id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(s scanner) (models.Pipeline, error) {
	var (
		p       models.Pipeline
		trigger string
		stages  string
		env     string
	)

	err := s.Scan(&p.Id, &p.Name, &p.Repository, &p.Branch, &trigger, &p.Schedule, &stages, &env)
	if err != nil {
		return p, err
	}

	p.Trigger = models.TriggerKind(trigger)
	if err := json.Unmarshal([]byte(stages), &p.Stages); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(env), &p.Environment); err != nil {
		return p, err
	}

	return p, nil
}
