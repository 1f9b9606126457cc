package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

const runColumns = `id, pipeline_id, status, trigger_data, started_at, completed_at, logs, artifacts, error`

func (d *DB) InsertRun(ctx context.Context, r *models.Run) error {
	args, err := runArgs(r)
	if err != nil {
		return err
	}

	_, err = d.ExecContext(ctx, d.rebind(`
		insert into runs (`+runColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), args...)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpdateRun overwrites the stored record. It reports false when no row
// with the run's id exists.
func (d *DB) UpdateRun(ctx context.Context, r *models.Run) (bool, error) {
	return d.updateRun(ctx, d, r)
}

func (d *DB) updateRun(ctx context.Context, e execer, r *models.Run) (bool, error) {
	args, err := runArgs(r)
	if err != nil {
		return false, err
	}

	// id goes last for the where clause
	args = append(args[1:], args[0])
	res, err := e.ExecContext(ctx, d.rebind(`
		update runs
		set pipeline_id = ?,
		    status = ?,
		    trigger_data = ?,
		    started_at = ?,
		    completed_at = ?,
		    logs = ?,
		    artifacts = ?,
		    error = ?
		where id = ?
	`), args...)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailActiveRuns fails every pending or running run, appending line to its
// log, and returns the updated records. Only call it while nothing is
// executing runs against this database.
func (d *DB) FailActiveRuns(ctx context.Context, at time.Time, line, reason string) ([]*models.Run, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, d.rebind(`
		select `+runColumns+`
		from runs
		where status in (?, ?)
	`), string(models.RunPending), string(models.RunRunning))
	if err != nil {
		return nil, err
	}

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range runs {
		r.AppendLog(line)
		r.Error = reason
		r.Finish(models.RunFailed, at)
		if _, err := d.updateRun(ctx, tx, r); err != nil {
			return nil, fmt.Errorf("failing run %s: %w", r.Id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (d *DB) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := d.QueryRowContext(ctx, d.rebind(`
		select `+runColumns+`
		from runs
		where id = ?
	`), id)
	return scanRun(row)
}

// GetRunsForPipeline returns at most limit runs, newest first.
func (d *DB) GetRunsForPipeline(ctx context.Context, pipelineId string, limit int) ([]*models.Run, error) {
	rows, err := d.QueryContext(ctx, d.rebind(`
		select `+runColumns+`
		from runs
		where pipeline_id = ?
		order by started_at desc, id desc
		limit ?
	`), pipelineId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// DeleteRunsCompletedBefore removes terminal runs that completed before
// cutoff and returns their ids. Active runs have no completion time and are
// additionally excluded by status.
func (d *DB) DeleteRunsCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	placeholders := make([]string, len(models.TerminalStatuses))
	args := []any{cutoff.UnixNano()}
	for i, s := range models.TerminalStatuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := fmt.Sprintf(`
		delete from runs
		where completed_at is not null
		  and completed_at < ?
		  and status in (%s)
		returning id
	`, strings.Join(placeholders, ", "))

	rows, err := d.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func runArgs(r *models.Run) ([]any, error) {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return nil, err
	}

	logs := r.Logs
	if logs == nil {
		logs = []string{}
	}
	logsJson, err := json.Marshal(logs)
	if err != nil {
		return nil, err
	}

	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJson, err := json.Marshal(artifacts)
	if err != nil {
		return nil, err
	}

	var completedAt sql.NullInt64
	if r.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: r.CompletedAt.UnixNano(), Valid: true}
	}

	return []any{
		r.Id,
		r.PipelineId,
		string(r.Status),
		string(trigger),
		r.StartedAt.UnixNano(),
		completedAt,
		string(logsJson),
		string(artifactsJson),
		r.Error,
	}, nil
}

func scanRun(s scanner) (*models.Run, error) {
	var (
		r           models.Run
		status      string
		trigger     string
		startedAt   int64
		completedAt sql.NullInt64
		logs        string
		artifacts   string
	)

	err := s.Scan(&r.Id, &r.PipelineId, &status, &trigger, &startedAt, &completedAt, &logs, &artifacts, &r.Error)
	if err != nil {
		return nil, err
	}

	r.Status = models.RunStatus(status)
	r.StartedAt = time.Unix(0, startedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		r.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(logs), &r.Logs); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
		return nil, fmt.Errorf("decoding artifacts: %w", err)
	}

	return &r, nil
}
