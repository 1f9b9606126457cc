package registry

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tangled.sh/tangled.sh/conveyor/conveyor/db"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// Registry owns pipeline definitions. The database is the durable copy; an
// in-memory index serves lookups and is rebuilt from the database on New.
type Registry struct {
	db *db.DB
	l  *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]models.Pipeline

	newId func() string
}

func New(ctx context.Context, d *db.DB, l *slog.Logger) (*Registry, error) {
	if l == nil {
		l = slog.Default()
	}

	r := &Registry{
		db:        d,
		l:         l.With("component", "registry"),
		pipelines: make(map[string]models.Pipeline),
		newId:     uuid.NewString,
	}

	stored, err := d.GetPipelines(ctx)
	if err != nil {
		return nil, &models.PersistenceError{Op: "load pipelines", Err: err}
	}
	for _, p := range stored {
		r.pipelines[p.Id] = p
	}
	r.l.Info("loaded pipelines", "count", len(stored))

	return r, nil
}

// Register validates def, assigns it a fresh id and stores it. Any id set
// by the caller is ignored.
func (r *Registry) Register(ctx context.Context, def models.Pipeline) (models.Pipeline, error) {
	if err := def.Validate(); err != nil {
		return models.Pipeline{}, err
	}

	p := def.Clone()
	p.Id = r.newId()

	if err := r.db.InsertPipeline(ctx, p); err != nil {
		return models.Pipeline{}, &models.PersistenceError{Op: "register pipeline", Err: err}
	}

	r.mu.Lock()
	r.pipelines[p.Id] = p
	r.mu.Unlock()

	r.l.Info("pipeline registered", "pipeline", p.Id, "name", p.Name)
	return p.Clone(), nil
}

func (r *Registry) Get(ctx context.Context, id string) (models.Pipeline, error) {
	r.mu.RLock()
	p, ok := r.pipelines[id]
	r.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	// another instance sharing the database may have registered it
	p, err := r.db.GetPipeline(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Pipeline{}, models.PipelineNotFound(id)
	}
	if err != nil {
		return models.Pipeline{}, &models.PersistenceError{Op: "get pipeline", Err: err}
	}

	r.mu.Lock()
	r.pipelines[p.Id] = p
	r.mu.Unlock()

	return p.Clone(), nil
}

// List returns every known definition ordered by name, then id.
func (r *Registry) List(ctx context.Context) []models.Pipeline {
	r.mu.RLock()
	out := make([]models.Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Pipeline) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
	return out
}

// Delete removes a definition. Runs of the pipeline stay in the run store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	deleted, err := r.db.DeletePipeline(ctx, id)
	if err != nil {
		return &models.PersistenceError{Op: "delete pipeline", Err: err}
	}

	r.mu.Lock()
	_, known := r.pipelines[id]
	delete(r.pipelines, id)
	r.mu.Unlock()

	if !deleted && !known {
		return models.PipelineNotFound(id)
	}

	r.l.Info("pipeline deleted", "pipeline", id)
	return nil
}

// Scheduled returns the definitions triggered by the given opaque schedule
// identifier.
func (r *Registry) Scheduled(ctx context.Context, schedule string) []models.Pipeline {
	var out []models.Pipeline
	for _, p := range r.List(ctx) {
		if p.Trigger == models.TriggerKindSchedule && p.Schedule == schedule {
			out = append(out, p)
		}
	}
	return out
}
