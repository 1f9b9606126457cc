// Package runstore persists pipeline runs. The database is authoritative;
// a RunCache sits in front of it as a read-through accelerator.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/conveyor/conveyor/cache"
	"tangled.sh/tangled.sh/conveyor/conveyor/db"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
	"tangled.sh/tangled.sh/conveyor/notifier"
)

const DefaultTTL = time.Hour

type Store struct {
	db    *db.DB
	cache cache.RunCache
	ttl   time.Duration
	n     *notifier.Notifier
	l     *slog.Logger
}

type Opt func(*Store)

func WithCache(c cache.RunCache, ttl time.Duration) Opt {
	return func(s *Store) {
		s.cache = c
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNotifier signals n with the run id after every successful write.
func WithNotifier(n *notifier.Notifier) Opt {
	return func(s *Store) {
		s.n = n
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(s *Store) {
		s.l = l
	}
}

func New(d *db.DB, opts ...Opt) *Store {
	s := &Store{
		db:    d,
		cache: cache.Nop{},
		ttl:   DefaultTTL,
		l:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.l = s.l.With("component", "runstore")
	return s
}

func (s *Store) Create(ctx context.Context, run *models.Run) error {
	if err := s.db.InsertRun(ctx, run); err != nil {
		return &models.PersistenceError{Op: "create run", Err: err}
	}
	s.cachePut(ctx, run)
	s.notify(run.Id)
	return nil
}

func (s *Store) Update(ctx context.Context, run *models.Run) error {
	found, err := s.db.UpdateRun(ctx, run)
	if err != nil {
		return &models.PersistenceError{Op: "update run", Err: err}
	}
	if !found {
		return models.RunNotFound(run.Id)
	}
	s.cachePut(ctx, run)
	s.notify(run.Id)
	return nil
}

// Get consults the cache first and falls back to the database on a miss,
// repopulating the cache. Cache errors are logged and treated as misses.
func (s *Store) Get(ctx context.Context, id string) (*models.Run, error) {
	run, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		s.l.Warn("cache read failed", "run", id, "error", err)
	}
	if ok {
		return run, nil
	}

	run, err = s.db.GetRun(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.RunNotFound(id)
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get run", Err: err}
	}

	s.cachePut(ctx, run)
	return run, nil
}

// ListForPipeline returns at most limit runs of a pipeline, newest first by
// start time. It always reads the database.
func (s *Store) ListForPipeline(ctx context.Context, pipelineId string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return []*models.Run{}, nil
	}

	runs, err := s.db.GetRunsForPipeline(ctx, pipelineId, limit)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list runs", Err: err}
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return runs, nil
}

// DeleteOlderThan removes terminal runs that completed before cutoff and
// evicts them from the cache. Active runs are never removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.db.DeleteRunsCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, &models.PersistenceError{Op: "delete runs", Err: err}
	}

	for _, id := range ids {
		if err := s.cache.Delete(ctx, id); err != nil {
			s.l.Warn("cache eviction failed", "run", id, "error", err)
		}
	}

	if len(ids) > 0 {
		s.l.Info("deleted old runs", "count", len(ids), "cutoff", cutoff)
	}
	return len(ids), nil
}

// FailActive moves every pending or running run to failed, appending line
// to its log. It is meant for startup, before any run executes.
func (s *Store) FailActive(ctx context.Context, at time.Time, line, reason string) (int, error) {
	runs, err := s.db.FailActiveRuns(ctx, at, line, reason)
	if err != nil {
		return 0, &models.PersistenceError{Op: "fail active runs", Err: err}
	}

	for _, r := range runs {
		if err := s.cache.Delete(ctx, r.Id); err != nil {
			s.l.Warn("cache eviction failed", "run", r.Id, "error", err)
		}
		s.notify(r.Id)
	}
	return len(runs), nil
}

func (s *Store) cachePut(ctx context.Context, run *models.Run) {
	if err := s.cache.Set(ctx, run, s.ttl); err != nil {
		s.l.Warn("cache write failed", "run", run.Id, "error", err)
	}
}

func (s *Store) notify(id string) {
	if s.n != nil {
		s.n.Notify(id)
	}
}
