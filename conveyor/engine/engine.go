package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"tangled.sh/tangled.sh/conveyor/conveyor/condition"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
	"tangled.sh/tangled.sh/conveyor/conveyor/queue"
	"tangled.sh/tangled.sh/conveyor/workflow"
)

// Pipelines resolves pipeline definitions by id.
type Pipelines interface {
	Get(ctx context.Context, id string) (models.Pipeline, error)
}

// Runs is the durable home of run records.
type Runs interface {
	Create(ctx context.Context, run *models.Run) error
	Update(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	ListForPipeline(ctx context.Context, pipelineId string, limit int) ([]*models.Run, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	FailActive(ctx context.Context, at time.Time, line, reason string) (int, error)
}

// Metrics observes run lifecycles.
type Metrics interface {
	RunStarted(ctx context.Context, pipelineId string)
	RunFinished(ctx context.Context, run *models.Run)
}

type nopMetrics struct{}

func (nopMetrics) RunStarted(context.Context, string)       {}
func (nopMetrics) RunFinished(context.Context, *models.Run) {}

const (
	DefaultQueueSize       = 100
	DefaultWorkers         = 2
	DefaultPersistAttempts = 5
)

// Engine drives pipeline runs: it creates them, walks their stages on a
// worker pool and tracks the ones that are still active so they can be
// canceled.
type Engine struct {
	pipelines Pipelines
	runs      Runs
	eval      condition.Evaluator
	jobs      JobRunner
	exporter  workflow.Exporter
	metrics   Metrics
	l         *slog.Logger

	queueSize int
	workers   int
	q         *queue.Queue

	persistAttempts uint
	persistDelay    time.Duration

	now   func() time.Time
	newId func() string

	mu     sync.Mutex
	active map[string]*activeRun
	// unflushed holds terminal runs whose final write failed, until a
	// later Flush gets them into the store.
	unflushed map[string]*models.Run
	stopping  bool
}

type Opt func(*Engine)

func WithEvaluator(ev condition.Evaluator) Opt {
	return func(e *Engine) {
		e.eval = ev
	}
}

func WithExporter(x workflow.Exporter) Opt {
	return func(e *Engine) {
		e.exporter = x
	}
}

func WithMetrics(m Metrics) Opt {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(e *Engine) {
		e.l = l
	}
}

// WithQueue sizes the pending-run queue and the number of runs executed
// concurrently.
func WithQueue(size, workers int) Opt {
	return func(e *Engine) {
		e.queueSize = size
		e.workers = workers
	}
}

// WithPersistRetry controls how background run updates are retried.
func WithPersistRetry(attempts uint, delay time.Duration) Opt {
	return func(e *Engine) {
		if attempts > 0 {
			e.persistAttempts = attempts
		}
		e.persistDelay = delay
	}
}

func WithClock(now func() time.Time) Opt {
	return func(e *Engine) {
		e.now = now
	}
}

func New(pipelines Pipelines, runs Runs, exec models.Executor, opts ...Opt) *Engine {
	e := &Engine{
		pipelines:       pipelines,
		runs:            runs,
		eval:            condition.Permissive(),
		jobs:            JobRunner{Executor: exec},
		exporter:        workflow.DefaultExporter,
		metrics:         nopMetrics{},
		l:               slog.Default(),
		queueSize:       DefaultQueueSize,
		workers:         DefaultWorkers,
		persistAttempts: DefaultPersistAttempts,
		persistDelay:    100 * time.Millisecond,
		now:             time.Now,
		newId:           uuid.NewString,
		active:          make(map[string]*activeRun),
		unflushed:       make(map[string]*models.Run),
	}
	for _, o := range opts {
		o(e)
	}
	e.l = e.l.With("component", "engine")
	e.q = queue.NewQueue(e.queueSize, e.workers)
	return e
}

// Start fails runs a previous process left pending or running, then begins
// executing queued runs.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.runs.FailActive(ctx, e.now().UTC(), faultLine(errInterrupted), errInterrupted.Error())
	if err != nil {
		return fmt.Errorf("failing interrupted runs: %w", err)
	}
	if n > 0 {
		e.l.Warn("failed interrupted runs", "count", n)
	}

	e.q.Start()
	return nil
}

// Trigger creates a pending run of the pipeline and schedules it. It
// returns as soon as the run is stored.
//
// When the queue is full the run is stored as failed and returned together
// with models.ErrQueueFull.
func (e *Engine) Trigger(ctx context.Context, pipelineId string, payload models.TriggerPayload) (*models.Run, error) {
	p, err := e.pipelines.Get(ctx, pipelineId)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	if stopping {
		return nil, ErrShuttingDown
	}

	if payload.Kind == "" {
		payload.Kind = p.Trigger
	}

	run := &models.Run{
		Id:         e.newId(),
		PipelineId: p.Id,
		Status:     models.RunPending,
		Trigger:    payload,
		StartedAt:  e.now().UTC(),
		Logs:       []string{triggerLine(payload)},
		Artifacts:  []string{},
	}

	if err := e.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	ar := e.track(run.Clone())
	l := e.l.With("run", run.Id, "pipeline", p.Id)

	ok := e.q.Enqueue(queue.Job{
		Run: func() error {
			return e.execute(ar, p)
		},
		OnFail: func(err error) {
			l.Error("run task failed", "error", err)
		},
	})
	if !ok {
		l.Warn("queue full, failing run")
		ar.fail(faultLine(models.ErrQueueFull), models.ErrQueueFull)
		return ar.snapshot(), models.ErrQueueFull
	}

	l.Info("run queued", "trigger", payload.Kind)
	return run.Clone(), nil
}

func (e *Engine) track(run *models.Run) *activeRun {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		run:    run,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		now:    func() time.Time { return e.now().UTC() },
	}
	ar.persist = e.persist
	ar.onDone = func(final *models.Run, flushed bool) {
		e.mu.Lock()
		if !flushed {
			e.unflushed[final.Id] = final
		}
		delete(e.active, final.Id)
		e.mu.Unlock()

		e.metrics.RunFinished(context.Background(), final)
		e.l.Info("run finished", "run", final.Id, "status", final.Status, "duration", final.Duration())
	}

	e.mu.Lock()
	e.active[run.Id] = ar
	e.mu.Unlock()

	return ar
}

// execute walks the stages of a run. Every way out of it leaves the run in
// a terminal status.
func (e *Engine) execute(ar *activeRun, p models.Pipeline) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fault := fmt.Errorf("panic: %v", r)
			e.l.Error("run panicked", "run", ar.run.Id, "error", fault, "stack", string(debug.Stack()))
			ar.fail(faultLine(fault), fault)
			err = fault
		}
		e.cleanupExecutor(ar)
	}()

	if !ar.start() {
		// canceled while still pending
		return nil
	}

	run := ar.snapshot()
	e.metrics.RunStarted(ar.ctx, p.Id)
	e.l.Info("run started", "run", run.Id, "pipeline", p.Id)

	cctx := condition.NewContext(p, run.Trigger)

	for _, stage := range p.Stages {
		if !ar.Append(stageLine(stage.Name)) {
			return nil
		}

		if !e.eval.Evaluate(stage.Condition, cctx) {
			if !ar.Append(skippedLine(stage.Condition)) {
				return nil
			}
			continue
		}

		for _, job := range stage.Jobs {
			err := e.jobs.Run(ar.ctx, run.Id, p, stage.Name, job, ar)
			if errors.Is(err, errCanceled) {
				return nil
			}
			if err != nil {
				e.l.Warn("job failed", "run", run.Id, "stage", stage.Name, "job", job.Name, "error", err)
				ar.fail(jobFailedLine(err), err)
				return nil
			}
		}
	}

	ar.succeed()
	return nil
}

func (e *Engine) cleanupExecutor(ar *activeRun) {
	c, ok := e.jobs.Executor.(models.Cleaner)
	if !ok {
		return
	}
	if err := c.Cleanup(context.Background(), ar.run.Id); err != nil {
		e.l.Warn("executor cleanup failed", "run", ar.run.Id, "error", err)
	}
}

// persist writes a run snapshot, retrying transient failures. The in-memory
// run stays authoritative while it is active; a terminal record that could
// not be written is kept for Flush.
func (e *Engine) persist(run *models.Run) error {
	err := retry.Do(
		func() error {
			return e.runs.Update(context.Background(), run)
		},
		retry.Attempts(e.persistAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(e.persistDelay),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, models.ErrNotFound)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.l.Debug("retrying run update", "run", run.Id, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		e.l.Error("failed to persist run", "run", run.Id, "status", run.Status, "error", err)
	}
	return err
}

// Flush retries the final writes of terminal runs that could not be
// stored. It returns how many remain unflushed.
func (e *Engine) Flush(ctx context.Context) int {
	e.mu.Lock()
	pending := make([]*models.Run, 0, len(e.unflushed))
	for _, r := range e.unflushed {
		pending = append(pending, r)
	}
	e.mu.Unlock()

	left := 0
	for _, r := range pending {
		err := e.runs.Update(ctx, r)
		switch {
		case err == nil:
			e.l.Info("flushed run", "run", r.Id, "status", r.Status)
		case errors.Is(err, models.ErrNotFound):
			e.l.Warn("dropping unflushed run missing from store", "run", r.Id)
		default:
			e.l.Error("failed to flush run", "run", r.Id, "error", err)
			left++
			continue
		}

		e.mu.Lock()
		delete(e.unflushed, r.Id)
		e.mu.Unlock()
	}
	return left
}

// Cancel moves an active run to canceled. Runs that are unknown or already
// terminal yield a NotFoundError and are left untouched.
func (e *Engine) Cancel(ctx context.Context, runId string) (*models.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runId]
	e.mu.Unlock()
	if !ok {
		return nil, models.ActiveRunNotFound(runId)
	}

	if !ar.markCanceled() {
		return nil, models.ActiveRunNotFound(runId)
	}

	e.l.Info("run canceled", "run", runId)
	return ar.snapshot(), nil
}

// Wait blocks until the run is terminal and returns its final record.
func (e *Engine) Wait(ctx context.Context, runId string) (*models.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runId]
	e.mu.Unlock()

	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return e.GetRun(ctx, runId)
}

// GetRun serves active and unflushed runs from memory and everything else
// from the run store.
func (e *Engine) GetRun(ctx context.Context, runId string) (*models.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runId]
	final, unflushed := e.unflushed[runId]
	e.mu.Unlock()

	if ok {
		return ar.snapshot(), nil
	}
	if unflushed {
		return final.Clone(), nil
	}
	return e.runs.Get(ctx, runId)
}

func (e *Engine) ListRuns(ctx context.Context, pipelineId string, limit int) ([]*models.Run, error) {
	runs, err := e.runs.ListForPipeline(ctx, pipelineId, limit)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range runs {
		if final, ok := e.unflushed[r.Id]; ok {
			runs[i] = final.Clone()
		}
	}
	return runs, nil
}

// Active returns the ids of runs that have not terminated yet.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Export converts a pipeline into a GitHub Actions workflow.
func (e *Engine) Export(ctx context.Context, pipelineId string) (*workflow.GithubWorkflow, workflow.Diagnostics, error) {
	p, err := e.pipelines.Get(ctx, pipelineId)
	if err != nil {
		return nil, workflow.Diagnostics{}, err
	}

	gw, diags := e.exporter.Export(p)
	return gw, diags, nil
}

// Cleanup deletes terminal runs that completed more than retentionDays ago.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, &models.ValidationError{Field: "retentionDays", Reason: "must not be negative"}
	}

	if left := e.Flush(ctx); left > 0 {
		e.l.Warn("runs still unflushed", "count", left)
	}

	cutoff := e.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	return e.runs.DeleteOlderThan(ctx, cutoff)
}

// Shutdown stops accepting runs and waits for queued ones to finish. If ctx
// expires first, the remaining active runs are canceled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.q.Stop()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// whatever is left either never got a worker or outlived ctx
	e.cancelAll()

	<-drained

	if left := e.Flush(context.Background()); left > 0 {
		e.l.Error("runs left unflushed at shutdown", "count", left)
	}
	return err
}

func (e *Engine) cancelAll() {
	for _, id := range e.Active() {
		if _, err := e.Cancel(context.Background(), id); err == nil {
			e.l.Warn("canceled run during shutdown", "run", id)
		}
	}
}
