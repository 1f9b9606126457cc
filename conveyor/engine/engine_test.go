package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/conveyor/conveyor/condition"
	"tangled.sh/tangled.sh/conveyor/conveyor/db"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
	"tangled.sh/tangled.sh/conveyor/conveyor/registry"
	"tangled.sh/tangled.sh/conveyor/conveyor/runstore"
)

// fakeExecutor records every command and fails, blocks or panics on the
// commands it was told to.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []models.Command

	fail    map[string]error
	block   map[string]chan struct{}
	panics  map[string]bool
	started chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		fail:    map[string]error{},
		block:   map[string]chan struct{}{},
		panics:  map[string]bool{},
		started: make(chan string, 16),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd models.Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	err := f.fail[cmd.Text]
	release := f.block[cmd.Text]
	panics := f.panics[cmd.Text]
	f.mu.Unlock()

	select {
	case f.started <- cmd.Text:
	default:
	}

	if panics {
		panic("executor exploded")
	}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		out = append(out, c.Text)
	}
	return out
}

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	store    *runstore.Store
	exec     *fakeExecutor
}

func setup(t *testing.T, opts ...Opt) *fixture {
	t.Helper()

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	reg, err := registry.New(context.Background(), d, nil)
	require.NoError(t, err)

	store := runstore.New(d)
	exec := newFakeExecutor()

	opts = append([]Opt{WithPersistRetry(3, time.Millisecond)}, opts...)
	e := New(reg, store, exec, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})

	return &fixture{engine: e, registry: reg, store: store, exec: exec}
}

func (f *fixture) register(t *testing.T, p models.Pipeline) models.Pipeline {
	t.Helper()
	stored, err := f.registry.Register(context.Background(), p)
	require.NoError(t, err)
	return stored
}

func (f *fixture) runToCompletion(t *testing.T, pipelineId string) *models.Run {
	t.Helper()

	run, err := f.engine.Trigger(context.Background(), pipelineId, models.TriggerPayload{})
	require.NoError(t, err)

	return f.wait(t, run.Id)
}

func (f *fixture) wait(t *testing.T, runId string) *models.Run {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	final, err := f.engine.Wait(ctx, runId)
	require.NoError(t, err)
	return final
}

func job(name string, commands ...string) models.Job {
	return models.Job{Name: name, Commands: commands}
}

func stage(name string, jobs ...models.Job) models.Stage {
	return models.Stage{Name: name, Jobs: jobs}
}

func pipeline(stages ...models.Stage) models.Pipeline {
	return models.Pipeline{
		Name:    "build",
		Branch:  "main",
		Trigger: models.TriggerKindManual,
		Stages:  stages,
	}
}

func count(logs []string, prefix string) int {
	n := 0
	for _, l := range logs {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func TestBuildScenario(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	p := f.register(t, models.Pipeline{
		Name:    "build",
		Trigger: models.TriggerKindManual,
		Stages:  []models.Stage{stage("test", job("unit", "run-tests"))},
	})

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, models.RunSuccess, final.Status)
	assert.Contains(t, final.Logs, "$ run-tests")
	assert.Contains(t, final.Logs, "[Output] Command executed: run-tests")
	assert.Empty(t, final.Artifacts)
	require.NotNil(t, final.CompletedAt)

	got, err := f.engine.GetRun(context.Background(), final.Id)
	require.NoError(t, err)
	assert.Equal(t, final, got)
}

func TestSuccessfulRunLogSequence(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	def := pipeline(
		stage("build", job("compile", "make", "make install")),
		stage("test", job("unit", "go test ./..."), job("lint", "vet")),
	)
	def.Environment = map[string]string{"CI": "true"}
	def.Stages[0].Jobs[0].Environment = map[string]string{"CGO_ENABLED": "0"}
	p := f.register(t, def)

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, []string{
		"[Trigger] manual",
		"[Stage] build",
		"[Job] compile",
		"$ make",
		"[Output] Command executed: make",
		"$ make install",
		"[Output] Command executed: make install",
		"[Stage] test",
		"[Job] unit",
		"$ go test ./...",
		"[Output] Command executed: go test ./...",
		"[Job] lint",
		"$ vet",
		"[Output] Command executed: vet",
		"[Complete] Pipeline executed successfully",
	}, final.Logs)

	assert.Equal(t, []string{"make", "make install", "go test ./...", "vet"}, f.exec.commands())

	f.exec.mu.Lock()
	first := f.exec.calls[0]
	f.exec.mu.Unlock()
	assert.Equal(t, models.EnvVars{"CGO_ENABLED=0", "CI=true"}, first.Env)
	assert.Equal(t, final.Id, first.RunId)
	assert.Equal(t, "build", first.Stage)
	assert.Equal(t, "compile", first.Job)
}

func TestNStagesWithoutConditions(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		f := setup(t)
		require.NoError(t, f.engine.Start(context.Background()))

		var stages []models.Stage
		for i := range n {
			stages = append(stages, stage(string(rune('a'+i)), job("j", "true")))
		}
		p := f.register(t, pipeline(stages...))

		final := f.runToCompletion(t, p.Id)

		assert.Equal(t, models.RunSuccess, final.Status)
		assert.Equal(t, n, count(final.Logs, "[Stage] "))
		assert.Equal(t, 1, count(final.Logs, completeLine))
		require.NotNil(t, final.CompletedAt)
		assert.False(t, final.CompletedAt.Before(final.StartedAt))
	}
}

func TestSkippedStage(t *testing.T) {
	f := setup(t, WithEvaluator(condition.Strict()))
	require.NoError(t, f.engine.Start(context.Background()))

	deploy := stage("deploy", job("release", "publish"))
	deploy.Condition = "branch == develop"
	p := f.register(t, pipeline(
		stage("test", job("unit", "run-tests")),
		deploy,
		stage("notify", job("chat", "post")),
	))

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, models.RunSuccess, final.Status)
	assert.Contains(t, final.Logs, "[Skipped] Condition not met: branch == develop")
	assert.NotContains(t, final.Logs, "[Job] release")
	assert.NotContains(t, final.Logs, "[Output] Command executed: publish")
	assert.NotContains(t, f.exec.commands(), "publish")

	// skipped stages still open with a marker and later stages still run
	assert.Equal(t, 3, count(final.Logs, "[Stage] "))
	assert.Contains(t, final.Logs, "[Output] Command executed: post")
}

func TestConditionUsesTriggerRef(t *testing.T) {
	f := setup(t, WithEvaluator(condition.Strict()))
	require.NoError(t, f.engine.Start(context.Background()))

	deploy := stage("deploy", job("release", "publish"))
	deploy.Condition = "branch == release && trigger == push"
	p := f.register(t, pipeline(deploy))

	run, err := f.engine.Trigger(context.Background(), p.Id, models.TriggerPayload{
		Kind:  models.TriggerKindPush,
		Ref:   "refs/heads/release",
		Actor: "alice",
	})
	require.NoError(t, err)
	final := f.wait(t, run.Id)

	assert.Equal(t, "[Trigger] push by alice", final.Logs[0])
	assert.Contains(t, final.Logs, "[Output] Command executed: publish")
}

func TestSecondCommandFails(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	f.exec.fail["go test ./..."] = &models.ExecutionError{ExitCode: 1, Output: "FAIL"}
	p := f.register(t, pipeline(
		stage("test", job("unit", "go vet ./...", "go test ./...", "go build ./...")),
		stage("deploy", job("release", "publish")),
	))

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, models.RunFailed, final.Status)
	require.NotNil(t, final.CompletedAt)

	assert.Contains(t, final.Logs, "$ go test ./...")
	assert.NotContains(t, final.Logs, "[Output] Command executed: go test ./...")
	assert.NotContains(t, final.Logs, "$ go build ./...")
	assert.NotContains(t, final.Logs, "[Stage] deploy")
	assert.Equal(t, []string{"go vet ./...", "go test ./..."}, f.exec.commands())

	last := final.Logs[len(final.Logs)-1]
	assert.True(t, strings.HasPrefix(last, "[Error] Job failed: "), last)
	assert.Contains(t, last, "go test ./...")
	assert.Contains(t, last, "exit code 1")
	assert.Contains(t, final.Error, "go test ./...")
	assert.NotContains(t, final.Logs, completeLine)
}

func TestArtifactsCollected(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	build := job("compile", "make")
	build.Artifacts = []string{"dist/app", "coverage.out"}
	again := job("package", "tar")
	again.Artifacts = []string{"dist/app"}
	p := f.register(t, pipeline(stage("build", build, again)))

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, models.RunSuccess, final.Status)
	assert.Equal(t, []string{"dist/app", "coverage.out"}, final.Artifacts)
	assert.Contains(t, final.Logs, "[Artifacts] Collected: dist/app, coverage.out")
	assert.Contains(t, final.Logs, "[Artifacts] Collected: dist/app")
}

func TestFailedJobCollectsNoArtifacts(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	f.exec.fail["make"] = errors.New("boom")
	build := job("compile", "make")
	build.Artifacts = []string{"dist/app"}
	p := f.register(t, pipeline(stage("build", build)))

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, models.RunFailed, final.Status)
	assert.Empty(t, final.Artifacts)
	assert.Zero(t, count(final.Logs, "[Artifacts]"))
}

func TestCancelBeforeSecondStage(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	release := make(chan struct{})
	f.exec.block["compile"] = release
	p := f.register(t, pipeline(
		stage("build", job("compile", "compile")),
		stage("test", job("unit", "run-tests")),
	))

	run, err := f.engine.Trigger(context.Background(), p.Id, models.TriggerPayload{})
	require.NoError(t, err)

	select {
	case <-f.exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("command never started")
	}

	canceled, err := f.engine.Cancel(context.Background(), run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, canceled.Status)
	close(release)

	final := f.wait(t, run.Id)

	assert.Equal(t, models.RunCanceled, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(final.StartedAt))
	assert.Equal(t, canceledLine, final.Logs[len(final.Logs)-1])
	assert.NotContains(t, final.Logs, "[Stage] test")
	assert.NotContains(t, final.Logs, "[Output] Command executed: compile")
	assert.Equal(t, []string{"compile"}, f.exec.commands())
	assert.Empty(t, f.engine.Active())
}

func TestCancelPendingRun(t *testing.T) {
	f := setup(t)

	p := f.register(t, pipeline(stage("test", job("unit", "run-tests"))))

	// not started, so the run stays pending
	run, err := f.engine.Trigger(context.Background(), p.Id, models.TriggerPayload{})
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)

	_, err = f.engine.Cancel(context.Background(), run.Id)
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(context.Background()))
	final := f.wait(t, run.Id)

	assert.Equal(t, models.RunCanceled, final.Status)
	assert.Equal(t, []string{"[Trigger] manual", canceledLine}, final.Logs)

	require.NoError(t, f.engine.Shutdown(context.Background()))
	assert.Empty(t, f.exec.commands())
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))
	ctx := context.Background()

	_, err := f.engine.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	p := f.register(t, pipeline(stage("test", job("unit", "run-tests"))))
	final := f.runToCompletion(t, p.Id)
	require.Equal(t, models.RunSuccess, final.Status)

	_, err = f.engine.Cancel(ctx, final.Id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	after, err := f.store.Get(ctx, final.Id)
	require.NoError(t, err)
	assert.Equal(t, final, after)
}

func TestTriggerUnknownPipeline(t *testing.T) {
	f := setup(t)

	_, err := f.engine.Trigger(context.Background(), "missing", models.TriggerPayload{})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, f.engine.Active())
}

func TestTriggerStoresPendingRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := f.register(t, pipeline(stage("test", job("unit", "run-tests"))))

	run, err := f.engine.Trigger(ctx, p.Id, models.TriggerPayload{Actor: "bob"})
	require.NoError(t, err)

	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, p.Id, run.PipelineId)
	assert.Equal(t, models.TriggerKindManual, run.Trigger.Kind)
	assert.Nil(t, run.CompletedAt)
	assert.Equal(t, []string{"[Trigger] manual by bob"}, run.Logs)

	stored, err := f.store.Get(ctx, run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, stored.Status)
}

func TestQueueFull(t *testing.T) {
	f := setup(t, WithQueue(1, 1))
	ctx := context.Background()

	p := f.register(t, pipeline(stage("test", job("unit", "run-tests"))))

	first, err := f.engine.Trigger(ctx, p.Id, models.TriggerPayload{})
	require.NoError(t, err)

	second, err := f.engine.Trigger(ctx, p.Id, models.TriggerPayload{})
	assert.ErrorIs(t, err, models.ErrQueueFull)
	require.NotNil(t, second)
	assert.Equal(t, models.RunFailed, second.Status)

	stored, err := f.store.Get(ctx, second.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.Logs[len(stored.Logs)-1], "[Error] Pipeline faulted: "))

	require.NoError(t, f.engine.Start(context.Background()))
	final := f.wait(t, first.Id)
	assert.Equal(t, models.RunSuccess, final.Status)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	f.exec.panics["explode"] = true
	p := f.register(t, pipeline(stage("test", job("unit", "explode", "after"))))

	final := f.runToCompletion(t, p.Id)

	assert.Equal(t, models.RunFailed, final.Status)
	last := final.Logs[len(final.Logs)-1]
	assert.True(t, strings.HasPrefix(last, "[Error] Pipeline faulted: panic"), last)
	assert.NotContains(t, final.Logs, "$ after")
	assert.Empty(t, f.engine.Active())
}

// flakyRuns fails the first n updates.
type flakyRuns struct {
	*runstore.Store
	failures atomic.Int32
}

func (f *flakyRuns) Update(ctx context.Context, run *models.Run) error {
	if f.failures.Add(-1) >= 0 {
		return &models.PersistenceError{Op: "update run", Err: errors.New("database is locked")}
	}
	return f.Store.Update(ctx, run)
}

func TestPersistRetries(t *testing.T) {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	reg, err := registry.New(ctx, d, nil)
	require.NoError(t, err)

	runs := &flakyRuns{Store: runstore.New(d)}
	runs.failures.Store(2)

	e := New(reg, runs, newFakeExecutor(), WithPersistRetry(5, time.Millisecond))
	require.NoError(t, e.Start(context.Background()))
	defer e.Shutdown(ctx)

	p, err := reg.Register(ctx, pipeline(stage("test", job("unit", "run-tests"))))
	require.NoError(t, err)

	run, err := e.Trigger(ctx, p.Id, models.TriggerPayload{})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := e.Wait(wctx, run.Id)
	require.NoError(t, err)

	assert.Equal(t, models.RunSuccess, final.Status)
	assert.Contains(t, final.Logs, completeLine)
}

// finalWriteRuns fails every write of a terminal record while broken is set.
type finalWriteRuns struct {
	*runstore.Store
	broken atomic.Bool
}

func (f *finalWriteRuns) Update(ctx context.Context, run *models.Run) error {
	if f.broken.Load() && run.Status.IsTerminal() {
		return &models.PersistenceError{Op: "update run", Err: errors.New("disk I/O error")}
	}
	return f.Store.Update(ctx, run)
}

func TestUnwrittenFinalStatusIsKeptAndFlushed(t *testing.T) {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	reg, err := registry.New(ctx, d, nil)
	require.NoError(t, err)

	store := runstore.New(d)
	runs := &finalWriteRuns{Store: store}
	runs.broken.Store(true)

	e := New(reg, runs, newFakeExecutor(), WithPersistRetry(2, time.Millisecond))
	require.NoError(t, e.Start(ctx))
	defer e.Shutdown(ctx)

	p, err := reg.Register(ctx, pipeline(stage("test", job("unit", "run-tests"))))
	require.NoError(t, err)

	run, err := e.Trigger(ctx, p.Id, models.TriggerPayload{})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := e.Wait(wctx, run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, final.Status)
	assert.Empty(t, e.Active())

	stored, err := store.Get(ctx, run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, stored.Status)

	got, err := e.GetRun(ctx, run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, got.Status)

	listed, err := e.ListRuns(ctx, p.Id, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.RunSuccess, listed[0].Status)

	_, err = e.Cancel(ctx, run.Id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// still failing: the record stays in memory
	assert.Equal(t, 1, e.Flush(ctx))

	runs.broken.Store(false)
	n, err := e.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err = store.Get(ctx, run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 0, e.Flush(ctx))

	// once stored, retention can remove it
	n, err = e.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartFailsInterruptedRuns(t *testing.T) {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	reg, err := registry.New(ctx, d, nil)
	require.NoError(t, err)
	store := runstore.New(d)

	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, status := range []models.RunStatus{models.RunPending, models.RunRunning} {
		require.NoError(t, store.Create(ctx, &models.Run{
			Id:         string(status),
			PipelineId: "p1",
			Status:     status,
			StartedAt:  started,
			Logs:       []string{"[Trigger] manual"},
			Artifacts:  []string{},
		}))
	}

	e := New(reg, store, newFakeExecutor())
	require.NoError(t, e.Start(ctx))
	defer e.Shutdown(ctx)

	for _, id := range []string{"pending", "running"} {
		run, err := e.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RunFailed, run.Status, id)
		assert.Equal(t, "[Error] Pipeline faulted: interrupted by restart", run.Logs[len(run.Logs)-1], id)
		assert.Equal(t, "interrupted by restart", run.Error, id)
		require.NotNil(t, run.CompletedAt, id)
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	f := setup(t, WithQueue(10, 4))
	require.NoError(t, f.engine.Start(context.Background()))
	ctx := context.Background()

	p := f.register(t, pipeline(
		stage("build", job("compile", "make")),
		stage("test", job("unit", "run-tests")),
	))

	var ids []string
	for range 6 {
		run, err := f.engine.Trigger(ctx, p.Id, models.TriggerPayload{})
		require.NoError(t, err)
		ids = append(ids, run.Id)
	}

	for _, id := range ids {
		final := f.wait(t, id)
		assert.Equal(t, models.RunSuccess, final.Status)
		assert.Len(t, final.Logs, 10)
	}

	runs, err := f.engine.ListRuns(ctx, p.Id, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestCleanup(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := setup(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old := now.AddDate(0, 0, -40)
	done := old.Add(time.Minute)
	require.NoError(t, f.store.Create(ctx, &models.Run{
		Id: "old-success", PipelineId: "p", Status: models.RunSuccess,
		StartedAt: old, CompletedAt: &done,
	}))
	require.NoError(t, f.store.Create(ctx, &models.Run{
		Id: "old-running", PipelineId: "p", Status: models.RunRunning,
		StartedAt: old,
	}))
	recent := now.Add(-time.Hour)
	require.NoError(t, f.store.Create(ctx, &models.Run{
		Id: "recent", PipelineId: "p", Status: models.RunFailed,
		StartedAt: recent, CompletedAt: &recent,
	}))

	n, err := f.engine.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, "old-success")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.Get(ctx, "old-running")
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, "recent")
	assert.NoError(t, err)

	_, err = f.engine.Cleanup(ctx, -1)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestExport(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := f.register(t, pipeline(stage("test", job("Unit Tests", "run-tests"))))

	gw, _, err := f.engine.Export(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, "build", gw.Name)
	assert.Contains(t, gw.Jobs, "unit-tests")

	_, _, err = f.engine.Export(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestShutdownRejectsTriggers(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	p := f.register(t, pipeline(stage("test", job("unit", "run-tests"))))
	require.NoError(t, f.engine.Shutdown(context.Background()))

	_, err := f.engine.Trigger(context.Background(), p.Id, models.TriggerPayload{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownCancelsStuckRuns(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.engine.Start(context.Background()))

	f.exec.block["hang"] = make(chan struct{})
	p := f.register(t, pipeline(stage("test", job("unit", "hang"))))

	run, err := f.engine.Trigger(context.Background(), p.Id, models.TriggerPayload{})
	require.NoError(t, err)
	<-f.exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.engine.Shutdown(ctx), context.DeadlineExceeded)

	final, err := f.store.Get(context.Background(), run.Id)
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, final.Status)
}
