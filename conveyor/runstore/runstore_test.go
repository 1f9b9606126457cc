package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/conveyor/conveyor/cache"
	"tangled.sh/tangled.sh/conveyor/conveyor/db"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
	"tangled.sh/tangled.sh/conveyor/notifier"
)

func setup(t *testing.T) (*Store, *db.DB, *cache.Memory) {
	t.Helper()
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	c, err := cache.NewMemory(1 << 20)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return New(d, WithCache(c, time.Hour)), d, c
}

func newRun(id string, status models.RunStatus, startedAt time.Time) *models.Run {
	r := &models.Run{
		Id:         id,
		PipelineId: "p1",
		Status:     status,
		StartedAt:  startedAt,
		Logs:       []string{},
		Artifacts:  []string{},
	}
	if status.IsTerminal() {
		done := startedAt.Add(time.Minute)
		r.CompletedAt = &done
	}
	return r
}

// erroringCache fails every operation.
type erroringCache struct{}

func (erroringCache) Get(context.Context, string) (*models.Run, bool, error) {
	return nil, false, errors.New("cache down")
}

func (erroringCache) Set(context.Context, *models.Run, time.Duration) error {
	return errors.New("cache down")
}

func (erroringCache) Delete(context.Context, string) error {
	return errors.New("cache down")
}

func TestGetCacheHit(t *testing.T) {
	s, d, _ := setup(t)
	ctx := context.Background()

	run := newRun("r1", models.RunPending, time.Now().UTC())
	require.NoError(t, s.Create(ctx, run))

	// change the durable copy behind the store's back; the cached
	// value must still be served
	changed := run.Clone()
	changed.Status = models.RunRunning
	_, err := d.UpdateRun(ctx, changed)
	require.NoError(t, err)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status)
}

func TestGetCacheMissReadsDatabase(t *testing.T) {
	s, d, c := setup(t)
	ctx := context.Background()

	run := newRun("r1", models.RunRunning, time.Now().UTC())
	require.NoError(t, d.InsertRun(ctx, run))

	_, ok, _ := c.Get(ctx, "r1")
	require.False(t, ok)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)

	// a miss repopulates the cache
	_, ok, _ = c.Get(ctx, "r1")
	assert.True(t, ok)
}

func TestGetAfterCacheExpiry(t *testing.T) {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	defer d.Close()
	c, err := cache.NewMemory(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	s := New(d, WithCache(c, 20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newRun("r1", models.RunPending, time.Now().UTC())))
	time.Sleep(50 * time.Millisecond)

	_, ok, _ := c.Get(ctx, "r1")
	require.False(t, ok, "entry should have expired")

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err, "expired cache entries must not look like missing runs")
	assert.Equal(t, "r1", got.Id)
}

func TestGetNotFound(t *testing.T) {
	s, _, _ := setup(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCacheFailuresAreNotFatal(t *testing.T) {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	defer d.Close()

	s := New(d, WithCache(erroringCache{}, time.Hour))
	ctx := context.Background()

	run := newRun("r1", models.RunPending, time.Now().UTC())
	require.NoError(t, s.Create(ctx, run))

	run.Status = models.RunRunning
	require.NoError(t, s.Update(ctx, run))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)

	_, err = s.DeleteOlderThan(ctx, time.Now())
	assert.NoError(t, err)
}

func TestUpdateRefreshesCacheAndNotifies(t *testing.T) {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	defer d.Close()
	c, err := cache.NewMemory(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	n := notifier.New()
	ch := n.SubscribeTo("r1")
	s := New(d, WithCache(c, time.Hour), WithNotifier(n))
	ctx := context.Background()

	run := newRun("r1", models.RunPending, time.Now().UTC())
	require.NoError(t, s.Create(ctx, run))
	<-ch

	run.Status = models.RunRunning
	run.AppendLog("[Stage] build")
	require.NoError(t, s.Update(ctx, run))
	<-ch

	cached, ok, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RunRunning, cached.Status)
	assert.Equal(t, []string{"[Stage] build"}, cached.Logs)
}

func TestUpdateUnknownRun(t *testing.T) {
	s, _, _ := setup(t)

	err := s.Update(context.Background(), newRun("ghost", models.RunRunning, time.Now()))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateDuplicateIsPersistenceError(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()

	run := newRun("r1", models.RunPending, time.Now().UTC())
	require.NoError(t, s.Create(ctx, run))

	err := s.Create(ctx, run)
	assert.ErrorIs(t, err, models.ErrPersistence)
}

func TestListForPipeline(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// inserted out of order on purpose
	for _, i := range []int{2, 0, 3, 1} {
		id := []string{"a", "b", "c", "d"}[i]
		require.NoError(t, s.Create(ctx, newRun(id, models.RunSuccess, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := s.ListForPipeline(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for i := 1; i < len(runs); i++ {
		assert.True(t, runs[i-1].StartedAt.After(runs[i].StartedAt), "runs must be newest first")
	}

	runs, err = s.ListForPipeline(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "d", runs[0].Id)
	assert.Equal(t, "c", runs[1].Id)

	runs, err = s.ListForPipeline(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = s.ListForPipeline(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDeleteOlderThanKeepsActiveRuns(t *testing.T) {
	s, _, c := setup(t)
	ctx := context.Background()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newRun("done", models.RunSuccess, old)))
	require.NoError(t, s.Create(ctx, newRun("pending", models.RunPending, old)))
	require.NoError(t, s.Create(ctx, newRun("running", models.RunRunning, old)))

	n, err := s.DeleteOlderThan(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "done")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, ok, _ := c.Get(ctx, "done")
	assert.False(t, ok, "deleted runs are evicted from the cache")

	for _, id := range []string{"pending", "running"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestFailActiveEvictsCache(t *testing.T) {
	s, _, c := setup(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newRun("running", models.RunRunning, start)))
	require.NoError(t, s.Create(ctx, newRun("done", models.RunCanceled, start)))
	_, err := s.Get(ctx, "running")
	require.NoError(t, err)

	n, err := s.FailActive(ctx, start.Add(time.Minute), "[Error] Pipeline faulted: interrupted by restart", "interrupted by restart")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := c.Get(ctx, "running")
	assert.False(t, ok)

	run, err := s.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, []string{"[Error] Pipeline faulted: interrupted by restart"}, run.Logs)

	run, err = s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.RunCanceled, run.Status)
}
