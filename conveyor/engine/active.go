package engine

import (
	"context"
	"sync"
	"time"

	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// activeRun is the engine's handle on a run that has not reached a
// terminal status. The orchestrating task is its only writer apart from
// Cancel; both go through update.
type activeRun struct {
	// writeMu serialises mutate-then-persist so records reach the store in
	// the order they were produced.
	writeMu sync.Mutex

	mu  sync.Mutex
	run *models.Run

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	now     func() time.Time
	persist func(*models.Run) error
	// onDone receives the final record and whether it reached the store.
	onDone func(final *models.Run, flushed bool)
}

func (a *activeRun) snapshot() *models.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run.Clone()
}

// update applies fn to the run and persists the result when fn reports a
// change. Once the run is terminal the handle is released.
func (a *activeRun) update(fn func(r *models.Run) bool) bool {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	changed := fn(a.run)
	snap := a.run.Clone()
	a.mu.Unlock()

	if !changed {
		return false
	}

	err := a.persist(snap)
	if snap.Status.IsTerminal() {
		a.release(snap, err == nil)
	}
	return true
}

func (a *activeRun) release(final *models.Run, flushed bool) {
	a.once.Do(func() {
		a.cancel()
		if a.onDone != nil {
			a.onDone(final, flushed)
		}
		close(a.done)
	})
}

// Append adds a log line unless the run has already terminated.
func (a *activeRun) Append(line string) bool {
	return a.update(func(r *models.Run) bool {
		if r.Status.IsTerminal() {
			return false
		}
		r.AppendLog(line)
		return true
	})
}

// Collect records artifact paths and the summary line listing them.
func (a *activeRun) Collect(paths []string) bool {
	return a.update(func(r *models.Run) bool {
		if r.Status.IsTerminal() {
			return false
		}
		for _, p := range paths {
			r.AddArtifact(p)
		}
		r.AppendLog(artifactsLine(paths))
		return true
	})
}

func (a *activeRun) start() bool {
	return a.update(func(r *models.Run) bool {
		if r.Status != models.RunPending {
			return false
		}
		r.Status = models.RunRunning
		return true
	})
}

func (a *activeRun) succeed() bool {
	return a.update(func(r *models.Run) bool {
		if r.Status.IsTerminal() {
			return false
		}
		r.AppendLog(completeLine)
		return r.Finish(models.RunSuccess, a.now())
	})
}

func (a *activeRun) fail(line string, err error) bool {
	return a.update(func(r *models.Run) bool {
		if r.Status.IsTerminal() {
			return false
		}
		r.AppendLog(line)
		r.Error = err.Error()
		return r.Finish(models.RunFailed, a.now())
	})
}

func (a *activeRun) markCanceled() bool {
	return a.update(func(r *models.Run) bool {
		if r.Status.IsTerminal() {
			return false
		}
		r.AppendLog(canceledLine)
		return r.Finish(models.RunCanceled, a.now())
	})
}
