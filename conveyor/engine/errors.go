package engine

import "errors"

var (
	ErrShuttingDown = errors.New("engine is shutting down")

	// errCanceled stops the stage walk once the run has left the active
	// states. It never reaches a run record.
	errCanceled = errors.New("run no longer active")

	errInterrupted = errors.New("interrupted by restart")
)
