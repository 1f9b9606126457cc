package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("invalid pipeline definition")
	ErrJobFailed   = errors.New("job failed")
	ErrPersistence = errors.New("persistence failure")
	ErrQueueFull   = errors.New("run queue is full")
)

// NotFoundError reports an unknown pipeline or run, or a run that is no
// longer active when it is the target of a cancellation.
type NotFoundError struct {
	Kind string
	Id   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Id)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func PipelineNotFound(id string) error {
	return &NotFoundError{Kind: "pipeline", Id: id}
}

func RunNotFound(id string) error {
	return &NotFoundError{Kind: "run", Id: id}
}

func ActiveRunNotFound(id string) error {
	return &NotFoundError{Kind: "active run", Id: id}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// JobExecutionError is raised when a command of a job fails; it aborts the
// rest of the pipeline.
type JobExecutionError struct {
	Job     string
	Command string
	Err     error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s: command %q failed: %v", e.Job, e.Command, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

func (e *JobExecutionError) Is(target error) bool {
	return target == ErrJobFailed
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// ExecutionError is what command executors return when a command ran but
// did not succeed.
type ExecutionError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("exit code %d", e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Output)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
