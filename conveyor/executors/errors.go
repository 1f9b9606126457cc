package executors

import "errors"

var (
	ErrOOMKilled = errors.New("oom killed")
)
