package models

import (
	"context"
)

// Command is a single job step handed to an Executor.
type Command struct {
	RunId string
	Stage string
	Job   string
	Text  string
	Env   EnvVars
}

// Executor performs commands on behalf of the engine. Implementations must
// be safe for concurrent use by different runs, and should honour ctx so a
// cancelled run can interrupt the command in flight.
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// Cleaner is implemented by executors that keep per-run state (workspaces,
// volumes) which can be released once the run is terminal.
type Cleaner interface {
	Cleanup(ctx context.Context, runId string) error
}
