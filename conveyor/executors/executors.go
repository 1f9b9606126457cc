// Package executors runs job commands on behalf of the engine.
package executors

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"tangled.sh/tangled.sh/conveyor/conveyor/config"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

const (
	KindDry    = "dry"
	KindShell  = "shell"
	KindDocker = "docker"
)

// maxOutput bounds how much command output is kept in an ExecutionError.
const maxOutput = 4096

// New builds the executor named by cfg.Executor.
func New(ctx context.Context, cfg config.Pipelines, l *slog.Logger) (models.Executor, error) {
	switch cfg.Executor {
	case KindDry, "":
		return NewDry(cfg.DryRunDelay), nil
	case KindShell:
		return NewShell(cfg.WorkspaceDir, l)
	case KindDocker:
		return NewDocker(ctx, cfg.Image, l)
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}

// Dry pretends to run every command, taking Delay each time.
type Dry struct {
	Delay time.Duration
}

func NewDry(delay time.Duration) *Dry {
	return &Dry{Delay: delay}
}

func (d *Dry) Execute(ctx context.Context, cmd models.Command) error {
	if d.Delay <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d.Delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(out []byte) string {
	if len(out) <= maxOutput {
		return string(out)
	}
	cut := len(out) - maxOutput
	for cut < len(out) && !utf8.RuneStart(out[cut]) {
		cut++
	}
	return "..." + string(out[cut:])
}
