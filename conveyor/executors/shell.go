package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// Shell runs commands with sh -c inside a workspace directory per run.
type Shell struct {
	root string
	l    *slog.Logger
}

func NewShell(root string, l *slog.Logger) (*Shell, error) {
	if root == "" {
		return nil, errors.New("shell executor requires a workspace directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	if l == nil {
		l = slog.Default()
	}
	return &Shell{root: root, l: l.With("executor", KindShell)}, nil
}

// Workspace returns the directory commands of a run execute in.
func (s *Shell) Workspace(runId string) (string, error) {
	return securejoin.SecureJoin(s.root, runId)
}

func (s *Shell) Execute(ctx context.Context, cmd models.Command) error {
	dir, err := s.Workspace(cmd.RunId)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	c := exec.CommandContext(ctx, "sh", "-c", cmd.Text)
	c.Dir = dir
	c.Env = append(os.Environ(), "HOME="+dir, "CONVEYOR_RUN_ID="+cmd.RunId)
	c.Env = append(c.Env, cmd.Env.Slice()...)

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	s.l.Debug("running command", "run", cmd.RunId, "job", cmd.Job, "command", cmd.Text)

	err = c.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &models.ExecutionError{
			ExitCode: exitErr.ExitCode(),
			Output:   strings.TrimSpace(truncate(out.Bytes())),
		}
	}
	return &models.ExecutionError{ExitCode: -1, Err: err}
}

// Cleanup removes the run's workspace.
func (s *Shell) Cleanup(ctx context.Context, runId string) error {
	dir, err := s.Workspace(runId)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
