package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

const (
	workspaceDir = "/conveyor/workspace"
)

// Docker runs every command in a fresh container. Containers of one run
// share a workspace volume.
type Docker struct {
	docker client.APIClient
	image  string
	l      *slog.Logger

	pullOnce sync.Once
	pullErr  error
}

func NewDocker(ctx context.Context, img string, l *slog.Logger) (*Docker, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = slog.Default()
	}

	return &Docker{docker: dcli, image: img, l: l.With("executor", KindDocker)}, nil
}

func (d *Docker) pull(ctx context.Context) error {
	d.pullOnce.Do(func() {
		reader, err := d.docker.ImagePull(context.WithoutCancel(ctx), d.image, image.PullOptions{})
		if err != nil {
			d.pullErr = fmt.Errorf("pulling image: %w", err)
			return
		}
		defer reader.Close()
		_, _ = io.Copy(io.Discard, reader)
		d.l.Info("pulled image", "image", d.image)
	})
	return d.pullErr
}

func (d *Docker) Execute(ctx context.Context, cmd models.Command) error {
	if err := d.pull(ctx); err != nil {
		return &models.ExecutionError{ExitCode: -1, Err: err}
	}

	_, err := d.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(cmd.RunId),
		Driver: "local",
	})
	if err != nil {
		return &models.ExecutionError{ExitCode: -1, Err: fmt.Errorf("creating volume: %w", err)}
	}

	resp, err := d.docker.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd.Text},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "conveyor",
		Env:        append([]string{"HOME=" + workspaceDir, "CONVEYOR_RUN_ID=" + cmd.RunId}, cmd.Env.Slice()...),
	}, hostConfig(cmd.RunId), nil, nil, "")
	if err != nil {
		return &models.ExecutionError{ExitCode: -1, Err: fmt.Errorf("creating container: %w", err)}
	}
	defer d.remove(resp.ID)

	err = d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return &models.ExecutionError{ExitCode: -1, Err: fmt.Errorf("starting container: %w", err)}
	}
	d.l.Debug("started container", "name", resp.ID, "run", cmd.RunId, "job", cmd.Job)

	state, err := d.wait(ctx, resp.ID)
	if err != nil {
		return &models.ExecutionError{ExitCode: -1, Err: err}
	}

	if state.ExitCode != 0 || state.OOMKilled {
		out, _ := d.output(context.Background(), resp.ID)
		e := &models.ExecutionError{ExitCode: state.ExitCode, Output: strings.TrimSpace(out)}
		if state.OOMKilled {
			e.Err = ErrOOMKilled
		}
		return e
	}

	return nil
}

func (d *Docker) wait(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := d.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (d *Docker) output(ctx context.Context, containerID string) (string, error) {
	logs, err := d.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", err
	}
	return truncate(buf.Bytes()), nil
}

func (d *Docker) remove(containerID string) {
	err := d.docker.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	if err != nil {
		d.l.Warn("failed to remove container", "container", containerID, "error", err)
	}
}

// Cleanup removes the run's workspace volume.
func (d *Docker) Cleanup(ctx context.Context, runId string) error {
	return d.docker.VolumeRemove(ctx, workspaceVolume(runId), true)
}

func workspaceVolume(id string) string {
	return "conveyor-workspace-" + id
}

func hostConfig(id string) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(id),
				Target: workspaceDir,
			},
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
}
