package executors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// fakeDocker serves the calls the executor makes. Anything else panics on
// the nil embedded client.
type fakeDocker struct {
	client.APIClient

	state  container.State
	stdout string
	stderr string

	startErr error

	mu      sync.Mutex
	pulls   int
	created []*container.Config
	removed []string
	volumes []string
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) VolumeCreate(_ context.Context, opts volume.CreateOptions) (volume.Volume, error) {
	return volume.Volume{Name: opts.Name}, nil
}

func (f *fakeDocker) VolumeRemove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, id)
	return nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	wait := make(chan container.WaitResponse, 1)
	wait <- container.WaitResponse{StatusCode: int64(f.state.ExitCode)}
	return wait, make(chan error)
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	state := f.state
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "c1", State: &state},
	}, nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func newTestDocker(f *fakeDocker) *Docker {
	return &Docker{docker: f, image: "alpine:3", l: slog.Default()}
}

func dockerCommand(text string) models.Command {
	return models.Command{RunId: "r1", Stage: "test", Job: "unit", Text: text, Env: models.EnvVars{"CI=true"}}
}

func TestDockerExecuteSuccess(t *testing.T) {
	f := &fakeDocker{}
	d := newTestDocker(f)
	ctx := context.Background()

	require.NoError(t, d.Execute(ctx, dockerCommand("make")))
	require.NoError(t, d.Execute(ctx, dockerCommand("make test")))

	assert.Equal(t, 1, f.pulls, "image is pulled once")
	require.Len(t, f.created, 2)
	assert.Equal(t, []string{"sh", "-c", "make"}, []string(f.created[0].Cmd))
	assert.Equal(t, workspaceDir, f.created[0].WorkingDir)
	assert.Contains(t, f.created[0].Env, "CI=true")
	assert.Contains(t, f.created[0].Env, "CONVEYOR_RUN_ID=r1")
	assert.Equal(t, []string{"c1", "c1"}, f.removed)

	require.NoError(t, d.Cleanup(ctx, "r1"))
	assert.Equal(t, []string{workspaceVolume("r1")}, f.volumes)
}

func TestDockerExecuteNonZeroExit(t *testing.T) {
	f := &fakeDocker{
		state:  container.State{ExitCode: 2},
		stdout: "building\n",
		stderr: "make: *** no rule\n",
	}
	d := newTestDocker(f)

	err := d.Execute(context.Background(), dockerCommand("make"))
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Equal(t, "building\nmake: *** no rule", execErr.Output)
	assert.NotErrorIs(t, err, ErrOOMKilled)
	assert.Equal(t, []string{"c1"}, f.removed)
}

func TestDockerExecuteOOMKilled(t *testing.T) {
	f := &fakeDocker{state: container.State{ExitCode: 137, OOMKilled: true}}
	d := newTestDocker(f)

	err := d.Execute(context.Background(), dockerCommand("eat-memory"))
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 137, execErr.ExitCode)
	assert.ErrorIs(t, err, ErrOOMKilled)
	assert.Equal(t, []string{"c1"}, f.removed)
}

func TestDockerExecuteStartFailure(t *testing.T) {
	f := &fakeDocker{startErr: errors.New("no such image")}
	d := newTestDocker(f)

	err := d.Execute(context.Background(), dockerCommand("make"))
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitCode)
	assert.Contains(t, err.Error(), "starting container")
	assert.Equal(t, []string{"c1"}, f.removed, "created containers are removed even when start fails")
}
