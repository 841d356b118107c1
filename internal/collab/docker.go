package collab

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/docker"
)

// DockerRunner runs a collaborator image with the workspace bind-mounted at
// /workspace. The container is created per run and removed afterwards; logs
// are read before removal. The image is expected to be present already.
type DockerRunner struct {
	name    string
	image   string
	command []string
	timeout time.Duration
	cli     *client.Client
}

// NewDockerRunner builds a DockerRunner from collaborator configuration.
// Command, when set, overrides the image's default command.
func NewDockerRunner(name string, cfg config.CollaboratorConfig, cli *client.Client) *DockerRunner {
	return &DockerRunner{
		name:    name,
		image:   cfg.Image,
		command: cfg.Command,
		timeout: cfg.Timeout,
		cli:     cli,
	}
}

// Run creates, starts and waits for one collaborator container. The workspace
// is mounted read-write so generators can leave files behind.
func (r *DockerRunner) Run(ctx context.Context, workingDir string, env []string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	containerName := docker.ContainerName(r.name)

	containerConfig := &container.Config{
		Image:      r.image,
		Cmd:        r.command,
		Env:        env,
		Labels:     docker.BuildLabels(r.name),
		WorkingDir: "/workspace",
	}

	hostConfig := &container.HostConfig{
		AutoRemove: false, // Removed explicitly, after logs are read
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workingDir,
				Target: "/workspace",
			},
		},
	}

	resp, err := r.cli.ContainerCreate(runCtx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s container: %w", r.name, err)
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(runCtx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", r.name, err)
	}

	statusCh, errCh := r.cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, &CollaboratorError{
				Collaborator: r.name,
				ExitCode:     -1,
				Output:       r.logs(resp.ID),
				Err:          fmt.Errorf("timed out after %s", r.timeout),
			}
		}
		return nil, fmt.Errorf("failed waiting for %s container: %w", r.name, err)

	case status := <-statusCh:
		logs := r.logs(resp.ID)
		if status.StatusCode != 0 {
			return nil, &CollaboratorError{
				Collaborator: r.name,
				ExitCode:     int(status.StatusCode),
				Output:       logs,
				Err:          fmt.Errorf("exited with code %d", status.StatusCode),
			}
		}
		return &RunResult{ExitCode: 0, Output: logs}, nil
	}
}

// logs retrieves the last 100 lines of container output. A fresh context
// keeps logs readable after the run context has expired.
func (r *DockerRunner) logs(containerID string) string {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	options := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	}

	reader, err := r.cli.ContainerLogs(logCtx, containerID, options)
	if err != nil {
		return fmt.Sprintf("(failed to retrieve logs: %v)", err)
	}
	defer reader.Close()

	logs, err := io.ReadAll(io.LimitReader(reader, maxOutputBytes))
	if err != nil {
		return fmt.Sprintf("(failed to read logs: %v)", err)
	}

	return string(logs)
}

// remove force-removes the container on its own context so cleanup still
// happens after a timeout or cancellation.
func (r *DockerRunner) remove(containerID string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{
		Force: true,
	})
}
