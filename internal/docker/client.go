// Package docker builds the Docker client used to run containerized
// collaborators, and defines the labels and naming scheme that mark the
// containers warren starts.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/dyluth/warren/internal/config"
)

// Needed reports whether any configured collaborator runs in Docker. The
// daemon is only contacted when it does.
func Needed(collaborators config.CollaboratorsConfig) bool {
	return collaborators.Generator.Kind == "docker" || collaborators.Tester.Kind == "docker"
}

// NewClient creates a Docker client and verifies the daemon is reachable.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

Docker collaborators are configured, so the daemon must be running:
  • macOS: Docker Desktop
  • Linux: sudo systemctl start docker`, err)
	}

	return cli, nil
}
