package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/config"
)

const dockerTestImage = "alpine:latest"

// requireDocker skips the test unless a Docker daemon and the test image are
// available. The daemon is never a CI requirement for this package.
func requireDocker(t *testing.T) *client.Client {
	t.Helper()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("Docker client unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("Docker daemon unavailable: %v", err)
	}
	if _, _, err := cli.ImageInspectWithRaw(ctx, dockerTestImage); err != nil {
		t.Skipf("image %s not present: %v", dockerTestImage, err)
	}
	return cli
}

func TestDockerRunner_Run(t *testing.T) {
	cli := requireDocker(t)

	cfg := config.CollaboratorConfig{
		Kind:    "docker",
		Image:   dockerTestImage,
		Timeout: time.Minute,
	}

	t.Run("mounts workspace read-write", func(t *testing.T) {
		dir := t.TempDir()
		cfg := cfg
		cfg.Command = []string{"/bin/sh", "-c", "echo from-container > proof.txt"}
		r := NewDockerRunner("generator", cfg, cli)

		res, err := r.Run(context.Background(), dir, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)

		proof, err := os.ReadFile(filepath.Join(dir, "proof.txt"))
		require.NoError(t, err)
		assert.Contains(t, string(proof), "from-container")
	})

	t.Run("non-zero exit carries logs", func(t *testing.T) {
		cfg := cfg
		cfg.Command = []string{"/bin/sh", "-c", "echo container-boom; exit 4"}
		r := NewDockerRunner("tester", cfg, cli)

		_, err := r.Run(context.Background(), t.TempDir(), nil)
		require.Error(t, err)

		var collabErr *CollaboratorError
		require.True(t, errors.As(err, &collabErr))
		assert.Equal(t, 4, collabErr.ExitCode)
		assert.Contains(t, collabErr.Output, "container-boom")
	})

	t.Run("timeout kills the container", func(t *testing.T) {
		cfg := cfg
		cfg.Command = []string{"/bin/sh", "-c", "sleep 30"}
		cfg.Timeout = 2 * time.Second
		r := NewDockerRunner("tester", cfg, cli)

		_, err := r.Run(context.Background(), t.TempDir(), nil)
		require.Error(t, err)
		assert.ErrorContains(t, err, "timed out")
	})
}

func TestNewGenerator_KindSelection(t *testing.T) {
	gen, err := NewGenerator(config.CollaboratorConfig{
		Kind:    "exec",
		Command: []string{"true"},
		Timeout: time.Minute,
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RunnerGenerator{}, gen)

	_, err = NewGenerator(config.CollaboratorConfig{
		Kind:    "docker",
		Image:   "spec-gen:latest",
		Timeout: time.Minute,
	}, nil)
	assert.ErrorContains(t, err, "no Docker client")

	_, err = NewTestRunner(config.CollaboratorConfig{Kind: "wasm"}, nil)
	assert.ErrorContains(t, err, "unknown kind")
}
