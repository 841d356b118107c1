//go:build integration

// Package testutil holds shared helpers for integration tests that need a
// real Redis. Unit tests use miniredis directly and never import this.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/canon"
)

// StartRedis starts a Redis container for testing and returns its URL.
func StartRedis(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start Redis container")

	host, err := redisC.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err, "Failed to get container port")

	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return redisURL, cleanup
}

// NewCanonClient connects a canon client to the given Redis URL.
func NewCanonClient(t *testing.T, redisURL, instance string) *canon.Client {
	t.Helper()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err, "Failed to parse Redis URL")

	client, err := canon.NewClient(opts, instance)
	require.NoError(t, err, "Failed to create canon client")
	t.Cleanup(func() { client.Close() })

	return client
}

// IntegrationConfig builds a complete engine configuration rooted in the
// test's temp directory. The collaborators are tiny shell scripts: the
// generator leaves a report naming one written file, the tester passes.
// Health.Port 0 binds an ephemeral port so parallel engines never collide.
func IntegrationConfig(t *testing.T, redisURL, instance string) *config.Config {
	t.Helper()
	root := t.TempDir()

	return &config.Config{
		Instance: instance,
		Redis:    config.RedisConfig{URL: redisURL},
		Workspaces: config.WorkspacesConfig{
			Root:          root,
			MaxConcurrent: 2,
		},
		Risk: config.RiskConfig{
			Weights:    config.RiskWeights{Touched: 1, Dependents: 2, Criticality: 3},
			Thresholds: config.RiskThresholds{Medium: 5, High: 12, Critical: 25},
		},
		CriticalGate: config.CriticalGateConfig{Mode: "static", Allow: false},
		Retry: config.RetryConfig{
			GenerationAttempts:      3,
			GenerationBackoff:       50 * time.Millisecond,
			VersionConflictAttempts: 1,
		},
		Collaborators: config.CollaboratorsConfig{
			Generator: config.CollaboratorConfig{
				Kind:    "exec",
				Command: []string{"/bin/sh", "-c", `touch generated.txt && printf '{"files_written":["generated.txt"]}' > genreport.json`},
				Timeout: 30 * time.Second,
			},
			Tester: config.CollaboratorConfig{
				Kind:    "exec",
				Command: []string{"/bin/sh", "-c", "exit 0"},
				Timeout: 30 * time.Second,
			},
		},
	}
}

// WaitForRequestState polls the canon until the request reaches the wanted
// state, failing the test after timeout.
func WaitForRequestState(t *testing.T, client *canon.Client, requestID string, state canon.PipelineState, timeout time.Duration) *canon.ChangeRequest {
	t.Helper()
	ctx := context.Background()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := client.GetChangeRequest(ctx, requestID)
		if err == nil && req.State == state {
			return req
		}
		time.Sleep(100 * time.Millisecond)
	}

	req, err := client.GetChangeRequest(ctx, requestID)
	if err != nil {
		require.Fail(t, fmt.Sprintf("Request %s never reached state %s: %v", requestID, state, err))
	} else {
		require.Fail(t, fmt.Sprintf("Request %s is in state %s, wanted %s (reason: %s)", requestID, req.State, state, req.Reason))
	}
	return nil
}
