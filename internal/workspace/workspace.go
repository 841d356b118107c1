// Package workspace manages isolated per-request forks of the spec graph.
//
// Every accepted change request gets a private fork of the current snapshot
// plus a working directory for collaborator output. Capacity is bounded by a
// weighted semaphore; the merge back into canonical state runs under a single
// mutex so publishes are strictly serialised.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dyluth/warren/internal/archive"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// Workspace is one request's private fork.
type Workspace struct {
	RequestID    string
	Dir          string
	Graph        *specgraph.Graph // private fork, mutated freely by the pipeline
	BaseRevision int64            // canonical revision the fork was taken from

	releaseOnce sync.Once
}

// Manager allocates, merges and reclaims workspaces. It owns the in-memory
// canonical graph head.
type Manager struct {
	canonClient *canon.Client
	archive     *archive.Archive // nil when the durable mirror is disabled
	root        string
	limit       int
	keep        int
	capacity    *semaphore.Weighted
	logger      *zap.Logger

	// mergeMu guards current and serialises every publish.
	mergeMu sync.Mutex
	current *specgraph.Graph
}

// Config collects manager dependencies.
type Config struct {
	CanonClient   *canon.Client
	Archive       *archive.Archive // optional
	Root          string
	MaxConcurrent int
	SnapshotsKeep int // 0 = unlimited
	Logger        *zap.Logger
}

// NewManager creates a workspace manager. Bootstrap must be called before
// Allocate.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.CanonClient == nil {
		return nil, fmt.Errorf("canon client is required")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent workspaces must be >= 1, got %d", cfg.MaxConcurrent)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		canonClient: cfg.CanonClient,
		archive:     cfg.Archive,
		root:        cfg.Root,
		limit:       cfg.MaxConcurrent,
		keep:        cfg.SnapshotsKeep,
		capacity:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:      logger,
	}, nil
}

// Bootstrap loads the canonical graph head: current snapshot from the canon,
// falling back to the archive when Redis lost it, falling back to an empty
// graph for a brand-new instance. A snapshot recovered from the archive is
// written back to the canon.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	g, err := m.canonClient.CurrentSnapshot(ctx)
	if err == nil {
		m.current = g
		return nil
	}
	if !canon.IsNotFound(err) {
		return fmt.Errorf("failed to load current snapshot: %w", err)
	}

	if m.archive != nil {
		g, err = m.archive.CurrentSnapshot(ctx)
		if err == nil {
			m.logger.Warn("canon snapshot missing, restored from archive",
				zap.Int64("revision", g.Revision))
			if saveErr := m.canonClient.SaveSnapshot(ctx, g); saveErr != nil {
				return fmt.Errorf("failed to restore snapshot to canon: %w", saveErr)
			}
			m.current = g
			return nil
		}
		if !archive.IsNotFound(err) {
			return fmt.Errorf("failed to load archived snapshot: %w", err)
		}
	}

	m.current = specgraph.NewGraph()
	return nil
}

// Current returns an isolated copy of the canonical head.
func (m *Manager) Current() *specgraph.Graph {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()
	return m.current.Fork()
}

// CurrentRevision returns the canonical head revision.
func (m *Manager) CurrentRevision() int64 {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()
	return m.current.Revision
}

// Allocate reserves capacity and creates a workspace for the request: a fork
// of the current snapshot and a working directory under the manager root.
// Returns *ResourceExhausted without blocking when all slots are taken.
func (m *Manager) Allocate(ctx context.Context, requestID string) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.capacity.TryAcquire(1) {
		return nil, &ResourceExhausted{Limit: m.limit}
	}

	dir := filepath.Join(m.root, requestID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		m.capacity.Release(1)
		return nil, &WorkspaceError{RequestID: requestID, Op: "allocate", Err: err}
	}

	m.mergeMu.Lock()
	fork := m.current.Fork()
	m.mergeMu.Unlock()

	return &Workspace{
		RequestID:    requestID,
		Dir:          dir,
		Graph:        fork,
		BaseRevision: fork.Revision,
	}, nil
}

// Refresh rebases the workspace onto the latest canonical head, discarding
// the existing fork. Used when a merge hit a version conflict and the
// pipeline re-runs the mutation against fresher state.
func (m *Manager) Refresh(ws *Workspace) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()
	ws.Graph = m.current.Fork()
	ws.BaseRevision = ws.Graph.Revision
}

// Merge applies the change set to the CURRENT canonical head (not the fork,
// which may be stale) and persists the new snapshot. Apply re-checks every
// per-entity expected revision, so a concurrent publish that touched the
// same entities surfaces as *specgraph.VersionConflict.
//
// The workspace stays allocated either way; the caller decides whether to
// retry or release.
func (m *Manager) Merge(ctx context.Context, ws *Workspace, cs specgraph.ChangeSet) (*specgraph.Graph, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	next, err := m.current.Apply(cs)
	if err != nil {
		return nil, err
	}
	next.PublishedAt = time.Now().UTC()
	next.PublishedBy = ws.RequestID

	if err := m.canonClient.SaveSnapshot(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if err := m.canonClient.TrimSnapshots(ctx, m.keep); err != nil {
		m.logger.Warn("snapshot trim failed", zap.Error(err))
	}

	if m.archive != nil {
		if err := m.archive.SaveSnapshot(ctx, next); err != nil {
			m.logger.Warn("failed to mirror snapshot to archive",
				zap.Int64("revision", next.Revision), zap.Error(err))
		} else if err := m.archive.TrimSnapshots(ctx, m.keep); err != nil {
			m.logger.Warn("archived snapshot trim failed", zap.Error(err))
		}
	}

	m.current = next
	return next.Fork(), nil
}

// Release removes the working directory and returns the capacity slot.
// Idempotent; never touches canonical state.
func (m *Manager) Release(ws *Workspace) {
	ws.releaseOnce.Do(func() {
		if err := os.RemoveAll(ws.Dir); err != nil {
			m.logger.Warn("failed to remove workspace directory",
				zap.String("request_id", ws.RequestID), zap.Error(err))
		}
		m.capacity.Release(1)
	})
}
