package workspace

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/archive"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

func setupManager(t *testing.T, maxConcurrent int) (*Manager, *canon.Client, *archive.Archive) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := canon.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	arch, err := archive.Open(archive.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	m, err := NewManager(Config{
		CanonClient:   client,
		Archive:       arch,
		Root:          t.TempDir(),
		MaxConcurrent: maxConcurrent,
		SnapshotsKeep: 10,
	})
	require.NoError(t, err)

	return m, client, arch
}

func entityFixture(id string) *specgraph.SpecEntity {
	return &specgraph.SpecEntity{
		ID:     id,
		Kind:   specgraph.KindEntity,
		Fields: map[string]specgraph.FieldDescriptor{"name": {Type: specgraph.FieldString}},
	}
}

func createChange(id string) specgraph.ChangeSet {
	return specgraph.ChangeSet{
		{Op: specgraph.OpCreate, EntityID: id, Entity: entityFixture(id)},
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{Root: "x", MaxConcurrent: 1})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "canon client is required")
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh instance starts empty", func(t *testing.T) {
		m, _, _ := setupManager(t, 2)
		require.NoError(t, m.Bootstrap(ctx))

		g := m.Current()
		assert.Equal(t, int64(0), g.Revision)
		assert.Equal(t, 0, g.Len())
	})

	t.Run("loads current snapshot from canon", func(t *testing.T) {
		m, client, _ := setupManager(t, 2)

		g := specgraph.NewGraph()
		require.NoError(t, g.AddEntity(entityFixture("users")))
		g.Revision = 4
		g.Version = "0.4.0"
		require.NoError(t, client.SaveSnapshot(ctx, g))

		require.NoError(t, m.Bootstrap(ctx))
		assert.Equal(t, int64(4), m.CurrentRevision())
	})

	t.Run("restores snapshot from archive when canon lost it", func(t *testing.T) {
		m, client, arch := setupManager(t, 2)

		g := specgraph.NewGraph()
		require.NoError(t, g.AddEntity(entityFixture("users")))
		g.Revision = 9
		g.Version = "1.1.0"
		require.NoError(t, arch.SaveSnapshot(ctx, g))

		require.NoError(t, m.Bootstrap(ctx))
		assert.Equal(t, int64(9), m.CurrentRevision())

		// The restored snapshot was written back to the canon.
		restored, err := client.CurrentSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(9), restored.Revision)
		assert.Equal(t, "1.1.0", restored.Version)
	})
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setupManager(t, 2)
	require.NoError(t, m.Bootstrap(ctx))

	t.Run("creates directory and isolated fork", func(t *testing.T) {
		ws, err := m.Allocate(ctx, uuid.New().String())
		require.NoError(t, err)
		defer m.Release(ws)

		info, err := os.Stat(ws.Dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, int64(0), ws.BaseRevision)

		// Mutating the fork never shows up in the canonical head.
		next, err := ws.Graph.Apply(createChange("scratch"))
		require.NoError(t, err)
		ws.Graph = next
		assert.Equal(t, 0, m.Current().Len())
	})
}

func TestAllocate_CapacityExhaustion(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setupManager(t, 2)
	require.NoError(t, m.Bootstrap(ctx))

	first, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	second, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)

	_, err = m.Allocate(ctx, uuid.New().String())
	require.Error(t, err)
	assert.True(t, IsResourceExhausted(err))
	assert.Contains(t, err.Error(), "capacity exhausted")

	// Releasing a slot frees capacity.
	m.Release(first)
	third, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)

	m.Release(second)
	m.Release(third)
}

func TestRelease_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setupManager(t, 1)
	require.NoError(t, m.Bootstrap(ctx))

	ws, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)

	m.Release(ws)
	m.Release(ws) // second call must not release capacity twice

	_, err = os.Stat(ws.Dir)
	assert.True(t, os.IsNotExist(err))

	// Exactly one slot is free again.
	again, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	_, err = m.Allocate(ctx, uuid.New().String())
	assert.True(t, IsResourceExhausted(err))
	m.Release(again)
}

func TestMerge_PublishesSnapshot(t *testing.T) {
	ctx := context.Background()
	m, client, arch := setupManager(t, 2)
	require.NoError(t, m.Bootstrap(ctx))

	requestID := uuid.New().String()
	ws, err := m.Allocate(ctx, requestID)
	require.NoError(t, err)
	defer m.Release(ws)

	published, err := m.Merge(ctx, ws, createChange("orders"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), published.Revision)
	assert.Equal(t, requestID, published.PublishedBy)
	assert.False(t, published.PublishedAt.IsZero())

	// Canonical head advanced.
	assert.Equal(t, int64(1), m.CurrentRevision())

	// Snapshot persisted to the canon and mirrored to the archive.
	fromCanon, err := client.CurrentSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fromCanon.Revision)

	fromArchive, err := arch.CurrentSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fromArchive.Revision)
}

func TestMerge_DisjointWorkspacesBothLand(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setupManager(t, 2)
	require.NoError(t, m.Bootstrap(ctx))

	// Both forks taken from revision 0.
	wsA, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	defer m.Release(wsA)
	wsB, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	defer m.Release(wsB)

	_, err = m.Merge(ctx, wsA, createChange("orders"))
	require.NoError(t, err)

	// B's base is stale but its change set touches different entities, so
	// the merge re-applies cleanly on the newer head.
	published, err := m.Merge(ctx, wsB, createChange("invoices"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), published.Revision)

	head := m.Current()
	_, ok := head.Entity("orders")
	assert.True(t, ok)
	_, ok = head.Entity("invoices")
	assert.True(t, ok)
}

func TestMerge_ConflictThenRefreshRetry(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setupManager(t, 2)
	require.NoError(t, m.Bootstrap(ctx))

	// Seed the head with one entity at revision 1.
	seed, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	_, err = m.Merge(ctx, seed, createChange("core"))
	require.NoError(t, err)
	m.Release(seed)

	updateCore := func(g *specgraph.Graph) specgraph.ChangeSet {
		e, ok := g.Entity("core")
		require.True(t, ok)
		e.Fields["renamed"] = specgraph.FieldDescriptor{Type: specgraph.FieldString}
		return specgraph.ChangeSet{
			{Op: specgraph.OpUpdate, EntityID: "core", Entity: e, ExpectedRevision: e.Revision},
		}
	}

	wsA, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	defer m.Release(wsA)
	wsB, err := m.Allocate(ctx, uuid.New().String())
	require.NoError(t, err)
	defer m.Release(wsB)

	csA := updateCore(wsA.Graph)
	csB := updateCore(wsB.Graph)

	_, err = m.Merge(ctx, wsA, csA)
	require.NoError(t, err)

	// B carries ExpectedRevision 1 but core is now at 2.
	_, err = m.Merge(ctx, wsB, csB)
	require.Error(t, err)
	var conflict *specgraph.VersionConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "core", conflict.EntityID)

	// Refresh rebases the fork; a recomputed change set merges.
	m.Refresh(wsB)
	assert.Equal(t, int64(2), wsB.BaseRevision)

	published, err := m.Merge(ctx, wsB, updateCore(wsB.Graph))
	require.NoError(t, err)
	assert.Equal(t, int64(3), published.Revision)
}

func TestMerge_TrimsSnapshotHistory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := canon.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	m, err := NewManager(Config{
		CanonClient:   client,
		Root:          t.TempDir(),
		MaxConcurrent: 1,
		SnapshotsKeep: 2,
	})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap(ctx))

	for _, id := range []string{"a", "b", "c"} {
		ws, err := m.Allocate(ctx, uuid.New().String())
		require.NoError(t, err)
		_, err = m.Merge(ctx, ws, createChange(id))
		require.NoError(t, err)
		m.Release(ws)
	}

	revisions, err := client.ListSnapshotRevisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, revisions)
}
