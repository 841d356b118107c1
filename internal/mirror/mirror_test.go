package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/specgraph"
)

func publishedGraph(t *testing.T, revision int64, version string) *specgraph.Graph {
	t.Helper()
	g := specgraph.NewGraph()
	require.NoError(t, g.AddEntity(&specgraph.SpecEntity{
		ID:     "orders",
		Kind:   specgraph.KindEntity,
		Fields: map[string]specgraph.FieldDescriptor{"total": {Type: specgraph.FieldFloat}},
	}))
	g.Revision = revision
	g.Version = version
	g.PublishedBy = uuid.New().String()
	return g
}

func TestOpen_InitializesAndReopens(t *testing.T) {
	_, err := Open("")
	assert.ErrorContains(t, err, "path is required")

	dir := filepath.Join(t.TempDir(), "mirror")

	m, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, m.Path())
	assert.DirExists(t, filepath.Join(dir, ".git"))

	// Second open must find the existing repository, not re-init it.
	again, err := Open(dir)
	require.NoError(t, err)
	assert.NotNil(t, again.repo)
}

func TestRecordPublish_CommitsSnapshot(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "mirror"))
	require.NoError(t, err)

	g := publishedGraph(t, 1, "0.1.0")
	require.NoError(t, m.RecordPublish(g))

	jsonBody, err := os.ReadFile(filepath.Join(m.Path(), SnapshotJSONFile))
	require.NoError(t, err)
	assert.Contains(t, string(jsonBody), `"revision": 1`)
	assert.Contains(t, string(jsonBody), `"orders"`)

	yamlBody, err := os.ReadFile(filepath.Join(m.Path(), SnapshotYAMLFile))
	require.NoError(t, err)
	assert.Contains(t, string(yamlBody), "revision: 1")
	assert.Contains(t, string(yamlBody), "orders")

	head, err := m.repo.Head()
	require.NoError(t, err)
	commit, err := m.repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Contains(t, commit.Message, "publish revision 1 (version 0.1.0)")
	assert.Contains(t, commit.Message, g.PublishedBy)
	assert.Equal(t, "warren", commit.Author.Name)
}

func TestRecordPublish_OneCommitPerRevision(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "mirror"))
	require.NoError(t, err)

	require.NoError(t, m.RecordPublish(publishedGraph(t, 1, "0.1.0")))
	require.NoError(t, m.RecordPublish(publishedGraph(t, 2, "0.2.0")))

	head, err := m.repo.Head()
	require.NoError(t, err)
	commit, err := m.repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Contains(t, commit.Message, "publish revision 2")
	assert.Equal(t, 1, commit.NumParents())
}

func TestRecordPublish_ReplayIsIdempotent(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "mirror"))
	require.NoError(t, err)

	g := publishedGraph(t, 3, "1.0.0")
	require.NoError(t, m.RecordPublish(g))
	require.NoError(t, m.RecordPublish(g))

	head, err := m.repo.Head()
	require.NoError(t, err)
	commit, err := m.repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, 0, commit.NumParents())
}
