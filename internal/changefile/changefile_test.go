package changefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/specgraph"
)

const sampleChangeFile = `issue: ISSUE-42
changes:
  - op: create
    entity:
      id: users
      kind: entity
      fields:
        name:
          type: string
          required: true
        email:
          type: string
          unique: true
      tags:
        criticality: high
        owner: identity-team
  - op: update
    expected_revision: 3
    entity:
      id: orders
      kind: entity
      fields:
        total:
          type: float
      relations:
        - to: users
          kind: references
  - op: delete
    entity_id: legacy_reports
    expected_revision: 2
`

func TestParse_FullDocument(t *testing.T) {
	file, cs, err := Parse([]byte(sampleChangeFile))
	require.NoError(t, err)

	assert.Equal(t, "ISSUE-42", file.Issue)
	require.Len(t, cs, 3)

	create := cs[0]
	assert.Equal(t, specgraph.OpCreate, create.Op)
	assert.Equal(t, "users", create.EntityID)
	assert.Equal(t, int64(0), create.ExpectedRevision)
	require.NotNil(t, create.Entity)
	assert.Equal(t, specgraph.KindEntity, create.Entity.Kind)
	assert.Equal(t, int64(0), create.Entity.Revision, "revisions are engine-assigned, never authored")
	assert.True(t, create.Entity.Fields["name"].Required)
	assert.True(t, create.Entity.Fields["email"].Unique)
	assert.Equal(t, specgraph.CriticalityHigh, create.Entity.Tags.Criticality)
	assert.Equal(t, "identity-team", create.Entity.Tags.Owner)

	update := cs[1]
	assert.Equal(t, specgraph.OpUpdate, update.Op)
	assert.Equal(t, "orders", update.EntityID)
	assert.Equal(t, int64(3), update.ExpectedRevision)
	require.Len(t, update.Entity.Relations, 1)
	assert.Equal(t, specgraph.Relation{From: "orders", To: "users", Kind: specgraph.RelationReferences}, update.Entity.Relations[0])

	del := cs[2]
	assert.Equal(t, specgraph.OpDelete, del.Op)
	assert.Equal(t, "legacy_reports", del.EntityID)
	assert.Equal(t, int64(2), del.ExpectedRevision)
	assert.Nil(t, del.Entity)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	content := `changes:
  - op: create
    entitty:
      id: users
      kind: entity
`
	_, _, err := Parse([]byte(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse change file")
}

func TestParse_RejectsStructuralMistakes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "empty document",
			content: "",
			wantErr: "change file is empty",
		},
		{
			name:    "no changes",
			content: "issue: ISSUE-1\n",
			wantErr: "declares no changes",
		},
		{
			name: "unknown op",
			content: `changes:
  - op: rename
    entity_id: users
`,
			wantErr: `unknown op: "rename"`,
		},
		{
			name: "create without entity",
			content: `changes:
  - op: create
    entity_id: users
`,
			wantErr: "create change needs an entity block",
		},
		{
			name: "delete with entity payload",
			content: `changes:
  - op: delete
    entity_id: users
    entity:
      id: users
      kind: entity
`,
			wantErr: "delete change must not carry an entity block",
		},
		{
			name: "delete without target",
			content: `changes:
  - op: delete
    expected_revision: 1
`,
			wantErr: "delete change needs entity_id",
		},
		{
			name: "contradicting IDs",
			content: `changes:
  - op: update
    entity_id: users
    expected_revision: 1
    entity:
      id: accounts
      kind: entity
`,
			wantErr: `entity_id "users" contradicts entity.id "accounts"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_RunsChangeSetValidation(t *testing.T) {
	// Duplicate targets pass conversion but fail set-level validation.
	content := `changes:
  - op: create
    entity:
      id: users
      kind: entity
  - op: update
    expected_revision: 1
    entity:
      id: users
      kind: entity
`
	_, _, err := Parse([]byte(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid change set")
	assert.Contains(t, err.Error(), "more than once")
}

func TestLoad_ReadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleChangeFile), 0644))

	file, cs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ISSUE-42", file.Issue)
	assert.Len(t, cs, 3)

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read change file")
}
