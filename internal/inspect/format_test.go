package inspect

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

func TestFormatRisk(t *testing.T) {
	assert.Equal(t, "-", formatRisk(nil))
	assert.Equal(t, "HIGH", formatRisk(&canon.RiskScore{Level: canon.RiskHigh}))
}

func TestFormatRequester(t *testing.T) {
	tests := []struct {
		name      string
		requester string
		expected  string
	}{
		{
			name:      "empty",
			requester: "",
			expected:  "-",
		},
		{
			name:      "short name",
			requester: "dev@example.com",
			expected:  "dev@example.com",
		},
		{
			name:      "long name - truncated",
			requester: "very.long.address@subdomain.example.com",
			expected:  "very.long.addre...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatRequester(tt.requester))
		})
	}
}

func TestFormatChanges(t *testing.T) {
	tests := []struct {
		name     string
		changes  specgraph.ChangeSet
		expected string
	}{
		{
			name:     "empty set",
			changes:  nil,
			expected: "-",
		},
		{
			name: "single change",
			changes: specgraph.ChangeSet{
				{Op: specgraph.OpCreate, EntityID: "users"},
			},
			expected: "create users",
		},
		{
			name: "multiple changes",
			changes: specgraph.ChangeSet{
				{Op: specgraph.OpCreate, EntityID: "users"},
				{Op: specgraph.OpDelete, EntityID: "legacy"},
			},
			expected: "create users, delete legacy",
		},
		{
			name: "long list - truncated",
			changes: specgraph.ChangeSet{
				{Op: specgraph.OpUpdate, EntityID: "order_processing"},
				{Op: specgraph.OpUpdate, EntityID: "inventory_tracking"},
			},
			expected: "update order_processing, update inven...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatChanges(&canon.ChangeRequest{Changes: tt.changes}))
		})
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "-", formatAge(0))
	assert.Equal(t, "-", formatAge(time.Time{}.UnixMilli()), "zero time must not render as a huge age")
	assert.Contains(t, formatAge(time.Now().UnixMilli()), "s ago")
	assert.Equal(t, "5m ago", formatAge(time.Now().Add(-5*time.Minute).UnixMilli()))
	assert.Equal(t, "3h ago", formatAge(time.Now().Add(-3*time.Hour).UnixMilli()))
	assert.Equal(t, "2d ago", formatAge(time.Now().Add(-48*time.Hour).UnixMilli()))
}

func TestFormatRequestTable(t *testing.T) {
	t.Run("empty listing", func(t *testing.T) {
		var buf bytes.Buffer
		count := FormatRequestTable(&buf, nil, "test")

		assert.Contains(t, buf.String(), "No change requests found for instance 'test'")
		assert.Equal(t, 0, count)
	})

	t.Run("single request", func(t *testing.T) {
		requests := []*canon.ChangeRequest{
			{
				ID:            "550e8400-e29b-41d4-a716-446655440000",
				IssueID:       "ISSUE-42",
				Requester:     "dev@example.com",
				State:         canon.StateTesting,
				Risk:          &canon.RiskScore{Level: canon.RiskMedium},
				SubmittedAtMs: time.Now().Add(-2 * time.Minute).UnixMilli(),
				Changes: specgraph.ChangeSet{
					{Op: specgraph.OpCreate, EntityID: "users"},
				},
			},
		}

		var buf bytes.Buffer
		count := FormatRequestTable(&buf, requests, "test")

		output := buf.String()
		assert.Equal(t, 1, count)
		assert.Contains(t, output, "Change requests for instance 'test'")
		assert.Contains(t, output, "550e8400")
		assert.NotContains(t, output, "550e8400-e29b", "IDs are truncated in the table")
		assert.Contains(t, output, "testing")
		assert.Contains(t, output, "MEDIUM")
		assert.Contains(t, output, "ISSUE-42")
		assert.Contains(t, output, "dev@example.com")
		assert.Contains(t, output, "2m ago")
		assert.Contains(t, output, "create users")
		assert.Contains(t, output, "1 request found")
	})

	t.Run("plural count", func(t *testing.T) {
		requests := []*canon.ChangeRequest{
			{ID: "550e8400-e29b-41d4-a716-446655440000", Requester: "a", State: canon.StateRequested},
			{ID: "660e8400-e29b-41d4-a716-446655440000", Requester: "b", State: canon.StatePublished},
		}

		var buf bytes.Buffer
		FormatRequestTable(&buf, requests, "test")

		assert.Contains(t, buf.String(), "2 requests found")
	})
}

func TestFormatRequestJSONL(t *testing.T) {
	requests := []*canon.ChangeRequest{
		{ID: "550e8400-e29b-41d4-a716-446655440000", Requester: "a", State: canon.StateRequested},
		{ID: "660e8400-e29b-41d4-a716-446655440000", Requester: "b", State: canon.StatePublished},
	}

	var buf bytes.Buffer
	require.NoError(t, FormatRequestJSONL(&buf, requests))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first canon.ChangeRequest
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", first.ID)
	assert.Equal(t, canon.StateRequested, first.State)
}
