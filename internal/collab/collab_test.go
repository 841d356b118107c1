package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/canon"
)

func TestStaticGate(t *testing.T) {
	req := &canon.ChangeRequest{ID: "req-1"}
	risk := &canon.RiskScore{Score: 30, Level: canon.RiskCritical}

	tests := []struct {
		name    string
		cfg     config.CriticalGateConfig
		allowed bool
	}{
		{name: "static allow", cfg: config.CriticalGateConfig{Mode: "static", Allow: true}, allowed: true},
		{name: "static deny", cfg: config.CriticalGateConfig{Mode: "static", Allow: false}, allowed: false},
		{name: "deny mode ignores allow", cfg: config.CriticalGateConfig{Mode: "deny", Allow: true}, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewStaticGate(tt.cfg)

			allowed, reason, err := gate.Approve(context.Background(), req, risk)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, allowed)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestLogNotifier_Notify(t *testing.T) {
	n := NewLogNotifier(zap.NewNop())

	err := n.Notify(context.Background(), &TerminalEvent{
		RequestID: "req-1",
		State:     canon.StatePublished,
		Revision:  4,
		Version:   "1.2.0",
	})
	assert.NoError(t, err)
}

func TestIssueCommentNotifier_WritesSpoolFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	n := NewIssueCommentNotifier(dir)

	err := n.Notify(context.Background(), &TerminalEvent{
		RequestID: "abcdef12-3456-7890-abcd-ef1234567890",
		IssueID:   "ISSUE-42",
		Requester: "dyluth",
		State:     canon.StatePublished,
		Revision:  7,
		Version:   "1.3.0",
		AtMs:      1700000000000,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1700000000000-ISSUE-42-abcdef12.md", entries[0].Name())

	body, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(body), "revision 7")
	assert.Contains(t, string(body), "1.3.0")
	assert.Contains(t, string(body), "Requested by dyluth")
}

func TestIssueCommentNotifier_SkipsEventsWithoutIssue(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	n := NewIssueCommentNotifier(dir)

	err := n.Notify(context.Background(), &TerminalEvent{
		RequestID: "abcdef12-3456-7890-abcd-ef1234567890",
		State:     canon.StateFailed,
	})
	require.NoError(t, err)

	// The spool directory is only created when there is something to spool.
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestIssueCommentNotifier_SanitizesIssueID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	n := NewIssueCommentNotifier(dir)

	err := n.Notify(context.Background(), &TerminalEvent{
		RequestID: "abcdef12-3456-7890-abcd-ef1234567890",
		IssueID:   "org/repo#42",
		State:     canon.StateAbandoned,
		AtMs:      1700000000001,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1700000000001-org-repo-42-abcdef12.md", entries[0].Name())
}

func TestRenderComment_Failed(t *testing.T) {
	body := RenderComment(&TerminalEvent{
		RequestID:  "abcdef12-3456-7890-abcd-ef1234567890",
		IssueID:    "ISSUE-9",
		State:      canon.StateFailed,
		Stage:      canon.StateTesting,
		Reason:     "tests failed",
		Diagnostic: "FAIL: TestOrders (0.01s)",
	})

	assert.Contains(t, body, "`abcdef12`: failed")
	assert.Contains(t, body, "failed during testing: tests failed")
	assert.Contains(t, body, "```\nFAIL: TestOrders (0.01s)\n```")
}
