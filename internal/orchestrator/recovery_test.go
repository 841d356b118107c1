package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// seedRequest writes a request hash plus a ledger trail, simulating state a
// previous process left behind. The trail lists the states entered after
// Requested, in order.
func seedRequest(t *testing.T, h *engineHarness, req *canon.ChangeRequest, trail ...canon.PipelineState) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.client.CreateChangeRequest(ctx, req))

	from := canon.StateRequested
	for _, to := range trail {
		require.NoError(t, h.client.AppendLedger(ctx, &canon.LedgerEntry{
			RequestID: req.ID,
			From:      from,
			To:        to,
			AtMs:      time.Now().UnixMilli(),
		}))
		from = to
	}
}

func TestRecovery_ResumesAcceptedRequest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	req := newRequest(createChange("users"))
	req.State = canon.StateAccepted
	req.AcceptedAtMs = time.Now().UnixMilli()
	seedRequest(t, h, req, canon.StateAccepted)

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StatePublished)
	assert.Equal(t, int64(1), final.PublishedRevision)

	// The resumed pipeline continues the ledger rather than replaying the
	// acceptance entry.
	history, err := h.client.LedgerHistory(ctx, req.ID)
	require.NoError(t, err)
	states := make([]canon.PipelineState, 0, len(history))
	for _, entry := range history {
		states = append(states, entry.To)
	}
	assert.Equal(t, []canon.PipelineState{
		canon.StateAccepted,
		canon.StateWorkspacing,
		canon.StateMutating,
		canon.StateGenerating,
		canon.StateTesting,
		canon.StatePublishing,
		canon.StatePublished,
	}, states)
}

func TestRecovery_ResumesBlockedRequestAfterBlockerFinished(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	// The request that caused the block reached a terminal state while the
	// engine was down.
	blocker := newRequest(createChange("users"))
	blocker.State = canon.StatePublished
	blocker.FinishedAtMs = time.Now().UnixMilli()
	require.NoError(t, h.client.CreateChangeRequest(ctx, blocker))

	req := newRequest(createChange("orders"))
	req.State = canon.StateBlocked
	req.Blocking = []string{blocker.ID}
	seedRequest(t, h, req, canon.StateBlocked)

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StatePublished)
	assert.Empty(t, final.Blocking)
}

func TestRecovery_ReconcilesTerminalLedgerEntry(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	// The failure was ledgered but the process died before the hash write.
	req := newRequest(createChange("users"))
	req.State = canon.StateTesting
	req.AcceptedAtMs = time.Now().UnixMilli()
	seedRequest(t, h, req,
		canon.StateAccepted,
		canon.StateWorkspacing,
		canon.StateMutating,
		canon.StateGenerating,
		canon.StateTesting,
	)
	require.NoError(t, h.client.AppendLedger(ctx, &canon.LedgerEntry{
		RequestID: req.ID,
		From:      canon.StateTesting,
		To:        canon.StateFailed,
		Reason:    "tests failed",
		AtMs:      time.Now().UnixMilli(),
	}))

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StateFailed)
	assert.Equal(t, "tests failed", final.Reason)
	assert.Equal(t, canon.StateTesting, final.FailedStage)

	// The reconciled terminal state is announced.
	require.Eventually(t, func() bool {
		for _, ev := range h.notes.take() {
			if ev.RequestID == req.ID && ev.State == canon.StateFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// No pipeline was spawned for it.
	assert.Equal(t, 0, h.gen.callCount())
}

func TestRecovery_TerminatesRequestWithoutLedgerTrail(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	// A mid-pipeline state with no ledger entries cannot be trusted.
	req := newRequest(createChange("users"))
	req.State = canon.StateMutating
	seedRequest(t, h, req)

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StateFailed)
	assert.Contains(t, final.Reason, "unrecoverable after restart")
	assert.Equal(t, canon.StateMutating, final.FailedStage)
}

func TestRecovery_HonoursCancellationRequestedWhileDown(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	req := newRequest(createChange("users"))
	req.State = canon.StateWorkspacing
	req.AcceptedAtMs = time.Now().UnixMilli()
	req.CancelRequested = true
	seedRequest(t, h, req, canon.StateAccepted, canon.StateWorkspacing)

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StateAbandoned)
	assert.Equal(t, "cancelled by the requester", final.Reason)
	assert.Equal(t, 0, h.gen.callCount())
}

func TestRecovery_CompletesPublishWhoseMergeLanded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	req := newRequest(createChange("users"))

	// The merge committed before the crash: the snapshot names this request
	// as its publisher.
	merged, err := specgraph.NewGraph().Apply(req.Changes)
	require.NoError(t, err)
	merged.PublishedAt = time.Now().UTC()
	merged.PublishedBy = req.ID
	require.NoError(t, h.client.SaveSnapshot(ctx, merged))

	req.State = canon.StatePublishing
	req.AcceptedAtMs = time.Now().UnixMilli()
	seedRequest(t, h, req,
		canon.StateAccepted,
		canon.StateWorkspacing,
		canon.StateMutating,
		canon.StateGenerating,
		canon.StateTesting,
		canon.StatePublishing,
	)

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StatePublished)
	assert.Equal(t, int64(1), final.PublishedRevision)

	// The merge ran exactly once: the canonical head is still revision 1.
	g, err := h.client.CurrentSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.Revision)
	assert.Equal(t, 0, h.gen.callCount())
}

func TestRecovery_ReplaysMergeThatNeverLanded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	// Testing had passed and the publish was ledgered, but the merge never
	// committed.
	req := newRequest(createChange("users"))
	req.State = canon.StatePublishing
	req.AcceptedAtMs = time.Now().UnixMilli()
	seedRequest(t, h, req,
		canon.StateAccepted,
		canon.StateWorkspacing,
		canon.StateMutating,
		canon.StateGenerating,
		canon.StateTesting,
		canon.StatePublishing,
	)

	h.start(t)

	final := h.waitForState(t, req.ID, canon.StatePublished)
	assert.Equal(t, int64(1), final.PublishedRevision)

	g, err := h.client.CurrentSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, req.ID, g.PublishedBy)
	entity, ok := g.Entity("users")
	require.True(t, ok)
	assert.Equal(t, int64(1), entity.Revision)

	// The collaborators do not run again; only the merge is replayed.
	assert.Equal(t, 0, h.gen.callCount())
	assert.Equal(t, 0, h.tester.callCount())
}
