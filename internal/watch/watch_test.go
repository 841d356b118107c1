package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/canon"
)

func setupClient(t *testing.T) *canon.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := canon.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

// syncBuffer guards a bytes.Buffer against concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func appendEntry(t *testing.T, client *canon.Client, requestID string, from, to canon.PipelineState) {
	t.Helper()

	err := client.AppendLedger(context.Background(), &canon.LedgerEntry{
		RequestID: requestID,
		From:      from,
		To:        to,
		AtMs:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
}

// startWatcher runs the watcher in the background and blocks until its
// subscription is live, proven by a warm-up ledger entry showing up in the
// output. Pub/Sub has no replay, so publishing before the subscription is
// established would silently drop events.
func startWatcher(t *testing.T, client *canon.Client, w *Watcher, buf *syncBuffer, warmupID string) <-chan struct{} {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		appendEntry(t, client, warmupID, canon.StateRequested, canon.StateAccepted)
		return strings.Contains(buf.String(), warmupID)
	}, 2*time.Second, 20*time.Millisecond)

	return done
}

func TestWatcher_StreamsLifecycle(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	buf := &syncBuffer{}
	w := &Watcher{Client: client, Formatter: NewDefaultFormatter(buf)}

	requestID := uuid.New().String()
	startWatcher(t, client, w, buf, requestID)

	req := &canon.ChangeRequest{
		ID:            requestID,
		IssueID:       "ISSUE-9",
		Requester:     "dev@example.com",
		State:         canon.StateRequested,
		SubmittedAtMs: time.Now().UnixMilli(),
	}
	require.NoError(t, client.CreateChangeRequest(ctx, req))

	appendEntry(t, client, requestID, canon.StateAccepted, canon.StateMutating)
	err := client.AppendLedger(ctx, &canon.LedgerEntry{
		RequestID: requestID,
		From:      canon.StatePublishing,
		To:        canon.StatePublished,
		Reason:    "merged as revision 4 (version 0.3.0)",
		AtMs:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "✨ Request submitted: id="+requestID) &&
			strings.Contains(out, "⚙️ Stage started: id="+requestID+" stage=mutating") &&
			strings.Contains(out, "🎉 Request published: id="+requestID+" (merged as revision 4 (version 0.3.0))")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_FilterFollowsSingleRequestToTerminal(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	watchedID := uuid.New().String()
	otherID := uuid.New().String()

	buf := &syncBuffer{}
	w := &Watcher{Client: client, Formatter: NewDefaultFormatter(buf), RequestID: watchedID}

	done := startWatcher(t, client, w, buf, watchedID)

	appendEntry(t, client, otherID, canon.StateRequested, canon.StateAccepted)
	err := client.AppendLedger(ctx, &canon.LedgerEntry{
		RequestID: watchedID,
		From:      canon.StateTesting,
		To:        canon.StateFailed,
		Reason:    "tests failed",
		AtMs:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after terminal transition")
	}

	out := buf.String()
	assert.Contains(t, out, "❌ Request failed: id="+watchedID+` stage=testing reason="tests failed"`)
	assert.NotContains(t, out, otherID)
}

func TestPollForTerminal(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	newRequest := func(state canon.PipelineState) *canon.ChangeRequest {
		return &canon.ChangeRequest{
			ID:            uuid.New().String(),
			Requester:     "dev@example.com",
			State:         state,
			SubmittedAtMs: time.Now().UnixMilli(),
		}
	}

	t.Run("returns request already terminal", func(t *testing.T) {
		req := newRequest(canon.StatePublished)
		require.NoError(t, client.CreateChangeRequest(ctx, req))

		found, err := PollForTerminal(ctx, client, req.ID, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, req.ID, found.ID)
		require.Equal(t, canon.StatePublished, found.State)
	})

	t.Run("returns request that finishes after a delay", func(t *testing.T) {
		req := newRequest(canon.StateGenerating)
		require.NoError(t, client.CreateChangeRequest(ctx, req))

		go func() {
			time.Sleep(400 * time.Millisecond)
			req.State = canon.StateFailed
			req.FailedStage = canon.StateGenerating
			_ = client.UpdateChangeRequest(context.Background(), req)
		}()

		start := time.Now()
		found, err := PollForTerminal(ctx, client, req.ID, 2*time.Second)
		elapsed := time.Since(start)

		require.NoError(t, err)
		require.Equal(t, canon.StateFailed, found.State)
		require.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
		require.Less(t, elapsed, 2*time.Second)
	})

	t.Run("returns error on timeout", func(t *testing.T) {
		req := newRequest(canon.StateBlocked)
		require.NoError(t, client.CreateChangeRequest(ctx, req))

		_, err := PollForTerminal(ctx, client, req.ID, 500*time.Millisecond)
		require.Error(t, err)
		require.Contains(t, err.Error(), "timeout waiting for request to finish")
	})

	t.Run("returns error when context cancelled", func(t *testing.T) {
		req := newRequest(canon.StateWorkspacing)
		require.NoError(t, client.CreateChangeRequest(ctx, req))

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		_, err := PollForTerminal(cancelCtx, client, req.ID, 2*time.Second)
		require.Error(t, err)
		require.Equal(t, context.Canceled, err)
	})
}

func TestDefaultFormatter_TransitionLines(t *testing.T) {
	requestID := "11111111-2222-4333-8444-555555555555"

	tests := []struct {
		name     string
		entry    *canon.LedgerEntry
		expected string
	}{
		{
			name:     "accepted",
			entry:    &canon.LedgerEntry{RequestID: requestID, From: canon.StateRequested, To: canon.StateAccepted},
			expected: "✅ Request accepted: id=" + requestID,
		},
		{
			name:     "blocked",
			entry:    &canon.LedgerEntry{RequestID: requestID, From: canon.StateRequested, To: canon.StateBlocked, Reason: "waiting on 1 older overlapping request"},
			expected: `⏳ Request blocked: id=` + requestID + ` reason="waiting on 1 older overlapping request"`,
		},
		{
			name:     "stage",
			entry:    &canon.LedgerEntry{RequestID: requestID, From: canon.StateMutating, To: canon.StateGenerating},
			expected: "⚙️ Stage started: id=" + requestID + " stage=generating",
		},
		{
			name:     "published",
			entry:    &canon.LedgerEntry{RequestID: requestID, From: canon.StatePublishing, To: canon.StatePublished, Reason: "merged as revision 2 (version 0.2.0)"},
			expected: "🎉 Request published: id=" + requestID + " (merged as revision 2 (version 0.2.0))",
		},
		{
			name:     "abandoned",
			entry:    &canon.LedgerEntry{RequestID: requestID, From: canon.StateBlocked, To: canon.StateAbandoned, Reason: "cancelled by the requester"},
			expected: "🚫 Request abandoned: id=" + requestID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewDefaultFormatter(&buf).FormatTransition(tt.entry))
			assert.Contains(t, buf.String(), tt.expected)
		})
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewJSONFormatter(&buf)

	requestID := "11111111-2222-4333-8444-555555555555"
	err := f.FormatTransition(&canon.LedgerEntry{
		RequestID: requestID,
		Seq:       3,
		From:      canon.StateAccepted,
		To:        canon.StateWorkspacing,
		AtMs:      1700000000000,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "transition", decoded["event"])
	assert.Equal(t, requestID, decoded["request_id"])
	assert.Equal(t, "workspacing", decoded["to"])

	buf.Reset()
	require.NoError(t, f.FormatError(assert.AnError))
	assert.Contains(t, buf.String(), `"event":"error"`)
}
