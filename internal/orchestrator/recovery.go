package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/archive"
	"github.com/dyluth/warren/pkg/canon"
)

// recoverState resumes requests that were live when the previous process
// stopped. The ledger is the source of truth: a request whose hash lags its
// newest ledger entry is moved forward to match, terminal entries that never
// reached the hash are reconciled, and everything still live re-enters the
// pipeline at its recorded stage. Requests whose records cannot support a
// resume are failed with a reason rather than left wedged.
func (e *Engine) recoverState(ctx context.Context) error {
	started := time.Now()

	all, err := e.canon.ListChangeRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list change requests: %w", err)
	}

	var resumed, reconciled, terminated int

	for _, req := range all {
		if req.State.Terminal() {
			continue
		}

		last, err := e.lastLedgered(ctx, req.ID)
		if err != nil {
			e.terminateUnrecoverable(ctx, req, fmt.Sprintf("ledger unreadable: %v", err))
			terminated++
			continue
		}

		switch {
		case last == nil:
			// Never transitioned; the pipeline starts from Requested.
			if req.State != canon.StateRequested {
				e.terminateUnrecoverable(ctx, req, fmt.Sprintf("state %q has no ledger trail", req.State))
				terminated++
				continue
			}

		case last.To.Terminal():
			e.reconcileTerminal(ctx, req, last)
			reconciled++
			continue

		default:
			// The hash may lag the ledger by one write; the ledger wins.
			req.State = last.To
		}

		p := newPipeline(req)
		e.mu.Lock()
		e.inflight[req.ID] = p
		e.mu.Unlock()
		e.spawn(ctx, p)
		resumed++

		e.logger.Info("request resumed",
			zap.String("request_id", req.ID),
			zap.String("state", string(req.State)))
	}

	e.logger.Info("recovery complete",
		zap.Int("resumed", resumed),
		zap.Int("reconciled", reconciled),
		zap.Int("terminated", terminated),
		zap.Duration("took", time.Since(started)))
	return nil
}

// lastLedgered loads the newest ledger entry for a request, falling back to
// the archive mirror when the canon ledger is unreadable. A nil entry with a
// nil error means the request never transitioned.
func (e *Engine) lastLedgered(ctx context.Context, requestID string) (*canon.LedgerEntry, error) {
	last, err := e.canon.LastLedgerEntry(ctx, requestID)
	if err == nil {
		return last, nil
	}
	if canon.IsNotFound(err) {
		return nil, nil
	}

	if e.archive == nil {
		return nil, err
	}
	e.logger.Warn("canon ledger unreadable, trying archive",
		zap.String("request_id", requestID), zap.Error(err))

	last, aerr := e.archive.LastEntry(ctx, requestID)
	if aerr == nil {
		return last, nil
	}
	if archive.IsNotFound(aerr) {
		return nil, nil
	}
	return nil, err
}

// reconcileTerminal finishes a terminal transition whose ledger entry
// committed but whose hash write did not. Notifications here are
// at-least-once; the pre-crash attempt may also have fired.
func (e *Engine) reconcileTerminal(ctx context.Context, req *canon.ChangeRequest, last *canon.LedgerEntry) {
	req.State = last.To
	req.Reason = last.Reason
	req.FinishedAtMs = last.AtMs

	version := ""
	switch last.To {
	case canon.StateFailed:
		req.FailedStage = last.From
	case canon.StateAbandoned:
		req.CancelRequested = true
	case canon.StatePublished:
		if g := e.publishedSnapshot(ctx, req.ID); g != nil {
			req.PublishedRevision = g.Revision
			version = g.Version
		}
	}

	if err := e.canon.UpdateChangeRequest(ctx, req); err != nil {
		e.logger.Error("failed to reconcile terminal request",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	e.archivePut(ctx, req)

	e.logger.Info("terminal state reconciled from ledger",
		zap.String("request_id", req.ID),
		zap.String("state", string(req.State)))

	e.notifyTerminal(req, version)
}

// terminateUnrecoverable fails a request whose records cannot support a
// resume.
func (e *Engine) terminateUnrecoverable(ctx context.Context, req *canon.ChangeRequest, why string) {
	e.logger.Warn("request unrecoverable",
		zap.String("request_id", req.ID),
		zap.String("why", why))

	p := newPipeline(req)
	e.failRequest(ctx, p, req.State, fmt.Sprintf("unrecoverable after restart: %s", why), "")
}
