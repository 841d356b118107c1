package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/collab"
	"github.com/dyluth/warren/internal/workspace"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// errAbandoned routes a cancellation out of a retry loop.
var errAbandoned = errors.New("request cancelled")

// runPipeline drives one request from its current state to a terminal one.
// Checkpoints between stage bodies honour cancellation; a context
// cancellation (engine shutdown) exits silently and leaves the request for
// startup recovery.
//
// Resumed requests re-run earlier stage bodies to rebuild their workspace:
// allocation reuses the durable directory and the mutation re-applies the
// change set to a fresh fork. Those re-runs write no ledger entries, so the
// ledger continues from the stage recorded before the restart.
func (e *Engine) runPipeline(ctx context.Context, p *pipeline) {
	defer e.finish(p)

	req := p.req
	logger := e.logger.With(zap.String("request_id", req.ID))
	logger.Info("pipeline started",
		zap.String("state", string(req.State)),
		zap.Int("changes", len(req.Changes)))

	if req.State == canon.StateRequested || req.State == canon.StateBlocked {
		if !e.accept(ctx, p, logger) {
			return
		}
	} else {
		// Resumed past acceptance. The gauge is process-local, so the
		// request re-enters it here.
		inFlightRequests.Inc()
		p.counted.Store(true)
		if req.Risk == nil {
			// Acceptance ledgered but its hash write was lost in the crash.
			req.Risk = e.risk.Score(req.Changes, e.workspaces.Current())
		}
	}

	if req.State == canon.StatePublishing {
		// The merge may or may not have landed before the crash; it must
		// never run twice.
		e.resumePublishing(ctx, p, logger)
		return
	}

	ws := e.allocateWorkspace(ctx, p, logger)
	if ws == nil {
		return
	}
	defer e.workspaces.Release(ws)

	if !e.mutate(ctx, p, ws, logger) {
		return
	}
	if !e.checkpoint(ctx, p) {
		return
	}
	if !e.generate(ctx, p, ws, logger) {
		return
	}
	if !e.checkpoint(ctx, p) {
		return
	}
	if !e.test(ctx, p, ws, logger) {
		return
	}
	if !e.checkpoint(ctx, p) {
		return
	}
	e.publish(ctx, p, ws, logger)
}

// accept drives a request from Requested (or a resumed Blocked) to Accepted:
// validation, conflict check, risk scoring, and the secondary-approval gate
// for CRITICAL risk. The request parks in Blocked while older overlapping
// requests are live and re-checks whenever one terminates. Returns false when
// the request went terminal or the engine is shutting down.
func (e *Engine) accept(ctx context.Context, p *pipeline, logger *zap.Logger) bool {
	req := p.req

	if !req.Approved {
		e.failRequest(ctx, p, req.State, "request is not approved", "")
		return false
	}
	if err := req.Changes.Validate(); err != nil {
		e.failRequest(ctx, p, req.State, err.Error(), "")
		return false
	}

	blocked := req.State == canon.StateBlocked
	if blocked {
		blockedRequests.Inc()
	}

	for {
		if ctx.Err() != nil {
			return false
		}
		if p.abandon.Load() {
			if blocked {
				blockedRequests.Dec()
			}
			e.abandonRequest(ctx, p)
			return false
		}

		live, err := e.liveRequests(ctx, req.ID)
		if err != nil {
			logger.Error("conflict check aborted, request parked until restart", zap.Error(err))
			return false
		}
		g := e.workspaces.Current()

		if report := e.conflicts.Check(req, live, g); report.Blocked() {
			blocking := report.BlockingIDs()
			if !blocked {
				req.Blocking = blocking
				reason := fmt.Sprintf("waiting on %d older overlapping requests", len(blocking))
				if err := e.transition(ctx, p, canon.StateBlocked, reason); err != nil {
					logger.Error("failed to record blocked state", zap.Error(err))
					return false
				}
				conflictsTotal.Inc()
				blockedRequests.Inc()
				blocked = true
				logger.Info("request blocked", zap.Strings("blocking", blocking))
			} else if !slices.Equal(req.Blocking, blocking) {
				req.Blocking = blocking
				if err := e.canon.UpdateChangeRequest(ctx, req); err != nil {
					logger.Warn("failed to refresh blocking set", zap.Error(err))
				}
			}

			select {
			case <-ctx.Done():
				return false
			case <-p.wake:
			}
			continue
		}

		// Clear of conflicts.
		if blocked {
			blockedRequests.Dec()
		}
		req.Blocking = nil
		req.Risk = e.risk.Score(req.Changes, g)

		if req.Risk.Level == canon.RiskCritical && !e.secondaryApproved(p) {
			granted, reason, err := e.gate.Approve(ctx, req, req.Risk)
			if err != nil {
				e.failRequest(ctx, p, req.State, fmt.Sprintf("approval gate failed: %v", err), "")
				return false
			}
			if !granted {
				e.failRequest(ctx, p, req.State, reason, "")
				return false
			}
			logger.Info("critical change approved", zap.String("reason", reason))
		}

		req.AcceptedAtMs = time.Now().UnixMilli()
		if err := e.transition(ctx, p, canon.StateAccepted, ""); err != nil {
			logger.Error("failed to record acceptance", zap.Error(err))
			return false
		}
		inFlightRequests.Inc()
		p.counted.Store(true)
		logger.Info("request accepted",
			zap.String("risk", string(req.Risk.Level)),
			zap.Float64("score", req.Risk.Score))
		return true
	}
}

// allocateWorkspace enters Workspacing and acquires a workspace, retrying
// with exponential backoff while capacity is exhausted. The wait holds no
// lock and honours cancellation between attempts. Returns nil when the
// request went terminal or the engine is shutting down.
func (e *Engine) allocateWorkspace(ctx context.Context, p *pipeline, logger *zap.Logger) *workspace.Workspace {
	req := p.req
	if err := e.transition(ctx, p, canon.StateWorkspacing, ""); err != nil {
		logger.Error("failed to enter workspacing", zap.Error(err))
		return nil
	}
	started := time.Now()
	defer observeStage(canon.StateWorkspacing, started)

	var ws *workspace.Workspace
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // wait for capacity as long as the request lives

	err := backoff.Retry(func() error {
		if p.abandon.Load() {
			return backoff.Permanent(errAbandoned)
		}
		w, err := e.workspaces.Allocate(ctx, req.ID)
		if err != nil {
			if workspace.IsResourceExhausted(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		ws = w
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errAbandoned):
			e.abandonRequest(ctx, p)
			return nil
		default:
			e.failRequest(ctx, p, canon.StateWorkspacing, err.Error(), "")
			return nil
		}
	}
	return ws
}

// mutate enters Mutating and applies the change set to the private fork. A
// version conflict means the fork went stale underneath the request; the
// workspace is rebased onto the latest head and the risk rescored before the
// bounded retry. Validation failures are terminal immediately.
func (e *Engine) mutate(ctx context.Context, p *pipeline, ws *workspace.Workspace, logger *zap.Logger) bool {
	req := p.req
	if err := e.transition(ctx, p, canon.StateMutating, ""); err != nil {
		logger.Error("failed to enter mutating", zap.Error(err))
		return false
	}
	started := time.Now()
	defer observeStage(canon.StateMutating, started)

	retries := e.cfg.Retry.VersionConflictAttempts
	for attempt := 0; ; attempt++ {
		next, err := ws.Graph.Apply(req.Changes)
		if err == nil {
			ws.Graph = next
			return true
		}

		if !specgraph.IsVersionConflict(err) || attempt >= retries {
			e.failRequest(ctx, p, canon.StateMutating, err.Error(), "")
			return false
		}

		logger.Info("version conflict, rebasing workspace",
			zap.String("conflict", err.Error()))
		e.workspaces.Refresh(ws)

		// The blast radius may have changed underneath the request, so the
		// score and the critical gate are both revisited.
		req.Risk = e.risk.Score(req.Changes, ws.Graph)
		if req.Risk.Level == canon.RiskCritical && !e.secondaryApproved(p) {
			granted, reason, gateErr := e.gate.Approve(ctx, req, req.Risk)
			if gateErr != nil {
				e.failRequest(ctx, p, canon.StateMutating, fmt.Sprintf("approval gate failed: %v", gateErr), "")
				return false
			}
			if !granted {
				e.failRequest(ctx, p, canon.StateMutating, reason, "")
				return false
			}
		}
	}
}

// generate enters Generating and runs the generator collaborator, retrying
// failures with exponential backoff up to the configured attempt budget. An
// in-flight call always completes before a cancellation takes effect.
func (e *Engine) generate(ctx context.Context, p *pipeline, ws *workspace.Workspace, logger *zap.Logger) bool {
	req := p.req
	if err := e.transition(ctx, p, canon.StateGenerating, ""); err != nil {
		logger.Error("failed to enter generating", zap.Error(err))
		return false
	}
	started := time.Now()
	defer observeStage(canon.StateGenerating, started)

	diff := collab.BuildSpecDiff(req, ws.Graph)
	diff.BaseRevision = ws.BaseRevision

	attempts := e.cfg.Retry.GenerationAttempts
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Retry.GenerationBackoff
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			generationRetries.Inc()
			select {
			case <-ctx.Done():
				return false
			case <-time.After(bo.NextBackOff()):
			}
		}
		if p.abandon.Load() {
			e.abandonRequest(ctx, p)
			return false
		}

		res, err := e.generator.Generate(ctx, diff, ws.Dir)
		if err == nil {
			logger.Info("generation complete",
				zap.Int("attempt", attempt),
				zap.Int("files", len(res.FilesWritten)))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		var collabErr *collab.CollaboratorError
		if errors.As(err, &collabErr) {
			collabErr.Attempt = attempt
		}
		lastErr = err
		logger.Warn("generation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("budget", attempts),
			zap.Error(err))
	}

	reason := fmt.Sprintf("generator failed after %d attempts: %v", attempts, lastErr)
	e.failRequest(ctx, p, canon.StateGenerating, reason, collabOutput(lastErr))
	return false
}

// test enters Testing and runs the test collaborator exactly once. A failing
// verdict and a runner malfunction both terminate the request; the verdict's
// diagnostics are recorded verbatim.
func (e *Engine) test(ctx context.Context, p *pipeline, ws *workspace.Workspace, logger *zap.Logger) bool {
	if err := e.transition(ctx, p, canon.StateTesting, ""); err != nil {
		logger.Error("failed to enter testing", zap.Error(err))
		return false
	}
	started := time.Now()
	defer observeStage(canon.StateTesting, started)

	res, err := e.tester.RunTests(ctx, ws.Dir)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.failRequest(ctx, p, canon.StateTesting, err.Error(), collabOutput(err))
		return false
	}
	if !res.Passed {
		e.failRequest(ctx, p, canon.StateTesting, "tests failed", res.Diagnostics)
		return false
	}
	logger.Info("tests passed", zap.Float64("coverage", res.Coverage))
	return true
}

// publish enters Publishing and merges the workspace into the canonical
// graph. Merge re-validates against the live head under the merge mutex; a
// version conflict here means a concurrent publish invalidated the base the
// artifacts were built and tested against, which is terminal.
func (e *Engine) publish(ctx context.Context, p *pipeline, ws *workspace.Workspace, logger *zap.Logger) {
	req := p.req
	if err := e.transition(ctx, p, canon.StatePublishing, ""); err != nil {
		logger.Error("failed to enter publishing", zap.Error(err))
		return
	}
	started := time.Now()
	defer observeStage(canon.StatePublishing, started)

	merged, err := e.workspaces.Merge(ctx, ws, req.Changes)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.failRequest(ctx, p, canon.StatePublishing, err.Error(), "")
		return
	}
	mergesTotal.Inc()

	e.publishRequest(ctx, p, merged)
	e.recordMirror(merged, logger)
}

// resumePublishing finishes a request that stopped inside the publish stage.
// If the merge landed before the crash the retained snapshots prove it and
// only the terminal bookkeeping replays; otherwise the merge runs now.
func (e *Engine) resumePublishing(ctx context.Context, p *pipeline, logger *zap.Logger) {
	req := p.req

	if g := e.publishedSnapshot(ctx, req.ID); g != nil {
		logger.Info("merge had already landed before restart",
			zap.Int64("revision", g.Revision))
		e.publishRequest(ctx, p, g)
		e.recordMirror(g, logger)
		return
	}

	ws := e.allocateWorkspace(ctx, p, logger)
	if ws == nil {
		return
	}
	defer e.workspaces.Release(ws)

	merged, err := e.workspaces.Merge(ctx, ws, req.Changes)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.failRequest(ctx, p, canon.StatePublishing,
			fmt.Sprintf("merge could not be replayed after restart: %v", err), "")
		return
	}
	mergesTotal.Inc()

	e.publishRequest(ctx, p, merged)
	e.recordMirror(merged, logger)
}

// publishedSnapshot looks for a retained snapshot published by the given
// request. Newest first, since the publish being confirmed is recent.
func (e *Engine) publishedSnapshot(ctx context.Context, requestID string) *specgraph.Graph {
	revisions, err := e.canon.ListSnapshotRevisions(ctx)
	if err != nil {
		e.logger.Warn("failed to list snapshots during publish replay", zap.Error(err))
		return nil
	}
	for i := len(revisions) - 1; i >= 0; i-- {
		g, err := e.canon.SnapshotAt(ctx, revisions[i])
		if err != nil {
			continue
		}
		if g.PublishedBy == requestID {
			return g
		}
	}
	return nil
}

// checkpoint honours a pending cancellation at a stage boundary.
func (e *Engine) checkpoint(ctx context.Context, p *pipeline) bool {
	if ctx.Err() != nil {
		return false
	}
	if p.abandon.Load() {
		e.abandonRequest(ctx, p)
		return false
	}
	return true
}

// secondaryApproved reports whether the request carries a secondary approval,
// granted either at submission or at any point since.
func (e *Engine) secondaryApproved(p *pipeline) bool {
	return p.req.SecondaryApproved || p.approved.Load()
}

// stageRank orders the non-terminal states along the pipeline.
func stageRank(s canon.PipelineState) int {
	switch s {
	case canon.StateRequested:
		return 0
	case canon.StateBlocked:
		return 1
	case canon.StateAccepted:
		return 2
	case canon.StateWorkspacing:
		return 3
	case canon.StateMutating:
		return 4
	case canon.StateGenerating:
		return 5
	case canon.StateTesting:
		return 6
	case canon.StatePublishing:
		return 7
	default:
		return 8
	}
}

// transition writes the ledger entry for entering a stage, then moves the
// request hash onto it. Ledger first: recovery trusts the ledger over the
// hash. Stages the ledger already passed are skipped, so a resumed pipeline
// rebuilding its workspace never writes a backwards or duplicate entry.
func (e *Engine) transition(ctx context.Context, p *pipeline, to canon.PipelineState, reason string) error {
	req := p.req
	if stageRank(req.State) >= stageRank(to) {
		return nil
	}

	if err := e.ledger(ctx, req, to, reason); err != nil {
		return fmt.Errorf("failed to ledger %s -> %s: %w", req.State, to, err)
	}

	req.State = to
	if p.approved.Load() {
		req.SecondaryApproved = true
	}
	if err := e.canon.UpdateChangeRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to update request state: %w", err)
	}
	e.archivePut(ctx, req)
	return nil
}

// ledger appends the write-ahead entry for a transition to the canon and
// mirrors it to the archive. The archive copy is best-effort; the canon copy
// is the one recovery replays first.
func (e *Engine) ledger(ctx context.Context, req *canon.ChangeRequest, to canon.PipelineState, reason string) error {
	entry := &canon.LedgerEntry{
		RequestID: req.ID,
		From:      req.State,
		To:        to,
		Reason:    reason,
		AtMs:      time.Now().UnixMilli(),
	}
	if err := e.canon.AppendLedger(ctx, entry); err != nil {
		return err
	}
	if e.archive != nil {
		if err := e.archive.AppendEntry(ctx, entry); err != nil {
			e.logger.Warn("failed to mirror ledger entry to archive",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	return nil
}

// archivePut mirrors the request hash to the archive, best-effort.
func (e *Engine) archivePut(ctx context.Context, req *canon.ChangeRequest) {
	if e.archive == nil {
		return
	}
	if err := e.archive.PutRequest(ctx, req); err != nil {
		e.logger.Warn("failed to mirror request to archive",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

// failRequest records terminal failure with the stage it surfaced in.
func (e *Engine) failRequest(ctx context.Context, p *pipeline, stage canon.PipelineState, reason, diagnostic string) {
	req := p.req
	if err := e.ledger(ctx, req, canon.StateFailed, reason); err != nil {
		e.logger.Error("failed to record failure transition",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	req.State = canon.StateFailed
	req.FailedStage = stage
	req.Reason = reason
	req.Diagnostic = diagnostic
	req.FinishedAtMs = time.Now().UnixMilli()
	if err := e.canon.UpdateChangeRequest(ctx, req); err != nil {
		e.logger.Error("failed to update failed request",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	e.archivePut(ctx, req)

	requestsTotal.WithLabelValues(string(canon.StateFailed)).Inc()
	if p.counted.Load() {
		inFlightRequests.Dec()
	}

	e.logger.Info("request failed",
		zap.String("request_id", req.ID),
		zap.String("stage", string(stage)),
		zap.String("reason", reason))

	e.notifyTerminal(req, "")
}

// abandonRequest records terminal cancellation. The workspace, if any, is
// released by the pipeline's deferred cleanup without touching canonical
// state.
func (e *Engine) abandonRequest(ctx context.Context, p *pipeline) {
	req := p.req
	const reason = "cancelled by the requester"
	if err := e.ledger(ctx, req, canon.StateAbandoned, reason); err != nil {
		e.logger.Error("failed to record abandonment",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	req.State = canon.StateAbandoned
	req.Reason = reason
	req.CancelRequested = true
	req.FinishedAtMs = time.Now().UnixMilli()
	if err := e.canon.UpdateChangeRequest(ctx, req); err != nil {
		e.logger.Error("failed to update abandoned request",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	e.archivePut(ctx, req)

	requestsTotal.WithLabelValues(string(canon.StateAbandoned)).Inc()
	if p.counted.Load() {
		inFlightRequests.Dec()
	}

	e.logger.Info("request abandoned", zap.String("request_id", req.ID))

	e.notifyTerminal(req, "")
}

// publishRequest records terminal success. The merge is already durable when
// this runs; only bookkeeping remains.
func (e *Engine) publishRequest(ctx context.Context, p *pipeline, merged *specgraph.Graph) {
	req := p.req
	reason := fmt.Sprintf("merged as revision %d (version %s)", merged.Revision, merged.Version)
	if err := e.ledger(ctx, req, canon.StatePublished, reason); err != nil {
		e.logger.Error("failed to record publish transition",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}

	req.State = canon.StatePublished
	req.Reason = reason
	req.PublishedRevision = merged.Revision
	req.FinishedAtMs = time.Now().UnixMilli()
	if err := e.canon.UpdateChangeRequest(ctx, req); err != nil {
		e.logger.Error("failed to update published request",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	e.archivePut(ctx, req)

	requestsTotal.WithLabelValues(string(canon.StatePublished)).Inc()
	if p.counted.Load() {
		inFlightRequests.Dec()
	}

	e.logger.Info("request published",
		zap.String("request_id", req.ID),
		zap.Int64("revision", merged.Revision),
		zap.String("version", merged.Version))

	e.notifyTerminal(req, merged.Version)
}

// recordMirror mirrors a published snapshot to the git mirror, best-effort.
func (e *Engine) recordMirror(g *specgraph.Graph, logger *zap.Logger) {
	if e.mirror == nil {
		return
	}
	if err := e.mirror.RecordPublish(g); err != nil {
		logger.Warn("failed to record publish in git mirror", zap.Error(err))
	}
}

// notifyTerminal tells every notifier about a terminal state. Notifications
// run after the terminal write and never affect the outcome; each gets its
// own deadline so one stuck notifier cannot hold the others up forever.
func (e *Engine) notifyTerminal(req *canon.ChangeRequest, version string) {
	if len(e.notifiers) == 0 {
		return
	}

	ev := &collab.TerminalEvent{
		RequestID:  req.ID,
		IssueID:    req.IssueID,
		Requester:  req.Requester,
		State:      req.State,
		Stage:      req.FailedStage,
		Reason:     req.Reason,
		Diagnostic: req.Diagnostic,
		Revision:   req.PublishedRevision,
		Version:    version,
		AtMs:       req.FinishedAtMs,
	}

	for _, n := range e.notifiers {
		nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := n.Notify(nctx, ev); err != nil {
			e.logger.Warn("notifier failed",
				zap.String("request_id", req.ID), zap.Error(err))
		}
		cancel()
	}
}

// collabOutput extracts captured collaborator output for the diagnostic
// field, falling back to the error text.
func collabOutput(err error) string {
	var collabErr *collab.CollaboratorError
	if errors.As(err, &collabErr) && collabErr.Output != "" {
		return collabErr.Output
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
