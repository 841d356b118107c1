// Package orchestrator runs the change pipeline. The engine admits submitted
// requests, drives each one through its stages in a dedicated goroutine, and
// serialises publishes through the workspace manager. Every state transition
// is written ahead to the ledger, so a crashed engine resumes each request
// from its last recorded stage.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/archive"
	"github.com/dyluth/warren/internal/collab"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/conflict"
	"github.com/dyluth/warren/internal/mirror"
	"github.com/dyluth/warren/internal/risk"
	"github.com/dyluth/warren/internal/workspace"
	"github.com/dyluth/warren/pkg/canon"
)

// Deps collects the engine's dependencies. Canon, Config, Workspaces, Risk,
// Conflicts, Generator and Tester are required. Archive and Mirror may be nil
// when disabled; a nil Gate falls back to the configured StaticGate; a nil
// Logger discards.
type Deps struct {
	Canon      *canon.Client
	Config     *config.Config
	Logger     *zap.Logger
	Workspaces *workspace.Manager
	Archive    *archive.Archive
	Risk       *risk.Assessor
	Conflicts  *conflict.Detector
	Generator  collab.Generator
	Tester     collab.TestRunner
	Gate       collab.ApprovalGate
	Notifiers  []collab.Notifier
	Mirror     *mirror.Mirror
}

// Engine owns every live request. Its own goroutine consumes request events
// and controls admission; each admitted request runs in its own goroutine
// until it reaches a terminal state.
type Engine struct {
	canon      *canon.Client
	cfg        *config.Config
	logger     *zap.Logger
	workspaces *workspace.Manager
	archive    *archive.Archive
	risk       *risk.Assessor
	conflicts  *conflict.Detector
	generator  collab.Generator
	tester     collab.TestRunner
	gate       collab.ApprovalGate
	notifiers  []collab.Notifier
	mirror     *mirror.Mirror
	health     *HealthServer

	mu       sync.Mutex
	inflight map[string]*pipeline
	wg       sync.WaitGroup
}

// pipeline is the engine-side handle for one live request.
type pipeline struct {
	req  *canon.ChangeRequest
	wake chan struct{} // nudged whenever any request terminates

	abandon  atomic.Bool // cancellation flag, checked at stage boundaries
	approved atomic.Bool // secondary approval granted after submission
	counted  atomic.Bool // membership in the in-flight gauge
}

func newPipeline(req *canon.ChangeRequest) *pipeline {
	p := &pipeline{
		req:  req,
		wake: make(chan struct{}, 1),
	}
	if req.CancelRequested {
		p.abandon.Store(true)
	}
	if req.SecondaryApproved {
		p.approved.Store(true)
	}
	return p
}

// NewEngine validates dependencies and creates an engine.
func NewEngine(deps Deps) (*Engine, error) {
	switch {
	case deps.Canon == nil:
		return nil, fmt.Errorf("canon client is required")
	case deps.Config == nil:
		return nil, fmt.Errorf("config is required")
	case deps.Workspaces == nil:
		return nil, fmt.Errorf("workspace manager is required")
	case deps.Risk == nil:
		return nil, fmt.Errorf("risk assessor is required")
	case deps.Conflicts == nil:
		return nil, fmt.Errorf("conflict detector is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator collaborator is required")
	case deps.Tester == nil:
		return nil, fmt.Errorf("test collaborator is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := deps.Gate
	if gate == nil {
		gate = collab.NewStaticGate(deps.Config.CriticalGate)
	}

	return &Engine{
		canon:      deps.Canon,
		cfg:        deps.Config,
		logger:     logger,
		workspaces: deps.Workspaces,
		archive:    deps.Archive,
		risk:       deps.Risk,
		conflicts:  deps.Conflicts,
		generator:  deps.Generator,
		tester:     deps.Tester,
		gate:       gate,
		notifiers:  deps.Notifiers,
		mirror:     deps.Mirror,
		health:     NewHealthServer(deps.Canon, deps.Config.Health.Port, logger),
		inflight:   make(map[string]*pipeline),
	}, nil
}

// Run starts the engine and blocks until the context is cancelled. Startup
// order: health endpoints, canonical graph bootstrap, event subscription,
// crash recovery, then the event loop. Subscribing before recovery runs means
// a request submitted during recovery is never missed; the in-flight map
// dedupes events for requests recovery already resumed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer e.health.Shutdown(context.Background())

	if err := e.workspaces.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap canonical graph: %w", err)
	}
	e.logger.Info("canonical graph loaded",
		zap.Int64("revision", e.workspaces.CurrentRevision()))

	sub, err := e.canon.SubscribeRequestEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to request events: %w", err)
	}
	defer sub.Close()

	if err := e.recoverState(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	e.health.SetReady()
	e.logger.Info("engine ready", zap.String("instance", e.canon.InstanceName()))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutting down, waiting for live pipelines")
			e.wg.Wait()
			return nil

		case req, ok := <-sub.Events():
			if !ok {
				e.wg.Wait()
				return nil
			}
			e.dispatch(ctx, req)

		case err, ok := <-sub.Errors():
			if !ok {
				e.wg.Wait()
				return nil
			}
			// Non-fatal; the subscription skips the bad message.
			e.logger.Warn("request subscription error", zap.Error(err))
		}
	}
}

// dispatch routes one request event. New submissions get a pipeline
// goroutine; events for live requests only adjust their control flags. The
// engine's own transition writes echo back through the subscription and fall
// through both paths harmlessly.
func (e *Engine) dispatch(ctx context.Context, req *canon.ChangeRequest) {
	e.mu.Lock()
	if p, live := e.inflight[req.ID]; live {
		if req.CancelRequested && !p.abandon.Load() {
			p.abandon.Store(true)
			nudge(p)
			e.logger.Info("cancellation requested", zap.String("request_id", req.ID))
		}
		if req.SecondaryApproved {
			p.approved.Store(true)
		}
		e.mu.Unlock()
		return
	}
	if req.State != canon.StateRequested {
		e.mu.Unlock()
		return
	}
	p := newPipeline(req)
	e.inflight[req.ID] = p
	e.mu.Unlock()

	e.spawn(ctx, p)
}

// spawn runs a pipeline goroutine under the engine wait group.
func (e *Engine) spawn(ctx context.Context, p *pipeline) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPipeline(ctx, p)
	}()
}

// finish removes a terminal request from the in-flight map and wakes every
// remaining pipeline so blocked requests re-check their conflicts.
func (e *Engine) finish(p *pipeline) {
	e.mu.Lock()
	delete(e.inflight, p.req.ID)
	for _, other := range e.inflight {
		nudge(other)
	}
	e.mu.Unlock()
}

// nudge wakes a parked pipeline without blocking; pending wakes coalesce.
func nudge(p *pipeline) {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// liveRequests loads every non-terminal request except the given one. The
// conflict check runs against this set; reading it fresh from the canon keeps
// the check correct across engine restarts.
func (e *Engine) liveRequests(ctx context.Context, excludeID string) ([]*canon.ChangeRequest, error) {
	all, err := e.canon.ListChangeRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}

	live := make([]*canon.ChangeRequest, 0, len(all))
	for _, r := range all {
		if r.ID == excludeID || r.State.Terminal() {
			continue
		}
		live = append(live, r)
	}
	return live, nil
}
