package canon

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dyluth/warren/pkg/specgraph"
)

// ChangeRequest is an approved mutation to the specification graph, owned by
// the pipeline engine for its lifetime. It enters the system already approved
// (approval happens upstream) and terminates as Published, Failed, or
// Abandoned.
type ChangeRequest struct {
	ID                string              `json:"id"`                           // UUID - unique identifier for this request
	IssueID           string              `json:"issue_id,omitempty"`           // Originating issue in the external tracker
	Requester         string              `json:"requester"`                    // Who asked for the change
	Approved          bool                `json:"approved"`                     // Upstream approval; unapproved requests are never accepted
	SecondaryApproved bool                `json:"secondary_approved,omitempty"` // Pre-granted secondary approval for CRITICAL requests
	CancelRequested   bool                `json:"cancel_requested,omitempty"`   // Set by the requester; the engine abandons at the next stage boundary
	Changes           specgraph.ChangeSet `json:"changes"`                      // The entity mutations this request carries
	State             PipelineState       `json:"state"`                        // Current pipeline state
	Risk              *RiskScore          `json:"risk,omitempty"`               // Assessment attached at acceptance
	Blocking          []string            `json:"blocking,omitempty"`           // Older conflicting request IDs currently ahead of this one
	SubmittedAtMs     int64               `json:"submitted_at_ms"`              // Unix ms when the request was submitted
	AcceptedAtMs      int64               `json:"accepted_at_ms,omitempty"`     // Unix ms at acceptance; the age used for conflict tie-breaks
	FinishedAtMs      int64               `json:"finished_at_ms,omitempty"`     // Unix ms at terminal transition
	Reason            string              `json:"reason,omitempty"`             // Human-readable reason for the terminal state
	FailedStage       PipelineState       `json:"failed_stage,omitempty"`       // Stage that produced the failure, when State == Failed
	Diagnostic        string              `json:"diagnostic,omitempty"`         // Collaborator output, verbatim
	PublishedRevision int64               `json:"published_revision,omitempty"` // Graph revision this request published, when State == Published
}

// PipelineState is the lifecycle state of a ChangeRequest.
//
// Flow: requested → accepted → workspacing → mutating → generating → testing →
// publishing → published. Failed and abandoned are terminal and reachable from
// any non-terminal state. Blocked is a hold between requested and accepted
// while an older conflicting request is still in flight.
type PipelineState string

const (
	// StateRequested is the entry state: stored, not yet admitted.
	StateRequested PipelineState = "requested"

	// StateBlocked holds a request while older conflicting requests finish.
	// Re-evaluated every time another request terminates.
	StateBlocked PipelineState = "blocked"

	// StateAccepted means conflict check and risk scoring passed.
	StateAccepted PipelineState = "accepted"

	// StateWorkspacing means an isolated workspace is being allocated.
	StateWorkspacing PipelineState = "workspacing"

	// StateMutating means the change set is being applied to the private fork.
	StateMutating PipelineState = "mutating"

	// StateGenerating means the external generator is producing artifacts.
	StateGenerating PipelineState = "generating"

	// StateTesting means the external test runner is validating the workspace.
	StateTesting PipelineState = "testing"

	// StatePublishing means the workspace is being merged into canonical state.
	StatePublishing PipelineState = "publishing"

	// StatePublished is terminal success: the merge completed.
	StatePublished PipelineState = "published"

	// StateFailed is terminal failure, with stage and diagnostic recorded.
	StateFailed PipelineState = "failed"

	// StateAbandoned is terminal cancellation by the requester.
	StateAbandoned PipelineState = "abandoned"
)

// Validate checks the PipelineState is a known value.
func (s PipelineState) Validate() error {
	switch s {
	case StateRequested, StateBlocked, StateAccepted, StateWorkspacing,
		StateMutating, StateGenerating, StateTesting, StatePublishing,
		StatePublished, StateFailed, StateAbandoned:
		return nil
	default:
		return fmt.Errorf("unknown pipeline state: %q", s)
	}
}

// Terminal reports whether a state is final.
func (s PipelineState) Terminal() bool {
	switch s {
	case StatePublished, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// RiskLevel is the categorical blast-radius assessment of a request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Validate checks the RiskLevel is a known value.
func (r RiskLevel) Validate() error {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return nil
	default:
		return fmt.Errorf("unknown risk level: %q", r)
	}
}

// RiskScore is the numeric and categorical assessment attached to a request
// at acceptance. Immutable for a given touched-entity set; recomputed only
// when that set changes.
type RiskScore struct {
	Score          float64               `json:"score"`           // Weighted sum
	Level          RiskLevel             `json:"level"`           // Score mapped through configured thresholds
	Touched        int                   `json:"touched"`         // Directly touched entity count
	Dependents     int                   `json:"dependents"`      // Transitive-dependent count (blast radius)
	MaxCriticality specgraph.Criticality `json:"max_criticality"` // Highest criticality among touched and dependent entities
}

// LedgerEntry is one append-only record of a pipeline state transition.
// Entries are written before the destination stage begins (write-ahead), so
// a crashed request can be resumed from its last recorded entry. Entries are
// never mutated or deleted.
type LedgerEntry struct {
	RequestID string        `json:"request_id"` // Request this entry belongs to
	Seq       int64         `json:"seq"`        // Per-request sequence, starts at 1
	From      PipelineState `json:"from"`
	To        PipelineState `json:"to"`
	Reason    string        `json:"reason,omitempty"` // Why the transition happened, for humans
	AtMs      int64         `json:"at_ms"`            // Unix ms when the entry was written
}

// Validate checks structural invariants of the request before it is stored.
// The change set's own rules (including the non-empty requirement) are an
// acceptance-time decision made by the engine, not a storage constraint, so
// they are deliberately not enforced here.
func (r *ChangeRequest) Validate() error {
	if !isValidUUID(r.ID) {
		return fmt.Errorf("invalid request ID: not a valid UUID")
	}

	if r.Requester == "" {
		return fmt.Errorf("requester cannot be empty")
	}

	if err := r.State.Validate(); err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}

	if r.Risk != nil {
		if err := r.Risk.Level.Validate(); err != nil {
			return fmt.Errorf("invalid risk: %w", err)
		}
	}

	if r.FailedStage != "" {
		if err := r.FailedStage.Validate(); err != nil {
			return fmt.Errorf("invalid failed stage: %w", err)
		}
	}

	return nil
}

// Validate checks the LedgerEntry has valid field values.
func (le *LedgerEntry) Validate() error {
	if !isValidUUID(le.RequestID) {
		return fmt.Errorf("invalid request ID: not a valid UUID")
	}

	if le.Seq < 1 {
		return fmt.Errorf("invalid seq: must be >= 1, got %d", le.Seq)
	}

	if err := le.From.Validate(); err != nil {
		return fmt.Errorf("invalid from state: %w", err)
	}

	if err := le.To.Validate(); err != nil {
		return fmt.Errorf("invalid to state: %w", err)
	}

	if le.AtMs <= 0 {
		return fmt.Errorf("invalid at_ms: must be positive")
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
