// Package collab defines the contracts between the pipeline engine and its
// external collaborators, plus the adapters that run them.
//
// Generators and test runners are separate processes that exchange data with
// the engine through the workspace directory: the engine writes the ordered
// change diff to specdiff.json before a generator runs, and collaborators may
// leave genreport.json or testreport.json behind to refine their result. Exit
// code zero means the invocation succeeded; a process that ran and failed is
// reported as a CollaboratorError carrying its captured output.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/warren/pkg/canon"
)

// Generator produces implementation artifacts in a workspace from a spec
// diff. Calls are stateless and safe to re-invoke with the same diff.
type Generator interface {
	Generate(ctx context.Context, diff *SpecDiff, workingDir string) (*GenerateResult, error)
}

// GenerateResult is what a generator run produced.
type GenerateResult struct {
	FilesWritten []string // Paths relative to the workspace, when reported
	Output       string   // Captured process output
}

// TestRunner validates the artifacts in a workspace.
type TestRunner interface {
	RunTests(ctx context.Context, workingDir string) (*TestResult, error)
}

// TestResult is the verdict of one test run. A failed run is a valid result,
// not an error; errors mean the runner itself malfunctioned.
type TestResult struct {
	Passed      bool
	Coverage    float64 // 0 when the runner does not report coverage
	Diagnostics string
}

// ApprovalGate decides whether a CRITICAL-risk request may proceed. The
// engine consults it only for CRITICAL requests that do not already carry a
// secondary approval.
type ApprovalGate interface {
	Approve(ctx context.Context, req *canon.ChangeRequest, risk *canon.RiskScore) (bool, string, error)
}

// Notifier is told about requests reaching a terminal state. Notifications
// are fire-and-forget: the engine logs failures but never lets them affect
// the pipeline outcome.
type Notifier interface {
	Notify(ctx context.Context, ev *TerminalEvent) error
}

// TerminalEvent describes a request reaching one of the terminal states. It
// is handed to notifiers after the ledger has recorded the transition.
type TerminalEvent struct {
	RequestID  string
	IssueID    string
	Requester  string
	State      canon.PipelineState
	Stage      canon.PipelineState // Stage the failure surfaced in, for failed requests
	Reason     string
	Diagnostic string
	Revision   int64  // Published graph revision, for published requests
	Version    string // Published snapshot version, for published requests
	AtMs       int64
}

// CollaboratorError means a collaborator process ran and failed: non-zero
// exit, timeout, or a broken result protocol. Output carries the captured
// process output for diagnostics. Attempt is stamped by the retry loop.
type CollaboratorError struct {
	Collaborator string // "generator" or "tester"
	Attempt      int
	ExitCode     int // -1 when the process never exited on its own
	Output       string
	Err          error
}

func (e *CollaboratorError) Error() string {
	msg := fmt.Sprintf("%s collaborator failed", e.Collaborator)
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s collaborator failed on attempt %d", e.Collaborator, e.Attempt)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// IsCollaboratorError reports whether err is (or wraps) a CollaboratorError.
func IsCollaboratorError(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce)
}
