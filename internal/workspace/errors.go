package workspace

import (
	"errors"
	"fmt"
)

// ResourceExhausted is returned by Allocate when every workspace slot is in
// use. Callers back off and retry rather than queueing.
type ResourceExhausted struct {
	Limit int
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("workspace capacity exhausted (%d in use)", e.Limit)
}

// IsResourceExhausted checks if an error is a capacity failure.
func IsResourceExhausted(err error) bool {
	var re *ResourceExhausted
	return errors.As(err, &re)
}

// WorkspaceError wraps filesystem failures while managing a workspace.
type WorkspaceError struct {
	RequestID string
	Op        string
	Err       error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s failed for request %s: %v", e.Op, e.RequestID, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}
