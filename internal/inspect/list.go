// Package inspect renders canon state for the CLI: request listings, single
// request detail, and published graph snapshots. All functions write to a
// caller-supplied writer and never touch the canon beyond reads.
package inspect

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/dyluth/warren/pkg/canon"
)

// OutputFormat selects how listings are rendered.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated columns.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete objects as line-delimited JSON.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Criteria filters a request listing. All active criteria are ANDed
// together; zero values match everything.
type Criteria struct {
	SinceTimestampMs int64                 // Unix ms lower bound on submission time, 0 = no bound
	UntilTimestampMs int64                 // Unix ms upper bound on submission time, 0 = no bound
	States           []canon.PipelineState // Any-of state match, empty = all states
	Requester        string                // Exact match, empty = all requesters
	IssueGlob        string                // Glob pattern on issue ID, empty = all issues
}

// Matches reports whether a request passes all active criteria.
func (c *Criteria) Matches(r *canon.ChangeRequest) bool {
	if c.SinceTimestampMs > 0 && r.SubmittedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && r.SubmittedAtMs > c.UntilTimestampMs {
		return false
	}

	if len(c.States) > 0 {
		found := false
		for _, s := range c.States {
			if r.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if c.Requester != "" && r.Requester != c.Requester {
		return false
	}

	if c.IssueGlob != "" {
		matched, err := filepath.Match(c.IssueGlob, r.IssueID)
		if err != nil || !matched {
			return false
		}
	}

	return true
}

// ListRequests fetches every change request for the instance, applies the
// filter criteria, sorts by submission time (oldest first) and renders in
// the requested format.
func ListRequests(ctx context.Context, client *canon.Client, format OutputFormat, criteria *Criteria, w io.Writer) error {
	all, err := client.ListChangeRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to list change requests: %w", err)
	}

	requests := all[:0]
	for _, r := range all {
		if criteria == nil || criteria.Matches(r) {
			requests = append(requests, r)
		}
	}

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].SubmittedAtMs != requests[j].SubmittedAtMs {
			return requests[i].SubmittedAtMs < requests[j].SubmittedAtMs
		}
		return requests[i].ID < requests[j].ID
	})

	switch format {
	case OutputFormatDefault:
		FormatRequestTable(w, requests, client.InstanceName())
	case OutputFormatJSONL:
		if err := FormatRequestJSONL(w, requests); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
