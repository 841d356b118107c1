// Package conflict decides whether a change request may proceed alongside
// the requests already in flight.
//
// There are no locks anywhere in the pipeline. Instead, a request is held in
// the blocked state while an older request is working on an overlapping part
// of the graph, and re-checked whenever an in-flight request terminates.
package conflict

import (
	"sort"

	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// Severity classifies how two requests overlap.
type Severity string

const (
	// SeverityDirect means both requests touch the same entity.
	SeverityDirect Severity = "direct"

	// SeverityDownstream means one request touches an entity inside the
	// other's dependency blast radius.
	SeverityDownstream Severity = "downstream"
)

// Conflict records an overlap with a single in-flight request.
type Conflict struct {
	RequestID string   // the older request holding the ground
	Severity  Severity
	Entities  []string // overlapping entity IDs, sorted
}

// Report is the outcome of a conflict check.
type Report struct {
	Conflicts []Conflict
}

// Blocked reports whether the candidate must wait.
func (r *Report) Blocked() bool {
	return len(r.Conflicts) > 0
}

// BlockingIDs returns the IDs of the requests the candidate is waiting on,
// sorted for stable ledger output.
func (r *Report) BlockingIDs() []string {
	ids := make([]string, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		ids = append(ids, c.RequestID)
	}
	sort.Strings(ids)
	return ids
}

// Detector checks candidates against the in-flight set.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Check compares the candidate against every other live request and reports
// the overlaps the candidate must yield to.
//
// The candidate yields only to OLDER requests: age is AcceptedAt when set,
// SubmittedAt otherwise, with the request ID breaking exact ties. Younger
// overlapping requests do not appear in the report; they will block on the
// candidate when their own check runs.
func (d *Detector) Check(candidate *canon.ChangeRequest, inflight []*canon.ChangeRequest, g *specgraph.Graph) *Report {
	report := &Report{}

	candTouched := candidate.Changes.TouchedIDs()
	if len(candTouched) == 0 {
		return report
	}
	candDeps := g.DependentsOf(candTouched)

	for _, other := range inflight {
		if other.ID == candidate.ID || other.State.Terminal() {
			continue
		}
		if !yieldsTo(candidate, other) {
			continue
		}

		otherTouched := other.Changes.TouchedIDs()

		if overlap := intersect(candTouched, otherTouched); len(overlap) > 0 {
			report.Conflicts = append(report.Conflicts, Conflict{
				RequestID: other.ID,
				Severity:  SeverityDirect,
				Entities:  overlap,
			})
			continue
		}

		otherDeps := g.DependentsOf(otherTouched)
		overlap := intersect(candTouched, otherDeps)
		overlap = append(overlap, intersect(otherTouched, candDeps)...)
		if len(overlap) > 0 {
			sort.Strings(overlap)
			report.Conflicts = append(report.Conflicts, Conflict{
				RequestID: other.ID,
				Severity:  SeverityDownstream,
				Entities:  dedupe(overlap),
			})
		}
	}

	return report
}

// yieldsTo reports whether the candidate is younger than other and must wait.
func yieldsTo(candidate, other *canon.ChangeRequest) bool {
	candAge := effectiveAge(candidate)
	otherAge := effectiveAge(other)
	if otherAge != candAge {
		return otherAge < candAge
	}
	return other.ID < candidate.ID
}

// effectiveAge orders requests by acceptance time, falling back to
// submission time for requests that have not been accepted yet.
func effectiveAge(r *canon.ChangeRequest) int64 {
	if r.AcceptedAtMs > 0 {
		return r.AcceptedAtMs
	}
	return r.SubmittedAtMs
}

func intersect(a map[string]struct{}, b map[string]struct{}) []string {
	var out []string
	for id := range a {
		if _, ok := b[id]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
