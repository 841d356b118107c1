package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// FormatRequestDetail writes the full view of one change request: metadata,
// the change set, failure diagnostics when present, and the transition
// ledger. This is the `warren show` rendering.
func FormatRequestDetail(w io.Writer, r *canon.ChangeRequest, history []*canon.LedgerEntry) {
	fmt.Fprintf(w, "Change request %s\n", r.ID)
	fmt.Fprintf(w, "  State:      %s\n", printer.State(r.State))
	fmt.Fprintf(w, "  Risk:       %s\n", formatRiskDetail(r.Risk))

	fmt.Fprintf(w, "  Issue:      %s\n", dashWhenEmpty(r.IssueID))
	fmt.Fprintf(w, "  Requester:  %s\n", r.Requester)
	fmt.Fprintf(w, "  Approved:   %s\n", formatApproval(r))
	fmt.Fprintf(w, "  Submitted:  %s\n", formatTimestampDetail(r.SubmittedAtMs))

	if r.AcceptedAtMs > 0 {
		fmt.Fprintf(w, "  Accepted:   %s\n", formatTimestampDetail(r.AcceptedAtMs))
	}
	if r.FinishedAtMs > 0 {
		fmt.Fprintf(w, "  Finished:   %s\n", formatTimestampDetail(r.FinishedAtMs))
	}

	if len(r.Blocking) > 0 {
		fmt.Fprintf(w, "  Blocked by: %s\n", strings.Join(r.Blocking, ", "))
	}

	switch {
	case r.State == canon.StatePublished:
		fmt.Fprintf(w, "  Published:  revision %d\n", r.PublishedRevision)
	case r.State == canon.StateFailed:
		fmt.Fprintf(w, "  Failed:     stage %s: %s\n", r.FailedStage, dashWhenEmpty(r.Reason))
	case r.State == canon.StateAbandoned:
		fmt.Fprintf(w, "  Abandoned:  %s\n", dashWhenEmpty(r.Reason))
	}

	fmt.Fprintf(w, "  Changes:\n")
	if len(r.Changes) == 0 {
		fmt.Fprintf(w, "    (none)\n")
	}
	for _, ch := range r.Changes {
		fmt.Fprintf(w, "    %s\n", formatChangeLine(ch))
	}

	if r.Diagnostic != "" {
		fmt.Fprintf(w, "  Diagnostic:\n")
		for _, line := range strings.Split(strings.TrimRight(r.Diagnostic, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}

	if len(history) > 0 {
		fmt.Fprintf(w, "\nTransitions:\n")
		fmt.Fprintf(w, "  %-4s %-12s %-12s %-8s %s\n", "SEQ", "FROM", "TO", "AGE", "REASON")
		for _, entry := range history {
			fmt.Fprintf(w, "  %-4d %-12s %-12s %-8s %s\n",
				entry.Seq,
				string(entry.From),
				string(entry.To),
				formatAge(entry.AtMs),
				dashWhenEmpty(entry.Reason),
			)
		}
	}
}

// FormatRequestJSON writes one request plus its ledger as pretty-printed
// JSON, for scripting.
func FormatRequestJSON(w io.Writer, r *canon.ChangeRequest, history []*canon.LedgerEntry) error {
	payload := struct {
		Request *canon.ChangeRequest `json:"request"`
		Ledger  []*canon.LedgerEntry `json:"ledger,omitempty"`
	}{Request: r, Ledger: history}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal change request: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatChangeLine renders one entity change for the detail view.
func formatChangeLine(ch specgraph.EntityChange) string {
	if ch.Op == specgraph.OpCreate {
		return fmt.Sprintf("%s %s", ch.Op, ch.EntityID)
	}
	return fmt.Sprintf("%s %s (expected revision %d)", ch.Op, ch.EntityID, ch.ExpectedRevision)
}

// formatRiskDetail expands the full risk assessment onto one line.
func formatRiskDetail(risk *canon.RiskScore) string {
	if risk == nil {
		return "- (not yet assessed)"
	}
	return fmt.Sprintf("%s (score %.1f, touched %d, dependents %d, max criticality %s)",
		printer.Risk(risk.Level), risk.Score, risk.Touched, risk.Dependents, maxCriticalityLabel(risk.MaxCriticality))
}

func maxCriticalityLabel(c specgraph.Criticality) string {
	if c == "" {
		return string(specgraph.CriticalityLow)
	}
	return string(c)
}

// formatApproval summarizes the approval flags on one line.
func formatApproval(r *canon.ChangeRequest) string {
	if !r.Approved {
		return "no"
	}
	if r.SecondaryApproved {
		return "yes (secondary: yes)"
	}
	return "yes"
}

// formatTimestampDetail renders an absolute timestamp with relative age.
func formatTimestampDetail(timestampMs int64) string {
	if timestampMs <= 0 {
		return "-"
	}
	t := time.Unix(timestampMs/1000, (timestampMs%1000)*1000000)
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), formatAge(timestampMs))
}

func dashWhenEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
