package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/canon"
)

// FormatRequestTable writes change requests as a formatted table.
// Columns: ID (truncated), STATE, RISK, ISSUE, BY, AGE, and the touched
// entity IDs. Returns the number of requests formatted.
func FormatRequestTable(w io.Writer, requests []*canon.ChangeRequest, instanceName string) int {
	if len(requests) == 0 {
		fmt.Fprintf(w, "No change requests found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Change requests for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-10s %-12s %-9s %-12s %-18s %-8s %s\n",
		"ID", "STATE", "RISK", "ISSUE", "BY", "AGE", "CHANGES")
	fmt.Fprintf(w, "%-10s %-12s %-9s %-12s %-18s %-8s %s\n",
		"----------", "------------", "---------", "------------", "------------------", "--------", "----------------------------------------")

	for _, r := range requests {
		fmt.Fprintf(w, "%-10s %-12s %-9s %-12s %-18s %-8s %s\n",
			formatID(r.ID),
			string(r.State),
			formatRisk(r.Risk),
			formatIssue(r.IssueID),
			formatRequester(r.Requester),
			formatAge(r.SubmittedAtMs),
			formatChanges(r),
		)
	}

	countMsg := "request"
	if len(requests) != 1 {
		countMsg = "requests"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(requests), countMsg)

	return len(requests)
}

// FormatRequestJSONL writes requests as line-delimited JSON, one complete
// request object per line. Suited to piping through jq.
func FormatRequestJSONL(w io.Writer, requests []*canon.ChangeRequest) error {
	for _, r := range requests {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal change request: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// formatID truncates a request ID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatRisk renders the risk level, or "-" before assessment.
func formatRisk(risk *canon.RiskScore) string {
	if risk == nil {
		return "-"
	}
	return string(risk.Level)
}

// formatIssue truncates long issue IDs for table display.
func formatIssue(issueID string) string {
	if issueID == "" {
		return "-"
	}
	if len(issueID) > 12 {
		return issueID[:9] + "..."
	}
	return issueID
}

// formatRequester truncates long requester names for table display.
func formatRequester(requester string) string {
	if requester == "" {
		return "-"
	}
	if len(requester) > 18 {
		return requester[:15] + "..."
	}
	return requester
}

// formatChanges compacts a change set into "op id" pairs, truncated to keep
// rows on one line.
func formatChanges(r *canon.ChangeRequest) string {
	if len(r.Changes) == 0 {
		return "-"
	}

	parts := make([]string, 0, len(r.Changes))
	for _, ch := range r.Changes {
		parts = append(parts, fmt.Sprintf("%s %s", ch.Op, ch.EntityID))
	}
	joined := strings.Join(parts, ", ")

	if len(joined) > 40 {
		return joined[:37] + "..."
	}
	return joined
}

// formatAge formats a Unix millisecond timestamp as relative time.
// Zero and negative values (unset, or the zero time's UnixMilli) render as "-".
func formatAge(timestampMs int64) string {
	if timestampMs <= 0 {
		return "-"
	}

	t := time.Unix(timestampMs/1000, (timestampMs%1000)*1000000)
	diff := time.Since(t)

	if diff < time.Minute {
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}
