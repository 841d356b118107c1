package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/inspect"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/pkg/canon"
)

var (
	listOutputFormat string
	listStates       string
	listRequester    string
	listIssue        string
	listSince        string
	listUntil        string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List change requests",
	Long: `List change requests known to the canon, oldest first.

Filters are ANDed together. Time filters accept Go durations ("2h" means
two hours ago) or RFC3339 timestamps.

Output Formats:
  default - Human-readable table with truncated columns
  jsonl   - Line-delimited JSON, one complete request per line

Examples:
  # All requests
  warren list

  # Requests still in flight
  warren list --state requested,blocked,accepted,workspacing,mutating,generating,testing,publishing

  # What failed in the last day
  warren list --state failed --since 24h

  # Everything for one issue, as JSON for scripting
  warren list --issue 'ISSUE-42' --output jsonl | jq .state`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	listCmd.Flags().StringVar(&listStates, "state", "", "Comma-separated pipeline states to include")
	listCmd.Flags().StringVar(&listRequester, "requester", "", "Only requests submitted by this requester")
	listCmd.Flags().StringVar(&listIssue, "issue", "", "Glob pattern on the issue ID (e.g. 'ISSUE-*')")
	listCmd.Flags().StringVar(&listSince, "since", "", "Only requests submitted after this time ('2h' or RFC3339)")
	listCmd.Flags().StringVar(&listUntil, "until", "", "Only requests submitted before this time ('1h' or RFC3339)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var format inspect.OutputFormat
	switch listOutputFormat {
	case "default":
		format = inspect.OutputFormatDefault
	case "jsonl":
		format = inspect.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", listOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	criteria, err := buildCriteria()
	if err != nil {
		return err
	}

	_, client, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := inspect.ListRequests(ctx, client, format, criteria, os.Stdout); err != nil {
		return fmt.Errorf("failed to list change requests: %w", err)
	}

	return nil
}

// buildCriteria converts the list flags into filter criteria.
func buildCriteria() (*inspect.Criteria, error) {
	sinceMS, untilMS, err := timespec.ParseRange(listSince, listUntil)
	if err != nil {
		return nil, printer.Error(
			"invalid time filter",
			fmt.Sprintf("Error: %v", err),
			[]string{"Use a duration like '2h' or an RFC3339 timestamp like '2026-08-01T12:00:00Z'"},
		)
	}

	criteria := &inspect.Criteria{
		SinceTimestampMs: sinceMS,
		UntilTimestampMs: untilMS,
		Requester:        listRequester,
		IssueGlob:        listIssue,
	}

	if listStates != "" {
		for _, raw := range strings.Split(listStates, ",") {
			state := canon.PipelineState(strings.TrimSpace(raw))
			if err := state.Validate(); err != nil {
				return nil, printer.Error(
					"invalid state filter",
					fmt.Sprintf("Error: %v", err),
					[]string{"Valid states: requested, blocked, accepted, workspacing, mutating, generating, testing, publishing, published, failed, abandoned"},
				)
			}
			criteria.States = append(criteria.States, state)
		}
	}

	return criteria, nil
}
