package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/changefile"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/pkg/canon"
)

var (
	submitFile             string
	submitIssue            string
	submitRequester        string
	submitSecondaryApprove bool
	submitWatch            bool
	submitWait             bool
	submitWaitTimeout      time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a change request to the pipeline",
	Long: `Submit a specification change request for orchestration.

The change set is read from a YAML file and stored on the canon, where the
orchestrator daemon picks it up. Submitting through this CLI marks the
request as approved; use --secondary-approve to pre-grant the extra approval
CRITICAL-risk requests need before they are accepted.

Change file format:
  issue: ISSUE-42        # optional, --issue overrides
  changes:
    - op: create         # create, update or delete
      entity:
        id: users
        kind: entity     # entity, service, event or workflow
        fields:
          name: {type: string, required: true}
    - op: delete
      entity_id: legacy_reports
      expected_revision: 2

Examples:
  # Submit and return immediately
  warren submit --issue ISSUE-42 --file change.yml

  # Submit and stream pipeline progress until the request finishes
  warren submit --file change.yml --watch

  # Submit and block quietly; exit non-zero unless the request publishes
  warren submit --file change.yml --wait`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Change-set YAML file (required)")
	submitCmd.Flags().StringVarP(&submitIssue, "issue", "i", "", "Originating issue ID (overrides the file's issue field)")
	submitCmd.Flags().StringVarP(&submitRequester, "requester", "r", "", "Requester identity (default: $WARREN_REQUESTER, then $USER)")
	submitCmd.Flags().BoolVar(&submitSecondaryApprove, "secondary-approve", false, "Pre-grant the secondary approval CRITICAL requests need")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "Stream pipeline events until the request finishes")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Block until the request finishes, exit non-zero unless it publishes")
	submitCmd.Flags().DurationVar(&submitWaitTimeout, "wait-timeout", 10*time.Minute, "Give up waiting after this long (with --wait)")
	submitCmd.MarkFlagRequired("file")
	submitCmd.MarkFlagsMutuallyExclusive("watch", "wait")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Phase 1: Read and validate the change file before touching Redis.
	file, changes, err := changefile.Load(submitFile)
	if err != nil {
		return printer.Error(
			"invalid change file",
			fmt.Sprintf("Error: %v", err),
			[]string{"See the change file format:\n  warren submit --help"},
		)
	}

	issueID := submitIssue
	if issueID == "" {
		issueID = file.Issue
	}

	requester := submitRequester
	if requester == "" {
		requester = os.Getenv("WARREN_REQUESTER")
	}
	if requester == "" {
		requester = os.Getenv("USER")
	}
	if requester == "" {
		return printer.Error(
			"requester identity required",
			"Warren records who asked for every change, and neither --requester nor $WARREN_REQUESTER nor $USER is set.",
			[]string{"Pass it explicitly:\n  warren submit --requester you@example.com --file " + submitFile},
		)
	}

	// Phase 2: Connect to the canon.
	_, client, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	request := &canon.ChangeRequest{
		ID:                uuid.New().String(),
		IssueID:           issueID,
		Requester:         requester,
		Approved:          true,
		SecondaryApproved: submitSecondaryApprove,
		Changes:           changes,
		State:             canon.StateRequested,
		SubmittedAtMs:     time.Now().UnixMilli(),
	}

	// Phase 3: In watch mode, start streaming BEFORE creating the request so
	// no pipeline event is missed.
	if submitWatch {
		watchCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		defer cancel()

		watcher := &watch.Watcher{
			Client:    client,
			Formatter: watch.NewDefaultFormatter(os.Stdout),
			RequestID: request.ID,
		}

		streamDone := make(chan error, 1)
		go func() {
			streamDone <- watcher.Run(watchCtx)
		}()

		// Give the subscription time to set up before publishing the request.
		time.Sleep(100 * time.Millisecond)

		if err := client.CreateChangeRequest(ctx, request); err != nil {
			return fmt.Errorf("failed to create change request: %w", err)
		}

		// The watcher returns once the request reaches a terminal state.
		if err := <-streamDone; err != nil {
			return err
		}
		return reportOutcome(ctx, client, request.ID)
	}

	// Phase 4: Non-watch mode, create the request and return.
	if err := client.CreateChangeRequest(ctx, request); err != nil {
		return fmt.Errorf("failed to create change request: %w", err)
	}

	printer.Success("Change request submitted: %s\n", request.ID)
	if submitWait {
		final, err := watch.PollForTerminal(ctx, client, request.ID, submitWaitTimeout)
		if err != nil {
			return err
		}
		return reportFinal(final)
	}

	printer.Info("\nNext steps:\n")
	printer.Info("  • Follow progress: warren watch %s\n", request.ID[:8])
	printer.Info("  • Inspect details: warren show %s\n", request.ID[:8])
	printer.Info("  • List all requests: warren list\n")

	return nil
}

// reportOutcome fetches the final request state and maps it to an exit code.
func reportOutcome(ctx context.Context, client *canon.Client, requestID string) error {
	final, err := client.GetChangeRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to read final request state: %w", err)
	}
	return reportFinal(final)
}

// reportFinal prints a one-line summary of a finished request and returns an
// error for any terminal state other than published, so scripts can rely on
// the exit code.
func reportFinal(r *canon.ChangeRequest) error {
	switch r.State {
	case canon.StatePublished:
		printer.Success("Request %s published as revision %d\n", r.ID[:8], r.PublishedRevision)
		return nil
	case canon.StateFailed:
		return printer.Error(
			fmt.Sprintf("request %s failed at stage %s", r.ID[:8], r.FailedStage),
			fmt.Sprintf("Reason: %s", r.Reason),
			[]string{fmt.Sprintf("Inspect the diagnostics:\n  warren show %s", r.ID[:8])},
		)
	case canon.StateAbandoned:
		return printer.Error(
			fmt.Sprintf("request %s was abandoned", r.ID[:8]),
			fmt.Sprintf("Reason: %s", r.Reason),
			nil,
		)
	default:
		// Watch mode can be interrupted before the request finishes.
		printer.Info("Request %s is still %s\n", r.ID[:8], r.State)
		return nil
	}
}
