package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel REQUEST_ID",
	Short: "Request cancellation of an in-flight change request",
	Long: `Ask the orchestrator to abandon a change request.

Cancellation is cooperative: the flag is recorded on the request and the
engine abandons it at the next stage boundary. Work already handed to a
collaborator runs to completion first, and a request that reaches
publishing is merged rather than torn down.

Examples:
  warren cancel 550e8400`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	_, client, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	requestID, err := resolveRequestArg(ctx, client, args[0])
	if err != nil {
		return err
	}

	request, err := client.GetChangeRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to fetch change request: %w", err)
	}

	if request.State.Terminal() {
		return printer.Error(
			fmt.Sprintf("request %s already finished", requestID[:8]),
			fmt.Sprintf("The request is %s and can no longer be cancelled.", request.State),
			[]string{fmt.Sprintf("Inspect it:\n  warren show %s", requestID[:8])},
		)
	}

	if request.CancelRequested {
		printer.Info("Cancellation already requested for %s\n", requestID[:8])
		return nil
	}

	request.CancelRequested = true
	if err := client.UpdateChangeRequest(ctx, request); err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}

	printer.Success("Cancellation requested for %s\n", requestID[:8])
	printer.Info("The engine abandons the request at the next stage boundary.\n")
	printer.Info("Follow it: warren watch %s\n", requestID[:8])

	return nil
}
