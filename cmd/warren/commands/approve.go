package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/canon"
)

var approveCmd = &cobra.Command{
	Use:   "approve REQUEST_ID",
	Short: "Grant secondary approval to a CRITICAL-risk request",
	Long: `Grant the secondary approval a CRITICAL-risk change request needs.

Requests assessed as CRITICAL are held before acceptance until a second
approval arrives. The engine picks the grant up live, so an approved
request resumes without resubmission. Approving a request that is not held
is harmless; the grant is simply recorded.

Examples:
  warren approve 550e8400`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
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
			fmt.Sprintf("The request is %s; approval can no longer change its outcome.", request.State),
			[]string{fmt.Sprintf("Inspect it:\n  warren show %s", requestID[:8])},
		)
	}

	if request.SecondaryApproved {
		printer.Info("Request %s already carries secondary approval\n", requestID[:8])
		return nil
	}

	request.SecondaryApproved = true
	if err := client.UpdateChangeRequest(ctx, request); err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}

	printer.Success("Secondary approval granted for %s\n", requestID[:8])
	if request.Risk != nil && request.Risk.Level == canon.RiskCritical {
		printer.Info("The engine resumes the request once it observes the grant.\n")
	}

	return nil
}
