package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/inspect"
	"github.com/dyluth/warren/internal/printer"
)

var (
	showOutputFormat string
)

var showCmd = &cobra.Command{
	Use:   "show REQUEST_ID",
	Short: "Show one change request in full",
	Long: `Show the complete state of a change request: metadata, risk assessment,
the change set it carries, failure diagnostics, and its transition ledger.

REQUEST_ID may be a full UUID or a unique prefix of at least 6 characters.

Examples:
  # Human-readable detail
  warren show 550e8400

  # Complete request plus ledger as JSON
  warren show 550e8400 --output json | jq .request.state`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutputFormat, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if showOutputFormat != "default" && showOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", showOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

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

	history, err := client.LedgerHistory(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to fetch transition ledger: %w", err)
	}

	if showOutputFormat == "json" {
		return inspect.FormatRequestJSON(os.Stdout, request, history)
	}

	inspect.FormatRequestDetail(os.Stdout, request, history)
	return nil
}
