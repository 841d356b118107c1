package commands

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
)

var (
	watchJSON bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [REQUEST_ID]",
	Short: "Stream pipeline events in real time",
	Long: `Stream request submissions and pipeline stage transitions as they happen.

Without an argument, all activity on the instance is shown until
interrupted. With a REQUEST_ID (full UUID or unique 6+ character prefix),
only that request's events are shown and the stream ends when it reaches a
terminal state.

Events are delivered at most once and are not replayed: the stream starts
from now. Use 'warren show' for history.

Examples:
  # Everything, human-readable
  warren watch

  # One request, until it finishes
  warren watch 550e8400

  # Machine-readable event stream
  warren watch --json | jq .event`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Emit line-delimited JSON events")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	_, client, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var requestID string
	if len(args) > 0 {
		requestID, err = resolveRequestArg(ctx, client, args[0])
		if err != nil {
			return err
		}
	}

	var formatter watch.Formatter
	if watchJSON {
		formatter = watch.NewJSONFormatter(os.Stdout)
	} else {
		formatter = watch.NewDefaultFormatter(os.Stdout)
		if requestID != "" {
			printer.Info("Watching request %s (Ctrl+C to stop)...\n", requestID[:8])
		} else {
			printer.Info("Watching instance activity (Ctrl+C to stop)...\n")
		}
	}

	watcher := &watch.Watcher{
		Client:    client,
		Formatter: formatter,
		RequestID: requestID,
	}

	return watcher.Run(ctx)
}
