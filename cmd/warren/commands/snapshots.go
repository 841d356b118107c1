package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/inspect"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List retained graph snapshots",
	Long: `List the published snapshot history retained on the canon, oldest first.

Every publish produces a new snapshot; a bounded number are kept
(snapshots.keep in warren.yml). Use 'warren graph --revision N' to read one
in full.

Examples:
  warren snapshots`,
	RunE: runSnapshots,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, client, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	revisions, err := client.ListSnapshotRevisions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshot revisions: %w", err)
	}

	snapshots := make([]*specgraph.Graph, 0, len(revisions))
	for _, rev := range revisions {
		graph, err := client.SnapshotAt(ctx, rev)
		if err != nil {
			// Trimming can race the listing; an index entry whose snapshot
			// is already gone is skipped, not fatal.
			if canon.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to load snapshot %d: %w", rev, err)
		}
		snapshots = append(snapshots, graph)
	}

	inspect.FormatSnapshotTable(os.Stdout, snapshots, cfg.Instance)
	return nil
}
