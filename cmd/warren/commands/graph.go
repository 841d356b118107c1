package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/inspect"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

var (
	graphRevision     int64
	graphOutputFormat string
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show the published specification graph",
	Long: `Show the current published specification graph, or a retained historical
revision for audit reads.

Output Formats:
  default - Entity table with kinds, revisions, criticality and relations
  json    - Complete snapshot as pretty-printed JSON

Examples:
  # Current graph
  warren graph

  # The graph as it was at revision 4
  warren graph --revision 4

  # Full snapshot for scripting
  warren graph --output json | jq '.entities[].id'`,
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().Int64Var(&graphRevision, "revision", 0, "Show this retained revision instead of the current one")
	graphCmd.Flags().StringVarP(&graphOutputFormat, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if graphOutputFormat != "default" && graphOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", graphOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	_, client, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	graph, err := loadSnapshot(ctx, client)
	if err != nil {
		return err
	}

	if graphOutputFormat == "json" {
		return inspect.FormatGraphJSON(os.Stdout, graph)
	}

	inspect.FormatGraphTable(os.Stdout, graph)
	return nil
}

func loadSnapshot(ctx context.Context, client *canon.Client) (*specgraph.Graph, error) {
	if graphRevision > 0 {
		graph, err := client.SnapshotAt(ctx, graphRevision)
		if err != nil {
			if canon.IsNotFound(err) {
				return nil, printer.Error(
					fmt.Sprintf("snapshot revision %d not retained", graphRevision),
					"That revision was never published, or has been trimmed from history.",
					[]string{"List retained revisions:\n  warren snapshots"},
				)
			}
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		return graph, nil
	}

	graph, err := client.CurrentSnapshot(ctx)
	if err != nil {
		if canon.IsNotFound(err) {
			return nil, printer.Error(
				"no snapshot published yet",
				"The specification graph is empty until the first change request publishes.",
				[]string{"Submit a change:\n  warren submit --file change.yml"},
			)
		}
		return nil, fmt.Errorf("failed to load current snapshot: %w", err)
	}
	return graph, nil
}
