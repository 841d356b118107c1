package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/warren/pkg/specgraph"
)

// FormatGraphTable writes a published snapshot as an entity table.
// Returns the number of entities formatted.
func FormatGraphTable(w io.Writer, g *specgraph.Graph) int {
	fmt.Fprintf(w, "Specification graph at revision %d (version %s)\n", g.Revision, g.Version)
	if g.PublishedBy != "" {
		fmt.Fprintf(w, "Published by request %s, %s\n", formatID(g.PublishedBy), formatAge(g.PublishedAt.UnixMilli()))
	}
	fmt.Fprintln(w)

	entities := g.Entities()
	if len(entities) == 0 {
		fmt.Fprintf(w, "No entities in this snapshot\n")
		return 0
	}

	fmt.Fprintf(w, "%-20s %-10s %-5s %-10s %-7s %s\n",
		"ENTITY", "KIND", "REV", "CRIT", "FIELDS", "RELATIONS")
	fmt.Fprintf(w, "%-20s %-10s %-5s %-10s %-7s %s\n",
		"--------------------", "----------", "-----", "----------", "-------", "----------------------------------------")

	for _, e := range entities {
		fmt.Fprintf(w, "%-20s %-10s %-5d %-10s %-7d %s\n",
			formatEntityID(e.ID),
			string(e.Kind),
			e.Revision,
			formatCriticality(e.Tags.Criticality),
			len(e.Fields),
			formatRelations(e.Relations),
		)
	}

	entityMsg := "entity"
	if len(entities) != 1 {
		entityMsg = "entities"
	}
	relationMsg := "relation"
	relations := g.Relations()
	if len(relations) != 1 {
		relationMsg = "relations"
	}
	fmt.Fprintf(w, "\n%d %s, %d %s\n", len(entities), entityMsg, len(relations), relationMsg)

	return len(entities)
}

// FormatGraphJSON writes a snapshot as pretty-printed JSON.
func FormatGraphJSON(w io.Writer, g *specgraph.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatSnapshotTable writes the retained snapshot history, oldest first.
// Returns the number of snapshots formatted.
func FormatSnapshotTable(w io.Writer, snapshots []*specgraph.Graph, instanceName string) int {
	if len(snapshots) == 0 {
		fmt.Fprintf(w, "No snapshots published for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Snapshots for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-9s %-10s %-9s %-10s %s\n",
		"REVISION", "VERSION", "ENTITIES", "BY", "AGE")
	fmt.Fprintf(w, "%-9s %-10s %-9s %-10s %s\n",
		"---------", "----------", "---------", "----------", "--------")

	for _, g := range snapshots {
		fmt.Fprintf(w, "%-9d %-10s %-9d %-10s %s\n",
			g.Revision,
			g.Version,
			g.Len(),
			formatPublishedBy(g.PublishedBy),
			formatAge(g.PublishedAt.UnixMilli()),
		)
	}

	countMsg := "snapshot"
	if len(snapshots) != 1 {
		countMsg = "snapshots"
	}
	fmt.Fprintf(w, "\n%d %s retained\n", len(snapshots), countMsg)

	return len(snapshots)
}

// formatEntityID truncates long entity IDs for table display.
func formatEntityID(id string) string {
	if len(id) > 20 {
		return id[:17] + "..."
	}
	return id
}

// formatCriticality renders the criticality tag, defaulting blanks to low.
func formatCriticality(c specgraph.Criticality) string {
	if c == "" {
		return string(specgraph.CriticalityLow)
	}
	return string(c)
}

// formatRelations compacts outgoing edges into "kind:target" pairs.
func formatRelations(relations []specgraph.Relation) string {
	if len(relations) == 0 {
		return "-"
	}

	parts := make([]string, 0, len(relations))
	for _, rel := range relations {
		parts = append(parts, fmt.Sprintf("%s:%s", rel.Kind, rel.To))
	}
	joined := strings.Join(parts, ", ")

	if len(joined) > 40 {
		return joined[:37] + "..."
	}
	return joined
}

// formatPublishedBy truncates the publishing request ID, "-" for the
// bootstrap graph.
func formatPublishedBy(requestID string) string {
	if requestID == "" {
		return "-"
	}
	return formatID(requestID)
}
