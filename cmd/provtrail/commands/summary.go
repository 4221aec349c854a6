package commands

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/report"
)

func countLines(m map[string]int) []string {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("  %-22s %d", k, m[k])
	}
	return out
}

func auditLines(s audit.Summary) []string {
	lines := []string{
		fmt.Sprintf("Pipeline:  %s", s.PipelineID),
		fmt.Sprintf("Entries:   %d", s.TotalEntries),
		fmt.Sprintf("Tail:      %s", short(s.Tail)),
	}
	if s.FirstEntry != nil && s.LastEntry != nil {
		lines = append(lines,
			fmt.Sprintf("First:     %s", s.FirstEntry.Format(time.RFC3339)),
			fmt.Sprintf("Last:      %s", s.LastEntry.Format(time.RFC3339)))
	}
	if len(s.Statuses) > 0 {
		lines = append(lines, "Statuses:")
		lines = append(lines, countLines(s.Statuses)...)
	}
	if len(s.Actions) > 0 {
		lines = append(lines, "Actions:")
		lines = append(lines, countLines(s.Actions)...)
	}
	return lines
}

func lineageLines(s lineage.Summary) []string {
	lines := []string{
		fmt.Sprintf("Records:   %d", s.TotalRecords),
		fmt.Sprintf("Nodes:     %d (%d sources, %d destinations)", s.DistinctNodes, s.DistinctSources, s.DistinctDestinations),
		fmt.Sprintf("Rows:      %d in, %d out, %d filtered", s.TotalInputRecords, s.TotalOutputRecords, s.TotalFilteredRecords),
	}
	if len(s.Transformations) > 0 {
		lines = append(lines, "Transformations:")
		lines = append(lines, countLines(s.Transformations)...)
	}
	return lines
}

func newSummaryCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize the audit chain and lineage graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context(), cfg, newLogger("error", os.Stderr), envOptions{lineage: true})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			as, ls := e.chain.Summary(), e.graph.Summary()
			out := cmd.OutOrStdout()
			if asJSON {
				return report.WriteJSON(out, map[string]any{"audit": as, "lineage": ls})
			}
			st := newStyler(out)
			fmt.Fprint(out, st.Panel("Audit chain", auditLines(as)))
			fmt.Fprint(out, st.Panel("Lineage", lineageLines(ls)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
