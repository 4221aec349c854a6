package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/report"
)

// withGraph loads config and the lineage graph, then calls fn.
func withGraph(cmd *cobra.Command, fn func(e *env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEnv(cmd.Context(), cfg, newLogger("error", os.Stderr), envOptions{lineage: true})
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	return fn(e)
}

func newLineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Query the lineage graph",
	}
	cmd.AddCommand(
		newLineageAncestorsCmd(),
		newLineageDescendantsCmd(),
		newLineageImpactCmd(),
		newLineageGraphCmd(),
		newLineageSummaryCmd(),
		newLineageTopologyCmd(),
		newLineageImportCmd(),
	)
	return cmd
}

func printRecords(cmd *cobra.Command, recs []lineage.Record, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return report.WriteJSON(out, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No records.")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s  %s --[%s]--> %s\n", r.LineageID, r.Source(), r.Transformation, r.Destination())
	}
	return nil
}

func newLineageAncestorsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ancestors <lineage-id>",
		Short: "List every record upstream of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, func(e *env) error {
				recs, err := e.graph.Ancestors(args[0])
				if err != nil {
					return err
				}
				return printRecords(cmd, recs, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLineageDescendantsCmd() *cobra.Command {
	var asJSON bool
	var nodeType string
	cmd := &cobra.Command{
		Use:   "descendants <location>",
		Short: "List every record downstream of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, func(e *env) error {
				return printRecords(cmd, e.graph.Descendants(lineage.Node{Type: nodeType, Location: args[0]}), asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&nodeType, "type", lineage.TypeFile, "node type of the location")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLineageImpactCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "impact <location>",
		Short: "Show everything downstream of a dataset location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, func(e *env) error {
				imp := e.graph.ImpactAnalysis(args[0])
				out := cmd.OutOrStdout()
				if asJSON {
					return report.WriteJSON(out, imp)
				}
				st := newStyler(out)
				lines := []string{
					fmt.Sprintf("Records impacted: %d", imp.TotalRecordsImpacted),
					fmt.Sprintf("Lineage records:  %d", len(imp.AffectedRecords)),
					"Destinations:",
				}
				lines = append(lines, indentEach(imp.AffectedDestinations)...)
				lines = append(lines, "Transformations:")
				lines = append(lines, indentEach(imp.AffectedTransforms)...)
				fmt.Fprint(out, st.Panel("Impact of "+imp.Location, lines))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func indentEach(items []string) []string {
	if len(items) == 0 {
		return []string{"  (none)"}
	}
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "  " + s
	}
	return out
}

func newLineageGraphCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the lineage graph as JSON or Graphviz DOT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, func(e *env) error {
				snap := e.graph.ExportGraph()
				switch format {
				case "json":
					return withOutput(cmd, output, func(w io.Writer) error { return report.WriteGraphJSON(w, snap) })
				case "dot":
					return withOutput(cmd, output, func(w io.Writer) error { return report.WriteDOT(w, snap) })
				default:
					return fmt.Errorf("unknown format %q (want json or dot)", format)
				}
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or dot")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newLineageSummaryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize the lineage graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, func(e *env) error {
				s := e.graph.Summary()
				out := cmd.OutOrStdout()
				if asJSON {
					return report.WriteJSON(out, s)
				}
				fmt.Fprint(out, newStyler(out).Panel("Lineage", lineageLines(s)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newLineageTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Show node degrees, row flow and centrality",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGraph(cmd, func(e *env) error {
				return report.WriteJSON(cmd.OutOrStdout(), e.graph.Topology())
			})
		},
	}
	return cmd
}

func newLineageImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <graph.json>",
		Short: "Restore records from an exported lineage graph",
		Long:  "Appends every edge of an exported graph whose lineage id is not already recorded. Ids and timestamps are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			snap, err := report.ReadGraphJSON(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			return withGraph(cmd, func(e *env) error {
				n, err := e.graph.Restore(cmd.Context(), snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d records\n", n, len(snap.Edges))
				return nil
			})
		},
	}
	return cmd
}
