package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/report"
)

// withOutput runs write against the -o file, or stdout when it is empty.
func withOutput(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newExportCmd() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:       "export {audit|lineage|report}",
		Short:     "Export the audit chain, lineage graph or compliance report",
		ValidArgs: []string{"audit", "lineage", "report"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Example: `  provtrail export audit --format csv -o audit.csv
  provtrail export lineage --format dot | dot -Tsvg > lineage.svg
  provtrail export report -o report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context(), cfg, newLogger("error", os.Stderr), envOptions{lineage: args[0] != "audit"})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			var write func(io.Writer) error
			switch args[0] + "/" + format {
			case "audit/csv":
				write = func(w io.Writer) error { return report.WriteAuditCSV(w, e.chain.ReadAll()) }
			case "audit/json":
				write = func(w io.Writer) error { return report.WriteJSON(w, e.chain.ReadAll()) }
			case "lineage/csv":
				write = func(w io.Writer) error { return report.WriteLineageCSV(w, e.graph.Records()) }
			case "lineage/json":
				write = func(w io.Writer) error { return report.WriteGraphJSON(w, e.graph.ExportGraph()) }
			case "lineage/dot":
				write = func(w io.Writer) error { return report.WriteDOT(w, e.graph.ExportGraph()) }
			case "report/json":
				write = func(w io.Writer) error { return report.WriteJSON(w, report.Build(e.chain, e.graph, time.Now())) }
			default:
				return fmt.Errorf("format %q is not available for %s", format, args[0])
			}
			return withOutput(cmd, output, write)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "csv or json; lineage also supports dot")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
