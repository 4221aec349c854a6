package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/report"
)

func newLogCmd() *cobra.Command {
	var opts audit.QueryOpts
	var status, since, until string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List audit entries",
		Example: `  provtrail log --limit 20
  provtrail log --stage transform --status failed --since 2024-01-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = audit.Status(status)
			if opts.Status != "" && !opts.Status.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			var err error
			if since != "" {
				if opts.Since, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
			}
			if until != "" {
				if opts.Until, err = time.Parse(time.RFC3339, until); err != nil {
					return fmt.Errorf("invalid --until: %w", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := openEnv(cmd.Context(), cfg, newLogger("error", os.Stderr), envOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			entries := e.chain.Query(opts)
			out := cmd.OutOrStdout()
			if asJSON {
				if entries == nil {
					entries = []audit.Entry{}
				}
				return report.WriteJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No entries.")
				return nil
			}
			st := newStyler(out)
			for _, en := range entries {
				fmt.Fprintf(out, "%s  %-12s %-18s %-10s %s %s\n",
					en.Timestamp.Format(time.RFC3339),
					en.Stage, en.Action, st.Status(string(en.Status)),
					st.dim.Sprint(short(en.EntryHash)), en.Level())
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.PipelineID, "pipeline", "", "filter by pipeline id")
	f.StringVar(&opts.Stage, "stage", "", "filter by stage")
	f.StringVar(&opts.Action, "action", "", "filter by action")
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&since, "since", "", "only entries at or after this RFC 3339 time")
	f.StringVar(&until, "until", "", "only entries before this RFC 3339 time")
	f.IntVar(&opts.Limit, "limit", 0, "show only the newest N matches")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
