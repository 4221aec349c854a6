package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/report"
)

// parseKV turns key=value pairs into a map. Values that parse as JSON keep
// their JSON type; anything else is a string.
func parseKV(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(v)))
		dec.UseNumber()
		var parsed any
		if err := dec.Decode(&parsed); err == nil && !dec.More() {
			out[k] = parsed
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func newAppendCmd() *cobra.Command {
	var stage, action, status, detailsJSON string
	var kv []string

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one entry to the audit chain",
		Example: `  provtrail append --stage extract --action data_read --status completed --detail source=/raw/claims.csv --detail record_count=1200
  provtrail append --stage load --action stage_failed --status failed --details '{"error":"timeout"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			details, err := parseKV(kv)
			if err != nil {
				return err
			}
			if detailsJSON != "" {
				var extra map[string]any
				dec := json.NewDecoder(strings.NewReader(detailsJSON))
				dec.UseNumber()
				if err := dec.Decode(&extra); err != nil {
					return fmt.Errorf("parsing --details: %w", err)
				}
				for k, v := range extra {
					details[k] = v
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Server.LogLevel, os.Stderr)
			e, err := openEnv(cmd.Context(), cfg, logger, envOptions{notify: true, tracing: true})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			entry, err := e.chain.Append(cmd.Context(), stage, action, audit.Status(status), details)
			if err != nil {
				return err
			}
			return report.WriteJSON(cmd.OutOrStdout(), entry)
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "pipeline stage")
	cmd.Flags().StringVar(&action, "action", "", "action name")
	cmd.Flags().StringVar(&status, "status", string(audit.StatusCompleted), "started, completed or failed")
	cmd.Flags().StringArrayVar(&kv, "detail", nil, "detail key=value (repeatable)")
	cmd.Flags().StringVar(&detailsJSON, "details", "", "details as a JSON object")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
