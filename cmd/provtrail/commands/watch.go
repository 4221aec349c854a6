package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/config"
	"github.com/provtrail/provtrail/internal/notify"
	"github.com/provtrail/provtrail/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var withSeals, exitOnTamper bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-verify the audit log every time it changes",
		Long: "Watches the JSONL audit log (and seals file) and re-runs verification after each change. " +
			"With --exit-on-tamper the command exits 2 on the first failed check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverJSONL {
				return fmt.Errorf("watch needs the jsonl storage driver, not %s", cfg.Storage.Driver)
			}
			logger := newLogger(cfg.Server.LogLevel, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)

			log, err := openAuditLog(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = log.Close() }()

			hooks := notify.NewWebhooks(cfg.Notify.Webhooks, cfg.Notify.AllowPrivateWebhooks, logger)
			defer hooks.Wait()

			out := cmd.OutOrStdout()
			healthy := true
			paths := []string{cfg.Storage.AuditPath}
			if withSeals {
				paths = append(paths, cfg.Storage.SealsPath)
			}
			check := func(ctx context.Context, path string) {
				res, err := verifyLog(ctx, cfg, log, withSeals)
				if err != nil {
					logger.Error("verification error", "path", path, "error", err)
					return
				}
				fmt.Fprintf(out, "[%s] ", time.Now().Format(time.RFC3339))
				printVerify(out, res)
				if res.ok() {
					if !healthy {
						hooks.Notify(alertFor(notify.EventChainRestored, cfg, path, res))
					}
					healthy = true
					return
				}
				logger.Warn("tampering detected", "path", path, "findings", len(res.Integrity.Findings))
				if healthy {
					event := notify.EventChainTampered
					if res.Integrity.Valid {
						event = notify.EventSealBroken
					}
					hooks.Notify(alertFor(event, cfg, path, res))
				}
				healthy = false
				if exitOnTamper {
					cancel(&ExitError{Code: exitTampered})
				}
			}

			m := watch.New(paths, time.Duration(cfg.Watch.DebounceMS)*time.Millisecond, check, logger)
			if err := m.Run(ctx); err != nil {
				return err
			}
			if cause := context.Cause(ctx); cause != nil {
				if exit, ok := cause.(*ExitError); ok {
					return exit
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withSeals, "seals", false, "also verify signed seals")
	cmd.Flags().BoolVar(&exitOnTamper, "exit-on-tamper", false, "exit 2 on the first failed check")
	return cmd
}

// alertFor summarizes a verification result for webhook delivery.
func alertFor(event string, cfg *config.Config, path string, res verifyResult) notify.Alert {
	a := notify.Alert{
		Event:      event,
		PipelineID: cfg.Pipeline.ID,
		Path:       path,
		Entries:    res.Integrity.Checked,
		Findings:   len(res.Integrity.Findings),
		Reasons:    res.Integrity.Reasons(),
	}
	if len(res.Integrity.Findings) > 0 {
		a.Detail = res.Integrity.Findings[0].String()
	}
	if res.Seals != nil {
		a.Findings += len(res.Seals.Findings)
		for _, f := range res.Seals.Findings {
			a.Reasons = append(a.Reasons, "seal_"+f.Reason)
		}
		if a.Detail == "" && len(res.Seals.Findings) > 0 {
			f := res.Seals.Findings[0]
			a.Detail = fmt.Sprintf("seal %d (entry %d): %s", f.Seal, f.Index, f.Detail)
		}
	}
	return a
}
