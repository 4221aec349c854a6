package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/config"
	"github.com/provtrail/provtrail/internal/identity"
	"github.com/provtrail/provtrail/internal/report"
	"github.com/provtrail/provtrail/internal/store"
)

// verifyResult is the outcome of checking the chain and, optionally, its
// seals.
type verifyResult struct {
	Integrity audit.Report `json:"integrity"`
	Seals     *sealResult  `json:"seals,omitempty"`
}

type sealResult struct {
	Checked  int                    `json:"checked"`
	Signers  []string               `json:"signers"`
	Findings []identity.SealFinding `json:"findings"`
	Skipped  string                 `json:"skipped,omitempty"`
}

func (r verifyResult) ok() bool {
	return r.Integrity.Valid && (r.Seals == nil || len(r.Seals.Findings) == 0)
}

// verifyLog checks log and, when withSeals is set, every seal in the
// configured seals file against it.
func verifyLog(ctx context.Context, cfg *config.Config, log store.Log[audit.Entry], withSeals bool) (verifyResult, error) {
	rep, err := audit.VerifyLog(ctx, log)
	if err != nil {
		return verifyResult{}, err
	}
	res := verifyResult{Integrity: rep}
	if !withSeals {
		return res, nil
	}

	seals, err := readSeals(ctx, cfg.Storage.SealsPath)
	if err != nil {
		return res, fmt.Errorf("reading seals: %w", err)
	}
	sr := &sealResult{Checked: len(seals), Signers: []string{}, Findings: []identity.SealFinding{}}
	res.Seals = sr

	keys := identity.NewKeyStore()
	if err := keys.LoadFromDir(cfg.Identity.KeysDir); err != nil && len(seals) > 0 {
		return res, fmt.Errorf("loading seal keys: %w", err)
	}
	sr.Signers = keys.Names()

	entries, err := log.Load(ctx)
	if err != nil {
		sr.Skipped = "audit log could not be decoded"
		return res, nil
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	sr.Findings = identity.CheckSeals(seals, hashes, keys)
	return res, nil
}

func printVerify(w io.Writer, res verifyResult) {
	st := newStyler(w)
	rep := res.Integrity
	if rep.Valid {
		fmt.Fprintf(w, "%s %d entries, chain intact\n", st.good.Sprint("✓"), rep.Checked)
	} else {
		fmt.Fprintf(w, "%s chain verification failed (%d findings)\n", st.bad.Sprint("✗"), len(rep.Findings))
		for _, f := range rep.Findings {
			fmt.Fprintf(w, "  %s\n", f.String())
		}
	}
	if res.Seals == nil {
		return
	}
	switch {
	case res.Seals.Skipped != "":
		fmt.Fprintf(w, "%s seals not checked: %s\n", st.warn.Sprint("!"), res.Seals.Skipped)
	case len(res.Seals.Findings) == 0:
		fmt.Fprintf(w, "%s %d seals hold\n", st.good.Sprint("✓"), res.Seals.Checked)
	default:
		fmt.Fprintf(w, "%s %d of %d seals broken\n", st.bad.Sprint("✗"), len(res.Seals.Findings), res.Seals.Checked)
		for _, f := range res.Seals.Findings {
			fmt.Fprintf(w, "  seal %d (entry %d): %s: %s\n", f.Seal, f.Index, f.Reason, f.Detail)
		}
	}
}

func newVerifyCmd() *cobra.Command {
	var withSeals, asJSON bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit chain has not been altered",
		Long: "Recomputes every entry hash and checks every link. With --seals, also checks each " +
			"signed seal, which detects entries removed from the end of the log. Exits 2 when tampering is found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger("error", os.Stderr)
			log, err := openAuditLog(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer func() { _ = log.Close() }()

			res, err := verifyLog(cmd.Context(), cfg, log, withSeals)
			if err != nil {
				return err
			}
			if asJSON {
				if err := report.WriteJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printVerify(cmd.OutOrStdout(), res)
			}
			if !res.ok() {
				return &ExitError{Code: exitTampered}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withSeals, "seals", false, "also verify signed seals")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
