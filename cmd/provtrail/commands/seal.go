package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/identity"
	"github.com/provtrail/provtrail/internal/report"
	"github.com/provtrail/provtrail/internal/store"
)

func newSealCmd() *cobra.Command {
	var signer string

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Sign a checkpoint over the current end of the audit chain",
		Long: "Appends a signed seal naming the last entry's index and hash to the seals file. " +
			"`provtrail verify --seals` later proves no sealed entry was removed or rewritten.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if signer == "" {
				signer = cfg.Identity.Signer
			}
			if signer == "" {
				return fmt.Errorf("no signer: pass --signer or set identity.signer")
			}
			kp, err := identity.LoadKeypair(cfg.Identity.KeysDir, signer)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Server.LogLevel, os.Stderr)
			e, err := openEnv(cmd.Context(), cfg, logger, envOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if e.chain.Len() == 0 {
				return fmt.Errorf("nothing to seal: the audit chain is empty")
			}
			if rep := e.chain.VerifyIntegrity(); !rep.Valid {
				return fmt.Errorf("refusing to seal a chain that fails verification (%d findings)", len(rep.Findings))
			}
			s, err := identity.NewSeal(kp, e.chain.Len()-1, e.chain.Tail(), time.Now())
			if err != nil {
				return err
			}

			if err := ensureDir(cfg.Storage.SealsPath); err != nil {
				return err
			}
			seals, err := store.OpenJSONL[identity.Seal](cfg.Storage.SealsPath, store.JSONLOptions{NoSync: !cfg.Storage.Synced(), Logger: logger})
			if err != nil {
				return fmt.Errorf("opening seals: %w", err)
			}
			defer func() { _ = seals.Close() }()
			if err := seals.Append(cmd.Context(), s); err != nil {
				return fmt.Errorf("writing seal: %w", err)
			}
			logger.Info("chain sealed", "index", s.Index, "signer", s.Signer)
			return report.WriteJSON(cmd.OutOrStdout(), s)
		},
	}

	cmd.Flags().StringVar(&signer, "signer", "", "signing key name (default identity.signer)")
	return cmd
}
