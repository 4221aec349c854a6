package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/identity"
)

func newKeygenCmd() *cobra.Command {
	var signers []string
	var outDir string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate Ed25519 keypairs for seal signers",
		Example: `  provtrail keygen --signer ops --out ./keys/
  provtrail keygen --signer ops --signer auditor`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(signers) == 0 {
				return fmt.Errorf("at least one --signer is required")
			}
			if outDir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				outDir = cfg.Identity.KeysDir
			}

			out := cmd.OutOrStdout()
			for _, name := range signers {
				kp, err := identity.GenerateKeypair(name)
				if err != nil {
					return fmt.Errorf("generating keypair for %s: %w", name, err)
				}
				if err := kp.Save(outDir); err != nil {
					return fmt.Errorf("saving keypair for %s: %w", name, err)
				}
				fp := identity.Fingerprint(kp.PublicKey)
				fmt.Fprintf(out, "Generated keypair for %s\n", name)
				fmt.Fprintf(out, "  Private: %s/%s.key\n", outDir, name)
				fmt.Fprintf(out, "  Public:  %s/%s.pub\n", outDir, name)
				fmt.Fprintf(out, "  Fingerprint: %s\n\n", fp[:16]+"...")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&signers, "signer", nil, "signer name(s) to generate keys for")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory for keys (default identity.keys_dir)")
	return cmd
}
