package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/config"
	"github.com/provtrail/provtrail/internal/identity"
)

func newInitCmd() *cobra.Command {
	var pipelineID, user, driver, signer string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Example: `  provtrail init --pipeline claims-etl --user etl-bot
  provtrail init --pipeline claims-etl --driver sqlite --signer ops`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Lstat(cfgFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgFile)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg := config.Defaults()
			cfg.Pipeline.ID = pipelineID
			cfg.Pipeline.User = user
			cfg.Storage.Driver = driver
			cfg.Identity.Signer = signer
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
				return err
			}
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", cfgFile)

			if signer != "" {
				keysDir := filepath.Join(filepath.Dir(cfgFile), cfg.Identity.KeysDir)
				kp, err := identity.GenerateKeypair(signer)
				if err != nil {
					return err
				}
				if err := kp.Save(keysDir); err != nil {
					return fmt.Errorf("saving keypair: %w", err)
				}
				fmt.Fprintf(out, "Generated seal key %s in %s\n", signer, keysDir)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", "default", "pipeline id recorded on every entry")
	cmd.Flags().StringVar(&user, "user", "system", "user id recorded on every entry")
	cmd.Flags().StringVar(&driver, "driver", config.DriverJSONL, "storage driver: jsonl, sqlite, postgres")
	cmd.Flags().StringVar(&signer, "signer", "", "also generate a seal signing key with this name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
