package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only MCP tools on stdio",
		Long:  "Runs an MCP server on stdin/stdout so assistants can verify the chain and query lineage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(cfg.Server.LogLevel, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEnv(ctx, cfg, logger, envOptions{lineage: true})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			return mcp.Serve(ctx, mcp.NewServer(e.chain, e.graph, version, logger))
		},
	}
}
