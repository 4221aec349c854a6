package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/api"
	"github.com/provtrail/provtrail/internal/config"
	"github.com/provtrail/provtrail/internal/watch"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			logger := newLogger(cfg.Server.LogLevel, os.Stderr)

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := openEnv(ctx, cfg, logger, envOptions{lineage: true, metrics: true, tracing: true})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			srv := api.NewServer(api.Options{
				Chain:          e.chain,
				Graph:          e.graph,
				Metrics:        e.metrics,
				MetricsPath:    cfg.Metrics.Path,
				TracerProvider: e.tp,
				Logger:         logger,
				Version:        version,
			})
			if err := srv.Listen(cfg.Server.Bind, cfg.Server.Port); err != nil {
				return err
			}

			// Other processes append to the JSONL files; follow them.
			if cfg.Storage.Driver == config.DriverJSONL {
				lineagePath, _ := filepath.Abs(cfg.Storage.LineagePath)
				m := watch.New([]string{cfg.Storage.AuditPath, cfg.Storage.LineagePath},
					time.Duration(cfg.Watch.DebounceMS)*time.Millisecond,
					func(ctx context.Context, path string) {
						var err error
						if path == lineagePath {
							err = e.graph.Reload(ctx)
						} else {
							err = e.chain.Reload(ctx)
						}
						if err != nil {
							logger.Error("reload failed", "path", path, "error", err)
						}
					}, logger)
				go func() {
					if err := m.Run(ctx); err != nil {
						logger.Warn("file watch stopped", "error", err)
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Serve()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default server.port)")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default server.bind)")
	return cmd
}
