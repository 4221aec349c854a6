package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/config"
	"github.com/provtrail/provtrail/internal/identity"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/notify"
	"github.com/provtrail/provtrail/internal/store"
	"github.com/provtrail/provtrail/internal/telemetry"
)

const (
	auditTable   = "audit_entries"
	lineageTable = "lineage_records"
)

// loadConfig reads cfgFile. A missing file falls back to defaults rooted at
// the current directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Defaults()
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func openAuditLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Log[audit.Entry], error) {
	return openLog[audit.Entry](ctx, cfg, cfg.Storage.AuditPath, auditTable, logger)
}

func openLineageLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Log[lineage.Record], error) {
	return openLog[lineage.Record](ctx, cfg, cfg.Storage.LineagePath, lineageTable, logger)
}

func openLog[T any](ctx context.Context, cfg *config.Config, path, table string, logger *slog.Logger) (store.Log[T], error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		if err := ensureDir(cfg.Storage.SQLitePath); err != nil {
			return nil, err
		}
		l, err := store.OpenSQLite[T](cfg.Storage.SQLitePath, table)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.DriverPostgres:
		l, err := store.OpenPostgres[T](ctx, cfg.Storage.PostgresDSN, table)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		l, err := store.OpenJSONL[T](path, store.JSONLOptions{NoSync: !cfg.Storage.Synced(), Logger: logger})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}

// envOptions selects which optional pieces openEnv wires.
type envOptions struct {
	lineage bool
	metrics bool
	tracing bool
	notify  bool
}

// env is an opened chain and graph plus everything hung off them.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tp      trace.TracerProvider
	chain   *audit.Chain
	graph   *lineage.Graph
	closers []func() error
}

func openEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts envOptions) (_ *env, err error) {
	e := &env{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if opts.metrics && cfg.Metrics.Enabled {
		e.metrics = telemetry.NewMetrics()
	}
	if opts.tracing && cfg.Tracing.Enabled {
		tp, shutdown, err := telemetry.NewTracerProvider(cfg.Tracing.Exporter, os.Stderr, version)
		if err != nil {
			return nil, err
		}
		e.tp = tp
		e.closers = append(e.closers, func() error { return shutdown(context.Background()) })
	}
	tracer := telemetry.Tracer(e.tp)

	var pub *notify.Publisher
	if opts.notify && cfg.Notify.Enabled {
		pub, err = notify.New(ctx, notify.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.Password,
			DB:       cfg.Notify.DB,
			Prefix:   cfg.Notify.StreamPrefix,
			MaxLen:   cfg.Notify.MaxLen,
			Logger:   logger,
		})
		if err != nil {
			// Publishing is best effort; the chain works without it.
			logger.Warn("redis notifications disabled", "addr", cfg.Notify.RedisAddr, "error", err)
			pub = nil
		} else {
			e.closers = append(e.closers, pub.Close)
		}
	}

	auditLog, err := openAuditLog(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	chainOpts := []audit.Option{
		audit.WithPipeline(cfg.Pipeline.ID),
		audit.WithUser(cfg.Pipeline.User),
		audit.WithLogger(logger),
		audit.WithMetrics(e.metrics),
		audit.WithTracer(tracer),
	}
	if pub != nil {
		chainOpts = append(chainOpts, audit.WithObserver(pub))
	}
	e.chain, err = audit.NewChain(ctx, auditLog, chainOpts...)
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}
	e.closers = append(e.closers, e.chain.Close)

	if opts.lineage {
		lineageLog, err := openLineageLog(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("opening lineage log: %w", err)
		}
		graphOpts := []lineage.Option{
			lineage.WithPipeline(cfg.Pipeline.ID),
			lineage.WithLogger(logger),
			lineage.WithMetrics(e.metrics),
			lineage.WithTracer(tracer),
		}
		if pub != nil {
			graphOpts = append(graphOpts, lineage.WithObserver(pub))
		}
		e.graph, err = lineage.NewGraph(ctx, lineageLog, graphOpts...)
		if err != nil {
			_ = lineageLog.Close()
			return nil, err
		}
		e.closers = append(e.closers, e.graph.Close)
	}
	return e, nil
}

// Close releases everything in reverse order of opening.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// readSeals loads the seals file. A missing file means no seals.
func readSeals(ctx context.Context, path string) ([]identity.Seal, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return store.ReadJSONL[identity.Seal](ctx, f)
}
