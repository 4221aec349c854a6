// Package api serves the audit chain and lineage graph over a read-only
// HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/telemetry"
)

// Options configures a Server. Chain is required; the lineage routes
// answer 404 when Graph is nil.
type Options struct {
	Chain          *audit.Chain
	Graph          *lineage.Graph
	Metrics        *telemetry.Metrics
	MetricsPath    string
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
	Version        string
	Now            func() time.Time
}

// Server is the provtrail HTTP API.
type Server struct {
	chain   *audit.Chain
	graph   *lineage.Graph
	logger  *slog.Logger
	version string
	now     func() time.Time
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
}

// NewServer wires routes and middleware. It does not listen.
func NewServer(opts Options) *Server {
	s := &Server{
		chain:   opts.Chain,
		graph:   opts.Graph,
		logger:  opts.Logger,
		version: opts.Version,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/audit/entries", s.handleEntries)
	mux.HandleFunc("GET /v1/audit/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/audit/summary", s.handleAuditSummary)
	mux.HandleFunc("GET /v1/audit/export.csv", s.handleAuditCSV)
	mux.HandleFunc("GET /v1/lineage/summary", s.handleLineageSummary)
	mux.HandleFunc("GET /v1/lineage/graph", s.handleGraph)
	mux.HandleFunc("GET /v1/lineage/graph.dot", s.handleGraphDOT)
	mux.HandleFunc("GET /v1/lineage/topology", s.handleTopology)
	mux.HandleFunc("GET /v1/lineage/records/{id}", s.handleRecord)
	mux.HandleFunc("GET /v1/lineage/records/{id}/ancestors", s.handleAncestors)
	mux.HandleFunc("GET /v1/lineage/impact", s.handleImpact)
	mux.HandleFunc("GET /v1/report", s.handleReport)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, opts.Metrics.Handler())
	}

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(s.logger, opts.Metrics)(h)
	h = recovery(s.logger)(h)
	h = requestID(h)

	var otelOpts []otelhttp.Option
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(opts.TracerProvider))
	}
	s.handler = otelhttp.NewHandler(h, "provtrail.api", otelOpts...)
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds bind:port. When the port is busy the next ten ports are tried.
func (s *Server) Listen(bind string, port int) error {
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, err := listenAutoPort(bind, port, s.logger)
	if err != nil {
		return fmt.Errorf("binding port: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve blocks until the server is shut down. It returns nil after a
// graceful Shutdown.
func (s *Server) Serve() error {
	if s.srv == nil {
		return errors.New("api: Serve called before Listen")
	}
	s.logger.Info("provtrail api starting", "addr", s.Addr(), "entries", s.chain.Len())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("shutting down")
	return s.srv.Shutdown(ctx)
}

func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(port)))
	if err == nil {
		return ln, nil
	}
	if port == 0 || !isAddrInUse(err) {
		return nil, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(port+offset)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", port+offset)
			return ln, nil
		}
	}
	return nil, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE)
}
