// Package mcp exposes the audit chain and lineage graph to MCP clients as
// read-only tools.
package mcp

import (
	"context"
	"log/slog"
	"time"

	mcplib "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
)

// NewServer creates an MCP server over chain and graph. graph may be nil,
// in which case the lineage tools are not registered.
func NewServer(chain *audit.Chain, graph *lineage.Graph, version string, logger *slog.Logger) *mcplib.Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := mcplib.NewServer(&mcplib.Implementation{
		Name:    "provtrail",
		Version: version,
	}, &mcplib.ServerOptions{
		Instructions: "provtrail records a tamper-evident audit chain and data lineage for pipelines. " +
			"Use these tools to verify chain integrity, query audit entries, trace record ancestry " +
			"and estimate the downstream impact of a dataset.",
	})

	h := &handlers{chain: chain, graph: graph, logger: logger, now: time.Now}
	s.AddTool(verifyChainTool(), h.handleVerifyChain)
	s.AddTool(auditSummaryTool(), h.handleAuditSummary)
	s.AddTool(auditEntriesTool(), h.handleAuditEntries)
	s.AddTool(complianceReportTool(), h.handleComplianceReport)
	if graph != nil {
		s.AddTool(lineageAncestorsTool(), h.handleLineageAncestors)
		s.AddTool(lineageImpactTool(), h.handleLineageImpact)
		s.AddTool(lineageGraphTool(), h.handleLineageGraph)
		s.AddTool(lineageSummaryTool(), h.handleLineageSummary)
	}
	return s
}

// Serve runs s on stdio until ctx is done or the client disconnects.
func Serve(ctx context.Context, s *mcplib.Server) error {
	return s.Run(ctx, &mcplib.StdioTransport{})
}
