package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mcplib "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/report"
)

const defaultEntryLimit = 20

type handlers struct {
	chain  *audit.Chain
	graph  *lineage.Graph
	logger *slog.Logger
	now    func() time.Time
}

// --- Tool definitions ---

var readOnly = &mcplib.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func verifyChainTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name: "verify_chain",
		Description: "Recompute every audit entry hash and check every link. " +
			"Returns valid=false with one finding per broken entry if the log was altered.",
		InputSchema: objectSchema(map[string]any{}),
		Annotations: readOnly,
	}
}

func auditSummaryTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "audit_summary",
		Description: "Summarize the audit chain: entry count, time range, and counts per action, status and stage.",
		InputSchema: objectSchema(map[string]any{}),
		Annotations: readOnly,
	}
}

func auditEntriesTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "audit_entries",
		Description: "List the most recent audit entries, optionally filtered.",
		InputSchema: objectSchema(map[string]any{
			"stage":  map[string]any{"type": "string", "description": "Filter by stage name"},
			"action": map[string]any{"type": "string", "description": "Filter by action, e.g. stage_failed"},
			"status": map[string]any{"type": "string", "enum": []string{"started", "completed", "failed"}},
			"limit":  map[string]any{"type": "number", "description": "Maximum entries to return (default 20)"},
		}),
		Annotations: readOnly,
	}
}

func complianceReportTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "compliance_report",
		Description: "Build the combined compliance report: audit summary, integrity verification and lineage summary.",
		InputSchema: objectSchema(map[string]any{}),
		Annotations: readOnly,
	}
}

func lineageAncestorsTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "lineage_ancestors",
		Description: "List every lineage record upstream of the given record.",
		InputSchema: objectSchema(map[string]any{
			"lineage_id": map[string]any{"type": "string", "description": "Lineage record id"},
		}, "lineage_id"),
		Annotations: readOnly,
	}
}

func lineageImpactTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "lineage_impact",
		Description: "Find every destination, record and transformation downstream of a dataset location.",
		InputSchema: objectSchema(map[string]any{
			"location": map[string]any{"type": "string", "description": "Dataset location, e.g. a path or table name"},
		}, "location"),
		Annotations: readOnly,
	}
}

func lineageGraphTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "lineage_graph",
		Description: "Export the lineage graph as nodes and edges.",
		InputSchema: objectSchema(map[string]any{}),
		Annotations: readOnly,
	}
}

func lineageSummaryTool() *mcplib.Tool {
	return &mcplib.Tool{
		Name:        "lineage_summary",
		Description: "Summarize lineage: record counts, distinct nodes and transformations.",
		InputSchema: objectSchema(map[string]any{}),
		Annotations: readOnly,
	}
}

// --- Handlers ---

func (h *handlers) handleVerifyChain(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	rep := h.chain.VerifyIntegrity()
	if !rep.Valid {
		h.logger.Warn("mcp: chain verification failed", "findings", len(rep.Findings))
	}
	return jsonResult(rep)
}

func (h *handlers) handleAuditSummary(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(h.chain.Summary())
}

func (h *handlers) handleAuditEntries(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	a := parseArgs(req.Params.Arguments)
	status := audit.Status(a.String("status", ""))
	if status != "" && !status.Valid() {
		return errorResult("invalid status %q", status), nil
	}
	limit := a.Int("limit", defaultEntryLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultEntryLimit
	}
	entries := h.chain.Query(audit.QueryOpts{
		Stage:  a.String("stage", ""),
		Action: a.String("action", ""),
		Status: status,
		Limit:  limit,
	})
	if entries == nil {
		entries = []audit.Entry{}
	}
	return jsonResult(map[string]any{"entries": entries, "count": len(entries)})
}

func (h *handlers) handleComplianceReport(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(report.Build(h.chain, h.graph, h.now()))
}

func (h *handlers) handleLineageAncestors(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := parseArgs(req.Params.Arguments).String("lineage_id", "")
	if id == "" {
		return errorResult("lineage_id is required"), nil
	}
	anc, err := h.graph.Ancestors(id)
	if errors.Is(err, lineage.ErrNotFound) {
		return errorResult("lineage record %s not found", id), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"lineage_id": id, "ancestors": anc, "count": len(anc)})
}

func (h *handlers) handleLineageImpact(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	loc := parseArgs(req.Params.Arguments).String("location", "")
	if loc == "" {
		return errorResult("location is required"), nil
	}
	return jsonResult(h.graph.ImpactAnalysis(loc))
}

func (h *handlers) handleLineageGraph(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(h.graph.ExportGraph())
}

func (h *handlers) handleLineageSummary(ctx context.Context, req *mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(h.graph.Summary())
}
