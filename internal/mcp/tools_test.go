package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	mcplib "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cs    *mcplib.ClientSession
	chain *audit.Chain
	mem   *store.Memory[audit.Entry]
	recs  []lineage.Record
}

func newFixture(t *testing.T, withGraph bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{mem: store.NewMemory[audit.Entry]()}

	var err error
	f.chain, err = audit.NewChain(ctx, f.mem, audit.WithPipeline("claims"))
	require.NoError(t, err)
	for _, stage := range []string{"extract", "load"} {
		_, err = f.chain.LogStageStart(ctx, stage, nil)
		require.NoError(t, err)
		_, err = f.chain.LogStageComplete(ctx, stage, nil)
		require.NoError(t, err)
	}

	var graph *lineage.Graph
	if withGraph {
		graph, err = lineage.NewGraph(ctx, store.NewMemory[lineage.Record]())
		require.NoError(t, err)
		a, err := graph.Record(ctx, lineage.RecordInput{
			PipelineID: "claims", SourceType: lineage.TypeAPI, SourceLocation: "https://payer/claims",
			Transformation: "fetch", DestinationType: lineage.TypeFile, DestinationLocation: "/raw/claims.json",
			OutputRecords: lineage.Count(40),
		})
		require.NoError(t, err)
		b, err := graph.Record(ctx, lineage.RecordInput{
			PipelineID: "claims", SourceType: lineage.TypeFile, SourceLocation: "/raw/claims.json",
			Transformation: "load", DestinationType: lineage.TypeDatabase, DestinationLocation: "dw.claims",
			OutputRecords: lineage.Count(38),
		})
		require.NoError(t, err)
		f.recs = []lineage.Record{a, b}
	}

	srv := NewServer(f.chain, graph, "test", testLogger())
	ct, st := mcplib.NewInMemoryTransports()
	_, err = srv.Connect(ctx, st, nil)
	require.NoError(t, err)
	c := mcplib.NewClient(&mcplib.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	f.cs, err = c.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.cs.Close() })
	return f
}

func call(t *testing.T, cs *mcplib.ClientSession, name string, args map[string]any) (*mcplib.CallToolResult, string) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcplib.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcplib.TextContent)
	require.True(t, ok, "expected *mcp.TextContent")
	return res, tc.Text
}

func TestListTools(t *testing.T) {
	f := newFixture(t, true)
	res, err := f.cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"verify_chain", "audit_summary", "audit_entries", "compliance_report",
		"lineage_ancestors", "lineage_impact", "lineage_graph", "lineage_summary"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestListTools_NoGraph(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Tools, 4)
}

func TestVerifyChain(t *testing.T) {
	f := newFixture(t, false)
	_, text := call(t, f.cs, "verify_chain", nil)
	var rep audit.Report
	require.NoError(t, json.Unmarshal([]byte(text), &rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, 4, rep.Checked)

	// Drop the second entry from the persisted log and reload.
	raw := f.mem.Raw()
	f.mem.SetRaw(1, raw[2])
	require.NoError(t, f.chain.Reload(context.Background()))

	_, text = call(t, f.cs, "verify_chain", nil)
	require.NoError(t, json.Unmarshal([]byte(text), &rep))
	assert.False(t, rep.Valid)
	assert.NotEmpty(t, rep.Findings)
}

func TestAuditEntries(t *testing.T) {
	f := newFixture(t, false)
	_, text := call(t, f.cs, "audit_entries", map[string]any{"stage": "load"})
	var body struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	assert.Equal(t, 2, body.Count)

	_, text = call(t, f.cs, "audit_entries", map[string]any{"limit": 1})
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, f.chain.Tail(), body.Entries[0].EntryHash)

	res, _ := call(t, f.cs, "audit_entries", map[string]any{"status": "pending"})
	assert.True(t, res.IsError)
}

func TestAuditSummary(t *testing.T) {
	f := newFixture(t, false)
	_, text := call(t, f.cs, "audit_summary", nil)
	var sum audit.Summary
	require.NoError(t, json.Unmarshal([]byte(text), &sum))
	assert.Equal(t, 4, sum.TotalEntries)
	assert.Equal(t, 2, sum.Stages["extract"])
}

func TestLineageAncestors(t *testing.T) {
	f := newFixture(t, true)
	_, text := call(t, f.cs, "lineage_ancestors", map[string]any{"lineage_id": f.recs[1].LineageID})
	var body struct {
		Ancestors []lineage.Record `json:"ancestors"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	require.Len(t, body.Ancestors, 1)
	assert.Equal(t, f.recs[0].LineageID, body.Ancestors[0].LineageID)

	res, text := call(t, f.cs, "lineage_ancestors", map[string]any{"lineage_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "not found")

	res, _ = call(t, f.cs, "lineage_ancestors", nil)
	assert.True(t, res.IsError)
}

func TestLineageImpact(t *testing.T) {
	f := newFixture(t, true)
	_, text := call(t, f.cs, "lineage_impact", map[string]any{"location": "https://payer/claims"})
	var imp lineage.Impact
	require.NoError(t, json.Unmarshal([]byte(text), &imp))
	assert.Equal(t, []string{"/raw/claims.json", "dw.claims"}, imp.AffectedDestinations)
	assert.Equal(t, []string{"fetch", "load"}, imp.AffectedTransforms)
	assert.Equal(t, int64(78), imp.TotalRecordsImpacted)
}

func TestLineageGraphAndSummary(t *testing.T) {
	f := newFixture(t, true)
	_, text := call(t, f.cs, "lineage_graph", nil)
	var snap lineage.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	assert.Len(t, snap.Edges, 2)

	_, text = call(t, f.cs, "lineage_summary", nil)
	var sum lineage.Summary
	require.NoError(t, json.Unmarshal([]byte(text), &sum))
	assert.Equal(t, 3, sum.DistinctNodes)
}

func TestComplianceReport(t *testing.T) {
	f := newFixture(t, true)
	_, text := call(t, f.cs, "compliance_report", nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &body))
	assert.Contains(t, body, "audit")
	assert.Contains(t, body, "lineage")
}

func TestArgs(t *testing.T) {
	a := parseArgs(json.RawMessage(`{"name":"x","n":3}`))
	assert.Equal(t, "x", a.String("name", ""))
	assert.Equal(t, "d", a.String("n", "d"))
	assert.Equal(t, 3, a.Int("n", 0))
	assert.Equal(t, 7, a.Int("missing", 7))
	assert.Equal(t, "d", parseArgs(json.RawMessage(`not json`)).String("name", "d"))
}
