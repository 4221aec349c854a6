package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/store"
	"github.com/provtrail/provtrail/internal/telemetry"
)

type fixture struct {
	srv   *httptest.Server
	chain *audit.Chain
	graph *lineage.Graph
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
	_, err = f.chain.LogPipelineStart(ctx, nil)
	require.NoError(t, err)
	_, err = f.chain.LogStageStart(ctx, "extract", nil)
	require.NoError(t, err)
	_, err = f.chain.LogStageComplete(ctx, "extract", nil)
	require.NoError(t, err)

	if withGraph {
		f.graph, err = lineage.NewGraph(ctx, store.NewMemory[lineage.Record](), lineage.WithPipeline("claims"))
		require.NoError(t, err)
		hops := []struct{ srcType, src, dst string }{
			{lineage.TypeFile, "/raw/a.csv", "staging.a"},
			{lineage.TypeDatabase, "staging.a", "warehouse.a"},
		}
		for _, hop := range hops {
			r, err := f.graph.Record(ctx, lineage.RecordInput{
				SourceType:          hop.srcType,
				SourceLocation:      hop.src,
				Transformation:      "copy",
				DestinationType:     lineage.TypeDatabase,
				DestinationLocation: hop.dst,
				OutputRecords:       lineage.Count(5),
			})
			require.NoError(t, err)
			f.recs = append(f.recs, r)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(Options{
		Chain:   f.chain,
		Graph:   f.graph,
		Metrics: telemetry.NewMetrics(),
		Logger:  logger,
		Version: "test",
		Now:     func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	var body map[string]any
	resp := getJSON(t, f.srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["entries"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestEntries_Filters(t *testing.T) {
	f := newFixture(t, false)

	var body struct {
		Entries []audit.Entry `json:"entries"`
		Count   int           `json:"count"`
	}
	getJSON(t, f.srv.URL+"/v1/audit/entries?stage=extract", &body)
	assert.Equal(t, 2, body.Count)

	getJSON(t, f.srv.URL+"/v1/audit/entries?status=completed&limit=1", &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, audit.ActionStageComplete, body.Entries[0].Action)

	getJSON(t, f.srv.URL+"/v1/audit/entries?action=nope", &body)
	assert.Equal(t, 0, body.Count)
	assert.NotNil(t, body.Entries)

	resp := getJSON(t, f.srv.URL+"/v1/audit/entries?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = getJSON(t, f.srv.URL+"/v1/audit/entries?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVerify_DetectsTamper(t *testing.T) {
	f := newFixture(t, false)

	var rep audit.Report
	getJSON(t, f.srv.URL+"/v1/audit/verify", &rep)
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.Checked)

	raw := f.mem.Raw()
	f.mem.SetRaw(1, []byte(strings.Replace(string(raw[1]), `"extract"`, `"exfil"`, 1)))
	require.NoError(t, f.chain.Reload(context.Background()))

	getJSON(t, f.srv.URL+"/v1/audit/verify", &rep)
	assert.False(t, rep.Valid)
	assert.Equal(t, []string{"hash_mismatch", "link_broken"}, rep.Reasons())
}

func TestAuditSummaryAndCSV(t *testing.T) {
	f := newFixture(t, false)
	var sum audit.Summary
	getJSON(t, f.srv.URL+"/v1/audit/summary", &sum)
	assert.Equal(t, 3, sum.TotalEntries)
	assert.Equal(t, f.chain.Tail(), sum.Tail)

	resp, err := http.Get(f.srv.URL + "/v1/audit/export.csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,entry_id"))
}

func TestLineageRoutes(t *testing.T) {
	f := newFixture(t, true)

	var anc struct {
		Ancestors []lineage.Record `json:"ancestors"`
	}
	resp := getJSON(t, f.srv.URL+"/v1/lineage/records/"+f.recs[1].LineageID+"/ancestors", &anc)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, anc.Ancestors, 1)
	assert.Equal(t, f.recs[0].LineageID, anc.Ancestors[0].LineageID)

	resp = getJSON(t, f.srv.URL+"/v1/lineage/records/missing/ancestors", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var rec lineage.Record
	getJSON(t, f.srv.URL+"/v1/lineage/records/"+f.recs[0].LineageID, &rec)
	assert.Equal(t, "staging.a", rec.DestinationLocation)

	var imp lineage.Impact
	getJSON(t, f.srv.URL+"/v1/lineage/impact?location=/raw/a.csv", &imp)
	assert.Equal(t, []string{"staging.a", "warehouse.a"}, imp.AffectedDestinations)
	assert.Equal(t, int64(10), imp.TotalRecordsImpacted)

	resp = getJSON(t, f.srv.URL+"/v1/lineage/impact", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var snap lineage.Snapshot
	getJSON(t, f.srv.URL+"/v1/lineage/graph", &snap)
	assert.Len(t, snap.Edges, 2)
	assert.Len(t, snap.Nodes, 3)

	var sum lineage.Summary
	getJSON(t, f.srv.URL+"/v1/lineage/summary", &sum)
	assert.Equal(t, 2, sum.TotalRecords)

	dot, err := http.Get(f.srv.URL + "/v1/lineage/graph.dot")
	require.NoError(t, err)
	defer dot.Body.Close()
	data, _ := io.ReadAll(dot.Body)
	assert.Contains(t, string(data), "digraph")
}

func TestLineageRoutes_NoGraph(t *testing.T) {
	f := newFixture(t, false)
	resp := getJSON(t, f.srv.URL+"/v1/lineage/summary", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReport(t *testing.T) {
	f := newFixture(t, true)
	var body map[string]any
	getJSON(t, f.srv.URL+"/v1/report", &body)
	assert.Equal(t, "2024-06-01T00:00:00Z", body["generated_at"])
	assert.Contains(t, body, "integrity")
	assert.Contains(t, body, "topology")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	getJSON(t, f.srv.URL+"/health", nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "provtrail_http_requests_total")
}

func TestRequestID_KeepsValidIncoming(t *testing.T) {
	f := newFixture(t, false)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "7f0c6c52-8a5c-4c36-9d0f-2d0f6a1c9b11")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "7f0c6c52-8a5c-4c36-9d0f-2d0f6a1c9b11", resp.Header.Get("X-Request-ID"))
}

func TestListenServeShutdown(t *testing.T) {
	f := newFixture(t, false)
	s := NewServer(Options{Chain: f.chain, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, s.Listen("127.0.0.1", 0))

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestMiddleware_RecoversPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := requestID(recovery(logger)(securityHeaders(boom)))

	req := httptest.NewRequest(http.MethodGet, "/v1/report", nil)
	req.Header.Set("X-Request-ID", "6f1c2d9e-4b1a-4c3e-9a55-0d2f6a7b8c9d")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body["error"], "6f1c2d9e-4b1a-4c3e-9a55-0d2f6a7b8c9d")
}
