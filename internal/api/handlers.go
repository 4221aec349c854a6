package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/report"
)

const maxLimit = 10000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"entries": s.chain.Len(),
		"tail":    s.chain.Tail(),
	})
}

// parseQuery reads audit filters from the query string.
func parseQuery(r *http.Request) (audit.QueryOpts, error) {
	q := r.URL.Query()
	opts := audit.QueryOpts{
		PipelineID: q.Get("pipeline_id"),
		Stage:      q.Get("stage"),
		Action:     q.Get("action"),
		Status:     audit.Status(q.Get("status")),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return opts, fmt.Errorf("invalid status %q", opts.Status)
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		if v := q.Get(f.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return opts, fmt.Errorf("invalid %s: %w", f.name, err)
			}
			*f.dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = min(n, maxLimit)
	}
	return opts, nil
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := s.chain.Query(opts)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep := s.chain.VerifyIntegrity()
	if !rep.Valid {
		s.logger.Warn("chain verification failed", "findings", len(rep.Findings), "request_id", RequestID(r.Context()))
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.chain.Summary())
}

func (s *Server) handleAuditCSV(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := report.WriteAuditCSV(w, s.chain.Query(opts)); err != nil {
		s.logger.Error("writing audit csv", "error", err)
	}
}

// lineageGraph writes 404 and returns nil when no graph is configured.
func (s *Server) lineageGraph(w http.ResponseWriter) *lineage.Graph {
	if s.graph == nil {
		writeError(w, http.StatusNotFound, errors.New("lineage tracking is not enabled"))
	}
	return s.graph
}

func (s *Server) handleLineageSummary(w http.ResponseWriter, r *http.Request) {
	if g := s.lineageGraph(w); g != nil {
		writeJSON(w, http.StatusOK, g.Summary())
	}
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if g := s.lineageGraph(w); g != nil {
		writeJSON(w, http.StatusOK, g.ExportGraph())
	}
}

func (s *Server) handleGraphDOT(w http.ResponseWriter, r *http.Request) {
	g := s.lineageGraph(w)
	if g == nil {
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	if err := report.WriteDOT(w, g.ExportGraph()); err != nil {
		s.logger.Error("writing dot", "error", err)
	}
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if g := s.lineageGraph(w); g != nil {
		writeJSON(w, http.StatusOK, g.Topology())
	}
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	g := s.lineageGraph(w)
	if g == nil {
		return
	}
	rec, ok := g.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", lineage.ErrNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAncestors(w http.ResponseWriter, r *http.Request) {
	g := s.lineageGraph(w)
	if g == nil {
		return
	}
	anc, err := g.Ancestors(r.PathValue("id"))
	if errors.Is(err, lineage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lineage_id": r.PathValue("id"), "ancestors": anc, "count": len(anc)})
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	g := s.lineageGraph(w)
	if g == nil {
		return
	}
	loc := r.URL.Query().Get("location")
	if loc == "" {
		writeError(w, http.StatusBadRequest, errors.New("location is required"))
		return
	}
	writeJSON(w, http.StatusOK, g.ImpactAnalysis(loc))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, report.Build(s.chain, s.graph, s.now()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent; the status code cannot change.
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
