// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// setup shared by the audit chain, the lineage graph and the HTTP API.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	AuditAppends      *prometheus.CounterVec
	AuditAppendErrors prometheus.Counter
	AuditAppendTime   prometheus.Histogram
	AuditChainLength  prometheus.Gauge

	Verifications  *prometheus.CounterVec
	VerifyFindings *prometheus.CounterVec
	VerifyTime     prometheus.Histogram

	LineageRecords      prometheus.Counter
	LineageRecordErrors prometheus.Counter
	LineageSize         prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		AuditAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provtrail_audit_entries_appended_total",
			Help: "Audit entries committed to the chain",
		}, []string{"status"}),
		AuditAppendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "provtrail_audit_append_errors_total",
			Help: "Audit appends rejected by validation or persistence",
		}),
		AuditAppendTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "provtrail_audit_append_duration_seconds",
			Help:    "Time to hash and persist one audit entry",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		AuditChainLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "provtrail_audit_chain_length",
			Help: "Number of entries in the audit chain",
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provtrail_audit_verifications_total",
			Help: "Chain verifications by outcome",
		}, []string{"result"}),
		VerifyFindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provtrail_audit_verify_findings_total",
			Help: "Integrity findings reported by verification",
		}, []string{"reason"}),
		VerifyTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "provtrail_audit_verify_duration_seconds",
			Help:    "Time to verify the whole chain",
			Buckets: prometheus.DefBuckets,
		}),
		LineageRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "provtrail_lineage_records_total",
			Help: "Lineage records committed to the graph",
		}),
		LineageRecordErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "provtrail_lineage_record_errors_total",
			Help: "Lineage records rejected by validation or persistence",
		}),
		LineageSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "provtrail_lineage_graph_records",
			Help: "Number of records in the lineage graph",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "provtrail_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provtrail_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) AppendCommitted(status string, took time.Duration, length int) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(status).Inc()
	m.AuditAppendTime.Observe(took.Seconds())
	m.AuditChainLength.Set(float64(length))
}

func (m *Metrics) AppendFailed() {
	if m == nil {
		return
	}
	m.AuditAppendErrors.Inc()
}

// ChainLoaded sets the chain length gauge after a load or reload.
func (m *Metrics) ChainLoaded(length int) {
	if m == nil {
		return
	}
	m.AuditChainLength.Set(float64(length))
}

// Verified records one verification pass. reasons holds one element per finding.
func (m *Metrics) Verified(valid bool, reasons []string, took time.Duration) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "tampered"
	}
	m.Verifications.WithLabelValues(result).Inc()
	for _, r := range reasons {
		m.VerifyFindings.WithLabelValues(r).Inc()
	}
	m.VerifyTime.Observe(took.Seconds())
}

func (m *Metrics) RecordCommitted(size int) {
	if m == nil {
		return
	}
	m.LineageRecords.Inc()
	m.LineageSize.Set(float64(size))
}

func (m *Metrics) RecordFailed() {
	if m == nil {
		return
	}
	m.LineageRecordErrors.Inc()
}

// GraphLoaded sets the lineage size gauge after a load.
func (m *Metrics) GraphLoaded(size int) {
	if m == nil {
		return
	}
	m.LineageSize.Set(float64(size))
}

// HTTPObserved records one served request.
func (m *Metrics) HTTPObserved(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
