package lineage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/provtrail/provtrail/internal/canonical"
	"github.com/provtrail/provtrail/internal/store"
	"github.com/provtrail/provtrail/internal/telemetry"
)

// Observer is notified of every committed record, outside the graph lock.
type Observer interface {
	RecordCommitted(ctx context.Context, r Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, r Record)

func (f ObserverFunc) RecordCommitted(ctx context.Context, r Record) { f(ctx, r) }

type Option func(*Graph)

// WithPipeline sets the pipeline id used when RecordInput leaves it empty.
func WithPipeline(id string) Option { return func(g *Graph) { g.pipelineID = id } }

func WithClock(now func() time.Time) Option { return func(g *Graph) { g.now = now } }

func WithLogger(l *slog.Logger) Option { return func(g *Graph) { g.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(g *Graph) { g.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(g *Graph) { g.tracer = t } }

func WithObserver(o Observer) Option {
	return func(g *Graph) { g.observers = append(g.observers, o) }
}

func withIDs(gen func() string) Option { return func(g *Graph) { g.newID = gen } }

// Graph is a lineage graph backed by a persistent log. Reads run
// concurrently; writes are serialized.
type Graph struct {
	mu  sync.RWMutex
	log store.Log[Record]
	idx *Index

	pipelineID string
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	observers  []Observer
}

// NewGraph loads every record in log and indexes it.
func NewGraph(ctx context.Context, log store.Log[Record], opts ...Option) (*Graph, error) {
	g := &Graph{
		log:    log,
		idx:    newIndex(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(g)
	}
	if g.tracer == nil {
		g.tracer = telemetry.Tracer(nil)
	}
	if err := g.Reload(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload rebuilds the index from the log.
func (g *Graph) Reload(ctx context.Context) error {
	records, err := g.log.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading lineage store: %w", err)
	}
	idx, err := BuildIndex(records)
	if err != nil {
		return fmt.Errorf("indexing lineage store: %w", err)
	}
	g.mu.Lock()
	g.idx = idx
	g.mu.Unlock()

	g.metrics.GraphLoaded(idx.Len())
	g.logger.Debug("lineage graph loaded", "records", idx.Len())
	return nil
}

// Record validates in, assigns an id and timestamp, persists the record and
// indexes it. On error nothing is committed.
func (g *Graph) Record(ctx context.Context, in RecordInput) (Record, error) {
	ctx, span := g.tracer.Start(ctx, "lineage.record", trace.WithAttributes(
		attribute.String("lineage.transformation", in.Transformation),
		attribute.String("lineage.source", in.SourceLocation),
		attribute.String("lineage.destination", in.DestinationLocation),
	))
	defer span.End()

	r, err := g.record(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.RecordFailed()
		return Record{}, err
	}
	span.SetAttributes(attribute.String("lineage.id", r.LineageID))
	for _, o := range g.observers {
		o.RecordCommitted(ctx, r.Clone())
	}
	return r, nil
}

func (g *Graph) record(ctx context.Context, in RecordInput) (Record, error) {
	if in.PipelineID == "" {
		in.PipelineID = g.pipelineID
	}
	if err := in.check(); err != nil {
		return Record{}, err
	}
	var params map[string]any
	if len(in.Parameters) > 0 {
		var err error
		if params, err = canonical.NormalizeMap(in.Parameters); err != nil {
			return Record{}, fmt.Errorf("%w: parameters: %v", ErrValidation, err)
		}
	}
	version := in.TransformationVersion
	if version == "" {
		version = DefaultTransformationVersion
	}

	r := Record{
		LineageID:             g.newID(),
		PipelineID:            in.PipelineID,
		RunID:                 in.RunID,
		Timestamp:             g.now().UTC().Round(0),
		SourceType:            in.SourceType,
		SourceLocation:        in.SourceLocation,
		SourceHash:            in.SourceHash,
		Transformation:        in.Transformation,
		TransformationVersion: version,
		Parameters:            params,
		DestinationType:       in.DestinationType,
		DestinationLocation:   in.DestinationLocation,
		DestinationHash:       in.DestinationHash,
		InputRecords:          clonePtr(in.InputRecords),
		OutputRecords:         clonePtr(in.OutputRecords),
		RecordsFiltered:       clonePtr(in.RecordsFiltered),
		DurationMS:            clonePtr(in.DurationMS),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.log.Append(ctx, r); err != nil {
		g.logger.Error("lineage record failed", "lineage_id", r.LineageID, "error", err)
		return Record{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	g.idx.add(r)
	g.metrics.RecordCommitted(g.idx.Len())
	g.logger.Debug("lineage recorded", "lineage_id", r.LineageID, "source", r.Source().String(), "destination", r.Destination().String())
	return r.Clone(), nil
}

// Restore appends every snapshot edge whose lineage id is not already in
// the graph, preserving ids and timestamps. It returns the number added.
func (g *Graph) Restore(ctx context.Context, s Snapshot) (int, error) {
	if _, err := Import(s); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	added := 0
	for _, r := range s.Edges {
		if _, exists := g.idx.byID[r.LineageID]; exists {
			continue
		}
		r = r.Clone()
		if err := g.log.Append(ctx, r); err != nil {
			return added, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		g.idx.add(r)
		added++
	}
	g.metrics.GraphLoaded(g.idx.Len())
	return added, nil
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Len()
}

func (g *Graph) Get(id string) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Get(id)
}

// Records returns every record in append order.
func (g *Graph) Records() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Records()
}

func (g *Graph) BySource(n Node) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.BySource(n)
}

func (g *Graph) ByDestination(n Node) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.ByDestination(n)
}

// Ancestors returns every record upstream of id. Unknown ids yield ErrNotFound.
func (g *Graph) Ancestors(id string) ([]Record, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Ancestors(id)
}

func (g *Graph) Descendants(n Node) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Descendants(n)
}

func (g *Graph) ImpactAnalysis(location string) Impact {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.ImpactAnalysis(location)
}

func (g *Graph) Summary() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Summary()
}

// ExportGraph returns a deep copy of the whole graph.
func (g *Graph) ExportGraph() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.idx.Snapshot()
}

// Topology computes node and edge statistics for the current graph.
func (g *Graph) Topology() *Topology {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return BuildTopology(g.idx)
}

func (g *Graph) Close() error { return g.log.Close() }
