package lineage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provtrail/provtrail/internal/store"
)

func newMemGraph(t *testing.T, opts ...Option) (*Graph, *store.Memory[Record]) {
	t.Helper()
	mem := store.NewMemory[Record]()
	n := 0
	opts = append([]Option{
		WithPipeline("p-test"),
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }),
		withIDs(func() string { n++; return fmt.Sprintf("rec-%02d", n) }),
	}, opts...)
	g, err := NewGraph(context.Background(), mem, opts...)
	require.NoError(t, err)
	return g, mem
}

func hop(src, dst string) RecordInput {
	return RecordInput{
		SourceType:          TypeFile,
		SourceLocation:      src,
		Transformation:      src + "->" + dst,
		DestinationType:     TypeFile,
		DestinationLocation: dst,
	}
}

func mustRecord(t *testing.T, g *Graph, in RecordInput) Record {
	t.Helper()
	r, err := g.Record(context.Background(), in)
	require.NoError(t, err)
	return r
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.LineageID
	}
	return out
}

// chainABC records raw.csv -> clean (staging) -> warehouse (database) -> report.csv.
func chainABC(t *testing.T, g *Graph) (a, b, c Record) {
	t.Helper()
	a = mustRecord(t, g, RecordInput{
		SourceType: TypeFile, SourceLocation: "raw.csv",
		Transformation:  "clean",
		DestinationType: TypeStaging, DestinationLocation: "clean",
		InputRecords: Count(100), OutputRecords: Count(90), RecordsFiltered: Count(10),
	})
	b = mustRecord(t, g, RecordInput{
		SourceType: TypeStaging, SourceLocation: "clean",
		Transformation:  "load",
		DestinationType: TypeDatabase, DestinationLocation: "warehouse.claims",
		InputRecords: Count(90), OutputRecords: Count(90), RecordsFiltered: Count(0),
	})
	c = mustRecord(t, g, RecordInput{
		SourceType: TypeDatabase, SourceLocation: "warehouse.claims",
		Transformation:  "report",
		DestinationType: TypeFile, DestinationLocation: "report.csv",
		OutputRecords: Count(12),
	})
	return a, b, c
}

func TestGraph_AncestorsAndImpact(t *testing.T) {
	g, _ := newMemGraph(t)
	a, b, c := chainABC(t, g)

	anc, err := g.Ancestors(c.LineageID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.LineageID, b.LineageID}, ids(anc))

	anc, err = g.Ancestors(a.LineageID)
	require.NoError(t, err)
	assert.Empty(t, anc, "a root has no ancestors")

	imp := g.ImpactAnalysis(a.SourceLocation)
	assert.Equal(t, []string{"clean", "report.csv", "warehouse.claims"}, imp.AffectedDestinations)
	assert.Equal(t, []string{a.LineageID, b.LineageID, c.LineageID}, imp.AffectedRecords)
	assert.Equal(t, []string{"clean", "load", "report"}, imp.AffectedTransforms)
	assert.Equal(t, int64(192), imp.TotalRecordsImpacted)

	leaf := g.ImpactAnalysis("report.csv")
	assert.Empty(t, leaf.AffectedDestinations)
	assert.Empty(t, leaf.AffectedRecords)

	unknown := g.ImpactAnalysis("nowhere")
	assert.NotNil(t, unknown.AffectedRecords)
	assert.Empty(t, unknown.AffectedRecords)

	desc := g.Descendants(b.Source())
	assert.Equal(t, []string{b.LineageID, c.LineageID}, ids(desc))
}

func TestGraph_AncestorsNotFound(t *testing.T) {
	g, _ := newMemGraph(t)
	_, err := g.Ancestors("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraph_Cycles(t *testing.T) {
	g, _ := newMemGraph(t)
	ab := mustRecord(t, g, hop("a", "b"))
	ba := mustRecord(t, g, hop("b", "a"))

	anc, err := g.Ancestors(ab.LineageID)
	require.NoError(t, err)
	assert.Equal(t, []string{ab.LineageID, ba.LineageID}, ids(anc))

	imp := g.ImpactAnalysis("a")
	assert.Equal(t, []string{"a", "b"}, imp.AffectedDestinations)
	assert.Len(t, imp.AffectedRecords, 2)
}

func TestGraph_SelfLoopRepeated(t *testing.T) {
	g, _ := newMemGraph(t)
	var recs []Record
	for range 3 {
		recs = append(recs, mustRecord(t, g, hop("x", "x")))
	}

	anc, err := g.Ancestors(recs[1].LineageID)
	require.NoError(t, err)
	assert.Len(t, anc, 3)

	imp := g.ImpactAnalysis("x")
	assert.Equal(t, []string{"x"}, imp.AffectedDestinations)
	assert.Len(t, imp.AffectedRecords, 3)
	assert.Equal(t, 1, g.Summary().DistinctNodes)
}

func TestGraph_DuplicatesRetained(t *testing.T) {
	g, _ := newMemGraph(t)
	mustRecord(t, g, hop("in", "out"))
	mustRecord(t, g, hop("in", "out"))

	s := g.Summary()
	assert.Equal(t, 2, s.TotalRecords)
	assert.Equal(t, 2, s.Transformations["in->out"])
	assert.Len(t, g.BySource(Node{TypeFile, "in"}), 2)
	assert.Len(t, g.ByDestination(Node{TypeFile, "out"}), 2)
	assert.Len(t, g.ImpactAnalysis("in").AffectedRecords, 2)
}

func TestGraph_ImpactAcrossTypes(t *testing.T) {
	g, _ := newMemGraph(t)
	mustRecord(t, g, RecordInput{SourceType: TypeS3, SourceLocation: "shared", Transformation: "t1", DestinationType: TypeFile, DestinationLocation: "one"})
	mustRecord(t, g, RecordInput{SourceType: TypeGCS, SourceLocation: "shared", Transformation: "t2", DestinationType: TypeFile, DestinationLocation: "two"})

	imp := g.ImpactAnalysis("shared")
	assert.Equal(t, []string{"one", "two"}, imp.AffectedDestinations)
}

func TestGraph_Summary(t *testing.T) {
	g, _ := newMemGraph(t)
	chainABC(t, g)

	s := g.Summary()
	assert.Equal(t, 3, s.TotalRecords)
	assert.Equal(t, int64(190), s.TotalInputRecords)
	assert.Equal(t, int64(192), s.TotalOutputRecords)
	assert.Equal(t, int64(10), s.TotalFilteredRecords)
	assert.Equal(t, 3, s.DistinctSources)
	assert.Equal(t, 3, s.DistinctDestinations)
	assert.Equal(t, 4, s.DistinctNodes)
	assert.Equal(t, 3, s.Pipelines["p-test"])
}

func TestGraph_Validation(t *testing.T) {
	g, mem := newMemGraph(t)
	ctx := context.Background()

	bad := map[string]RecordInput{
		"count invariant": {SourceType: TypeFile, SourceLocation: "a", Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b",
			InputRecords: Count(100), OutputRecords: Count(90), RecordsFiltered: Count(5)},
		"negative count": {SourceType: TypeFile, SourceLocation: "a", Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b",
			OutputRecords: Count(-1)},
		"unknown type":       {SourceType: "ftp", SourceLocation: "a", Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b"},
		"missing location":   {SourceType: TypeFile, Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b"},
		"missing transform":  {SourceType: TypeFile, SourceLocation: "a", DestinationType: TypeFile, DestinationLocation: "b"},
		"non-hex hash":       {SourceType: TypeFile, SourceLocation: "a", SourceHash: "zz", Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b"},
		"unencodable params": {SourceType: TypeFile, SourceLocation: "a", Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b", Parameters: map[string]any{"c": make(chan int)}},
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := g.Record(ctx, in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, mem.Raw())

	partial := mustRecord(t, g, RecordInput{SourceType: TypeFile, SourceLocation: "a", Transformation: "t", DestinationType: TypeFile, DestinationLocation: "b",
		InputRecords: Count(100), OutputRecords: Count(90)})
	assert.Nil(t, partial.RecordsFiltered)
	assert.Equal(t, DefaultTransformationVersion, partial.TransformationVersion)
}

func TestGraph_MissingPipeline(t *testing.T) {
	g, err := NewGraph(context.Background(), store.NewMemory[Record]())
	require.NoError(t, err)
	_, err = g.Record(context.Background(), hop("a", "b"))
	assert.ErrorIs(t, err, ErrValidation)

	in := hop("a", "b")
	in.PipelineID = "explicit"
	r, err := g.Record(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "explicit", r.PipelineID)
}

func TestGraph_PersistenceFailure(t *testing.T) {
	g, mem := newMemGraph(t)
	mem.FailNext(errors.New("disk full"))
	_, err := g.Record(context.Background(), hop("a", "b"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.ImpactAnalysis("a").AffectedRecords)
}

func TestGraph_ExportDoesNotAlias(t *testing.T) {
	g, _ := newMemGraph(t)
	in := hop("a", "b")
	in.OutputRecords = Count(5)
	in.Parameters = map[string]any{"mode": "strict", "opts": map[string]any{"k": 1}}
	r := mustRecord(t, g, in)

	snap := g.ExportGraph()
	*snap.Edges[0].OutputRecords = 999
	snap.Edges[0].Parameters["mode"] = "loose"
	snap.Edges[0].Parameters["opts"].(map[string]any)["k"] = 2
	snap.Nodes[0].Location = "mutated"

	got, ok := g.Get(r.LineageID)
	require.True(t, ok)
	assert.Equal(t, int64(5), *got.OutputRecords)
	assert.Equal(t, "strict", got.Parameters["mode"])
	assert.Equal(t, "a", g.ExportGraph().Nodes[0].Location)
}

func TestGraph_ExportImportRoundTrip(t *testing.T) {
	g, _ := newMemGraph(t)
	chainABC(t, g)
	mustRecord(t, g, hop("x", "x"))

	snap := g.ExportGraph()
	assert.Len(t, snap.Nodes, 5)
	assert.Len(t, snap.Edges, 4)

	idx, err := Import(snap)
	require.NoError(t, err)
	assert.Equal(t, snap, idx.Snapshot())
	assert.Equal(t, g.Summary(), idx.Summary())
}

func TestImport_Rejects(t *testing.T) {
	g, _ := newMemGraph(t)
	chainABC(t, g)
	snap := g.ExportGraph()

	missingNode := snap
	missingNode.Nodes = snap.Nodes[1:]
	_, err := Import(missingNode)
	assert.Error(t, err)

	dup := g.ExportGraph()
	dup.Edges = append(dup.Edges, dup.Edges[0])
	_, err = Import(dup)
	assert.Error(t, err)

	noID := g.ExportGraph()
	noID.Edges[0].LineageID = ""
	_, err = Import(noID)
	assert.Error(t, err)
}

func TestGraph_Restore(t *testing.T) {
	src, _ := newMemGraph(t)
	chainABC(t, src)
	snap := src.ExportGraph()

	dst, err := NewGraph(context.Background(), store.NewMemory[Record]())
	require.NoError(t, err)
	n, err := dst.Restore(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = dst.Restore(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "existing ids are skipped")
	assert.Equal(t, snap, dst.ExportGraph())
}

func TestGraph_ReloadFromJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lineage.jsonl")
	ctx := context.Background()

	open := func() *Graph {
		l, err := store.OpenJSONL[Record](path, store.JSONLOptions{NoSync: true})
		require.NoError(t, err)
		g, err := NewGraph(ctx, l, WithPipeline("p"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		return g
	}

	g := open()
	in := hop("a", "b")
	in.Parameters = map[string]any{"threshold": 0.5}
	in.InputRecords, in.OutputRecords, in.RecordsFiltered = Count(3), Count(2), Count(1)
	mustRecord(t, g, in)
	mustRecord(t, g, hop("b", "c"))
	before := g.ExportGraph()

	reopened := open()
	assert.Equal(t, before, reopened.ExportGraph())
	anc, err := reopened.Ancestors(before.Edges[1].LineageID)
	require.NoError(t, err)
	assert.Len(t, anc, 1)
}

func TestGraph_ConcurrentUse(t *testing.T) {
	var idMu sync.Mutex
	n := 0
	g, _ := newMemGraph(t, withIDs(func() string {
		idMu.Lock()
		defer idMu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := g.Record(context.Background(), hop(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1)))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_ = g.ImpactAnalysis("n0")
			_ = g.Summary()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, g.Len())
	imp := g.ImpactAnalysis("n0")
	assert.Len(t, imp.AffectedRecords, 20)
}

func TestGraph_Observer(t *testing.T) {
	var seen []string
	g, _ := newMemGraph(t, WithObserver(ObserverFunc(func(_ context.Context, r Record) {
		seen = append(seen, r.LineageID)
	})))
	r := mustRecord(t, g, hop("a", "b"))
	assert.Equal(t, []string{r.LineageID}, seen)
}
