package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/store"
)

type backend struct {
	name string
	open func(dir string) (store.Log[audit.Entry], string, error)
}

func main() {
	dir, _ := os.MkdirTemp("", "provtrail-bench-*")
	defer func() { _ = os.RemoveAll(dir) }()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backends := []backend{
		{"jsonl", func(dir string) (store.Log[audit.Entry], string, error) {
			path := filepath.Join(dir, "audit.jsonl")
			l, err := store.OpenJSONL[audit.Entry](path, store.JSONLOptions{NoSync: true, Logger: logger})
			return l, path, err
		}},
		{"sqlite", func(dir string) (store.Log[audit.Entry], string, error) {
			path := filepath.Join(dir, "bench.db")
			l, err := store.OpenSQLite[audit.Entry](path, "audit_entries")
			return l, path, err
		}},
	}
	scales := []int{1000, 10000, 50000, 100000}
	stages := []string{"extract", "validate", "transform", "load"}

	fmt.Println("=== AUDIT CHAIN SCALING BENCHMARK ===")
	fmt.Println()

	for _, be := range backends {
		bdir := filepath.Join(dir, be.name)
		if err := os.MkdirAll(bdir, 0o755); err != nil {
			panic(err)
		}
		log, path, err := be.open(bdir)
		if err != nil {
			panic(err)
		}
		chain, err := audit.NewChain(ctx, log, audit.WithPipeline("bench"), audit.WithLogger(logger))
		if err != nil {
			panic(err)
		}

		written := 0
		for _, target := range scales {
			toWrite := target - written
			start := time.Now()
			for i := range toWrite {
				idx := written + i
				stage := stages[idx%len(stages)]
				if _, err := chain.LogStageComplete(ctx, stage, map[string]any{"record_count": idx % 5000, "batch": idx / 500}); err != nil {
					panic(err)
				}
			}
			written = target
			appendRate := float64(toWrite) / time.Since(start).Seconds()

			var sizeMB float64
			if fi, err := os.Stat(path); err == nil {
				sizeMB = float64(fi.Size()) / (1024 * 1024)
			}
			fmt.Printf("--- %s | %dk entries | %.1f MB | %.0f appends/sec ---\n",
				be.name, written/1000, sizeMB, appendRate)

			iters := 5
			if written >= 50000 {
				iters = 2
			}
			for _, b := range []struct {
				name string
				fn   func()
			}{
				{"Verify (in memory)", func() { _ = chain.VerifyIntegrity() }},
				{"Verify (reload)", func() { _, _ = audit.VerifyLog(ctx, log) }},
				{"Recent 50", func() { _ = chain.Query(audit.QueryOpts{Limit: 50}) }},
				{"Stage filter", func() { _ = chain.Query(audit.QueryOpts{Stage: "load", Limit: 50}) }},
				{"Summary", func() { _ = chain.Summary() }},
			} {
				start := time.Now()
				for range iters {
					b.fn()
				}
				avgMs := float64(time.Since(start).Microseconds()) / float64(iters) / 1000.0
				fmt.Printf("  %-22s %9.1f ms\n", b.name, avgMs)
			}
			fmt.Println()
		}
		_ = chain.Close()
	}

	benchLineage(ctx, logger)
}

// benchLineage times traversal over a fan-out graph: each layer's datasets
// feed the next layer.
func benchLineage(ctx context.Context, logger *slog.Logger) {
	fmt.Println("=== LINEAGE TRAVERSAL BENCHMARK ===")
	fmt.Println()

	for _, width := range []int{10, 50, 100} {
		const depth = 20
		graph, err := lineage.NewGraph(ctx, store.NewMemory[lineage.Record](), lineage.WithPipeline("bench"), lineage.WithLogger(logger))
		if err != nil {
			panic(err)
		}
		var last lineage.Record
		start := time.Now()
		for d := range depth {
			for w := range width {
				src := fmt.Sprintf("layer%d.t%d", d, w)
				srcType := lineage.TypeDatabase
				if d == 0 {
					src, srcType = "/raw/source.csv", lineage.TypeFile
				}
				last, err = graph.Record(ctx, lineage.RecordInput{
					SourceType:          srcType,
					SourceLocation:      src,
					Transformation:      fmt.Sprintf("step%d", d),
					DestinationType:     lineage.TypeDatabase,
					DestinationLocation: fmt.Sprintf("layer%d.t%d", d+1, w),
					OutputRecords:       lineage.Count(100),
				})
				if err != nil {
					panic(err)
				}
			}
		}
		fmt.Printf("--- width %d x depth %d | %d records | %.0f records/sec ---\n",
			width, depth, graph.Len(), float64(graph.Len())/time.Since(start).Seconds())

		for _, b := range []struct {
			name string
			fn   func()
		}{
			{"Impact (root)", func() { _ = graph.ImpactAnalysis("/raw/source.csv") }},
			{"Ancestors (leaf)", func() { _, _ = graph.Ancestors(last.LineageID) }},
			{"Topology", func() { _ = graph.Topology() }},
		} {
			start := time.Now()
			for range 5 {
				b.fn()
			}
			fmt.Printf("  %-22s %9.1f ms\n", b.name, float64(time.Since(start).Microseconds())/5/1000.0)
		}
		fmt.Println()
	}
}
