package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/provtrail/provtrail/internal/canonical"
	"github.com/provtrail/provtrail/internal/store"
	"github.com/provtrail/provtrail/internal/telemetry"
)

func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func newMemChain(t *testing.T, opts ...Option) (*Chain, *store.Memory[Entry]) {
	t.Helper()
	mem := store.NewMemory[Entry]()
	opts = append([]Option{WithPipeline("p-test"), WithClock(stepClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), time.Second))}, opts...)
	c, err := NewChain(context.Background(), mem, opts...)
	require.NoError(t, err)
	return c, mem
}

func openFileChain(t *testing.T, path string) *Chain {
	t.Helper()
	l, err := store.OpenJSONL[Entry](path, store.JSONLOptions{NoSync: true})
	require.NoError(t, err)
	c, err := NewChain(context.Background(), l, WithPipeline("p-file"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestChain_EmptyIsValid(t *testing.T) {
	c, _ := newMemChain(t)
	r := c.VerifyIntegrity()
	assert.True(t, r.Valid)
	assert.Empty(t, r.Findings)
	assert.Equal(t, GenesisHash, c.Tail())
	assert.Equal(t, 0, c.Len())
}

func TestChain_AppendLinks(t *testing.T) {
	c, _ := newMemChain(t)
	ctx := context.Background()

	var got []Entry
	for i := range 5 {
		e, err := c.Append(ctx, "stage", fmt.Sprintf("action-%d", i), StatusCompleted, map[string]any{"i": i})
		require.NoError(t, err)
		got = append(got, e)
	}

	assert.Equal(t, GenesisHash, got[0].PrevHash)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].EntryHash, got[i].PrevHash, "entry %d", i)
	}
	assert.Equal(t, got[4].EntryHash, c.Tail())
	assert.Equal(t, "p-test", got[0].PipelineID)
	assert.Equal(t, DefaultUser, got[0].UserID)
	assert.Equal(t, got, c.ReadAll())
	assert.True(t, c.VerifyIntegrity().Valid)
}

func TestChain_TamperScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	c := openFileChain(t, path)
	for _, step := range []struct{ stage, action string }{
		{"read", "ingest"},
		{"transform", "clean"},
		{"write", "store"},
	} {
		_, err := c.Append(ctx, step.stage, step.action, StatusCompleted, nil)
		require.NoError(t, err)
	}
	assert.Len(t, c.ReadAll(), 3)
	assert.Equal(t, 3, c.Summary().TotalEntries)
	require.True(t, c.VerifyIntegrity().Valid)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(data, []byte("\n"))
	require.True(t, bytes.Contains(lines[1], []byte(`"action":"clean"`)))
	lines[1] = bytes.Replace(lines[1], []byte(`"action":"clean"`), []byte(`"action":"clEan"`), 1)
	require.NoError(t, os.WriteFile(path, bytes.Join(lines, []byte("\n")), 0o600))

	reloaded := openFileChain(t, path)
	r := reloaded.VerifyIntegrity()
	assert.False(t, r.Valid)
	require.Len(t, r.Findings, 2)
	assert.Equal(t, 1, r.Findings[0].Index)
	assert.Equal(t, ReasonHashMismatch, r.Findings[0].Reason)
	assert.Equal(t, 2, r.Findings[1].Index)
	assert.Equal(t, ReasonLinkBroken, r.Findings[1].Reason)
}

func TestChain_ReloadPreservesHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	c := openFileChain(t, path)
	details := map[string]any{
		"ratio":  0.25,
		"whole":  5.0,
		"count":  int64(7),
		"nested": map[string]any{"tags": []string{"a", "b"}, "none": nil},
		"text":   "<tag> & line sep",
	}
	e, err := c.Append(ctx, "transform", "clean", StatusCompleted, details)
	require.NoError(t, err)

	reloaded := openFileChain(t, path)
	require.Equal(t, 1, reloaded.Len())
	got := reloaded.ReadAll()[0]
	h, err := got.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, e.EntryHash, h)
	assert.True(t, reloaded.VerifyIntegrity().Valid)
	assert.Equal(t, e.EntryHash, reloaded.Tail())

	next, err := reloaded.Append(ctx, "write", "store", StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, e.EntryHash, next.PrevHash)
}

func TestChain_UnicodeRewriteDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	c := openFileChain(t, path)
	_, err := c.Append(ctx, "read", "caf\u00e9", StatusCompleted, nil)
	require.NoError(t, err)
	_, err = c.Append(ctx, "write", "store", StatusCompleted, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Contains(data, []byte("caf\u00e9")))
	data = bytes.Replace(data, []byte("caf\u00e9"), []byte("cafe\u0301"), 1)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reloaded := openFileChain(t, path)
	assert.Equal(t, "cafe\u0301", reloaded.ReadAll()[0].Action)
	r := reloaded.VerifyIntegrity()
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"hash_mismatch", "link_broken"}, r.Reasons())
	assert.Equal(t, 0, r.Findings[0].Index)
	assert.Equal(t, 1, r.Findings[1].Index)
}

func TestChain_StoresNFC(t *testing.T) {
	c, mem := newMemChain(t)
	ctx := context.Background()

	e, err := c.Append(ctx, "read", "cafe\u0301", StatusCompleted, map[string]any{"na\u0303o": "cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", e.Action)
	assert.Equal(t, "caf\u00e9", e.Details["n\u00e3o"])

	r, err := VerifyLog(ctx, mem)
	require.NoError(t, err)
	assert.True(t, r.Valid)
}

func TestChain_TimestampOffsetRewriteDetected(t *testing.T) {
	c, mem := newMemChain(t)
	ctx := context.Background()
	_, err := c.Append(ctx, "read", "scan", StatusCompleted, nil)
	require.NoError(t, err)

	raw := mem.Raw()[0]
	require.Contains(t, string(raw), `"timestamp":"2024-01-15T10:00:00Z"`)
	mem.SetRaw(0, bytes.Replace(raw, []byte(`"2024-01-15T10:00:00Z"`), []byte(`"2024-01-15T11:00:00+01:00"`), 1))

	r, err := VerifyLog(ctx, mem)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, []string{"hash_mismatch"}, r.Reasons())
}

func TestGenesisHash(t *testing.T) {
	assert.Len(t, GenesisHash, canonical.DigestSize)
	assert.True(t, canonical.IsDigest(GenesisHash))
}

func TestChain_AppendAfterTornWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	c := openFileChain(t, path)
	first, err := c.Append(ctx, "read", "scan", StatusCompleted, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"entry_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c = openFileChain(t, path)
	require.Equal(t, 1, c.Len())
	second, err := c.Append(ctx, "write", "store", StatusCompleted, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reloaded := openFileChain(t, path)
	got := reloaded.ReadAll()
	require.Len(t, got, 2)
	assert.Equal(t, first.EntryHash, got[0].EntryHash)
	assert.Equal(t, second.EntryHash, got[1].EntryHash)
	assert.True(t, reloaded.VerifyIntegrity().Valid)
}

func TestChain_TamperedStoredHash(t *testing.T) {
	c, _ := newMemChain(t)
	ctx := context.Background()
	for range 4 {
		_, err := c.Append(ctx, "s", "a", StatusCompleted, nil)
		require.NoError(t, err)
	}
	entries := c.ReadAll()
	entries[1].EntryHash = GenesisHash

	r := Verify(entries)
	require.Len(t, r.Findings, 2)
	assert.Equal(t, Finding{Index: 1, Reason: ReasonHashMismatch, EntryID: entries[1].EntryID, Detail: r.Findings[0].Detail}, r.Findings[0])
	assert.Equal(t, ReasonLinkBroken, r.Findings[1].Reason)
	assert.Equal(t, 2, r.Findings[1].Index)
}

func TestVerify_TailOnlyTamper(t *testing.T) {
	c, _ := newMemChain(t)
	for range 3 {
		_, err := c.Append(context.Background(), "s", "a", StatusCompleted, nil)
		require.NoError(t, err)
	}
	entries := c.ReadAll()
	entries[2].Stage = "x"

	r := Verify(entries)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, 2, r.Findings[0].Index)
	assert.Equal(t, ReasonHashMismatch, r.Findings[0].Reason)
}

func TestVerify_GenesisMismatch(t *testing.T) {
	c, _ := newMemChain(t)
	_, err := c.Append(context.Background(), "s", "a", StatusCompleted, nil)
	require.NoError(t, err)

	entries := c.ReadAll()
	entries[0].PrevHash = entries[0].EntryHash
	r := Verify(entries)
	assert.Equal(t, []string{"genesis_mismatch", "hash_mismatch"}, r.Reasons())
}

func TestVerify_ReportsEveryFailure(t *testing.T) {
	c, _ := newMemChain(t)
	for range 6 {
		_, err := c.Append(context.Background(), "s", "a", StatusCompleted, nil)
		require.NoError(t, err)
	}
	entries := c.ReadAll()
	entries[1].Action = "x"
	entries[4].UserID = "mallory"

	r := Verify(entries)
	var at []string
	for _, f := range r.Findings {
		at = append(at, fmt.Sprintf("%s@%d", f.Reason, f.Index))
	}
	assert.Equal(t, []string{"hash_mismatch@1", "link_broken@2", "hash_mismatch@4", "link_broken@5"}, at)
}

func TestVerify_LargeChainParallel(t *testing.T) {
	c, _ := newMemChain(t)
	ctx := context.Background()
	for i := range parallelThreshold + 10 {
		_, err := c.Append(ctx, "s", "a", StatusCompleted, map[string]any{"i": i})
		require.NoError(t, err)
	}
	assert.True(t, c.VerifyIntegrity().Valid)

	entries := c.ReadAll()
	entries[3000].Details["i"] = "changed"
	r := Verify(entries)
	assert.Equal(t, []string{"hash_mismatch", "link_broken"}, r.Reasons())
	assert.Equal(t, 3000, r.Findings[0].Index)
}

func TestVerifyLog_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	c := openFileChain(t, path)
	_, err := c.Append(context.Background(), "s", "a", StatusCompleted, nil)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err := store.OpenJSONL[Entry](path, store.JSONLOptions{NoSync: true})
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	r, err := VerifyLog(context.Background(), l)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, ReasonMalformed, r.Findings[0].Reason)
	assert.Equal(t, 1, r.Findings[0].Index)
	assert.Contains(t, r.Findings[0].Detail, "line 2")
}

func TestChain_ConcurrentAppends(t *testing.T) {
	c, _ := newMemChain(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Append(ctx, "s", fmt.Sprintf("a%d", i), StatusCompleted, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries := c.ReadAll()
	require.Len(t, entries, 50)
	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.PrevHash], "two entries link to %s", e.PrevHash)
		seen[e.PrevHash] = true
	}
	assert.True(t, c.VerifyIntegrity().Valid)
}

func TestChain_PersistenceFailureRollsBack(t *testing.T) {
	c, mem := newMemChain(t)
	ctx := context.Background()

	first, err := c.Append(ctx, "s", "a", StatusCompleted, nil)
	require.NoError(t, err)

	mem.FailNext(errors.New("disk full"))
	_, err = c.Append(ctx, "s", "b", StatusCompleted, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, first.EntryHash, c.Tail())
	assert.Len(t, mem.Raw(), 1)

	next, err := c.Append(ctx, "s", "c", StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, next.PrevHash)
	assert.True(t, c.VerifyIntegrity().Valid)
}

func TestChain_Validation(t *testing.T) {
	c, mem := newMemChain(t)
	ctx := context.Background()

	cases := []struct {
		name string
		ev   Event
	}{
		{"missing stage", Event{PipelineID: "p", UserID: "u", Action: "a", Status: StatusCompleted}},
		{"missing action", Event{PipelineID: "p", UserID: "u", Stage: "s", Status: StatusCompleted}},
		{"missing pipeline", Event{UserID: "u", Stage: "s", Action: "a", Status: StatusCompleted}},
		{"missing user", Event{PipelineID: "p", Stage: "s", Action: "a", Status: StatusCompleted}},
		{"bad status", Event{PipelineID: "p", UserID: "u", Stage: "s", Action: "a", Status: "done"}},
		{"invalid utf-8 stage", Event{PipelineID: "p", UserID: "u", Stage: "s\xff", Action: "a", Status: StatusCompleted}},
		{"unhashable details", Event{PipelineID: "p", UserID: "u", Stage: "s", Action: "a", Status: StatusStarted, Details: map[string]any{"f": func() {}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.AppendEvent(ctx, tc.ev)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, mem.Raw())
}

func TestChain_ClockNeverGoesBackwards(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
	}
	i := 0
	c, _ := newMemChain(t, WithClock(func() time.Time { ts := times[i]; i++; return ts }))
	ctx := context.Background()
	for range times {
		_, err := c.Append(ctx, "s", "a", StatusCompleted, nil)
		require.NoError(t, err)
	}
	entries := c.ReadAll()
	assert.Equal(t, times[0], entries[1].Timestamp)
	assert.Equal(t, times[2], entries[2].Timestamp)
}

func TestChain_ReturnedEntryIsIsolated(t *testing.T) {
	c, _ := newMemChain(t)
	e, err := c.Append(context.Background(), "s", "a", StatusCompleted, map[string]any{"k": "v"})
	require.NoError(t, err)
	e.Details["k"] = "mutated"
	assert.True(t, c.VerifyIntegrity().Valid)
	assert.Equal(t, "v", c.ReadAll()[0].Details["k"])
}

func TestChain_Observer(t *testing.T) {
	var got []Entry
	c, _ := newMemChain(t, WithObserver(ObserverFunc(func(_ context.Context, e Entry) {
		got = append(got, e)
	})))
	e, err := c.Append(context.Background(), "s", "a", StatusStarted, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.EntryID, got[0].EntryID)
}

func TestChain_MetricsAndSpans(t *testing.T) {
	m := telemetry.NewMetrics()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	c, mem := newMemChain(t, WithMetrics(m), WithTracer(tp.Tracer("test")))
	_, err := c.Append(context.Background(), "s", "a", StatusCompleted, nil)
	require.NoError(t, err)
	mem.FailNext(errors.New("boom"))
	_, err = c.Append(context.Background(), "s", "a", StatusCompleted, nil)
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "audit.append", spans[0].Name())
	assert.Len(t, spans[1].Events(), 1, "error recorded on span")
}

func TestChain_DeterministicIDs(t *testing.T) {
	n := 0
	c, _ := newMemChain(t, withIDs(func() string { n++; return fmt.Sprintf("id-%d", n) }))
	e, err := c.Append(context.Background(), "s", "a", StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, "id-1", e.EntryID)
}
