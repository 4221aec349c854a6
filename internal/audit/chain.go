// Package audit implements the tamper-evident audit chain: an append-only
// sequence of entries where each entry commits to its predecessor's digest.
package audit

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

// DefaultUser is recorded when no user is configured.
const DefaultUser = "system"

// Observer is notified of every committed entry. It runs after the chain
// lock is released, on the appending goroutine.
type Observer interface {
	EntryCommitted(ctx context.Context, e Entry)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Entry)

func (f ObserverFunc) EntryCommitted(ctx context.Context, e Entry) { f(ctx, e) }

// Option configures a Chain.
type Option func(*Chain)

// WithPipeline sets the pipeline id stamped on entries appended with Append.
func WithPipeline(id string) Option { return func(c *Chain) { c.pipelineID = id } }

// WithUser sets the user id stamped on entries appended with Append.
func WithUser(id string) Option { return func(c *Chain) { c.userID = id } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Chain) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *Chain) { c.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Chain) { c.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(c *Chain) { c.tracer = t } }

// WithObserver adds an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(c *Chain) { c.observers = append(c.observers, o) }
}

// withIDs replaces uuid generation in tests.
func withIDs(gen func() string) Option { return func(c *Chain) { c.newID = gen } }

// Chain is an audit chain bound to a persistent log. It is safe for
// concurrent use.
type Chain struct {
	mu      sync.RWMutex
	log     store.Log[Entry]
	entries []Entry
	tail    string

	pipelineID string
	userID     string
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	observers  []Observer
}

// NewChain loads every entry already in log and returns a chain positioned
// at its tail. Loading does not verify: call VerifyIntegrity for that.
func NewChain(ctx context.Context, log store.Log[Entry], opts ...Option) (*Chain, error) {
	c := &Chain{
		log:    log,
		tail:   GenesisHash,
		userID: DefaultUser,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(c)
	}
	if c.pipelineID == "" {
		c.pipelineID = uuid.NewString()[:8]
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer(nil)
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the in-memory chain with the log's current contents.
func (c *Chain) Reload(ctx context.Context) error {
	entries, err := c.log.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading audit log: %w", err)
	}
	for i := range entries {
		if entries[i].Details == nil {
			entries[i].Details = map[string]any{}
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.tail = GenesisHash
	if n := len(entries); n > 0 {
		c.tail = entries[n-1].EntryHash
	}
	c.mu.Unlock()

	c.metrics.ChainLoaded(len(entries))
	c.logger.Debug("audit chain loaded", "entries", len(entries))
	return nil
}

// PipelineID returns the pipeline id used by Append.
func (c *Chain) PipelineID() string { return c.pipelineID }

// UserID returns the user id used by Append.
func (c *Chain) UserID() string { return c.userID }

// Append records one event under the chain's pipeline and user ids.
func (c *Chain) Append(ctx context.Context, stage, action string, status Status, details map[string]any) (Entry, error) {
	return c.AppendEvent(ctx, Event{
		PipelineID: c.pipelineID,
		UserID:     c.userID,
		Stage:      stage,
		Action:     action,
		Status:     status,
		Details:    details,
	})
}

// AppendEvent validates ev, links it to the current tail, persists it and
// only then commits it in memory. On error the chain is unchanged.
func (c *Chain) AppendEvent(ctx context.Context, ev Event) (Entry, error) {
	ctx, span := c.tracer.Start(ctx, "audit.append", trace.WithAttributes(
		attribute.String("audit.stage", ev.Stage),
		attribute.String("audit.action", ev.Action),
		attribute.String("audit.status", string(ev.Status)),
	))
	defer span.End()

	e, err := c.append(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.AppendFailed()
		return Entry{}, err
	}
	span.SetAttributes(attribute.String("audit.entry_id", e.EntryID))

	for _, o := range c.observers {
		o.EntryCommitted(ctx, e.Clone())
	}
	return e, nil
}

func (c *Chain) append(ctx context.Context, ev Event) (Entry, error) {
	if err := ev.check(); err != nil {
		return Entry{}, err
	}
	ev.normalize()
	details, err := canonical.NormalizeMap(ev.Details)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: details: %v", ErrValidation, err)
	}

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UTC().Round(0)
	if n := len(c.entries); n > 0 && ts.Before(c.entries[n-1].Timestamp) {
		ts = c.entries[n-1].Timestamp
	}

	e := Entry{
		EntryID:    c.newID(),
		Timestamp:  ts,
		PipelineID: ev.PipelineID,
		UserID:     ev.UserID,
		Stage:      ev.Stage,
		Action:     ev.Action,
		Status:     ev.Status,
		Details:    details,
		PrevHash:   c.tail,
	}
	if e.EntryHash, err = e.ComputeHash(); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := c.log.Append(ctx, e); err != nil {
		c.logger.Error("audit append failed", "entry_id", e.EntryID, "error", err)
		return Entry{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.entries = append(c.entries, e)
	c.tail = e.EntryHash
	c.metrics.AppendCommitted(string(e.Status), time.Since(start), len(c.entries))
	c.logger.Debug("audit entry appended", "entry_id", e.EntryID, "index", len(c.entries)-1, "action", e.Action)
	return e.Clone(), nil
}

// ReadAll returns a copy of every entry in chain order.
func (c *Chain) ReadAll() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Tail returns the entry_hash of the last entry, or GenesisHash.
func (c *Chain) Tail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tail
}

// VerifyIntegrity checks the in-memory chain. Findings are returned as data.
func (c *Chain) VerifyIntegrity() Report {
	c.mu.RLock()
	entries := c.entries[:len(c.entries):len(c.entries)]
	c.mu.RUnlock()

	start := time.Now()
	r := Verify(entries)
	c.metrics.Verified(r.Valid, r.Reasons(), time.Since(start))
	if !r.Valid {
		c.logger.Warn("audit chain integrity check failed", "entries", r.Checked, "findings", len(r.Findings))
	}
	return r
}

// Summary summarizes the chain.
func (c *Chain) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Summarize(c.entries)
	s.PipelineID = c.pipelineID
	return s
}

// Close closes the underlying log.
func (c *Chain) Close() error { return c.log.Close() }
