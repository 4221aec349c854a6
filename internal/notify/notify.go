// Package notify publishes committed audit entries and lineage records to
// Redis streams so downstream consumers can follow a pipeline live, and
// posts tamper alerts to webhooks.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
)

const publishTimeout = 2 * time.Second

// Publisher writes one stream message per committed entry or record:
// <prefix>:audit:<pipeline_id> and <prefix>:lineage:<pipeline_id>.
// Publishing is best effort. Failures are logged and never reach the
// chain or graph, whose state is already durable by the time they run.
type Publisher struct {
	client *redis.Client
	prefix string
	maxLen int64
	logger *slog.Logger
}

// Options configures a Publisher.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxLen   int64
	Logger   *slog.Logger
}

// New connects to Redis and checks the connection with PING.
func New(ctx context.Context, opts Options) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client. Addr, Password and DB are ignored.
func NewWithClient(client *redis.Client, opts Options) *Publisher {
	p := &Publisher{client: client, prefix: opts.Prefix, maxLen: opts.MaxLen, logger: opts.Logger}
	if p.prefix == "" {
		p.prefix = "provtrail"
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AuditStream is the stream an entry of pipelineID is published to.
func (p *Publisher) AuditStream(pipelineID string) string {
	return p.prefix + ":audit:" + pipelineID
}

// LineageStream is the stream a record of pipelineID is published to.
func (p *Publisher) LineageStream(pipelineID string) string {
	return p.prefix + ":lineage:" + pipelineID
}

// EntryCommitted implements audit.Observer.
func (p *Publisher) EntryCommitted(ctx context.Context, e audit.Entry) {
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("notify: encoding entry", "entry_id", e.EntryID, "error", err)
		return
	}
	p.publish(ctx, p.AuditStream(e.PipelineID), map[string]any{
		"entry_id":   e.EntryID,
		"action":     e.Action,
		"status":     string(e.Status),
		"entry_hash": e.EntryHash,
		"body":       string(body),
	})
}

// RecordCommitted implements lineage.Observer.
func (p *Publisher) RecordCommitted(ctx context.Context, r lineage.Record) {
	body, err := json.Marshal(r)
	if err != nil {
		p.logger.Warn("notify: encoding record", "lineage_id", r.LineageID, "error", err)
		return
	}
	p.publish(ctx, p.LineageStream(r.PipelineID), map[string]any{
		"lineage_id":  r.LineageID,
		"source":      r.Source().String(),
		"destination": r.Destination().String(),
		"body":        string(body),
	})
}

func (p *Publisher) publish(ctx context.Context, stream string, values map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Warn("notify: publish failed", "stream", stream, "error", err)
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

var (
	_ audit.Observer   = (*Publisher)(nil)
	_ lineage.Observer = (*Publisher)(nil)
)
