// Package pipeline wraps pipeline stages so every step leaves an audit
// trail and, on success, a lineage record.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
)

// StepSpec describes one stage: what it reads, what it writes and the
// transformation applied in between.
type StepSpec struct {
	Stage                 string
	RunID                 string
	SourceType            string
	SourceLocation        string
	Transformation        string
	TransformationVersion string
	Parameters            map[string]any
	DestinationType       string
	DestinationLocation   string
}

// StepResult is what a stage reports back. Nil counts are left unset on the
// lineage record.
type StepResult struct {
	InputRecords    *int64
	OutputRecords   *int64
	RecordsFiltered *int64
	SourceHash      string
	DestinationHash string
	Details         map[string]any
}

// StepFunc does the work of a stage.
type StepFunc func(ctx context.Context) (StepResult, error)

// Runner records stages against one chain and one graph.
type Runner struct {
	chain  *audit.Chain
	graph  *lineage.Graph
	logger *slog.Logger
	now    func() time.Time
}

func NewRunner(chain *audit.Chain, graph *lineage.Graph, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{chain: chain, graph: graph, logger: logger, now: time.Now}
}

// Step logs stage_start, runs fn, then logs stage_complete and records
// lineage, or logs stage_failed and returns fn's error. A failure to write
// the audit trail itself is returned joined with any stage error.
func (r *Runner) Step(ctx context.Context, spec StepSpec, fn StepFunc) (lineage.Record, error) {
	if spec.Stage == "" {
		return lineage.Record{}, fmt.Errorf("%w: stage is required", audit.ErrValidation)
	}
	start := r.now()
	if _, err := r.chain.LogStageStart(ctx, spec.Stage, map[string]any{
		"transformation": spec.Transformation,
		"source":         spec.SourceLocation,
		"destination":    spec.DestinationLocation,
	}); err != nil {
		return lineage.Record{}, fmt.Errorf("logging stage start: %w", err)
	}

	res, err := fn(ctx)
	took := r.now().Sub(start)
	if err != nil {
		r.logger.Warn("pipeline stage failed", "stage", spec.Stage, "error", err)
		if _, logErr := r.chain.LogStageFailed(ctx, spec.Stage, err, map[string]any{"duration_ms": took.Milliseconds()}); logErr != nil {
			return lineage.Record{}, errors.Join(err, fmt.Errorf("logging stage failure: %w", logErr))
		}
		return lineage.Record{}, err
	}

	rec, err := r.graph.Record(ctx, lineage.RecordInput{
		RunID:                 spec.RunID,
		SourceType:            spec.SourceType,
		SourceLocation:        spec.SourceLocation,
		SourceHash:            res.SourceHash,
		Transformation:        spec.Transformation,
		TransformationVersion: spec.TransformationVersion,
		Parameters:            spec.Parameters,
		DestinationType:       spec.DestinationType,
		DestinationLocation:   spec.DestinationLocation,
		DestinationHash:       res.DestinationHash,
		InputRecords:          res.InputRecords,
		OutputRecords:         res.OutputRecords,
		RecordsFiltered:       res.RecordsFiltered,
		DurationMS:            lineage.Count(took.Milliseconds()),
	})
	if err != nil {
		if _, logErr := r.chain.LogStageFailed(ctx, spec.Stage, err, nil); logErr != nil {
			return lineage.Record{}, errors.Join(err, fmt.Errorf("logging stage failure: %w", logErr))
		}
		return lineage.Record{}, fmt.Errorf("recording lineage: %w", err)
	}

	details := map[string]any{"lineage_id": rec.LineageID, "duration_ms": took.Milliseconds()}
	if res.OutputRecords != nil {
		details["record_count"] = *res.OutputRecords
	}
	if res.DestinationHash != "" {
		details["output_hash"] = res.DestinationHash
	}
	for k, v := range res.Details {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}
	if _, err := r.chain.LogStageComplete(ctx, spec.Stage, details); err != nil {
		return rec, fmt.Errorf("logging stage complete: %w", err)
	}
	return rec, nil
}

// Run brackets fn with pipeline_start and pipeline_complete (or
// pipeline_failed) entries. fn returns the final output record count and
// output hash.
func (r *Runner) Run(ctx context.Context, details map[string]any, fn func(ctx context.Context) (int64, string, error)) error {
	start := r.now()
	if _, err := r.chain.LogPipelineStart(ctx, details); err != nil {
		return fmt.Errorf("logging pipeline start: %w", err)
	}
	count, hash, err := fn(ctx)
	if err != nil {
		if _, logErr := r.chain.LogPipelineFailed(ctx, "", err, nil); logErr != nil {
			return errors.Join(err, fmt.Errorf("logging pipeline failure: %w", logErr))
		}
		return err
	}
	if _, err := r.chain.LogPipelineComplete(ctx, count, r.now().Sub(start), hash, nil); err != nil {
		return fmt.Errorf("logging pipeline complete: %w", err)
	}
	return nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
