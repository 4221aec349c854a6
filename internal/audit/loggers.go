package audit

import (
	"context"
	"fmt"
	"time"
)

// Stage names used by the pipeline-level loggers.
const (
	StageInit      = "init"
	StageComplete  = "complete"
	StageRead      = "read"
	StageWrite     = "write"
	StageTransform = "transform"
	StageValidate  = "validate"
	StagePHI       = "phi"
	StagePipeline  = "pipeline"
)

// fields builds a details map: extra first, then the logger's own keys on
// top so callers cannot overwrite them.
func fields(extra map[string]any, own map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+len(own))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

// LogPipelineStart records the start of a pipeline run.
func (c *Chain) LogPipelineStart(ctx context.Context, details map[string]any) (Entry, error) {
	return c.Append(ctx, StageInit, ActionPipelineStart, StatusStarted,
		fields(details, map[string]any{DetailLevel: LevelInfo}))
}

// LogPipelineComplete records a successful run with its output size.
func (c *Chain) LogPipelineComplete(ctx context.Context, recordCount int64, took time.Duration, outputHash string, details map[string]any) (Entry, error) {
	own := map[string]any{
		DetailLevel:    LevelInfo,
		"record_count": recordCount,
		"duration_ms":  ms(took),
	}
	if outputHash != "" {
		own["output_hash"] = outputHash
	}
	return c.Append(ctx, StageComplete, ActionPipelineComplete, StatusCompleted, fields(details, own))
}

// LogPipelineFailed records a failed run. stage defaults to "pipeline".
func (c *Chain) LogPipelineFailed(ctx context.Context, stage string, cause error, details map[string]any) (Entry, error) {
	if stage == "" {
		stage = StagePipeline
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return c.Append(ctx, stage, ActionPipelineFailed, StatusFailed,
		fields(details, map[string]any{DetailLevel: LevelError, "error": msg}))
}

// LogDataRead records records read from source.
func (c *Chain) LogDataRead(ctx context.Context, source string, recordCount int64, inputHash string, took time.Duration) (Entry, error) {
	own := map[string]any{
		DetailLevel:     LevelInfo,
		"resource_type": "data_source",
		"resource_id":   source,
		"record_count":  recordCount,
		"duration_ms":   ms(took),
	}
	if inputHash != "" {
		own["input_hash"] = inputHash
	}
	return c.Append(ctx, StageRead, ActionDataRead, StatusCompleted, own)
}

// LogDataWrite records records written to destination.
func (c *Chain) LogDataWrite(ctx context.Context, destination string, recordCount int64, outputHash string, took time.Duration) (Entry, error) {
	own := map[string]any{
		DetailLevel:     LevelInfo,
		"resource_type": "data_destination",
		"resource_id":   destination,
		"record_count":  recordCount,
		"duration_ms":   ms(took),
	}
	if outputHash != "" {
		own["output_hash"] = outputHash
	}
	return c.Append(ctx, StageWrite, ActionDataWrite, StatusCompleted, own)
}

// Transform describes one transformation for LogTransform.
type Transform struct {
	Name        string
	InputCount  int64
	OutputCount int64
	InputHash   string
	OutputHash  string
	Took        time.Duration
	Details     map[string]any
}

// LogTransform records a transformation step.
func (c *Chain) LogTransform(ctx context.Context, t Transform) (Entry, error) {
	if t.Name == "" {
		return Entry{}, fmt.Errorf("%w: transform name is required", ErrValidation)
	}
	own := map[string]any{
		DetailLevel:     LevelInfo,
		"resource_type": "transform",
		"resource_id":   t.Name,
		"input_count":   t.InputCount,
		"output_count":  t.OutputCount,
		"record_count":  t.OutputCount,
		"duration_ms":   ms(t.Took),
	}
	if t.InputHash != "" {
		own["input_hash"] = t.InputHash
	}
	if t.OutputHash != "" {
		own["output_hash"] = t.OutputHash
	}
	return c.Append(ctx, StageTransform, ActionDataTransform, StatusCompleted, fields(t.Details, own))
}

// Validation summarizes a record validation pass for LogValidation.
type Validation struct {
	Dataset string
	Checked int64
	Passed  int64
	Failed  int64
	Details map[string]any
}

// LogValidation records the outcome of validating a dataset. Any failed
// record raises the level to warning; the step itself completed.
func (c *Chain) LogValidation(ctx context.Context, v Validation) (Entry, error) {
	if v.Passed+v.Failed != v.Checked {
		return Entry{}, fmt.Errorf("%w: passed (%d) + failed (%d) != checked (%d)", ErrValidation, v.Passed, v.Failed, v.Checked)
	}
	level := LevelInfo
	if v.Failed > 0 {
		level = LevelWarning
	}
	own := map[string]any{
		DetailLevel:       level,
		"resource_id":     v.Dataset,
		"records_checked": v.Checked,
		"records_passed":  v.Passed,
		"records_failed":  v.Failed,
	}
	return c.Append(ctx, StageValidate, ActionDataValidate, StatusCompleted, fields(v.Details, own))
}

// LogPHIAccess records access to protected health information. A reason is
// mandatory; fieldsAccessed may be empty.
func (c *Chain) LogPHIAccess(ctx context.Context, resourceID, accessReason string, fieldsAccessed []string) (Entry, error) {
	if accessReason == "" {
		return Entry{}, fmt.Errorf("%w: access_reason is required for PHI access", ErrValidation)
	}
	if fieldsAccessed == nil {
		fieldsAccessed = []string{}
	}
	return c.Append(ctx, StagePHI, ActionPHIAccess, StatusCompleted, map[string]any{
		DetailLevel:       LevelWarning,
		"resource_type":   "phi",
		"resource_id":     resourceID,
		"access_reason":   accessReason,
		"fields_accessed": fieldsAccessed,
	})
}

// LogStageStart records that a named pipeline stage began.
func (c *Chain) LogStageStart(ctx context.Context, stage string, details map[string]any) (Entry, error) {
	return c.Append(ctx, stage, ActionStageStart, StatusStarted,
		fields(details, map[string]any{DetailLevel: LevelInfo}))
}

func (c *Chain) LogStageComplete(ctx context.Context, stage string, details map[string]any) (Entry, error) {
	return c.Append(ctx, stage, ActionStageComplete, StatusCompleted,
		fields(details, map[string]any{DetailLevel: LevelInfo}))
}

func (c *Chain) LogStageFailed(ctx context.Context, stage string, cause error, details map[string]any) (Entry, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return c.Append(ctx, stage, ActionStageFailed, StatusFailed,
		fields(details, map[string]any{DetailLevel: LevelError, "error": msg}))
}
