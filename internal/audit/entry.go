package audit

import (
	"fmt"
	"time"

	"github.com/provtrail/provtrail/internal/canonical"
)

// GenesisHash is the prev_hash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Status is the outcome recorded by an entry.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Action names written by the convenience loggers. Callers may use any
// non-empty action string.
const (
	ActionPipelineStart    = "pipeline_start"
	ActionPipelineComplete = "pipeline_complete"
	ActionPipelineFailed   = "pipeline_failed"
	ActionDataRead         = "data_read"
	ActionDataWrite        = "data_write"
	ActionDataTransform    = "data_transform"
	ActionDataValidate     = "data_validate"
	ActionDataDelete       = "data_delete"
	ActionAccessGranted    = "access_granted"
	ActionAccessDenied     = "access_denied"
	ActionPHIAccess        = "phi_access"
	ActionPHIExport        = "phi_export"
	ActionPHIDeidentify    = "phi_deidentify"
	ActionConfigChange     = "config_change"
	ActionStageStart       = "stage_start"
	ActionStageComplete    = "stage_complete"
	ActionStageFailed      = "stage_failed"
)

// Severity levels stored under details["level"].
const (
	LevelDebug    = "debug"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// DetailLevel is the details key holding an entry's severity.
const DetailLevel = "level"

// Entry is one link of the audit chain.
type Entry struct {
	EntryID    string         `json:"entry_id"`
	Timestamp  time.Time      `json:"timestamp"`
	PipelineID string         `json:"pipeline_id"`
	UserID     string         `json:"user_id"`
	Stage      string         `json:"stage"`
	Action     string         `json:"action"`
	Status     Status         `json:"status"`
	Details    map[string]any `json:"details"`
	PrevHash   string         `json:"prev_hash"`
	EntryHash  string         `json:"entry_hash"`
}

// Level returns details["level"], defaulting to info.
func (e Entry) Level() string {
	if s, ok := e.Details[DetailLevel].(string); ok && s != "" {
		return s
	}
	return LevelInfo
}

// ComputeHash returns the digest of every field except EntryHash.
func (e Entry) ComputeHash() (string, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	h, err := canonical.Hash(map[string]any{
		"entry_id":    e.EntryID,
		"timestamp":   e.Timestamp,
		"pipeline_id": e.PipelineID,
		"user_id":     e.UserID,
		"stage":       e.Stage,
		"action":      e.Action,
		"status":      string(e.Status),
		"details":     details,
		"prev_hash":   e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("hashing entry %s: %w", e.EntryID, err)
	}
	return h, nil
}

// Clone returns a copy of e whose Details map can be modified freely.
func (e Entry) Clone() Entry {
	if e.Details != nil {
		e.Details = cloneValue(e.Details).(map[string]any)
	}
	return e
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
