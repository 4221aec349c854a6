// Package lineage records data provenance as an implicit graph: each Record
// moves data from a source node to a destination node, and records are
// connected wherever one record's destination is another's source.
package lineage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation  = errors.New("lineage validation failed")
	ErrPersistence = errors.New("lineage persistence failed")
	ErrNotFound    = errors.New("lineage record not found")
)

// Known source and destination types.
const (
	TypeFile      = "file"
	TypeDatabase  = "database"
	TypeAPI       = "api"
	TypeStream    = "stream"
	TypeS3        = "s3"
	TypeGCS       = "gcs"
	TypeAzureBlob = "azure_blob"
	TypeStaging   = "staging"
	TypeMemory    = "memory"
)

// Types lists every accepted node type.
var Types = []string{TypeFile, TypeDatabase, TypeAPI, TypeStream, TypeS3, TypeGCS, TypeAzureBlob, TypeStaging, TypeMemory}

// DefaultTransformationVersion is recorded when none is given.
const DefaultTransformationVersion = "1.0.0"

// Node identifies a dataset by type and location.
type Node struct {
	Type     string `json:"type"`
	Location string `json:"location"`
}

func (n Node) String() string { return n.Type + ":" + n.Location }

// Less orders nodes by type, then location.
func (n Node) Less(o Node) bool {
	if n.Type != o.Type {
		return n.Type < o.Type
	}
	return n.Location < o.Location
}

// Record is one persisted provenance event.
type Record struct {
	LineageID             string         `json:"lineage_id"`
	PipelineID            string         `json:"pipeline_id"`
	RunID                 string         `json:"run_id,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
	SourceType            string         `json:"source_type"`
	SourceLocation        string         `json:"source_location"`
	SourceHash            string         `json:"source_hash,omitempty"`
	Transformation        string         `json:"transformation"`
	TransformationVersion string         `json:"transformation_version"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	DestinationType       string         `json:"destination_type"`
	DestinationLocation   string         `json:"destination_location"`
	DestinationHash       string         `json:"destination_hash,omitempty"`
	InputRecords          *int64         `json:"input_records,omitempty"`
	OutputRecords         *int64         `json:"output_records,omitempty"`
	RecordsFiltered       *int64         `json:"records_filtered,omitempty"`
	DurationMS            *int64         `json:"duration_ms,omitempty"`
}

// Source returns the record's source node.
func (r Record) Source() Node { return Node{Type: r.SourceType, Location: r.SourceLocation} }

// Destination returns the record's destination node.
func (r Record) Destination() Node {
	return Node{Type: r.DestinationType, Location: r.DestinationLocation}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.InputRecords = clonePtr(r.InputRecords)
	r.OutputRecords = clonePtr(r.OutputRecords)
	r.RecordsFiltered = clonePtr(r.RecordsFiltered)
	r.DurationMS = clonePtr(r.DurationMS)
	if r.Parameters != nil {
		r.Parameters = cloneMap(r.Parameters)
	}
	return r
}

func clonePtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneMap(val)
		case []any:
			cp := make([]any, len(val))
			for i, x := range val {
				if mm, ok := x.(map[string]any); ok {
					cp[i] = cloneMap(mm)
				} else {
					cp[i] = x
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Count returns a pointer to n, for the optional count fields.
func Count(n int64) *int64 { return &n }

// RecordInput is the caller-supplied part of a record.
type RecordInput struct {
	PipelineID            string         `validate:"required"`
	RunID                 string         `validate:"-"`
	SourceType            string         `validate:"required,oneof=file database api stream s3 gcs azure_blob staging memory"`
	SourceLocation        string         `validate:"required"`
	SourceHash            string         `validate:"omitempty,hexadecimal"`
	Transformation        string         `validate:"required"`
	TransformationVersion string         `validate:"-"`
	Parameters            map[string]any `validate:"-"`
	DestinationType       string         `validate:"required,oneof=file database api stream s3 gcs azure_blob staging memory"`
	DestinationLocation   string         `validate:"required"`
	DestinationHash       string         `validate:"omitempty,hexadecimal"`
	InputRecords          *int64         `validate:"omitempty,min=0"`
	OutputRecords         *int64         `validate:"omitempty,min=0"`
	RecordsFiltered       *int64         `validate:"omitempty,min=0"`
	DurationMS            *int64         `validate:"omitempty,min=0"`
}

var validate = validator.New()

func (in RecordInput) check() error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.InputRecords != nil && in.OutputRecords != nil && in.RecordsFiltered != nil {
		if *in.OutputRecords+*in.RecordsFiltered != *in.InputRecords {
			return fmt.Errorf("%w: output_records (%d) + records_filtered (%d) != input_records (%d)",
				ErrValidation, *in.OutputRecords, *in.RecordsFiltered, *in.InputRecords)
		}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "hexadecimal":
		return fmt.Sprintf("%s must be hex encoded", fe.Field())
	default:
		return fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
	}
}
