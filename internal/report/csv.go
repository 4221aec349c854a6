// Package report renders the audit chain and lineage graph for compliance
// consumers: CSV exports, JSON snapshots, Graphviz DOT and a combined
// compliance report.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/canonical"
	"github.com/provtrail/provtrail/internal/lineage"
)

// AuditColumns is the header of the audit CSV export.
var AuditColumns = []string{
	"timestamp", "entry_id", "pipeline_id", "user_id", "stage", "action",
	"status", "prev_hash", "entry_hash", "details",
}

// LineageColumns is the header of the lineage CSV export.
var LineageColumns = []string{
	"lineage_id", "pipeline_id", "run_id", "timestamp",
	"source_type", "source_location", "source_hash",
	"transformation", "transformation_version",
	"destination_type", "destination_location", "destination_hash",
	"input_records", "output_records", "records_filtered", "duration_ms",
	"parameters",
}

// WriteAuditCSV writes one row per entry in chain order. Details are
// written as canonical JSON.
func WriteAuditCSV(w io.Writer, entries []audit.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(AuditColumns); err != nil {
		return err
	}
	for i, e := range entries {
		details := e.Details
		if details == nil {
			details = map[string]any{}
		}
		d, err := canonical.Marshal(details)
		if err != nil {
			return fmt.Errorf("entry %d details: %w", i, err)
		}
		if err := cw.Write([]string{
			formatTime(e.Timestamp), e.EntryID, e.PipelineID, e.UserID,
			e.Stage, e.Action, string(e.Status), e.PrevHash, e.EntryHash, string(d),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteLineageCSV writes one row per record in append order. Unknown
// counts are left empty.
func WriteLineageCSV(w io.Writer, records []lineage.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(LineageColumns); err != nil {
		return err
	}
	for _, r := range records {
		params := ""
		if len(r.Parameters) > 0 {
			p, err := canonical.Marshal(r.Parameters)
			if err != nil {
				return fmt.Errorf("record %s parameters: %w", r.LineageID, err)
			}
			params = string(p)
		}
		if err := cw.Write([]string{
			r.LineageID, r.PipelineID, r.RunID, formatTime(r.Timestamp),
			r.SourceType, r.SourceLocation, r.SourceHash,
			r.Transformation, r.TransformationVersion,
			r.DestinationType, r.DestinationLocation, r.DestinationHash,
			count(r.InputRecords), count(r.OutputRecords), count(r.RecordsFiltered), count(r.DurationMS),
			params,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func count(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}
