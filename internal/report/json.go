package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/provtrail/provtrail/internal/lineage"
)

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// WriteGraphJSON writes a lineage snapshot for archival.
func WriteGraphJSON(w io.Writer, s lineage.Snapshot) error {
	if s.Nodes == nil {
		s.Nodes = []lineage.Node{}
	}
	if s.Edges == nil {
		s.Edges = []lineage.Record{}
	}
	return WriteJSON(w, s)
}

// ReadGraphJSON decodes a snapshot written by WriteGraphJSON and checks
// that it imports cleanly.
func ReadGraphJSON(r io.Reader) (lineage.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return lineage.Snapshot{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var s lineage.Snapshot
	if err := dec.Decode(&s); err != nil {
		return lineage.Snapshot{}, fmt.Errorf("decoding lineage snapshot: %w", err)
	}
	if _, err := lineage.Import(s); err != nil {
		return lineage.Snapshot{}, fmt.Errorf("invalid lineage snapshot: %w", err)
	}
	return s, nil
}
