package audit

import "time"

// Summary aggregates a chain.
type Summary struct {
	PipelineID   string         `json:"pipeline_id,omitempty"`
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	Actions      map[string]int `json:"actions"`
	Statuses     map[string]int `json:"statuses"`
	Stages       map[string]int `json:"stages"`
	Levels       map[string]int `json:"levels"`
	Pipelines    map[string]int `json:"pipelines"`
	Tail         string         `json:"tail"`
}

// Summarize counts entries by action, status, stage, level and pipeline.
func Summarize(entries []Entry) Summary {
	s := Summary{
		TotalEntries: len(entries),
		Actions:      map[string]int{},
		Statuses:     map[string]int{},
		Stages:       map[string]int{},
		Levels:       map[string]int{},
		Pipelines:    map[string]int{},
		Tail:         GenesisHash,
	}
	if len(entries) == 0 {
		return s
	}
	first, last := entries[0].Timestamp, entries[len(entries)-1].Timestamp
	s.FirstEntry, s.LastEntry = &first, &last
	s.Tail = entries[len(entries)-1].EntryHash

	for _, e := range entries {
		s.Actions[e.Action]++
		s.Statuses[string(e.Status)]++
		s.Stages[e.Stage]++
		s.Levels[e.Level()]++
		s.Pipelines[e.PipelineID]++
	}
	return s
}
