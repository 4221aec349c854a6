package audit

import "time"

// QueryOpts holds filters for audit entry queries. Zero values match all.
type QueryOpts struct {
	PipelineID string
	Stage      string
	Action     string
	Status     Status
	Since      time.Time
	Until      time.Time
	// Limit keeps only the newest matches. Zero means no limit.
	Limit int
}

func (o QueryOpts) match(e Entry) bool {
	switch {
	case o.PipelineID != "" && e.PipelineID != o.PipelineID:
		return false
	case o.Stage != "" && e.Stage != o.Stage:
		return false
	case o.Action != "" && e.Action != o.Action:
		return false
	case o.Status != "" && e.Status != o.Status:
		return false
	case !o.Since.IsZero() && e.Timestamp.Before(o.Since):
		return false
	case !o.Until.IsZero() && !e.Timestamp.Before(o.Until):
		return false
	}
	return true
}

// Filter returns the entries matching opts, in chain order.
func Filter(entries []Entry, opts QueryOpts) []Entry {
	var out []Entry
	for _, e := range entries {
		if opts.match(e) {
			out = append(out, e)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// Query filters the chain's entries.
func (c *Chain) Query(opts QueryOpts) []Entry {
	return Filter(c.ReadAll(), opts)
}
