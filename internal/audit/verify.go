package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/provtrail/provtrail/internal/store"
)

// Reason tags an integrity finding.
type Reason string

const (
	ReasonGenesisMismatch Reason = "genesis_mismatch"
	ReasonHashMismatch    Reason = "hash_mismatch"
	ReasonLinkBroken      Reason = "link_broken"
	// ReasonMalformed is reported when a persisted entry cannot be decoded.
	ReasonMalformed Reason = "malformed"
)

// Finding is one failed integrity check.
type Finding struct {
	Index   int    `json:"index"`
	Reason  Reason `json:"reason"`
	EntryID string `json:"entry_id,omitempty"`
	Detail  string `json:"detail"`
}

func (f Finding) String() string {
	return fmt.Sprintf("entry %d (%s): %s: %s", f.Index, f.EntryID, f.Reason, f.Detail)
}

// Report is the result of verifying a chain. Findings are ordered by index,
// and by reason within an index.
type Report struct {
	Valid    bool      `json:"valid"`
	Checked  int       `json:"checked"`
	Findings []Finding `json:"findings"`
}

// Reasons returns the reason of every finding.
func (r Report) Reasons() []string {
	out := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = string(f.Reason)
	}
	return out
}

// Chains at least this long have their digests recomputed in parallel.
const (
	parallelThreshold = 4096
	verifyChunk       = 1024
)

// Verify recomputes every digest and checks every link. All failures are
// reported.
//
// Entry i > 0 is linked when its prev_hash equals the stored entry_hash of
// entry i-1 and that stored hash is also the digest of entry i-1's content.
// A modified entry k therefore yields hash_mismatch at k and link_broken at
// k+1.
func Verify(entries []Entry) Report {
	digests := recompute(entries)
	r := Report{Valid: true, Checked: len(entries), Findings: []Finding{}}
	add := func(i int, reason Reason, detail string) {
		r.Findings = append(r.Findings, Finding{Index: i, Reason: reason, EntryID: entries[i].EntryID, Detail: detail})
	}

	for i, e := range entries {
		if i == 0 && e.PrevHash != GenesisHash {
			add(i, ReasonGenesisMismatch, fmt.Sprintf("prev_hash %s is not the genesis value", short(e.PrevHash)))
		}

		if d := digests[i]; d.err != nil {
			add(i, ReasonHashMismatch, d.err.Error())
		} else if d.hash != e.EntryHash {
			add(i, ReasonHashMismatch, fmt.Sprintf("expected %s, stored %s", short(d.hash), short(e.EntryHash)))
		}

		if i > 0 {
			prev := entries[i-1]
			switch {
			case e.PrevHash != prev.EntryHash:
				add(i, ReasonLinkBroken, fmt.Sprintf("prev_hash %s does not match entry %d hash %s", short(e.PrevHash), i-1, short(prev.EntryHash)))
			case digests[i-1].err != nil || digests[i-1].hash != prev.EntryHash:
				add(i, ReasonLinkBroken, fmt.Sprintf("predecessor %d does not hash to the linked value", i-1))
			}
		}
	}
	r.Valid = len(r.Findings) == 0
	return r
}

// VerifyLog loads log and verifies it. A record that cannot be decoded is
// reported as a malformed finding at its position; entries after it are not
// checked. Other load errors are returned.
func VerifyLog(ctx context.Context, log store.Log[Entry]) (Report, error) {
	entries, err := log.Load(ctx)
	if err != nil {
		var ce *store.CorruptError
		if errors.As(err, &ce) {
			return Report{
				Valid:   false,
				Checked: ce.Index,
				Findings: []Finding{{
					Index:  ce.Index,
					Reason: ReasonMalformed,
					Detail: fmt.Sprintf("line %d: %v", ce.Line, ce.Err),
				}},
			}, nil
		}
		return Report{}, fmt.Errorf("loading audit log: %w", err)
	}
	return Verify(entries), nil
}

type digest struct {
	hash string
	err  error
}

func recompute(entries []Entry) []digest {
	out := make([]digest, len(entries))
	hashRange := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out[i].hash, out[i].err = entries[i].ComputeHash()
		}
	}
	if len(entries) < parallelThreshold {
		hashRange(0, len(entries))
		return out
	}

	pool, err := ants.NewPool(runtime.GOMAXPROCS(0))
	if err != nil {
		hashRange(0, len(entries))
		return out
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for lo := 0; lo < len(entries); lo += verifyChunk {
		hi := min(lo+verifyChunk, len(entries))
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			hashRange(lo, hi)
		}); err != nil {
			hashRange(lo, hi)
			wg.Done()
		}
	}
	wg.Wait()
	return out
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
