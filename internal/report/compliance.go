package report

import (
	"time"

	"github.com/provtrail/provtrail/internal/audit"
	"github.com/provtrail/provtrail/internal/lineage"
)

// Compliance is the combined report handed to auditors.
type Compliance struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Audit       audit.Summary     `json:"audit"`
	Integrity   audit.Report      `json:"integrity"`
	Lineage     lineage.Summary   `json:"lineage"`
	Topology    *lineage.Topology `json:"topology,omitempty"`
}

// Build assembles a compliance report. graph may be nil.
func Build(chain *audit.Chain, graph *lineage.Graph, now time.Time) Compliance {
	c := Compliance{
		GeneratedAt: now.UTC(),
		Audit:       chain.Summary(),
		Integrity:   chain.VerifyIntegrity(),
	}
	if graph != nil {
		c.Lineage = graph.Summary()
		c.Topology = graph.Topology()
	}
	return c
}
