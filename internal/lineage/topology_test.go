package lineage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopology_Chain(t *testing.T) {
	g, _ := newMemGraph(t)
	chainABC(t, g)
	mustRecord(t, g, RecordInput{
		SourceType: TypeFile, SourceLocation: "raw.csv",
		Transformation:  "clean-v2",
		DestinationType: TypeStaging, DestinationLocation: "clean",
		OutputRecords: Count(80),
	})

	topo := g.Topology()
	assert.Equal(t, 4, topo.TotalNodes)
	assert.Equal(t, 3, topo.TotalEdges, "re-runs between the same nodes aggregate into one edge")

	byLoc := map[string]NodeStats{}
	for _, n := range topo.Nodes {
		byLoc[n.Location] = n
	}
	raw := byLoc["raw.csv"]
	assert.True(t, raw.Root)
	assert.False(t, raw.Leaf)
	assert.Equal(t, int64(170), raw.RecordsOut)
	assert.True(t, byLoc["report.csv"].Leaf)

	// Middle nodes lie on shortest paths; endpoints never do.
	assert.Greater(t, byLoc["clean"].Betweenness, 0.0)
	assert.Greater(t, byLoc["warehouse.claims"].Betweenness, 0.0)
	assert.Equal(t, 0.0, raw.Betweenness)

	first := topo.Edges[0]
	assert.Equal(t, 2, first.Runs)
	assert.Equal(t, []string{"clean", "clean-v2"}, first.Transformations)
	assert.Equal(t, int64(170), first.OutputRecords)
}

func TestTopology_Empty(t *testing.T) {
	topo := BuildTopology(newIndex())
	require.NotNil(t, topo)
	assert.Empty(t, topo.Nodes)
	assert.NotNil(t, topo.Edges)
}

func TestTopology_LargeGraphSkipsBetweenness(t *testing.T) {
	g, _ := newMemGraph(t)
	for i := range betweennessNodeLimit {
		mustRecord(t, g, hop(string(rune('A'+i%26))+string(rune('a'+i/26)), "sink"))
	}
	for _, n := range g.Topology().Nodes {
		assert.Equal(t, -1.0, n.Betweenness)
	}
}
