package lineage

import (
	"math"
	"slices"
)

// NodeStats describes one dataset node in the lineage topology.
type NodeStats struct {
	Node
	InDegree    int     `json:"in_degree"`
	OutDegree   int     `json:"out_degree"`
	RecordsIn   int64   `json:"records_in"`
	RecordsOut  int64   `json:"records_out"`
	Betweenness float64 `json:"betweenness"`
	Root        bool    `json:"root"`
	Leaf        bool    `json:"leaf"`
}

// EdgeStats aggregates every record between the same two nodes.
type EdgeStats struct {
	From            Node     `json:"from"`
	To              Node     `json:"to"`
	Runs            int      `json:"runs"`
	Transformations []string `json:"transformations"`
	OutputRecords   int64    `json:"output_records"`
	FilteredRecords int64    `json:"filtered_records"`
}

// Topology is the node-level view of a lineage graph.
type Topology struct {
	Nodes      []NodeStats `json:"nodes"`
	Edges      []EdgeStats `json:"edges"`
	TotalNodes int         `json:"total_nodes"`
	TotalEdges int         `json:"total_edges"`
}

// betweennessNodeLimit skips centrality on larger graphs; nodes then
// report -1.
const betweennessNodeLimit = 50

// BuildTopology computes degrees, flow totals, betweenness centrality and
// aggregated edges. Nodes are sorted; edges follow first appearance.
func BuildTopology(x *Index) *Topology {
	nodes := x.Nodes()
	pos := make(map[Node]int, len(nodes))
	stats := make([]NodeStats, len(nodes))
	for i, n := range nodes {
		pos[n] = i
		stats[i] = NodeStats{Node: n, Betweenness: -1}
	}

	type pair struct{ from, to Node }
	edgeAt := map[pair]int{}
	var edges []EdgeStats
	for _, r := range x.records {
		p := pair{r.Source(), r.Destination()}
		i, ok := edgeAt[p]
		if !ok {
			i = len(edges)
			edgeAt[p] = i
			edges = append(edges, EdgeStats{From: p.from, To: p.to, Transformations: []string{}})
		}
		e := &edges[i]
		e.Runs++
		if !slices.Contains(e.Transformations, r.Transformation) {
			e.Transformations = append(e.Transformations, r.Transformation)
		}
		if r.OutputRecords != nil {
			e.OutputRecords += *r.OutputRecords
			stats[pos[p.from]].RecordsOut += *r.OutputRecords
			stats[pos[p.to]].RecordsIn += *r.OutputRecords
		}
		if r.RecordsFiltered != nil {
			e.FilteredRecords += *r.RecordsFiltered
		}
	}
	for _, e := range edges {
		stats[pos[e.From]].OutDegree++
		stats[pos[e.To]].InDegree++
	}
	for i := range stats {
		stats[i].Root = stats[i].InDegree == 0
		stats[i].Leaf = stats[i].OutDegree == 0
	}
	computeBetweenness(stats, pos, edges)

	if edges == nil {
		edges = []EdgeStats{}
	}
	return &Topology{
		Nodes:      stats,
		Edges:      edges,
		TotalNodes: len(stats),
		TotalEdges: len(edges),
	}
}

// computeBetweenness runs Brandes' algorithm over the distinct node edges.
// Self-loops are ignored; they never lie on a shortest path between two
// other nodes.
func computeBetweenness(stats []NodeStats, pos map[Node]int, edges []EdgeStats) {
	n := len(stats)
	if n >= betweennessNodeLimit {
		return
	}
	adj := make([][]int, n)
	for _, e := range edges {
		if e.From == e.To {
			continue
		}
		adj[pos[e.From]] = append(adj[pos[e.From]], pos[e.To])
	}

	cb := make([]float64, n)
	for s := range n {
		brandesBFS(s, n, adj, cb)
	}

	// Directed graphs: at most (n-1)(n-2) ordered pairs pass through a node.
	maxVal := float64((n - 1) * (n - 2))
	for i := range stats {
		if maxVal > 0 {
			stats[i].Betweenness = math.Round(cb[i]/maxVal*1000) / 1000
		} else {
			stats[i].Betweenness = 0
		}
	}
}

func brandesBFS(s, n int, adj [][]int, cb []float64) {
	stack := make([]int, 0, n)
	pred := make([][]int, n)
	sigma := make([]float64, n)
	sigma[s] = 1
	dist := make([]int, n)
	for i := range dist {
		dist[i] = -1
	}
	dist[s] = 0

	queue := []int{s}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		stack = append(stack, v)
		for _, w := range adj[v] {
			if dist[w] < 0 {
				queue = append(queue, w)
				dist[w] = dist[v] + 1
			}
			if dist[w] == dist[v]+1 {
				sigma[w] += sigma[v]
				pred[w] = append(pred[w], v)
			}
		}
	}

	delta := make([]float64, n)
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, v := range pred[w] {
			delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
		}
		if w != s {
			cb[w] += delta[w]
		}
	}
}
