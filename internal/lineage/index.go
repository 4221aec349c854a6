package lineage

import (
	"fmt"
	"slices"
)

// Index holds records in append order plus the node lookups traversals
// need. Records are only ever appended; positions are stable.
type Index struct {
	records    []Record
	bySource   map[Node][]int
	byDest     map[Node][]int
	byID       map[string]int
	byLocation map[string][]Node
	nodes      map[Node]struct{}
}

func newIndex() *Index {
	return &Index{
		bySource:   map[Node][]int{},
		byDest:     map[Node][]int{},
		byID:       map[string]int{},
		byLocation: map[string][]Node{},
		nodes:      map[Node]struct{}{},
	}
}

// BuildIndex indexes records. Duplicate lineage ids are an error.
func BuildIndex(records []Record) (*Index, error) {
	idx := newIndex()
	for _, r := range records {
		if _, dup := idx.byID[r.LineageID]; dup {
			return nil, fmt.Errorf("duplicate lineage id %q", r.LineageID)
		}
		idx.add(r)
	}
	return idx, nil
}

func (x *Index) add(r Record) {
	i := len(x.records)
	x.records = append(x.records, r)
	src, dst := r.Source(), r.Destination()
	x.noteLocation(src)
	x.noteLocation(dst)
	x.bySource[src] = append(x.bySource[src], i)
	x.byDest[dst] = append(x.byDest[dst], i)
	x.byID[r.LineageID] = i
}

func (x *Index) noteLocation(n Node) {
	if _, seen := x.nodes[n]; seen {
		return
	}
	x.nodes[n] = struct{}{}
	x.byLocation[n.Location] = append(x.byLocation[n.Location], n)
}

// Len returns the number of records.
func (x *Index) Len() int { return len(x.records) }

// Get returns a copy of the record with the given id.
func (x *Index) Get(id string) (Record, bool) {
	i, ok := x.byID[id]
	if !ok {
		return Record{}, false
	}
	return x.records[i].Clone(), true
}

// Records returns copies of every record in append order.
func (x *Index) Records() []Record { return x.pick(nil) }

// BySource returns the records reading from n, in append order.
func (x *Index) BySource(n Node) []Record { return x.pick(x.bySource[n]) }

// ByDestination returns the records writing to n, in append order.
func (x *Index) ByDestination(n Node) []Record { return x.pick(x.byDest[n]) }

func (x *Index) pick(positions []int) []Record {
	if positions == nil {
		out := make([]Record, len(x.records))
		for i, r := range x.records {
			out[i] = r.Clone()
		}
		return out
	}
	out := make([]Record, len(positions))
	for i, p := range positions {
		out[i] = x.records[p].Clone()
	}
	return out
}

// Nodes returns every distinct node, sorted.
func (x *Index) Nodes() []Node {
	nodes := make([]Node, 0, len(x.nodes))
	for n := range x.nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, compareNodes)
	return nodes
}

func compareNodes(a, b Node) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

// walk runs a breadth-first search over nodes starting at start. next maps
// a node to the positions of the records leaving it in the walk direction,
// and hop maps a record to the node reached through it. Each node is
// expanded at most once, so cycles terminate and every record is visited at
// most once.
func (x *Index) walk(start []Node, next map[Node][]int, hop func(Record) Node) []int {
	visited := make(map[Node]struct{}, len(start))
	queue := make([]Node, 0, len(start))
	for _, n := range start {
		if _, ok := visited[n]; !ok {
			visited[n] = struct{}{}
			queue = append(queue, n)
		}
	}

	var reached []int
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, p := range next[n] {
			reached = append(reached, p)
			to := hop(x.records[p])
			if _, ok := visited[to]; !ok {
				visited[to] = struct{}{}
				queue = append(queue, to)
			}
		}
	}
	slices.Sort(reached)
	return reached
}

// Ancestors returns every record upstream of the named record, in append
// order. The record itself is included only if it is reachable through a
// cycle.
func (x *Index) Ancestors(id string) ([]Record, error) {
	i, ok := x.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	start := []Node{x.records[i].Source()}
	return x.pick(nonNil(x.walk(start, x.byDest, Record.Source))), nil
}

// Descendants returns every record downstream of n, in append order.
func (x *Index) Descendants(n Node) []Record {
	return x.pick(nonNil(x.walk([]Node{n}, x.bySource, Record.Destination)))
}

func nonNil(p []int) []int {
	if p == nil {
		return []int{}
	}
	return p
}

// Impact is the downstream footprint of a location.
type Impact struct {
	Location             string   `json:"location"`
	AffectedDestinations []string `json:"affected_destinations"`
	AffectedRecords      []string `json:"affected_records"`
	AffectedTransforms   []string `json:"affected_transforms"`
	TotalRecordsImpacted int64    `json:"total_records_impacted"`
}

// ImpactAnalysis walks forward from every node at location, whatever its
// type. Result sets are sorted.
func (x *Index) ImpactAnalysis(location string) Impact {
	imp := Impact{
		Location:             location,
		AffectedDestinations: []string{},
		AffectedRecords:      []string{},
		AffectedTransforms:   []string{},
	}
	start := slices.Clone(x.byLocation[location])
	slices.SortFunc(start, compareNodes)

	dests := map[string]struct{}{}
	transforms := map[string]struct{}{}
	for _, p := range x.walk(start, x.bySource, Record.Destination) {
		r := x.records[p]
		imp.AffectedRecords = append(imp.AffectedRecords, r.LineageID)
		dests[r.DestinationLocation] = struct{}{}
		transforms[r.Transformation] = struct{}{}
		if r.OutputRecords != nil {
			imp.TotalRecordsImpacted += *r.OutputRecords
		}
	}
	imp.AffectedDestinations = sortedKeys(dests)
	imp.AffectedTransforms = sortedKeys(transforms)
	slices.Sort(imp.AffectedRecords)
	return imp
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Summary aggregates the graph in one pass.
type Summary struct {
	TotalRecords         int            `json:"total_records"`
	TotalInputRecords    int64          `json:"total_input_records"`
	TotalOutputRecords   int64          `json:"total_output_records"`
	TotalFilteredRecords int64          `json:"total_filtered_records"`
	DistinctSources      int            `json:"distinct_sources"`
	DistinctDestinations int            `json:"distinct_destinations"`
	DistinctNodes        int            `json:"distinct_nodes"`
	Transformations      map[string]int `json:"transformations"`
	Pipelines            map[string]int `json:"pipelines"`
}

func (x *Index) Summary() Summary {
	s := Summary{
		TotalRecords:    len(x.records),
		Transformations: map[string]int{},
		Pipelines:       map[string]int{},
	}
	for _, r := range x.records {
		if r.InputRecords != nil {
			s.TotalInputRecords += *r.InputRecords
		}
		if r.OutputRecords != nil {
			s.TotalOutputRecords += *r.OutputRecords
		}
		if r.RecordsFiltered != nil {
			s.TotalFilteredRecords += *r.RecordsFiltered
		}
		s.Transformations[r.Transformation]++
		s.Pipelines[r.PipelineID]++
	}
	s.DistinctSources = len(x.bySource)
	s.DistinctDestinations = len(x.byDest)
	s.DistinctNodes = len(x.nodes)
	return s
}

// Snapshot is a self-contained copy of the graph.
type Snapshot struct {
	Nodes []Node   `json:"nodes"`
	Edges []Record `json:"edges"`
}

// Snapshot deep-copies the index. Nothing in the result aliases it.
func (x *Index) Snapshot() Snapshot {
	return Snapshot{Nodes: x.Nodes(), Edges: x.Records()}
}

// Import rebuilds an index from a snapshot. Every edge endpoint must be
// listed among the snapshot's nodes.
func Import(s Snapshot) (*Index, error) {
	listed := make(map[Node]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		listed[n] = struct{}{}
	}
	records := make([]Record, len(s.Edges))
	for i, r := range s.Edges {
		if r.LineageID == "" {
			return nil, fmt.Errorf("edge %d: missing lineage_id", i)
		}
		for _, n := range []Node{r.Source(), r.Destination()} {
			if _, ok := listed[n]; !ok {
				return nil, fmt.Errorf("edge %d (%s): node %s not listed", i, r.LineageID, n)
			}
		}
		records[i] = r.Clone()
	}
	return BuildIndex(records)
}
