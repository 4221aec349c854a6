package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/provtrail/provtrail/internal/lineage"
)

var nodeShapes = map[string]string{
	lineage.TypeDatabase: "cylinder",
	lineage.TypeStream:   "cds",
	lineage.TypeAPI:      "component",
	lineage.TypeMemory:   "ellipse",
}

// WriteDOT renders a snapshot as a Graphviz digraph. Nodes are written in
// snapshot order (sorted) and edges in append order, one per record.
func WriteDOT(w io.Writer, s lineage.Snapshot) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph lineage {")
	fmt.Fprintln(bw, "  rankdir=LR;")
	fmt.Fprintln(bw, `  node [shape=box, fontname="Helvetica"];`)
	for _, n := range s.Nodes {
		shape := nodeShapes[n.Type]
		if shape == "" {
			shape = "box"
		}
		fmt.Fprintf(bw, "  %s [label=%s, shape=%s];\n", quote(n.String()), quote(n.Location+"\n("+n.Type+")"), shape)
	}
	for _, r := range s.Edges {
		label := r.Transformation
		if r.OutputRecords != nil {
			label = fmt.Sprintf("%s (%d)", label, *r.OutputRecords)
		}
		fmt.Fprintf(bw, "  %s -> %s [label=%s];\n", quote(r.Source().String()), quote(r.Destination().String()), quote(label))
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
