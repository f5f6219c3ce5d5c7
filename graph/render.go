package graph

import (
	"fmt"
	"strings"

	"github.com/agentxhq/agentrun/types"
)

// RenderDOT draws the graph in Graphviz DOT form. When states is non-nil,
// nodes are colored by their execution state so a run in progress can be
// inspected visually.
func RenderDOT(t *Topology, states map[string]*types.NodeReport) string {
	r := &dotRenderer{states: states, sb: &strings.Builder{}}
	return r.generate(t)
}

type dotRenderer struct {
	states map[string]*types.NodeReport
	sb     *strings.Builder
}

func (d *dotRenderer) generate(t *Topology) string {
	d.write("digraph D {")
	for _, id := range t.NodeIDs() {
		n, _ := t.Node(id)
		d.drawNode(n)
	}
	for _, id := range t.NodeIDs() {
		for _, e := range t.OutEdges(id) {
			d.drawEdge(e)
		}
	}
	d.write("label=%s", quoteString(t.Graph().Name))
	d.write("}")
	return d.sb.String()
}

func (d *dotRenderer) drawNode(n *types.Node) {
	shape := "record"
	switch n.Kind {
	case types.NodeCondition:
		shape = "diamond"
	case types.NodeDelegation:
		shape = "box3d"
	case types.NodeJoin:
		shape = "circle"
	}
	d.write("%s [label=%s shape=\"%s\"%s]", idString(n.ID), quoteString(n.ID), shape, d.calcAttr(n.ID))
}

func (d *dotRenderer) calcAttr(id string) string {
	report, exists := d.states[id]
	if !exists {
		return ""
	}

	color := ""
	switch report.State {
	case types.NodePending, types.NodeReady:
		color = "white"
	case types.NodeRunning, types.NodeRetrying:
		color = "yellow"
	case types.NodeSucceeded:
		color = "green"
	case types.NodeSkipped, types.NodeCancelled:
		color = "gray"
	case types.NodeFailed:
		color = "red"
	}
	return fmt.Sprintf(" style=\"filled\" color=\"%s\"", color)
}

func (d *dotRenderer) drawEdge(e *types.Edge) {
	label := e.FromSlot
	if e.ControlOnly {
		label = "ctl"
	}
	if label == "" {
		d.write("%s -> %s", idString(e.From), idString(e.To))
		return
	}
	d.write("%s -> %s [label=%s]", idString(e.From), idString(e.To), quoteString(label))
}

func (d *dotRenderer) write(format string, args ...any) {
	fmt.Fprintf(d.sb, format, args...)
	d.sb.WriteString("\n")
}

func idString(s string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return "n_" + replacer.Replace(s)
}

func quoteString(s string) string {
	return fmt.Sprintf("%q", s)
}
