// Package graph validates compiled workflow artifacts and answers the
// structural queries the scheduler needs: successors, predecessors and a
// deterministic topological order.
package graph

import (
	"sort"

	"github.com/agentxhq/agentrun/types"
)

// Topology is the validated, indexed view of one WorkflowGraph. It is
// immutable after Build and shared read-only by every run of the graph.
type Topology struct {
	graph *types.WorkflowGraph

	nodes map[string]*types.Node
	out   map[string][]*types.Edge
	in    map[string][]*types.Edge
	order []string
}

// Build validates g and returns its topology. On a malformed graph the
// returned error is a *types.GraphError listing every defect found.
func Build(g *types.WorkflowGraph) (*Topology, error) {
	t := &Topology{
		graph: g,
		nodes: make(map[string]*types.Node, len(g.Nodes)),
		out:   make(map[string][]*types.Edge),
		in:    make(map[string][]*types.Edge),
	}
	gerr := types.NewGraphError(g.Name)

	for _, n := range g.Nodes {
		if n.ID == "" {
			gerr.Add("node with empty id")
			continue
		}
		if _, exists := t.nodes[n.ID]; exists {
			gerr.Add("duplicate node id %q", n.ID)
			continue
		}
		if !validKind(n) {
			gerr.Add("node %q: kind %q lacks its spec or is unknown", n.ID, n.Kind)
		}
		t.nodes[n.ID] = n
	}

	for _, e := range g.Edges {
		t.checkEdge(e, gerr)
		t.out[e.From] = append(t.out[e.From], e)
		t.in[e.To] = append(t.in[e.To], e)
	}

	if g.Start == "" {
		gerr.Add("no start node declared")
	} else if _, exists := t.nodes[g.Start]; !exists {
		gerr.Add("start node %q not declared", g.Start)
	} else if len(t.in[g.Start]) > 0 {
		gerr.Add("start node %q has inbound edges", g.Start)
	}

	if gerr.HasDetails() {
		return nil, gerr
	}

	order, ok := t.topoSort()
	if !ok {
		gerr.Add("graph contains a cycle")
		return nil, gerr
	}
	t.order = order

	for _, id := range t.unreachable() {
		gerr.Add("node %q unreachable from start", id)
	}
	if gerr.HasDetails() {
		return nil, gerr
	}
	return t, nil
}

func validKind(n *types.Node) bool {
	switch n.Kind {
	case types.NodeAgent:
		return n.Agent != nil && n.Agent.Handler != ""
	case types.NodeTool:
		return n.Tool != nil && n.Tool.Connector != ""
	case types.NodeRetrieval:
		return n.Retrieval != nil && len(n.Retrieval.Sources) > 0 && n.Retrieval.TopK > 0
	case types.NodeCondition:
		return n.Condition != nil && n.Condition.Predicate != ""
	case types.NodeDelegation:
		return n.Delegation != nil && n.Delegation.Graph != ""
	case types.NodeJoin:
		return true
	}
	return false
}

func (t *Topology) checkEdge(e *types.Edge, gerr *types.GraphError) {
	from, fromOK := t.nodes[e.From]
	if !fromOK {
		gerr.Add("edge references undeclared node %q", e.From)
	}
	to, toOK := t.nodes[e.To]
	if !toOK {
		gerr.Add("edge references undeclared node %q", e.To)
	}
	if !fromOK || !toOK || e.ControlOnly {
		return
	}

	if from.Kind == types.NodeCondition {
		if e.FromSlot != types.BranchTrue && e.FromSlot != types.BranchFalse {
			gerr.Add("edge %s->%s: condition edges must leave slot %q or %q",
				e.From, e.To, types.BranchTrue, types.BranchFalse)
		}
	} else if e.FromSlot != "" && !hasSlot(from.Outputs, e.FromSlot) {
		gerr.Add("edge %s->%s: undeclared output slot %q", e.From, e.To, e.FromSlot)
	}
	if e.ToSlot != "" && !hasSlot(to.Inputs, e.ToSlot) {
		gerr.Add("edge %s->%s: undeclared input slot %q", e.From, e.To, e.ToSlot)
	}
}

func hasSlot(slots []string, name string) bool {
	for _, s := range slots {
		if s == name {
			return true
		}
	}
	return false
}

// topoSort runs Kahn's algorithm, breaking ties by ascending node id so the
// order is deterministic. Returns false when a cycle remains.
func (t *Topology) topoSort() ([]string, bool) {
	indegree := make(map[string]int, len(t.nodes))
	for id := range t.nodes {
		indegree[id] = len(t.in[id])
	}

	ready := make([]string, 0, len(t.nodes))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(t.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := make([]string, 0, len(t.out[id]))
		for _, e := range t.out[id] {
			if indegree[e.To]--; indegree[e.To] == 0 {
				released = append(released, e.To)
			}
		}
		sort.Strings(released)
		ready = mergeSorted(ready, released)
	}
	return order, len(order) == len(t.nodes)
}

func mergeSorted(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	return append(merged, b[j:]...)
}

func (t *Topology) unreachable() []string {
	seen := map[string]bool{t.graph.Start: true}
	queue := []string{t.graph.Start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range t.out[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	missing := make([]string, 0)
	for id := range t.nodes {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// Validate checks g without keeping the topology around.
func Validate(g *types.WorkflowGraph) error {
	_, err := Build(g)
	return err
}

func (t *Topology) Graph() *types.WorkflowGraph {
	return t.graph
}

func (t *Topology) Node(id string) (*types.Node, bool) {
	n, exists := t.nodes[id]
	return n, exists
}

func (t *Topology) NodeIDs() []string {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Successors returns the distinct successor node ids of id, ascending.
func (t *Topology) Successors(id string) []string {
	return edgePeers(t.out[id], func(e *types.Edge) string { return e.To })
}

// Predecessors returns the distinct predecessor node ids of id, ascending.
func (t *Topology) Predecessors(id string) []string {
	return edgePeers(t.in[id], func(e *types.Edge) string { return e.From })
}

func edgePeers(edges []*types.Edge, pick func(*types.Edge) string) []string {
	seen := make(map[string]bool, len(edges))
	peers := make([]string, 0, len(edges))
	for _, e := range edges {
		id := pick(e)
		if !seen[id] {
			seen[id] = true
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

func (t *Topology) OutEdges(id string) []*types.Edge {
	return t.out[id]
}

func (t *Topology) InEdges(id string) []*types.Edge {
	return t.in[id]
}

// TopologicalOrder is used for diagnostics and deterministic reporting, not
// for sequential execution: the scheduler is dependency-driven.
func (t *Topology) TopologicalOrder() []string {
	return t.order
}
