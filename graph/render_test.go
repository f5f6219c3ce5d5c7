package graph

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentxhq/agentrun/types"
)

func TestRenderDOT(t *testing.T) {
	g := &types.WorkflowGraph{
		Name:  "render-demo",
		Start: "start",
		Nodes: []*types.Node{
			agentNode("start"),
			{ID: "cond", Kind: types.NodeCondition, Condition: &types.ConditionSpec{Predicate: "p"}},
			{ID: "child", Kind: types.NodeDelegation, Delegation: &types.DelegationSpec{Graph: "sub"}},
			{ID: "merge", Kind: types.NodeJoin},
		},
		Edges: []*types.Edge{
			{From: "start", To: "cond"},
			{From: "cond", FromSlot: types.BranchTrue, To: "child"},
			{From: "cond", FromSlot: types.BranchFalse, To: "merge"},
			{From: "child", To: "merge", ControlOnly: true},
		},
	}
	topo, err := Build(g)
	assert.Nil(t, err)

	dot := RenderDOT(topo, nil)
	fmt.Printf("%s\n", dot)

	assert.True(t, strings.HasPrefix(dot, "digraph D {"))
	assert.Contains(t, dot, `shape="diamond"`)
	assert.Contains(t, dot, `shape="box3d"`)
	assert.Contains(t, dot, `shape="circle"`)
	assert.Contains(t, dot, `label="true"`)
	assert.Contains(t, dot, `label="ctl"`)
	assert.Contains(t, dot, `label="render-demo"`)
	// no state map, no fill colors
	assert.NotContains(t, dot, "filled")
}

func TestRenderDOTWithStates(t *testing.T) {
	topo, err := Build(diamondGraph())
	assert.Nil(t, err)

	states := map[string]*types.NodeReport{
		"a": {State: types.NodeSucceeded},
		"b": {State: types.NodeRunning},
		"c": {State: types.NodeFailed},
		"d": {State: types.NodeCancelled},
	}
	dot := RenderDOT(topo, states)
	assert.Contains(t, dot, `color="green"`)
	assert.Contains(t, dot, `color="yellow"`)
	assert.Contains(t, dot, `color="red"`)
	assert.Contains(t, dot, `color="gray"`)
}
