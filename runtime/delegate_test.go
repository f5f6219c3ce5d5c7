package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentxhq/agentrun/types"
)

type childFixture struct {
	t *testing.T

	prepTrigger int
	workTrigger int
	failWork    bool
}

func (f *childFixture) prep(ctx types.Context, input types.Data) (types.Data, error) {
	f.prepTrigger++
	amount, _ := input.GetInt("amount")
	return types.Data{"prepared": amount * 2}, nil
}

func (f *childFixture) work(ctx types.Context, input types.Data) (types.Data, error) {
	f.workTrigger++
	if f.failWork {
		return nil, types.NewPermanentErrorf("child work broke")
	}
	prepared, _ := input.GetInt("prepared")
	return types.Data{"result": prepared + 1}, nil
}

func childGraph() *types.WorkflowGraph {
	return &types.WorkflowGraph{
		Name:  "child",
		Start: "prep",
		Nodes: []*types.Node{agentNode("prep", "prep"), agentNode("work", "work")},
		Edges: []*types.Edge{edge("prep", "work")},
	}
}

func parentGraph(retry types.RetryPolicy) *types.WorkflowGraph {
	delegate := &types.Node{
		ID:    "delegate",
		Kind:  types.NodeDelegation,
		Retry: retry,
		Delegation: &types.DelegationSpec{
			Graph:     "child",
			InputMap:  map[string]string{"value": "amount"},
			OutputMap: map[string]string{"final": "work.result"},
		},
	}
	return &types.WorkflowGraph{
		Name:  "parent",
		Start: "front",
		Nodes: []*types.Node{agentNode("front", "front"), delegate, agentNode("back", "back")},
		Edges: []*types.Edge{edge("front", "delegate"), edge("delegate", "back")},
	}
}

func registerDelegationFixture(t *testing.T, e *Engine, f *childFixture) {
	assert.Nil(t, e.RegisterAgentHandler("front", func(ctx types.Context, input types.Data) (types.Data, error) {
		input.Set("value", 10)
		return input, nil
	}))
	assert.Nil(t, e.RegisterAgentHandler("back", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))
	assert.Nil(t, e.RegisterAgentHandler("prep", f.prep))
	assert.Nil(t, e.RegisterAgentHandler("work", f.work))
	assert.Nil(t, e.RegisterGraph(childGraph()))
	assert.Nil(t, e.RegisterGraph(parentGraph(types.RetryPolicy{MaxAttempts: 3})))
}

func TestDelegationSuccess(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	f := &childFixture{t: t}
	registerDelegationFixture(t, e, f)

	runID, err := e.SubmitRun(context.Background(), "parent", types.Data{})
	assert.Nil(t, err)
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunSucceeded, snap.Status)
	assert.Equal(t, 1, f.prepTrigger)
	assert.Equal(t, 1, f.workTrigger)

	// InputMap fed value->amount, OutputMap pulled work.result->final
	out := snap.Outputs["delegate"]
	final, _ := out.GetInt("final")
	assert.Equal(t, 21, final)

	// the child is a full run of its own, linked back to the parent
	childID := snap.Nodes["delegate"].ChildRunID
	assert.NotEmpty(t, childID)
	childSnap, err := e.GetStatus(context.Background(), childID)
	assert.Nil(t, err)
	assert.Equal(t, types.RunSucceeded, childSnap.Status)
	assert.Equal(t, runID, childSnap.ParentRun)
	assert.Empty(t, snap.ParentRun)
}

func TestDelegationChildFailure(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	f := &childFixture{t: t, failWork: true}
	registerDelegationFixture(t, e, f)

	runID, err := e.SubmitRun(context.Background(), "parent", types.Data{})
	assert.Nil(t, err)
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunFailed, snap.Status)
	assert.Equal(t, "delegate", snap.FailedNode)

	// a failed child is never re-run: the parent node fails permanently on
	// the first attempt even with retry budget left
	rep := snap.Nodes["delegate"]
	assert.Equal(t, 1, rep.Attempts)
	assert.Equal(t, types.FailurePermanent, rep.FailureKind)
	assert.Equal(t, 1, f.prepTrigger)
	assert.Equal(t, 1, f.workTrigger)
	assert.Contains(t, rep.Error, "child work broke")

	// the child's succeeded nodes surface as partial outputs
	assert.NotNil(t, rep.PartialOutputs)
	prepOut := rep.PartialOutputs["prep"]
	prepared, _ := prepOut.GetInt("prepared")
	assert.Equal(t, 20, prepared)

	assert.Equal(t, types.NodeCancelled, snap.Nodes["back"].State)
}

func TestDelegationUnknownGraph(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	assert.Nil(t, e.RegisterAgentHandler("front", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))
	g := &types.WorkflowGraph{
		Name:  "orphan",
		Start: "front",
		Nodes: []*types.Node{
			agentNode("front", "front"),
			{ID: "delegate", Kind: types.NodeDelegation, Delegation: &types.DelegationSpec{Graph: "never-registered"}},
		},
		Edges: []*types.Edge{edge("front", "delegate")},
	}
	assert.Nil(t, e.RegisterGraph(g))

	runID, err := e.SubmitRun(context.Background(), "orphan", types.Data{})
	assert.Nil(t, err)
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunFailed, snap.Status)
	assert.Equal(t, types.FailurePermanent, snap.Nodes["delegate"].FailureKind)
}

func TestDelegationCancelCascades(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	started := make(chan struct{})
	assert.Nil(t, e.RegisterAgentHandler("front", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))
	assert.Nil(t, e.RegisterAgentHandler("hang", func(ctx types.Context, input types.Data) (types.Data, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	assert.Nil(t, e.RegisterGraph(&types.WorkflowGraph{
		Name: "slowchild", Start: "hang", Nodes: []*types.Node{agentNode("hang", "hang")},
	}))
	assert.Nil(t, e.RegisterGraph(&types.WorkflowGraph{
		Name:  "cascading",
		Start: "front",
		Nodes: []*types.Node{
			agentNode("front", "front"),
			{ID: "delegate", Kind: types.NodeDelegation, Delegation: &types.DelegationSpec{Graph: "slowchild"}},
		},
		Edges: []*types.Edge{edge("front", "delegate")},
	}))

	runID, err := e.SubmitRun(context.Background(), "cascading", types.Data{})
	assert.Nil(t, err)

	// cancelling the parent reaches the child's node through the run
	// context chain
	<-started
	assert.Nil(t, e.CancelRun(context.Background(), runID))
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunCancelled, snap.Status)
	childID := snap.Nodes["delegate"].ChildRunID
	assert.NotEmpty(t, childID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	childSnap, err := e.WaitRun(ctx, childID)
	assert.Nil(t, err)
	assert.Equal(t, types.RunCancelled, childSnap.Status)
}
