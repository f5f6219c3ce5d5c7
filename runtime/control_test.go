package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentxhq/agentrun/store/mem"
	"github.com/agentxhq/agentrun/types"
)

type blockingFixture struct {
	started chan struct{}
	release chan struct{}

	trigger     int
	sawCancel   bool
	downstreams int
}

func newBlockingFixture() *blockingFixture {
	return &blockingFixture{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *blockingFixture) block(ctx types.Context, input types.Data) (types.Data, error) {
	f.trigger++
	close(f.started)
	select {
	case <-ctx.Done():
		f.sawCancel = true
		return nil, ctx.Err()
	case <-f.release:
		return input, nil
	}
}

func (f *blockingFixture) after(ctx types.Context, input types.Data) (types.Data, error) {
	f.downstreams++
	return input, nil
}

func blockingGraph() *types.WorkflowGraph {
	return &types.WorkflowGraph{
		Name:  "blocking",
		Start: "b",
		Nodes: []*types.Node{agentNode("b", "block"), agentNode("after", "after")},
		Edges: []*types.Edge{edge("b", "after")},
	}
}

func TestCancelRun(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	f := newBlockingFixture()
	assert.Nil(t, e.RegisterAgentHandler("block", f.block))
	assert.Nil(t, e.RegisterAgentHandler("after", f.after))
	assert.Nil(t, e.RegisterGraph(blockingGraph()))

	runID, err := e.SubmitRun(context.Background(), "blocking", types.Data{})
	assert.Nil(t, err)

	<-f.started
	assert.Nil(t, e.CancelRun(context.Background(), runID))
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunCancelled, snap.Status)
	assert.True(t, f.sawCancel)
	assert.Equal(t, 0, f.downstreams)
	assert.Equal(t, types.NodeCancelled, snap.Nodes["b"].State)
	assert.Equal(t, types.NodeCancelled, snap.Nodes["after"].State)
	assertAllTerminal(t, snap)

	assert.NotNil(t, e.CancelRun(context.Background(), "no-such-run"))
}

func TestGraceTimeoutForcesFinalize(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	// this handler ignores cancellation entirely
	stuck := make(chan struct{})
	started := make(chan struct{})
	assert.Nil(t, e.RegisterAgentHandler("stubborn", func(ctx types.Context, input types.Data) (types.Data, error) {
		close(started)
		<-stuck
		return input, nil
	}))
	assert.Nil(t, e.RegisterGraph(&types.WorkflowGraph{
		Name: "stubborn", Start: "s", Nodes: []*types.Node{agentNode("s", "stubborn")},
	}))

	runID, err := e.SubmitRun(context.Background(), "stubborn", types.Data{})
	assert.Nil(t, err)
	<-started

	begin := time.Now()
	assert.Nil(t, e.CancelRun(context.Background(), runID))
	snap := waitRun(t, e, runID)

	// finalized by the grace timer, not by the handler returning
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Equal(t, types.RunCancelled, snap.Status)
	assertAllTerminal(t, snap)

	close(stuck)
}

type branchFailFixture struct {
	leftTrigger  int
	rightTrigger int
	tailTrigger  int

	rightStarted chan struct{}
	rightRelease chan struct{}
}

func (f *branchFailFixture) boom(ctx types.Context, input types.Data) (types.Data, error) {
	f.leftTrigger++
	return nil, types.NewPermanentErrorf("left branch broke")
}

func (f *branchFailFixture) right(ctx types.Context, input types.Data) (types.Data, error) {
	close(f.rightStarted)
	select {
	case <-f.rightRelease:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.rightTrigger++
	return types.Data{"right": "done"}, nil
}

func (f *branchFailFixture) tail(ctx types.Context, input types.Data) (types.Data, error) {
	f.tailTrigger++
	return input, nil
}

func branchGraph(onFailure types.FailurePolicy) *types.WorkflowGraph {
	boom := agentNode("boom", "boom")
	boom.OnFailure = onFailure
	return &types.WorkflowGraph{
		Name:  "branches",
		Start: "s",
		Nodes: []*types.Node{
			agentNode("s", "pass"),
			boom,
			agentNode("boomtail", "tail"),
			agentNode("right", "right"),
		},
		Edges: []*types.Edge{
			edge("s", "boom"), edge("s", "right"),
			edge("boom", "boomtail"),
		},
	}
}

func registerBranchFixture(t *testing.T, e *Engine, f *branchFailFixture) {
	assert.Nil(t, e.RegisterAgentHandler("pass", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))
	assert.Nil(t, e.RegisterAgentHandler("boom", f.boom))
	assert.Nil(t, e.RegisterAgentHandler("right", f.right))
	assert.Nil(t, e.RegisterAgentHandler("tail", f.tail))
}

func TestFailureBranchPolicy(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	f := &branchFailFixture{rightStarted: make(chan struct{}), rightRelease: make(chan struct{})}
	registerBranchFixture(t, e, f)
	assert.Nil(t, e.RegisterGraph(branchGraph(types.FailBranch)))

	runID, err := e.SubmitRun(context.Background(), "branches", types.Data{})
	assert.Nil(t, err)

	// let the independent branch finish after the failure already landed
	<-f.rightStarted
	close(f.rightRelease)
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunFailed, snap.Status)
	assert.Equal(t, "boom", snap.FailedNode)
	// descendants of the failed node are cancelled, the sibling ran to
	// completion and kept its output
	assert.Equal(t, types.NodeCancelled, snap.Nodes["boomtail"].State)
	assert.Equal(t, 0, f.tailTrigger)
	assert.Equal(t, types.NodeSucceeded, snap.Nodes["right"].State)
	assert.Equal(t, 1, f.rightTrigger)
	rightOut := snap.Outputs["right"]
	v, _ := rightOut.GetString("right")
	assert.Equal(t, "done", v)
	assertAllTerminal(t, snap)
}

func TestFailureRunPolicy(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	f := &branchFailFixture{rightStarted: make(chan struct{}), rightRelease: make(chan struct{})}
	registerBranchFixture(t, e, f)
	assert.Nil(t, e.RegisterGraph(branchGraph(types.FailRun)))

	runID, err := e.SubmitRun(context.Background(), "branches", types.Data{})
	assert.Nil(t, err)

	// the sibling branch blocks until cancelled by the run-level failure
	<-f.rightStarted
	snap := waitRun(t, e, runID)

	assert.Equal(t, types.RunFailed, snap.Status)
	assert.Equal(t, "boom", snap.FailedNode)
	assert.Equal(t, types.NodeCancelled, snap.Nodes["right"].State)
	assert.Equal(t, 0, f.rightTrigger)
	assert.Equal(t, 0, f.tailTrigger)
	assertAllTerminal(t, snap)
}

func TestCloseAndReload(t *testing.T) {
	st := mem.NewMemStore()
	e := newTestEngine(st)

	f := &chainFixture{t: t}
	trap := make(chan struct{})
	started := make(chan struct{})
	// node2 parks until the engine shuts down under it
	assert.Nil(t, e.RegisterAgentHandler("node1", f.node1))
	assert.Nil(t, e.RegisterAgentHandler("node2", func(ctx types.Context, input types.Data) (types.Data, error) {
		close(started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-trap:
			return f.node2(ctx, input)
		}
	}))
	assert.Nil(t, e.RegisterAgentHandler("node3", f.node3))
	assert.Nil(t, e.RegisterGraph(chainGraph()))

	input := types.Data{}
	input.Set("seed", "show me the money")
	runID, err := e.SubmitRun(context.Background(), "chain", input)
	assert.Nil(t, err)

	<-started
	assert.Nil(t, e.Close(context.Background()))
	assert.Equal(t, 1, f.n1Trigger)
	assert.Equal(t, 0, f.n2Trigger)

	snap, err := e.GetStatus(context.Background(), runID)
	assert.Nil(t, err)
	assert.Equal(t, types.RunPaused, snap.Status)

	// a closed engine refuses new work
	_, err = e.SubmitRun(context.Background(), "chain", input)
	assert.NotNil(t, err)

	// a fresh engine over the same store resumes where the run left off:
	// node1's output is reused, node2 and node3 run to completion
	f2 := &chainFixture{t: t}
	e2 := newTestEngine(st)
	defer e2.Close(context.Background())
	assert.Nil(t, e2.RegisterAgentHandler("node1", f2.node1))
	assert.Nil(t, e2.RegisterAgentHandler("node2", f2.node2))
	assert.Nil(t, e2.RegisterAgentHandler("node3", f2.node3))
	assert.Nil(t, e2.RegisterGraph(chainGraph()))

	errs, err := e2.ReloadRuns(context.Background())
	assert.Nil(t, err)
	assert.Nil(t, errs)

	snap = waitRun(t, e2, runID)
	assert.Equal(t, types.RunSucceeded, snap.Status)
	assert.Equal(t, 0, f2.n1Trigger)
	assert.Equal(t, 1, f2.n2Trigger)
	assert.Equal(t, 1, f2.n3Trigger)
	assertAllTerminal(t, snap)
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	_, err := e.SubmitRun(context.Background(), "ghost", types.Data{})
	assert.NotNil(t, err)

	_, err = e.SubmitGraph(context.Background(), &types.WorkflowGraph{Name: "bad", Start: "missing"}, types.Data{})
	assert.NotNil(t, err)

	_, err = e.GetStatus(context.Background(), "no-such-run")
	assert.NotNil(t, err)

	assert.Nil(t, e.RegisterGraph(chainGraph()))
	assert.NotNil(t, e.RegisterGraph(chainGraph()))
	assert.Contains(t, e.ListGraphNames(), "chain")

	assert.NotNil(t, e.RegisterAgentHandler("nil-handler", nil))
	assert.Nil(t, e.RegisterAgentHandler("h", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))
	assert.NotNil(t, e.RegisterAgentHandler("h", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))
	assert.NotNil(t, e.RegisterPredicate("nil-pred", nil))
}

func TestSubmitGraphUnregistered(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	assert.Nil(t, e.RegisterAgentHandler("echo", func(ctx types.Context, input types.Data) (types.Data, error) {
		return input, nil
	}))

	runID, err := e.SubmitGraph(context.Background(), &types.WorkflowGraph{
		Name: "adhoc", Start: "a", Nodes: []*types.Node{agentNode("a", "echo")},
	}, types.Data{"k": "v"})
	assert.Nil(t, err)

	snap := waitRun(t, e, runID)
	assert.Equal(t, types.RunSucceeded, snap.Status)
	out := snap.Outputs["a"]
	v, _ := out.GetString("k")
	assert.Equal(t, "v", v)
}

func TestRenderRun(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Close(context.Background())

	f := &chainFixture{t: t}
	f.register(e)
	assert.Nil(t, e.RegisterGraph(chainGraph()))

	dot, err := e.RenderGraph("chain")
	assert.Nil(t, err)
	assert.Contains(t, dot, "digraph D {")

	input := types.Data{}
	input.Set("seed", "show me the money")
	runID, err := e.SubmitRun(context.Background(), "chain", input)
	assert.Nil(t, err)
	waitRun(t, e, runID)

	dot, err = e.RenderRun(context.Background(), runID)
	assert.Nil(t, err)
	assert.Contains(t, dot, `color="green"`)

	_, err = e.RenderGraph("ghost")
	assert.NotNil(t, err)
}
