package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/agentxhq/agentrun/graph"
	"github.com/agentxhq/agentrun/types"
	"github.com/agentxhq/agentrun/utils"
)

type eventKind int

const (
	evDone eventKind = iota + 1
	evRetryReady
	evCancel
	evPause
	evForceFinalize
)

type event struct {
	kind    eventKind
	node    string
	attempt int
	output  types.Data
	branch  string
	err     error
}

type edgeResolution int

const (
	edgeUnresolved edgeResolution = iota
	edgeSatisfied
	edgeSkipped
	edgeDead
)

// run is one execution instance of a workflow graph. All bookkeeping is
// mutated only by the run's loop goroutine; the mutex exists so snapshot
// readers observe consistent state, never so another writer can sneak in.
type run struct {
	id       string
	parentID string
	engine   *Engine
	topo     *graph.Topology
	input    types.Data

	ctx    context.Context
	cancel context.CancelFunc

	events chan event
	done   chan struct{}

	mu         sync.Mutex
	status     types.RunStatus
	nodes      map[string]*types.NodeReport
	outputs    map[string]types.Data
	branches   map[string]string
	failedNode string
	runErr     error
	submitTime time.Time
	endTime    time.Time

	inFlight        int
	cancelRequested bool
	pauseRequested  bool
	failRunActive   bool
	forced          bool
	graceArmed      bool
}

func newRun(e *Engine, runID, parentID string, topo *graph.Topology, input types.Data, base context.Context) *run {
	if input == nil {
		input = types.Data{}
	}
	r := &run{
		id:         runID,
		parentID:   parentID,
		engine:     e,
		topo:       topo,
		input:      input,
		events:     make(chan event, 4*len(topo.NodeIDs())+16),
		done:       make(chan struct{}),
		status:     types.RunPending,
		nodes:      make(map[string]*types.NodeReport),
		outputs:    make(map[string]types.Data),
		branches:   make(map[string]string),
		submitTime: time.Now(),
	}
	r.ctx, r.cancel = context.WithCancel(base)
	for _, id := range topo.NodeIDs() {
		r.nodes[id] = &types.NodeReport{State: types.NodePending}
	}
	return r
}

// newRunFromSnapshot rebuilds a persisted, unfinished run. Succeeded nodes
// keep their outputs; everything else is rescheduled from Pending.
func newRunFromSnapshot(e *Engine, topo *graph.Topology, snap *types.RunSnapshot) *run {
	r := newRun(e, snap.RunID, snap.ParentRun, topo, snap.StartInput, e.ctx)
	r.submitTime = snap.SubmitTime

	for id, rep := range snap.Nodes {
		if _, exists := r.nodes[id]; !exists {
			continue
		}
		if rep.State == types.NodeSucceeded || rep.State == types.NodeSkipped {
			clone := *rep
			r.nodes[id] = &clone
		}
	}
	for id, out := range snap.Outputs {
		if r.nodes[id] != nil && r.nodes[id].State == types.NodeSucceeded {
			r.outputs[id] = out
		}
	}
	for id, branch := range snap.Branches {
		r.branches[id] = branch
	}
	return r
}

func (r *run) loop() {
	defer close(r.done)

	r.begin()
	r.persist()

	for !r.finished() {
		ev := <-r.events
		r.handle(ev)
		r.persist()
	}

	r.finalize()
	r.persist()
	// the persisted snapshot serves all later status reads; keeping the run
	// in memory would grow the engine with every run ever submitted
	r.engine.dropRun(r.id)
}

func (r *run) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = types.RunRunning
	// dependency-driven, but walking in topological order resolves restored
	// state (and skip cascades) in one pass
	for _, id := range r.topo.TopologicalOrder() {
		r.resolveNode(id)
	}
}

func (r *run) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.forced {
		return true
	}
	// every expected event (task completion or retry timer) holds an
	// inFlight token; zero means nothing will ever arrive again
	return r.inFlight == 0
}

func (r *run) handle(ev event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.kind {
	case evDone:
		r.inFlight--
		r.handleDone(ev)

	case evRetryReady:
		r.inFlight--
		if r.cancelRequested || r.failRunActive {
			return
		}
		r.dispatch(ev.node, ev.attempt+1)

	case evCancel:
		if r.cancelRequested {
			return
		}
		r.cancelRequested = true
		r.cancel()
		r.armGrace()

	case evPause:
		if r.pauseRequested {
			return
		}
		r.pauseRequested = true
		r.cancelRequested = true
		r.cancel()
		r.armGrace()

	case evForceFinalize:
		if r.inFlight > 0 {
			log.Warnf("run %s: grace timeout elapsed with %d node tasks in flight, disregarding their results", r.id, r.inFlight)
			r.forced = true
		}
	}
}

// armGrace bounds how long in-flight work gets to acknowledge cancellation.
func (r *run) armGrace() {
	if r.graceArmed {
		return
	}
	r.graceArmed = true
	time.AfterFunc(r.engine.opts.GraceTimeout, func() {
		r.emit(event{kind: evForceFinalize})
	})
}

func (r *run) handleDone(ev event) {
	rep := r.nodes[ev.node]
	rep.Attempts = ev.attempt

	if ev.err == nil {
		rep.State = types.NodeSucceeded
		rep.EndTime = time.Now()
		output := ev.output
		if output == nil {
			output = types.Data{}
		}
		r.outputs[ev.node] = output
		if ev.branch != "" {
			r.branches[ev.node] = ev.branch
		}
		log.Debugf("run %s: node %s succeeded after %d attempt(s)", r.id, ev.node, ev.attempt)
		r.resolveSuccessors(ev.node)
		return
	}

	kind := types.Classify(ev.err)
	rep.FailureKind = kind
	rep.Error = ev.err.Error()

	if kind == types.FailureCancelled {
		rep.State = types.NodeCancelled
		rep.EndTime = time.Now()
		r.resolveSuccessors(ev.node)
		return
	}

	node, _ := r.topo.Node(ev.node)
	policy := r.engine.retryPolicyFor(node)
	if kind.Retryable() && ev.attempt < policy.MaxAttempts && !r.cancelRequested && !r.failRunActive {
		rep.State = types.NodeRetrying
		delay := backoffDelay(policy, ev.attempt)
		log.Debugf("run %s: node %s attempt %d failed (%s), retrying in %v",
			r.id, ev.node, ev.attempt, kind, delay)
		r.inFlight++
		nodeID, attempt := ev.node, ev.attempt
		time.AfterFunc(delay, func() {
			r.emit(event{kind: evRetryReady, node: nodeID, attempt: attempt})
		})
		return
	}

	rep.State = types.NodeFailed
	rep.EndTime = time.Now()
	if r.failedNode == "" {
		r.failedNode = ev.node
		r.runErr = ev.err
	}
	log.Warnf("run %s: node %s failed terminally: %v", r.id, ev.node, ev.err)

	if node.OnFailure == types.FailRun {
		r.failRunActive = true
		r.cancel()
		r.armGrace()
	}
	r.resolveSuccessors(ev.node)
}

// resolveSuccessors walks the skip/cancel/readiness cascade from a node
// that just reached a terminal state. Callers hold r.mu.
func (r *run) resolveSuccessors(id string) {
	worklist := r.topo.Successors(id)
	for len(worklist) > 0 {
		next := worklist[0]
		worklist = worklist[1:]
		if r.resolveNode(next) && r.nodes[next].State.Terminal() {
			worklist = append(worklist, r.topo.Successors(next)...)
		}
	}
}

// resolveNode decides a Pending node's fate from its inbound edges and
// reports whether its state changed. Callers hold r.mu.
func (r *run) resolveNode(id string) bool {
	rep := r.nodes[id]
	if rep.State != types.NodePending {
		return false
	}

	var unresolved, satisfied, skipped, dead int
	for _, e := range r.topo.InEdges(id) {
		switch r.edgeResolution(e) {
		case edgeUnresolved:
			unresolved++
		case edgeSatisfied:
			satisfied++
		case edgeSkipped:
			skipped++
		case edgeDead:
			dead++
		}
	}

	node, _ := r.topo.Node(id)
	if node.Kind == types.NodeJoin {
		return r.resolveJoin(id, joinPolicyOf(node), unresolved, satisfied, dead)
	}

	// non-join: a dead predecessor cancels immediately (fail-fast for the
	// branch); skips wait for full resolution so a racing predecessor
	// cannot be lost
	if dead > 0 {
		r.markResolved(id, types.NodeCancelled)
		return true
	}
	if unresolved > 0 {
		return false
	}
	if skipped > 0 {
		r.markResolved(id, types.NodeSkipped)
		return true
	}
	r.dispatch(id, 1)
	return true
}

func (r *run) resolveJoin(id string, policy types.JoinPolicy, unresolved, satisfied, dead int) bool {
	if unresolved > 0 {
		return false
	}
	switch {
	case policy == types.JoinAll && dead == 0 && satisfied == len(r.topo.InEdges(id)):
		r.dispatch(id, 1)
	case policy == types.JoinAny && satisfied > 0:
		r.dispatch(id, 1)
	case dead > 0:
		r.markResolved(id, types.NodeCancelled)
	default:
		r.markResolved(id, types.NodeSkipped)
	}
	return true
}

func joinPolicyOf(node *types.Node) types.JoinPolicy {
	if node.Join != nil && node.Join.Policy == types.JoinAll {
		return types.JoinAll
	}
	return types.JoinAny
}

func (r *run) markResolved(id string, state types.NodeState) {
	rep := r.nodes[id]
	rep.State = state
	rep.EndTime = time.Now()
	if state == types.NodeCancelled {
		rep.FailureKind = types.FailureCancelled
	}
}

func (r *run) edgeResolution(e *types.Edge) edgeResolution {
	switch r.nodes[e.From].State {
	case types.NodeSucceeded:
		src, _ := r.topo.Node(e.From)
		if src.Kind == types.NodeCondition && isBranchSlot(e.FromSlot) && e.FromSlot != r.branches[e.From] {
			return edgeSkipped
		}
		return edgeSatisfied
	case types.NodeSkipped:
		return edgeSkipped
	case types.NodeFailed, types.NodeCancelled:
		return edgeDead
	}
	return edgeUnresolved
}

func isBranchSlot(slot string) bool {
	return slot == types.BranchTrue || slot == types.BranchFalse
}

// dispatch moves a node to Ready and hands its task to the shared worker
// pool, which queues FIFO by readiness time and enforces the global cap.
// Delegation tasks get their own goroutine: they park waiting on a child
// run whose nodes need the pool's workers. Callers hold r.mu.
func (r *run) dispatch(id string, attempt int) {
	if r.cancelRequested || r.failRunActive {
		return
	}

	rep := r.nodes[id]
	rep.State = types.NodeReady
	if attempt == 1 {
		rep.ReadyTime = time.Now()
	}

	input := r.assembleInput(id)
	node, _ := r.topo.Node(id)
	r.inFlight++

	task := func() { r.execute(node, attempt, input) }
	if node.Kind == types.NodeDelegation {
		go task()
	} else {
		r.engine.wp.Submit(task)
	}
}

// assembleInput builds a node's input from its satisfied inbound edges.
// The start node receives the run's submission payload. Callers hold r.mu.
func (r *run) assembleInput(id string) types.Data {
	if id == r.topo.Graph().Start {
		return r.input.Clone()
	}

	input := types.Data{}
	for _, e := range r.topo.InEdges(id) {
		if e.ControlOnly || r.edgeResolution(e) != edgeSatisfied {
			continue
		}
		output := r.outputs[e.From]

		// whole-map delivery: unslotted edges and condition pass-through
		src, _ := r.topo.Node(e.From)
		if e.FromSlot == "" || (src.Kind == types.NodeCondition && isBranchSlot(e.FromSlot)) {
			if e.ToSlot == "" {
				input.Merge(output)
			} else {
				input.Set(e.ToSlot, map[string]any(output))
			}
			continue
		}

		value := output[e.FromSlot]
		if e.ToSlot == "" {
			input.Set(e.FromSlot, value)
		} else {
			input.Set(e.ToSlot, value)
		}
	}
	return input
}

// execute runs on a pool worker (or its own goroutine for delegation).
// It only reads run state through the guarded accessors and reports back
// through the event channel.
func (r *run) execute(node *types.Node, attempt int, input types.Data) {
	if !r.beginNode(node.ID, attempt) {
		r.emit(event{kind: evDone, node: node.ID, attempt: attempt,
			err: types.NewCancelledErrorf("run cancelled before node started")})
		return
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = r.engine.opts.DefaultNodeTimeout
	}
	nodeCtx, cancelNode := context.WithTimeout(r.ctx, timeout)
	defer cancelNode()

	nc := &nodeContext{Context: nodeCtx, runID: r.id, nodeID: node.ID, attempt: attempt}
	result, err := r.engine.executeNode(nc, r, node, input)
	// raw errors surfacing while the attempt's context died are interpreted
	// by the context's fate; handlers that classified their error keep it
	if err != nil && !types.IsClassified(err) {
		switch {
		case r.ctx.Err() != nil:
			err = types.NewCancelledError(r.ctx.Err())
		case nodeCtx.Err() == context.DeadlineExceeded:
			err = types.NewTimeoutError(errors.Annotatef(err, "node %s exceeded %v", node.ID, timeout))
		}
	}
	r.emit(event{kind: evDone, node: node.ID, attempt: attempt,
		output: result.output, branch: result.branch, err: err})
}

// beginNode transitions Ready->Running unless the run is already being
// torn down. The transition happens under the run lock, preserving the
// single-writer discipline for snapshot readers.
func (r *run) beginNode(id string, attempt int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelRequested || r.failRunActive {
		return false
	}
	rep := r.nodes[id]
	rep.State = types.NodeRunning
	rep.StartTime = time.Now()
	rep.Attempts = attempt
	return true
}

func (r *run) setChildRun(nodeID, childRunID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID].ChildRunID = childRunID
}

func (r *run) setPartialOutputs(nodeID string, outputs map[string]types.Data) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[nodeID].PartialOutputs = outputs
}

// emit delivers an event unless the loop has already exited; results
// arriving after a force-finalize are disregarded by design of the grace
// timeout contract.
func (r *run) emit(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *run) requestCancel() {
	r.emit(event{kind: evCancel})
}

func (r *run) requestPause() {
	r.emit(event{kind: evPause})
}

func (r *run) finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pauseRequested {
		for _, rep := range r.nodes {
			if !rep.State.Terminal() {
				r.markResolvedReport(rep, types.NodeCancelled)
			}
		}
	}

	switch {
	case r.pauseRequested:
		r.status = types.RunPaused
	case r.cancelRequested:
		r.status = types.RunCancelled
	case r.failedNode != "":
		r.status = types.RunFailed
	case r.ctx.Err() != nil:
		// cancelled from above: a parent run's cascade or engine shutdown
		r.status = types.RunCancelled
	default:
		r.status = types.RunSucceeded
	}
	if r.status != types.RunPaused {
		r.endTime = time.Now()
	}
	log.Infof("run %s: %s", r.id, r.status)
}

func (r *run) markResolvedReport(rep *types.NodeReport, state types.NodeState) {
	rep.State = state
	rep.EndTime = time.Now()
	if state == types.NodeCancelled {
		rep.FailureKind = types.FailureCancelled
	}
}

// snapshot copies the run's state into an immutable view for callers.
func (r *run) snapshot() *types.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &types.RunSnapshot{
		RunID:      r.id,
		Graph:      r.topo.Graph().Name,
		ParentRun:  r.parentID,
		Status:     r.status,
		SubmitTime: r.submitTime,
		EndTime:    r.endTime,
		Nodes:      make(map[string]*types.NodeReport, len(r.nodes)),
		Outputs:    make(map[string]types.Data, len(r.outputs)),
		Branches:   make(map[string]string, len(r.branches)),
		FailedNode: r.failedNode,
		StartInput: r.input.Clone(),
	}
	for id, rep := range r.nodes {
		clone := *rep
		snap.Nodes[id] = &clone
	}
	for id, out := range r.outputs {
		snap.Outputs[id] = out.Clone()
	}
	for id, branch := range r.branches {
		snap.Branches[id] = branch
	}
	if r.runErr != nil {
		snap.Error = r.runErr.Error()
	}
	return snap
}

func (r *run) persist() {
	b, err := utils.Serialize(r.snapshot())
	if err != nil {
		log.Errorf("run %s: encode snapshot: %v", r.id, err)
		return
	}
	if err := r.engine.store.Set(context.Background(), RunPath, r.id, b); err != nil {
		log.Errorf("run %s: persist snapshot: %v", r.id, err)
	}
}
