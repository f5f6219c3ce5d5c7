// Package runtime executes compiled workflow graphs: it schedules ready
// nodes onto a shared worker pool, enforces retry/timeout/failure policy,
// and delegates to child runs for multi-agent composition.
package runtime

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/agentxhq/agentrun/connector"
	"github.com/agentxhq/agentrun/graph"
	"github.com/agentxhq/agentrun/retrieval"
	"github.com/agentxhq/agentrun/store"
	"github.com/agentxhq/agentrun/types"
	"github.com/agentxhq/agentrun/utils"
)

const (
	RunPath = "/run/"
)

// Engine runs workflow graphs. One engine serves many concurrent runs; each
// run's bookkeeping has a single writer (its own scheduling loop), while
// node tasks execute on the shared worker pool. The pool size is the global
// cap on concurrently running nodes; ready nodes past the cap queue FIFO by
// readiness time, so no node starves once resources free.
type Engine struct {
	opts       *types.EngineOptions
	store      store.Store
	connectors *connector.Layer
	retrieval  *retrieval.Service
	wp         *workerpool.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	graphs     map[string]*graph.Topology
	agents     map[string]types.AgentHandler
	predicates map[string]types.Predicate
	runs       map[string]*run
	closed     bool
}

func NewEngine(st store.Store, connectors *connector.Layer, ret *retrieval.Service, opts *types.EngineOptions) *Engine {
	if opts == nil {
		opts = types.NewEngineOptions()
	}
	e := &Engine{
		opts:       opts,
		store:      st,
		connectors: connectors,
		retrieval:  ret,
		wp:         workerpool.New(opts.MaxConcurrentNodes),
		graphs:     make(map[string]*graph.Topology),
		agents:     make(map[string]types.AgentHandler),
		predicates: make(map[string]types.Predicate),
		runs:       make(map[string]*run),
	}
	e.ctx, e.cancel = context.WithCancel(opts.Ctx)
	return e
}

// Retrieval exposes the retrieval service so embedding applications can
// index knowledge sources through the same instance the engine queries.
func (e *Engine) Retrieval() *retrieval.Service {
	return e.retrieval
}

// Connectors exposes the connector layer for driver registration.
func (e *Engine) Connectors() *connector.Layer {
	return e.connectors
}

// RegisterGraph validates and registers a compiled workflow artifact.
// Delegation nodes reference graphs by these names.
func (e *Engine) RegisterGraph(g *types.WorkflowGraph) error {
	topo, err := graph.Build(g)
	if err != nil {
		return errors.Trace(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.MethodNotAllowedf("engine closed")
	}
	if _, exists := e.graphs[g.Name]; exists {
		return errors.AlreadyExistsf("graph %q", g.Name)
	}
	e.graphs[g.Name] = topo
	return nil
}

func (e *Engine) GetGraph(name string) (*graph.Topology, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	topo, exists := e.graphs[name]
	return topo, exists
}

func (e *Engine) ListGraphNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.graphs))
	for name := range e.graphs {
		names = append(names, name)
	}
	return names
}

// RegisterAgentHandler binds a handler name referenced by AgentSpec nodes.
func (e *Engine) RegisterAgentHandler(name string, h types.AgentHandler) error {
	if h == nil {
		return errors.BadRequestf("agent handler %q is nil", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.agents[name]; exists {
		return errors.AlreadyExistsf("agent handler %q", name)
	}
	e.agents[name] = h
	return nil
}

// RegisterPredicate binds a predicate name referenced by ConditionSpec nodes.
func (e *Engine) RegisterPredicate(name string, p types.Predicate) error {
	if p == nil {
		return errors.BadRequestf("predicate %q is nil", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.predicates[name]; exists {
		return errors.AlreadyExistsf("predicate %q", name)
	}
	e.predicates[name] = p
	return nil
}

func (e *Engine) agentHandler(name string) (types.AgentHandler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, exists := e.agents[name]
	return h, exists
}

func (e *Engine) predicate(name string) (types.Predicate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, exists := e.predicates[name]
	return p, exists
}

// SubmitRun starts one execution of a registered graph and returns the run
// id. The run outlives the call: its lifetime is bound to the engine, not
// to ctx, which only guards the submission itself.
func (e *Engine) SubmitRun(ctx context.Context, graphName string, input types.Data) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Trace(err)
	}
	topo, exists := e.GetGraph(graphName)
	if !exists {
		return "", errors.NotFoundf("graph %q", graphName)
	}
	return e.launch(e.ctx, topo, input, "")
}

// SubmitGraph validates and runs an unregistered artifact in one step.
// Validation failures surface as *types.GraphError and no run is created.
func (e *Engine) SubmitGraph(ctx context.Context, g *types.WorkflowGraph, input types.Data) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Trace(err)
	}
	topo, err := graph.Build(g)
	if err != nil {
		return "", errors.Trace(err)
	}
	return e.launch(e.ctx, topo, input, "")
}

// launch creates the run with base as its cancellation root: the engine
// context for top-level runs, the parent run's context for delegation.
func (e *Engine) launch(base context.Context, topo *graph.Topology, input types.Data, parentRun string) (string, error) {
	runID := uuid.NewString()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errors.MethodNotAllowedf("engine closed")
	}
	r := newRun(e, runID, parentRun, topo, input, base)
	e.runs[runID] = r
	e.mu.Unlock()

	log.Debugf("run %s: submitted graph %s", runID, topo.Graph().Name)
	go r.loop()
	return runID, nil
}

func (e *Engine) getRun(runID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, exists := e.runs[runID]
	return r, exists
}

// dropRun evicts a finished run. Its loop has already persisted the final
// snapshot, and waiters holding the run still read it through its own lock.
func (e *Engine) dropRun(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

// GetStatus returns a consistent snapshot of the run. Finished runs that
// were evicted from memory are served from the store, so polling stays
// idempotent across restarts.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*types.RunSnapshot, error) {
	if r, exists := e.getRun(runID); exists {
		return r.snapshot(), nil
	}

	b, err := e.store.Get(ctx, RunPath, runID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(b) == 0 {
		return nil, errors.NotFoundf("run %s", runID)
	}
	snap := &types.RunSnapshot{}
	if err := utils.Unserialize(b, snap); err != nil {
		return nil, errors.Annotatef(err, "decode run %s", runID)
	}
	return snap, nil
}

// CancelRun requests cooperative cancellation: no new dispatches, in-flight
// node tasks are signalled, and after the grace timeout the run is
// force-finalized.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	r, exists := e.getRun(runID)
	if !exists {
		return errors.NotFoundf("run %s", runID)
	}
	r.requestCancel()
	return nil
}

// WaitRun blocks until the run reaches a terminal status or ctx expires.
func (e *Engine) WaitRun(ctx context.Context, runID string) (*types.RunSnapshot, error) {
	r, exists := e.getRun(runID)
	if !exists {
		return e.GetStatus(ctx, runID)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// RenderGraph draws a registered graph in DOT form.
func (e *Engine) RenderGraph(name string) (string, error) {
	topo, exists := e.GetGraph(name)
	if !exists {
		return "", errors.NotFoundf("graph %q", name)
	}
	return graph.RenderDOT(topo, nil), nil
}

// RenderRun draws the run's graph with nodes colored by execution state.
func (e *Engine) RenderRun(ctx context.Context, runID string) (string, error) {
	snap, err := e.GetStatus(ctx, runID)
	if err != nil {
		return "", errors.Trace(err)
	}
	topo, exists := e.GetGraph(snap.Graph)
	if !exists {
		return "", errors.NotFoundf("graph %q", snap.Graph)
	}
	return graph.RenderDOT(topo, snap.Nodes), nil
}

// ReloadRuns restores unfinished runs from the store after a restart. The
// graphs they reference must be registered again first. Node states that
// were in flight are re-derived: succeeded nodes keep their outputs,
// everything else is rescheduled.
func (e *Engine) ReloadRuns(ctx context.Context) (map[string]error, error) {
	errs := make(map[string]error)
	err := e.store.List(ctx, RunPath, func(runID string) bool {
		if _, exists := e.getRun(runID); exists {
			return true
		}
		if lerr := e.reloadRun(ctx, runID); lerr != nil {
			errs[runID] = errors.Trace(lerr)
		}
		return true
	})
	if len(errs) == 0 {
		errs = nil
	}
	return errs, errors.Trace(err)
}

func (e *Engine) reloadRun(ctx context.Context, runID string) error {
	b, err := e.store.Get(ctx, RunPath, runID)
	if err != nil {
		return errors.Trace(err)
	}
	if len(b) == 0 {
		return errors.NotFoundf("run snapshot %s", runID)
	}
	snap := &types.RunSnapshot{}
	if err := utils.Unserialize(b, snap); err != nil {
		return errors.Annotatef(err, "decode run %s", runID)
	}
	if snap.Status.Terminal() {
		return nil
	}

	topo, exists := e.GetGraph(snap.Graph)
	if !exists {
		return errors.NotFoundf("graph %q for run %s", snap.Graph, runID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.MethodNotAllowedf("engine closed")
	}
	r := newRunFromSnapshot(e, topo, snap)
	e.runs[runID] = r
	e.mu.Unlock()

	log.Infof("run %s: resumed from store", runID)
	go r.loop()
	return nil
}

// Close stops the engine: unfinished runs are paused and persisted so
// ReloadRuns can pick them up, the worker pool drains, and the connector
// layer closes its pools.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	live := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		live = append(live, r)
	}
	e.mu.Unlock()

	for _, r := range live {
		r.requestPause()
	}
	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}

	e.cancel()
	e.wp.StopWait()
	if e.connectors != nil {
		return errors.Trace(e.connectors.Close())
	}
	return nil
}
