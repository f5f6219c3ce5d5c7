package runtime

import (
	"context"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/agentxhq/agentrun/connector"
	"github.com/agentxhq/agentrun/types"
)

// execResult is what one node attempt produced. branch is set only by
// condition nodes.
type execResult struct {
	output types.Data
	branch string
}

// executeNode runs one attempt of a node. Panics in user-supplied handlers
// and predicates are caught here and fail the node permanently instead of
// taking the worker down.
func (e *Engine) executeNode(ctx *nodeContext, r *run, node *types.Node, input types.Data) (result execResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("run %s: node %s panicked: %v", ctx.runID, node.ID, rec)
			result = execResult{}
			err = types.NewPermanentErrorf("node %s panicked: %v", node.ID, rec)
		}
	}()

	switch node.Kind {
	case types.NodeAgent:
		return e.executeAgent(ctx, node, input)
	case types.NodeTool:
		return e.executeTool(ctx, node, input)
	case types.NodeRetrieval:
		return e.executeRetrieval(ctx, node, input)
	case types.NodeCondition:
		return e.executeCondition(ctx, node, input)
	case types.NodeDelegation:
		return e.executeDelegation(ctx, r, node, input)
	case types.NodeJoin:
		// the scheduler already merged the satisfied predecessors' outputs
		// into the input; a join only forwards them
		return execResult{output: input}, nil
	}
	return execResult{}, types.NewPermanentErrorf("node %s: unknown kind %q", node.ID, node.Kind)
}

func (e *Engine) executeAgent(ctx *nodeContext, node *types.Node, input types.Data) (execResult, error) {
	handler, exists := e.agentHandler(node.Agent.Handler)
	if !exists {
		return execResult{}, types.NewPermanentError(errors.NotFoundf("agent handler %q", node.Agent.Handler))
	}
	output, err := handler(ctx, input)
	if err != nil {
		return execResult{}, errors.Trace(err)
	}
	return execResult{output: output}, nil
}

func (e *Engine) executeTool(ctx *nodeContext, node *types.Node, input types.Data) (execResult, error) {
	spec := node.Tool
	output, err := e.connectors.Invoke(ctx, connector.Request{
		Type:           spec.Connector,
		Target:         spec.Target,
		Operation:      spec.Operation,
		Payload:        input,
		CredentialsRef: spec.CredentialsRef,
	})
	if err != nil {
		return execResult{}, errors.Trace(err)
	}
	return execResult{output: output}, nil
}

func (e *Engine) executeRetrieval(ctx *nodeContext, node *types.Node, input types.Data) (execResult, error) {
	spec := node.Retrieval

	queryKey := spec.QueryKey
	if queryKey == "" {
		queryKey = "query"
	}
	query, _ := input.GetString(queryKey)
	if query == "" {
		return execResult{}, types.NewPermanentErrorf("node %s: input slot %q holds no query text", node.ID, queryKey)
	}

	chunks, err := e.retrieval.Query(ctx, spec.Sources, query, spec.TopK)
	if err != nil {
		return execResult{}, errors.Trace(err)
	}

	outputKey := spec.OutputKey
	if outputKey == "" {
		outputKey = "chunks"
	}
	return execResult{output: types.Data{outputKey: chunks}}, nil
}

func (e *Engine) executeCondition(ctx *nodeContext, node *types.Node, input types.Data) (execResult, error) {
	predicate, exists := e.predicate(node.Condition.Predicate)
	if !exists {
		return execResult{}, types.NewPermanentError(errors.NotFoundf("predicate %q", node.Condition.Predicate))
	}
	taken, err := predicate(ctx, input)
	if err != nil {
		return execResult{}, errors.Trace(err)
	}
	branch := types.BranchFalse
	if taken {
		branch = types.BranchTrue
	}
	log.Debugf("run %s: condition %s took branch %s", ctx.runID, node.ID, branch)
	// input passes through so the taken branch sees the condition's context
	return execResult{output: input, branch: branch}, nil
}

var _ types.Context = &nodeContext{}

// nodeContext is the types.Context handed to handlers and predicates. It is
// the node attempt's context: run cancellation and the node timeout both
// cancel it.
type nodeContext struct {
	context.Context
	runID   string
	nodeID  string
	attempt int
}

func (c *nodeContext) GetRunID() string {
	return c.runID
}

func (c *nodeContext) GetNodeID() string {
	return c.nodeID
}

func (c *nodeContext) Attempt() int {
	return c.attempt
}
