package runtime

import (
	"context"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/agentxhq/agentrun/types"
)

// executeDelegation runs a delegation node: it instantiates a fresh child
// run of the referenced graph, parks until the child finishes, and maps the
// child's outputs back onto the parent slot space. The child run is a full
// citizen: own run id, own snapshot in the store, own node scheduling on the
// shared pool. Cancelling the parent cascades through the parent run context.
//
// A failed or cancelled child never gets re-run by the parent's retry loop:
// its succeeded nodes may have had external side effects, so the parent node
// fails with the child's partial outputs attached instead.
func (e *Engine) executeDelegation(ctx *nodeContext, parent *run, node *types.Node, input types.Data) (execResult, error) {
	spec := node.Delegation
	topo, exists := e.GetGraph(spec.Graph)
	if !exists {
		return execResult{}, types.NewPermanentError(errors.NotFoundf("delegation graph %q", spec.Graph))
	}

	childID, err := e.launch(parent.ctx, topo, childInput(spec, input), parent.id)
	if err != nil {
		return execResult{}, types.NewPermanentError(errors.Annotatef(err, "launch child of run %s", parent.id))
	}
	parent.setChildRun(node.ID, childID)
	log.Debugf("run %s: node %s delegated to child run %s", parent.id, node.ID, childID)

	snap, err := e.WaitRun(ctx, childID)
	if err != nil {
		// the node's own deadline (or the run) gave up on the child first;
		// reap it and collect whatever finished
		_ = e.CancelRun(context.Background(), childID)
		if reaped, rerr := e.GetStatus(context.Background(), childID); rerr == nil {
			parent.setPartialOutputs(node.ID, reaped.Outputs)
		}
		if parent.ctx.Err() != nil {
			return execResult{}, types.NewCancelledError(parent.ctx.Err())
		}
		return execResult{}, types.NewPermanentError(errors.Annotatef(err, "child run %s abandoned", childID))
	}

	switch snap.Status {
	case types.RunSucceeded:
		return execResult{output: childOutput(spec, snap)}, nil
	case types.RunCancelled:
		parent.setPartialOutputs(node.ID, snap.Outputs)
		return execResult{}, types.NewCancelledErrorf("child run %s cancelled", childID)
	default:
		parent.setPartialOutputs(node.ID, snap.Outputs)
		return execResult{}, types.NewPermanentError(errors.Errorf(
			"child run %s failed at node %s: %s", childID, snap.FailedNode, snap.Error))
	}
}

// childInput projects the parent node's input onto the child's start input.
// An empty map passes the input through unchanged.
func childInput(spec *types.DelegationSpec, input types.Data) types.Data {
	if len(spec.InputMap) == 0 {
		return input.Clone()
	}
	child := types.Data{}
	for parentSlot, childKey := range spec.InputMap {
		if value, exists := input[parentSlot]; exists {
			child.Set(childKey, value)
		}
	}
	return child
}

// childOutput maps a succeeded child's per-node outputs onto the parent
// node's output slots. OutputMap values are "nodeID.slot" paths; a bare
// "nodeID" delivers that node's whole output map. Without a map the child's
// outputs come back keyed by node id.
func childOutput(spec *types.DelegationSpec, snap *types.RunSnapshot) types.Data {
	output := types.Data{}
	if len(spec.OutputMap) == 0 {
		for nodeID, out := range snap.Outputs {
			output.Set(nodeID, map[string]any(out))
		}
		return output
	}

	for parentSlot, path := range spec.OutputMap {
		nodeID, slot, hasSlot := strings.Cut(path, ".")
		nodeOut, exists := snap.Outputs[nodeID]
		if !exists {
			continue
		}
		if hasSlot {
			output.Set(parentSlot, nodeOut[slot])
		} else {
			output.Set(parentSlot, map[string]any(nodeOut))
		}
	}
	return output
}
