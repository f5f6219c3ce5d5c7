package types

import "context"

// Context is handed to agent handlers and predicates. It is the node task's
// context: cancelling the run (or the node timing out) cancels it.
type Context interface {
	context.Context

	GetRunID() string
	GetNodeID() string
	// Attempt is 1 on the first execution and grows with each retry.
	Attempt() int
}

// AgentHandler executes one agent reasoning step. Implementations are
// registered by name on the engine; the compiled artifact references names
// only. Returning a TransientError (or TimeoutError/ExhaustedError) makes
// the failure retryable within the node's budget.
type AgentHandler func(ctx Context, input Data) (Data, error)

// Predicate evaluates a condition node's branch decision.
type Predicate func(ctx Context, input Data) (bool, error)
