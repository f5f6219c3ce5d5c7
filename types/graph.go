package types

import "time"

// NodeKind enumerates the closed set of node variants a compiled workflow
// may contain.
type NodeKind string

const (
	NodeAgent      NodeKind = "agent"
	NodeTool       NodeKind = "tool"
	NodeRetrieval  NodeKind = "retrieval"
	NodeCondition  NodeKind = "condition"
	NodeDelegation NodeKind = "delegation"
	NodeJoin       NodeKind = "join"
)

// Branch slot names on condition nodes. Edges leaving a condition node must
// use one of these as their FromSlot; the untaken branch is skipped.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// JoinPolicy decides how a join node treats skipped predecessors.
type JoinPolicy string

const (
	// JoinAny fires once every inbound edge is resolved and at least one
	// predecessor delivered data. Skipped branches do not block it.
	JoinAny JoinPolicy = "any"
	// JoinAll requires every inbound edge to deliver data; a single skipped
	// predecessor skips the join itself.
	JoinAll JoinPolicy = "all"
)

// FailurePolicy decides how far a terminal node failure propagates.
type FailurePolicy string

const (
	// FailBranch cancels only the exclusive descendants of the failed node.
	// Independent branches run to completion. This is the default.
	FailBranch FailurePolicy = "branch"
	// FailRun stops dispatching and cancels every non-terminal node.
	FailRun FailurePolicy = "run"
)

// RetryPolicy bounds the retry loop for transient failures.
// MaxAttempts counts the first execution, so MaxAttempts=1 means no retry.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff,omitempty" yaml:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff"`
}

type AgentSpec struct {
	// Handler names a registered agent handler. The natural-language
	// compiler emits the name; the embedding application registers the
	// implementation.
	Handler string `json:"handler"`
}

type ToolSpec struct {
	Connector      string `json:"connector"`
	Target         string `json:"target"`
	Operation      string `json:"operation"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

type RetrievalSpec struct {
	Sources []string `json:"sources"`
	TopK    int      `json:"top_k"`
	// QueryKey is the input slot holding the query text, "query" if empty.
	QueryKey string `json:"query_key,omitempty"`
	// OutputKey is the output slot receiving the chunks, "chunks" if empty.
	OutputKey string `json:"output_key,omitempty"`
}

type ConditionSpec struct {
	// Predicate names a registered boolean handler.
	Predicate string `json:"predicate"`
}

type DelegationSpec struct {
	// Graph references a registered child workflow by name. Child graphs
	// are never embedded; each invocation instantiates a fresh run.
	Graph string `json:"graph"`
	// InputMap maps parent input slots onto child start-input keys.
	// Empty means the parent input passes through unchanged.
	InputMap map[string]string `json:"input_map,omitempty"`
	// OutputMap maps parent output slots onto "nodeID.slot" paths in the
	// child's output map.
	OutputMap map[string]string `json:"output_map,omitempty"`
}

type JoinSpec struct {
	Policy JoinPolicy `json:"policy,omitempty"`
}

// Node is one step of a compiled workflow.
type Node struct {
	ID      string        `json:"id"`
	Kind    NodeKind      `json:"kind"`
	Inputs  []string      `json:"inputs,omitempty"`
	Outputs []string      `json:"outputs,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Retry   RetryPolicy   `json:"retry,omitempty"`
	// Group is the declared concurrency group. Nodes in the same group may
	// run in parallel; ordering across groups comes from edges only.
	Group     string        `json:"group,omitempty"`
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	Agent      *AgentSpec      `json:"agent,omitempty"`
	Tool       *ToolSpec       `json:"tool,omitempty"`
	Retrieval  *RetrievalSpec  `json:"retrieval,omitempty"`
	Condition  *ConditionSpec  `json:"condition,omitempty"`
	Delegation *DelegationSpec `json:"delegation,omitempty"`
	Join       *JoinSpec       `json:"join,omitempty"`
}

// Edge connects a source output slot to a target input slot. An empty
// FromSlot delivers the source's whole output map; ControlOnly edges carry
// no data at all, only ordering.
type Edge struct {
	From        string `json:"from"`
	FromSlot    string `json:"from_slot,omitempty"`
	To          string `json:"to"`
	ToSlot      string `json:"to_slot,omitempty"`
	ControlOnly bool   `json:"control_only,omitempty"`
}

// WorkflowGraph is the compiled artifact the runtime executes. It is
// validated once at registration and read-only afterwards.
type WorkflowGraph struct {
	Name  string  `json:"name"`
	Start string  `json:"start"`
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}
