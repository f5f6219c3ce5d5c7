package types

import "time"

// NodeState tracks one node through the scheduler's state machine.
type NodeState int32

const (
	NodePending   NodeState = 0
	NodeReady     NodeState = 1
	NodeRunning   NodeState = 2
	NodeRetrying  NodeState = 3
	NodeSucceeded NodeState = 10
	NodeFailed    NodeState = 11
	NodeSkipped   NodeState = 12
	NodeCancelled NodeState = 13
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeReady:
		return "ready"
	case NodeRunning:
		return "running"
	case NodeRetrying:
		return "retrying"
	case NodeSucceeded:
		return "succeeded"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	case NodeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the node will never transition again.
func (s NodeState) Terminal() bool {
	return s >= NodeSucceeded
}

// RunStatus is the overall status of one workflow run.
type RunStatus int32

const (
	RunPending   RunStatus = 0
	RunRunning   RunStatus = 1
	RunPaused    RunStatus = 2
	RunSucceeded RunStatus = 10
	RunFailed    RunStatus = 11
	RunCancelled RunStatus = 12
)

func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunPaused:
		return "paused"
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s RunStatus) Terminal() bool {
	return s >= RunSucceeded
}

// NodeReport is the per-node slice of a run snapshot.
type NodeReport struct {
	State       NodeState   `json:"state"`
	Attempts    int         `json:"attempts,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	ReadyTime   time.Time   `json:"ready_time,omitempty"`
	StartTime   time.Time   `json:"start_time,omitempty"`
	EndTime     time.Time   `json:"end_time,omitempty"`
	// ChildRunID is set on delegation nodes once the child run launched.
	ChildRunID string `json:"child_run_id,omitempty"`
	// PartialOutputs carries a failed child run's succeeded-node outputs so
	// the parent can consume partial results.
	PartialOutputs map[string]Data `json:"partial_outputs,omitempty"`
}

// RunSnapshot is the consistent view returned by GetStatus. Repeated calls
// with the same run ID observe monotonically advancing snapshots.
type RunSnapshot struct {
	RunID      string    `json:"run_id"`
	Graph      string    `json:"graph"`
	ParentRun  string    `json:"parent_run,omitempty"`
	Status     RunStatus `json:"status"`
	SubmitTime time.Time `json:"submit_time"`
	EndTime    time.Time `json:"end_time,omitempty"`
	// Nodes maps node ID to its report.
	Nodes map[string]*NodeReport `json:"nodes"`
	// Outputs maps node ID to that node's output slots. Succeeded nodes
	// stay here even when the run as a whole failed.
	Outputs map[string]Data `json:"outputs"`
	// Branches records which branch slot each succeeded condition node took,
	// so a resumed run replays skips identically.
	Branches map[string]string `json:"branches,omitempty"`
	// StartInput is the submission payload, kept so the start node can be
	// replayed if a restart interrupted it.
	StartInput Data   `json:"start_input,omitempty"`
	FailedNode string `json:"failed_node,omitempty"`
	Error      string `json:"error,omitempty"`
}
