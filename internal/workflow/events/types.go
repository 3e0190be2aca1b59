package events

import (
	"time"

	"flowstudio/internal/workflow/models"
)

// Type doubles as the realtime message type the event is delivered as.
type Type string

const (
	NodeUpdate     Type = "node_update"
	EdgeUpdate     Type = "edge_update"
	WorkflowUpdate Type = "workflow_update"
)

// Event is one state change of a workflow, either a graph edit or an
// execution transition.
type Event struct {
	Type       Type      `json:"type"`
	WorkflowID string    `json:"workflowId"`
	RunID      string    `json:"runId,omitempty"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	// One of NodeTransition, RunTransition, NodeChange or EdgeChange.
	Payload any `json:"payload"`
}

// NodeTransition is emitted for every node state change inside a run.
type NodeTransition struct {
	RunID     string                 `json:"runId"`
	NodeID    string                 `json:"nodeId"`
	From      models.ExecutionStatus `json:"from"`
	To        models.ExecutionStatus `json:"to"`
	Execution models.NodeExecution   `json:"execution"`
}

// RunTransition is emitted for every run state change.
type RunTransition struct {
	From models.RunStatus   `json:"from"`
	To   models.RunStatus   `json:"to"`
	Run  models.WorkflowRun `json:"run"`
}

type ChangeAction string

const (
	ChangeAdded   ChangeAction = "added"
	ChangeUpdated ChangeAction = "updated"
	ChangeRemoved ChangeAction = "removed"
)

// NodeChange is emitted when the editor adds, updates or removes a node.
type NodeChange struct {
	Action ChangeAction `json:"action"`
	Node   *models.Node `json:"node"`
}

// EdgeChange is emitted when the editor adds or removes an edge.
type EdgeChange struct {
	Action ChangeAction `json:"action"`
	Edge   models.Edge  `json:"edge"`
}
