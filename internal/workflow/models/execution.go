package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the per-node run state.
type ExecutionStatus string

const (
	NodeStatusIdle      ExecutionStatus = "idle"
	NodeStatusRunning   ExecutionStatus = "running"
	NodeStatusSuccess   ExecutionStatus = "success"
	NodeStatusError     ExecutionStatus = "error"
	NodeStatusSkipped   ExecutionStatus = "skipped"
	NodeStatusCancelled ExecutionStatus = "cancelled"
)

var nodeTransitions = map[ExecutionStatus][]ExecutionStatus{
	NodeStatusIdle:    {NodeStatusRunning, NodeStatusSkipped, NodeStatusCancelled},
	NodeStatusRunning: {NodeStatusSuccess, NodeStatusError, NodeStatusCancelled},
	// error -> running only through a retry
	NodeStatusError: {NodeStatusRunning, NodeStatusCancelled},
	// a skipped node is re-opened when its failed upstream is retried
	NodeStatusSkipped: {NodeStatusIdle},
}

// CanTransition reports whether the node state machine allows from -> to.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, allowed := range nodeTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a node in this state no longer blocks its
// successors.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusError, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type ErrorCategory string

const (
	ErrorCategoryNone            ErrorCategory = ""
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNodeFailure     ErrorCategory = "node_failure"
	ErrorCategoryUpstreamSkipped ErrorCategory = "upstream_skipped"
	ErrorCategoryCancelled       ErrorCategory = "cancelled"
)

// JSONMap is a jsonb column holding input/output snapshots.
type JSONMap map[string]any

// Scan implements sql.Scanner interface
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONMap", value)
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// WorkflowRun is one execution attempt of a workflow graph.
type WorkflowRun struct {
	ID              string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	WorkflowID      string        `gorm:"index;not null" json:"workflowId"`
	StartedByUserID uint          `json:"startedByUserId"`
	Status          RunStatus     `gorm:"type:varchar(20);not null" json:"status"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	ErrorCategory   ErrorCategory `gorm:"type:varchar(32)" json:"errorCategory,omitempty"`
}

// NodeExecution is the audit record of one node inside a run. Records are
// appended and updated, never deleted.
type NodeExecution struct {
	ID             string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RunID          string          `gorm:"index;not null" json:"runId"`
	NodeID         string          `gorm:"not null" json:"nodeId"`
	Status         ExecutionStatus `gorm:"type:varchar(20);not null" json:"status"`
	StartTime      *time.Time      `json:"startTime,omitempty"`
	EndTime        *time.Time      `json:"endTime,omitempty"`
	InputData      JSONMap         `gorm:"type:jsonb" json:"inputData"`
	OutputData     JSONMap         `gorm:"type:jsonb" json:"outputData,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ErrorCategory  ErrorCategory   `gorm:"type:varchar(32)" json:"errorCategory,omitempty"`
	RetryCount     int             `json:"retryCount"`
	ExecutionOrder int             `json:"executionOrder"`
}
