package response

import (
	"time"

	"flowstudio/internal/workflow/models"
)

type Graph struct {
	WorkflowID string         `json:"workflowId"`
	Nodes      []*models.Node `json:"nodes"`
	Edges      []models.Edge  `json:"edges"`
}

type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NodeCount int       `json:"nodeCount"`
	EdgeCount int       `json:"edgeCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type EdgeCheck struct {
	Valid bool `json:"valid"`
	// Present when Valid is false.
	Violation any `json:"violation,omitempty"`
}

type Run struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflowId"`
	StartedByUserID uint                   `json:"startedByUserId"`
	Status          models.RunStatus       `json:"status"`
	StartTime       time.Time              `json:"startTime"`
	EndTime         *time.Time             `json:"endTime,omitempty"`
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	ErrorCategory   models.ErrorCategory   `json:"errorCategory,omitempty"`
	Executions      []models.NodeExecution `json:"executions,omitempty"`
}

type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
