package request

type AddNode struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind" validate:"required"`
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

type UpdateNodeConfig struct {
	Config map[string]any `json:"config" validate:"required"`
}

type Connect struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId" validate:"required"`
	SourcePortID string `json:"sourcePortId" validate:"required"`
	TargetNodeID string `json:"targetNodeId" validate:"required"`
	TargetPortID string `json:"targetPortId" validate:"required"`
}

type SaveWorkflow struct {
	Name string `json:"name"`
}

type StartRun struct {
	Input map[string]any `json:"input"`
}

type RetryNode struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// IssueToken is only served in dev mode, there is no user store.
type IssueToken struct {
	UserID uint   `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Role   string `json:"role" validate:"omitempty,oneof=admin user observer"`
}
