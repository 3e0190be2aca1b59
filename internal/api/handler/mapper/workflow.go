package mapper

import (
	"flowstudio/internal/api/handler/request"
	"flowstudio/internal/api/handler/response"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/session"
)

// ToNodeSpec converts an add-node request. Config values that cannot be
// represented come back as an error.
func ToNodeSpec(req request.AddNode) (session.NodeSpec, error) {
	cfg, err := models.ConfigFromMap(req.Config)
	if err != nil {
		return session.NodeSpec{}, err
	}
	return session.NodeSpec{
		ID:     req.ID,
		Kind:   models.NodeKind(req.Kind),
		Name:   req.Name,
		Config: cfg,
	}, nil
}

func ToEdge(req request.Connect) models.Edge {
	return models.Edge{
		ID:           req.ID,
		SourceNodeID: req.SourceNodeID,
		SourcePortID: req.SourcePortID,
		TargetNodeID: req.TargetNodeID,
		TargetPortID: req.TargetPortID,
	}
}

func ToGraphResponse(workflowID string, snapshot models.GraphSnapshot) response.Graph {
	resp := response.Graph{
		WorkflowID: workflowID,
		Nodes:      snapshot.Nodes,
		Edges:      snapshot.Edges,
	}
	if resp.Nodes == nil {
		resp.Nodes = []*models.Node{}
	}
	if resp.Edges == nil {
		resp.Edges = []models.Edge{}
	}
	return resp
}

func ToWorkflowResponse(def models.WorkflowDefinition) response.Workflow {
	return response.Workflow{
		ID:        def.ID,
		Name:      def.Name,
		NodeCount: len(def.Graph.Nodes),
		EdgeCount: len(def.Graph.Edges),
		UpdatedAt: def.UpdatedAt,
	}
}

func ToRunResponse(run models.WorkflowRun, executions []models.NodeExecution) response.Run {
	return response.Run{
		ID:              run.ID,
		WorkflowID:      run.WorkflowID,
		StartedByUserID: run.StartedByUserID,
		Status:          run.Status,
		StartTime:       run.StartTime,
		EndTime:         run.EndTime,
		ErrorMessage:    run.ErrorMessage,
		ErrorCategory:   run.ErrorCategory,
		Executions:      executions,
	}
}

func ToRunResponses(runs []models.WorkflowRun) []response.Run {
	responses := make([]response.Run, len(runs))
	for i, r := range runs {
		responses[i] = ToRunResponse(r, nil)
	}
	return responses
}
