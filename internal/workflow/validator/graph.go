package validator

import (
	"fmt"

	"flowstudio/internal/workflow/models"
)

// ValidateGraph checks whether a whole graph is eligible for execution:
// every node config must satisfy its schema, every required input port must
// be connected and the graph must be acyclic.
func ValidateGraph(g *models.Graph, types *models.NodeTypeRegistry) ValidationErrors {
	var errs ValidationErrors

	connected := make(map[string]bool)
	for _, e := range g.Edges() {
		connected[e.TargetNodeID+"/"+e.TargetPortID] = true
	}

	for _, n := range g.Nodes() {
		nodeType, err := types.Get(n.Kind)
		if err != nil {
			errs = append(errs, ValidationError{
				Code:    DanglingReference,
				NodeID:  n.ID,
				Message: err.Error(),
			})
			continue
		}
		errs = append(errs, ValidateNodeConfig(n, nodeType.Schema)...)

		for _, p := range n.Ports {
			if p.Direction == models.PortDirectionInput && p.Required && !connected[n.ID+"/"+p.ID] {
				errs = append(errs, ValidationError{
					Code:    MissingRequiredField,
					NodeID:  n.ID,
					PortID:  p.ID,
					Message: fmt.Sprintf("required input port %s is not connected", p.ID),
				})
			}
		}
	}

	if HasCycle(g) {
		errs = append(errs, ValidationError{Code: CycleDetected, Message: "graph contains a cycle"})
	}
	return errs
}
