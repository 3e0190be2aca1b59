package validator

import (
	"fmt"

	"flowstudio/internal/workflow/models"
)

// ValidateConnection decides whether candidate may be added to g. Checks run
// in a fixed order and the first failing one is reported; nil means accepted.
func ValidateConnection(candidate models.Edge, g *models.Graph) *ValidationError {
	source, ok := g.Node(candidate.SourceNodeID)
	if !ok {
		return &ValidationError{
			Code:    DanglingReference,
			NodeID:  candidate.SourceNodeID,
			Message: "source node does not exist",
		}
	}
	target, ok := g.Node(candidate.TargetNodeID)
	if !ok {
		return &ValidationError{
			Code:    DanglingReference,
			NodeID:  candidate.TargetNodeID,
			Message: "target node does not exist",
		}
	}

	if g.HasConnection(candidate) {
		return &ValidationError{
			Code:    DuplicateConnection,
			NodeID:  candidate.TargetNodeID,
			PortID:  candidate.TargetPortID,
			Message: "ports are already connected",
		}
	}

	sourcePort, ok := source.Port(candidate.SourcePortID)
	if !ok {
		return &ValidationError{
			Code:    PortNotFound,
			NodeID:  source.ID,
			PortID:  candidate.SourcePortID,
			Message: "source port does not exist",
		}
	}
	targetPort, ok := target.Port(candidate.TargetPortID)
	if !ok {
		return &ValidationError{
			Code:    PortNotFound,
			NodeID:  target.ID,
			PortID:  candidate.TargetPortID,
			Message: "target port does not exist",
		}
	}

	if sourcePort.Direction != models.PortDirectionOutput {
		return &ValidationError{
			Code:    DirectionMismatch,
			NodeID:  source.ID,
			PortID:  sourcePort.ID,
			Message: "source port must be an output",
		}
	}
	if targetPort.Direction != models.PortDirectionInput {
		return &ValidationError{
			Code:    DirectionMismatch,
			NodeID:  target.ID,
			PortID:  targetPort.ID,
			Message: "target port must be an input",
		}
	}

	if !targetPort.Accepts(sourcePort.DataType) {
		return &ValidationError{
			Code:    TypeIncompatible,
			NodeID:  target.ID,
			PortID:  targetPort.ID,
			Message: fmt.Sprintf("%s cannot be connected to %s", sourcePort.DataType, targetPort.DataType),
		}
	}

	// the graph is kept acyclic, so the new edge closes a cycle exactly when
	// its target already reaches its source
	if g.Reaches(candidate.TargetNodeID, candidate.SourceNodeID) {
		return &ValidationError{
			Code:    CycleDetected,
			NodeID:  candidate.TargetNodeID,
			Message: fmt.Sprintf("connecting %s to %s would create a cycle", candidate.SourceNodeID, candidate.TargetNodeID),
		}
	}
	return nil
}

// HasCycle reports whether g plus the extra edges contains a directed cycle.
// It runs a depth-first traversal from every node, tracking the nodes on the
// current stack; an edge into a node on the stack closes a cycle.
func HasCycle(g *models.Graph, extra ...models.Edge) bool {
	adjacency := make(map[string][]string, g.NodeCount())
	for _, e := range g.Edges() {
		adjacency[e.SourceNodeID] = append(adjacency[e.SourceNodeID], e.TargetNodeID)
	}
	for _, e := range extra {
		adjacency[e.SourceNodeID] = append(adjacency[e.SourceNodeID], e.TargetNodeID)
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, next := range adjacency[id] {
			if onStack[next] {
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, n := range g.Nodes() {
		if !visited[n.ID] && visit(n.ID) {
			return true
		}
	}
	// extra edges may start at ids the graph does not know about
	for _, e := range extra {
		if !visited[e.SourceNodeID] && visit(e.SourceNodeID) {
			return true
		}
	}
	return false
}
