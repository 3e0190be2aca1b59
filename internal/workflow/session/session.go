package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/validator"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrNodeExists   = errors.New("node already exists")
	ErrEdgeNotFound = errors.New("edge not found")
	ErrEdgeExists   = errors.New("edge already exists")
)

// Publisher receives graph edit events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// NodeSpec describes a node to add.
type NodeSpec struct {
	ID     string
	Kind   models.NodeKind
	Name   string
	Config models.Config
}

// WorkflowSession owns the editable graph of one workflow. Every mutation
// goes through the validator first; rejected mutations leave the graph
// untouched and come back as validator.ValidationError(s).
type WorkflowSession struct {
	mu         sync.Mutex
	workflowID string
	graph      *models.Graph
	types      *models.NodeTypeRegistry
	publisher  Publisher
	logger     zerolog.Logger
}

func New(workflowID string, types *models.NodeTypeRegistry, publisher Publisher, logger zerolog.Logger) *WorkflowSession {
	return &WorkflowSession{
		workflowID: workflowID,
		graph:      models.NewGraph(),
		types:      types,
		publisher:  publisher,
		logger:     logger.With().Str("workflowId", workflowID).Logger(),
	}
}

func (slf *WorkflowSession) WorkflowID() string {
	return slf.workflowID
}

// AddNode instantiates a node from its type template after validating its
// config.
func (slf *WorkflowSession) AddNode(ctx context.Context, spec NodeSpec) (*models.Node, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	nodeType, err := slf.types.Get(spec.Kind)
	if err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if _, exists := slf.graph.Node(spec.ID); exists {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, spec.ID)
	}

	node := nodeType.Instantiate(spec.ID, spec.Name, spec.Config)
	if errs := validator.ValidateNodeConfig(node, nodeType.Schema); len(errs) > 0 {
		return nil, errs
	}

	slf.graph.PutNode(node)
	slf.logger.Debug().Str("nodeId", node.ID).Str("kind", string(node.Kind)).Msg("Node added")
	slf.publish(ctx, events.NodeUpdate, events.NodeChange{Action: events.ChangeAdded, Node: node.Clone()})
	return node.Clone(), nil
}

// UpdateNodeConfig replaces a node's config after validating it.
func (slf *WorkflowSession) UpdateNodeConfig(ctx context.Context, nodeID string, config models.Config) (*models.Node, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	node, ok := slf.graph.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	nodeType, err := slf.types.Get(node.Kind)
	if err != nil {
		return nil, err
	}

	candidate := node.Clone()
	candidate.Config = config.Clone()
	if errs := validator.ValidateNodeConfig(candidate, nodeType.Schema); len(errs) > 0 {
		return nil, errs
	}

	slf.graph.PutNode(candidate)
	slf.publish(ctx, events.NodeUpdate, events.NodeChange{Action: events.ChangeUpdated, Node: candidate.Clone()})
	return candidate.Clone(), nil
}

// RemoveNode deletes a node and every edge attached to it.
func (slf *WorkflowSession) RemoveNode(ctx context.Context, nodeID string) error {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	node, ok := slf.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	removed := node.Clone()
	edges := slf.graph.DeleteNode(nodeID)

	for _, e := range edges {
		slf.publish(ctx, events.EdgeUpdate, events.EdgeChange{Action: events.ChangeRemoved, Edge: e})
	}
	slf.publish(ctx, events.NodeUpdate, events.NodeChange{Action: events.ChangeRemoved, Node: removed})
	slf.logger.Debug().Str("nodeId", nodeID).Int("edgesRemoved", len(edges)).Msg("Node removed")
	return nil
}

// ValidateConnection checks a candidate edge without applying it.
func (slf *WorkflowSession) ValidateConnection(edge models.Edge) *validator.ValidationError {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	return validator.ValidateConnection(edge, slf.graph)
}

// Connect adds an edge once the validator accepts it. A rejection is
// returned as a validator.ValidationError.
func (slf *WorkflowSession) Connect(ctx context.Context, edge models.Edge) (models.Edge, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if _, exists := slf.graph.Edge(edge.ID); exists {
		return models.Edge{}, fmt.Errorf("%w: %s", ErrEdgeExists, edge.ID)
	}
	if verr := validator.ValidateConnection(edge, slf.graph); verr != nil {
		return models.Edge{}, *verr
	}

	slf.graph.PutEdge(edge)
	slf.publish(ctx, events.EdgeUpdate, events.EdgeChange{Action: events.ChangeAdded, Edge: edge})
	return edge, nil
}

func (slf *WorkflowSession) Disconnect(ctx context.Context, edgeID string) error {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	edge, ok := slf.graph.Edge(edgeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, edgeID)
	}
	slf.graph.DeleteEdge(edgeID)
	slf.publish(ctx, events.EdgeUpdate, events.EdgeChange{Action: events.ChangeRemoved, Edge: edge})
	return nil
}

// Load replaces the graph with a snapshot, replaying each node and edge
// through validation. Nothing is applied if any element is rejected.
func (slf *WorkflowSession) Load(ctx context.Context, snapshot models.GraphSnapshot) error {
	staged := New(slf.workflowID, slf.types, nil, slf.logger)
	for _, n := range snapshot.Nodes {
		if _, err := staged.AddNode(ctx, NodeSpec{ID: n.ID, Kind: n.Kind, Name: n.Name, Config: n.Config}); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}
	for _, e := range snapshot.Edges {
		if _, err := staged.Connect(ctx, e); err != nil {
			return fmt.Errorf("edge %s: %w", e.ID, err)
		}
	}

	slf.mu.Lock()
	defer slf.mu.Unlock()
	slf.graph = staged.graph
	slf.publish(ctx, events.WorkflowUpdate, slf.graph.Snapshot())
	return nil
}

// Graph returns a deep copy of the current graph for execution.
func (slf *WorkflowSession) Graph() *models.Graph {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	return slf.graph.Clone()
}

func (slf *WorkflowSession) Snapshot() models.GraphSnapshot {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	return slf.graph.Snapshot()
}

// Types exposes the node type catalogue used by this session.
func (slf *WorkflowSession) Types() *models.NodeTypeRegistry {
	return slf.types
}

func (slf *WorkflowSession) publish(ctx context.Context, eventType events.Type, payload any) {
	if slf.publisher == nil {
		return
	}
	err := slf.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		WorkflowID: slf.workflowID,
		Payload:    payload,
	})
	if err != nil {
		slf.logger.Warn().Err(err).Str("type", string(eventType)).Msg("Failed to publish graph event")
	}
}

