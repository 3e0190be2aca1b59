package session

import (
	"context"
	"errors"
	"testing"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/validator"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*WorkflowSession, <-chan events.Event) {
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe(nil, 64)
	t.Cleanup(cancel)
	return New("wf-1", models.DefaultNodeTypes(), bus, zerolog.Nop()), ch
}

func addChain(t *testing.T, s *WorkflowSession) {
	ctx := context.Background()
	_, err := s.AddNode(ctx, NodeSpec{ID: "trigger", Kind: models.NodeKindTrigger})
	require.NoError(t, err)
	_, err = s.AddNode(ctx, NodeSpec{ID: "a", Kind: models.NodeKindAction, Config: models.Config{"operation": models.String("a")}})
	require.NoError(t, err)
	_, err = s.AddNode(ctx, NodeSpec{ID: "b", Kind: models.NodeKindAction, Config: models.Config{"operation": models.String("b")}})
	require.NoError(t, err)
	_, err = s.Connect(ctx, models.Edge{ID: "e1", SourceNodeID: "trigger", SourcePortID: "out", TargetNodeID: "a", TargetPortID: "in"})
	require.NoError(t, err)
	_, err = s.Connect(ctx, models.Edge{ID: "e2", SourceNodeID: "a", SourcePortID: "out", TargetNodeID: "b", TargetPortID: "in"})
	require.NoError(t, err)
}

func TestSession_AddNodeCopiesTemplatePorts(t *testing.T) {
	s, _ := newTestSession(t)

	node, err := s.AddNode(context.Background(), NodeSpec{Kind: models.NodeKindAction, Config: models.Config{"operation": models.String("x")}})
	require.NoError(t, err)
	assert.NotEmpty(t, node.ID, "id should be generated")
	assert.Equal(t, models.NodeStatusIdle, node.ExecutionState)
	require.Len(t, node.Ports, 2)

	node.Ports[0].DataType = "mutated"
	actionType, err := s.Types().Get(models.NodeKindAction)
	require.NoError(t, err)
	assert.Equal(t, "object", actionType.Ports[0].DataType)
	stored, _ := s.Graph().Node(node.ID)
	assert.Equal(t, "object", stored.Ports[0].DataType)
}

func TestSession_AddNodeRejectsInvalidConfig(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.AddNode(context.Background(), NodeSpec{ID: "d", Kind: models.NodeKindDelay, Config: models.Config{
		"milliseconds": models.Number(-5),
	}})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.Has(validator.RangeError))
	assert.Equal(t, 0, s.Graph().NodeCount())
}

func TestSession_AddNodeDuplicateID(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.AddNode(context.Background(), NodeSpec{ID: "t", Kind: models.NodeKindTrigger})
	require.NoError(t, err)
	_, err = s.AddNode(context.Background(), NodeSpec{ID: "t", Kind: models.NodeKindTrigger})
	assert.ErrorIs(t, err, ErrNodeExists)
}

func TestSession_ConnectRejectsCycle(t *testing.T) {
	s, _ := newTestSession(t)
	addChain(t, s)

	// a trigger has no input port, so loop b back into a instead
	_, err := s.Connect(context.Background(), models.Edge{SourceNodeID: "b", SourcePortID: "out", TargetNodeID: "a", TargetPortID: "in"})
	var verr validator.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, validator.CycleDetected, verr.Code)
	assert.Equal(t, 2, s.Graph().EdgeCount())
}

func TestSession_ConnectDuplicateEdgeID(t *testing.T) {
	s, ch := newTestSession(t)
	addChain(t, s)
	for len(ch) > 0 {
		<-ch
	}

	_, err := s.Connect(context.Background(), models.Edge{ID: "e1", SourceNodeID: "trigger", SourcePortID: "out", TargetNodeID: "b", TargetPortID: "in"})
	assert.ErrorIs(t, err, ErrEdgeExists)

	g := s.Graph()
	assert.Equal(t, 2, g.EdgeCount())
	e1, ok := g.Edge("e1")
	require.True(t, ok)
	assert.Equal(t, "a", e1.TargetNodeID)
	assert.Empty(t, ch, "a rejected edit publishes nothing")
}

func TestSession_RemoveNodeCascadesEdges(t *testing.T) {
	s, ch := newTestSession(t)
	addChain(t, s)
	for len(ch) > 0 {
		<-ch
	}

	require.NoError(t, s.RemoveNode(context.Background(), "a"))

	g := s.Graph()
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())

	var types []events.Type
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []events.Type{events.EdgeUpdate, events.EdgeUpdate, events.NodeUpdate}, types)

	assert.ErrorIs(t, s.RemoveNode(context.Background(), "a"), ErrNodeNotFound)
}

func TestSession_UpdateNodeConfig(t *testing.T) {
	s, _ := newTestSession(t)
	addChain(t, s)

	_, err := s.UpdateNodeConfig(context.Background(), "a", models.Config{})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.Has(validator.MissingRequiredField))

	updated, err := s.UpdateNodeConfig(context.Background(), "a", models.Config{"operation": models.String("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Config["operation"].String)
}

func TestSession_DisconnectAndLoad(t *testing.T) {
	s, _ := newTestSession(t)
	addChain(t, s)

	require.NoError(t, s.Disconnect(context.Background(), "e2"))
	assert.ErrorIs(t, s.Disconnect(context.Background(), "e2"), ErrEdgeNotFound)

	snapshot := s.Snapshot()
	copySession, _ := newTestSession(t)
	require.NoError(t, copySession.Load(context.Background(), snapshot))
	assert.Equal(t, 3, copySession.Graph().NodeCount())
	assert.Equal(t, 1, copySession.Graph().EdgeCount())

	snapshot.Edges = append(snapshot.Edges, models.Edge{ID: "bad", SourceNodeID: "b", SourcePortID: "out", TargetNodeID: "ghost", TargetPortID: "in"})
	assert.Error(t, copySession.Load(context.Background(), snapshot))
}
