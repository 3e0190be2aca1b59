package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/session"
	"flowstudio/internal/workflow/validator"

	"github.com/rs/zerolog"
)

const processTimeout = 10 * time.Second

// Workflows is the editing and run-control surface a processor drives.
type Workflows interface {
	Session(ctx context.Context, workflowID string) (*session.WorkflowSession, error)
	StartRun(ctx context.Context, workflowID string, userID uint, input models.JSONMap) (*models.WorkflowRun, error)
	CancelRun(runID string) error
	RetryNode(ctx context.Context, runID string, nodeID string) error
}

// GenericHandler receives well-formed messages of a type outside the
// enumerated set.
type GenericHandler func(c *Client, msg Message)

// MessageProcessor applies editor messages to workflow sessions. Accepted
// edits reach observers through the event bus, so nothing is broadcast
// from here; rejections come back to the sender as an error message.
type MessageProcessor struct {
	workflows Workflows
	generic   GenericHandler
	logger    zerolog.Logger
}

func NewMessageProcessor(workflows Workflows, logger zerolog.Logger) *MessageProcessor {
	return &MessageProcessor{
		workflows: workflows,
		generic:   relayGeneric,
		logger:    logger,
	}
}

// SetGenericHandler replaces the default handler, which relays the message
// to the rest of the room.
func (p *MessageProcessor) SetGenericHandler(h GenericHandler) {
	if h == nil {
		h = relayGeneric
	}
	p.generic = h
}

func (p *MessageProcessor) HandleGeneric(c *Client, msg Message) {
	p.generic(c, msg)
}

// ProcessMessage applies one node_update, edge_update or workflow_update.
func (p *MessageProcessor) ProcessMessage(c *Client, msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	switch msg.Type {
	case MessageTypeNodeUpdate:
		return p.processNodeUpdate(ctx, c, msg)
	case MessageTypeEdgeUpdate:
		return p.processEdgeUpdate(ctx, c, msg)
	case MessageTypeWorkflowUpdate:
		return p.processWorkflowCommand(ctx, c, msg)
	default:
		return fmt.Errorf("message type %q is not processable", msg.Type)
	}
}

func (p *MessageProcessor) processNodeUpdate(ctx context.Context, c *Client, msg Message) error {
	var update NodeUpdate
	if err := msg.Decode(&update); err != nil {
		return fmt.Errorf("invalid node_update payload: %w", err)
	}
	s, err := p.workflows.Session(ctx, c.WorkflowID)
	if err != nil {
		return err
	}

	switch update.Action {
	case events.ChangeAdded:
		_, err = s.AddNode(ctx, session.NodeSpec{
			ID:     update.NodeID,
			Kind:   update.Kind,
			Name:   update.Name,
			Config: update.Config,
		})
	case events.ChangeUpdated:
		_, err = s.UpdateNodeConfig(ctx, update.NodeID, update.Config)
	case events.ChangeRemoved:
		err = s.RemoveNode(ctx, update.NodeID)
	default:
		return fmt.Errorf("unknown node_update action %q", update.Action)
	}
	if err != nil {
		return err
	}

	p.logger.Debug().
		Str("workflowId", c.WorkflowID).
		Str("nodeId", update.NodeID).
		Str("action", string(update.Action)).
		Uint("userId", c.UserID).
		Msg("Node updated via WebSocket")
	return nil
}

func (p *MessageProcessor) processEdgeUpdate(ctx context.Context, c *Client, msg Message) error {
	var update EdgeUpdate
	if err := msg.Decode(&update); err != nil {
		return fmt.Errorf("invalid edge_update payload: %w", err)
	}
	s, err := p.workflows.Session(ctx, c.WorkflowID)
	if err != nil {
		return err
	}

	switch update.Action {
	case events.ChangeAdded:
		_, err = s.Connect(ctx, models.Edge{
			ID:           update.EdgeID,
			SourceNodeID: update.SourceNodeID,
			SourcePortID: update.SourcePortID,
			TargetNodeID: update.TargetNodeID,
			TargetPortID: update.TargetPortID,
		})
	case events.ChangeRemoved:
		err = s.Disconnect(ctx, update.EdgeID)
	default:
		return fmt.Errorf("unknown edge_update action %q", update.Action)
	}
	return err
}

func (p *MessageProcessor) processWorkflowCommand(ctx context.Context, c *Client, msg Message) error {
	var cmd WorkflowCommand
	if err := msg.Decode(&cmd); err != nil {
		return fmt.Errorf("invalid workflow_update payload: %w", err)
	}

	switch cmd.Action {
	case RunActionStart:
		// runs outlive the message, so they get their own context
		run, err := p.workflows.StartRun(context.Background(), c.WorkflowID, c.UserID, models.JSONMap(cmd.Input))
		if err != nil {
			return err
		}
		p.logger.Info().Str("workflowId", c.WorkflowID).Str("runId", run.ID).Uint("userId", c.UserID).Msg("Run started via WebSocket")
		return nil
	case RunActionCancel:
		return p.workflows.CancelRun(cmd.RunID)
	case RunActionRetry:
		return p.workflows.RetryNode(ctx, cmd.RunID, cmd.NodeID)
	default:
		return fmt.Errorf("unknown workflow_update action %q", cmd.Action)
	}
}

// describeError turns a processing error into the text and structured
// violations sent back to the editor.
func describeError(err error) (string, any) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return "validation failed", []validator.ValidationError(verrs)
	}
	var verr validator.ValidationError
	if errors.As(err, &verr) {
		return "validation failed", []validator.ValidationError{verr}
	}
	return err.Error(), nil
}
