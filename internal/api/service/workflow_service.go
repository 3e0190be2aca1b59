package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"flowstudio/internal/workflow/engine"
	"flowstudio/internal/workflow/models"
	"flowstudio/internal/workflow/session"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// WorkflowStore persists editable graphs.
type WorkflowStore interface {
	FindByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Save(ctx context.Context, def *models.WorkflowDefinition) error
}

// RunStore is the read side of the run repository.
type RunStore interface {
	FindRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	FindRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]models.WorkflowRun, error)
	GetNodeExecutions(ctx context.Context, runID string) ([]models.NodeExecution, error)
}

// WorkflowService owns one WorkflowSession per open workflow and starts runs
// from their graphs.
type WorkflowService struct {
	mu           sync.Mutex
	sessions     map[string]*session.WorkflowSession
	types        *models.NodeTypeRegistry
	publisher    session.Publisher
	orchestrator *engine.Orchestrator
	workflows    WorkflowStore
	runs         RunStore
	logger       zerolog.Logger
}

func NewWorkflowService(types *models.NodeTypeRegistry, publisher session.Publisher, orchestrator *engine.Orchestrator, workflows WorkflowStore, runs RunStore, logger zerolog.Logger) *WorkflowService {
	return &WorkflowService{
		sessions:     make(map[string]*session.WorkflowSession),
		types:        types,
		publisher:    publisher,
		orchestrator: orchestrator,
		workflows:    workflows,
		runs:         runs,
		logger:       logger,
	}
}

// Session returns the live session of a workflow, loading the stored graph
// the first time it is opened.
func (slf *WorkflowService) Session(ctx context.Context, workflowID string) (*session.WorkflowSession, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()

	if s, ok := slf.sessions[workflowID]; ok {
		return s, nil
	}

	s := session.New(workflowID, slf.types, slf.publisher, slf.logger)
	def, err := slf.workflows.FindByID(ctx, workflowID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		slf.logger.Debug().Str("workflowId", workflowID).Msg("Opening new workflow")
	case err != nil:
		slf.logger.Error().Err(err).Str("workflowId", workflowID).Msg("Error loading workflow")
		return nil, err
	default:
		if err := s.Load(ctx, def.Graph); err != nil {
			return nil, fmt.Errorf("stored graph of %s is invalid: %w", workflowID, err)
		}
	}
	slf.sessions[workflowID] = s
	return s, nil
}

// Save persists the current graph of a workflow.
func (slf *WorkflowService) Save(ctx context.Context, workflowID string, name string, userID uint) (*models.WorkflowDefinition, error) {
	s, err := slf.Session(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def := &models.WorkflowDefinition{
		ID:              workflowID,
		Name:            name,
		Graph:           s.Snapshot(),
		UpdatedByUserID: userID,
	}
	if existing, err := slf.workflows.FindByID(ctx, workflowID); err == nil {
		def.CreatedAt = existing.CreatedAt
		if name == "" {
			def.Name = existing.Name
		}
	}
	if err := slf.workflows.Save(ctx, def); err != nil {
		slf.logger.Error().Err(err).Str("workflowId", workflowID).Msg("Error saving workflow")
		return nil, err
	}
	slf.logger.Info().Str("workflowId", workflowID).Int("nodes", len(def.Graph.Nodes)).Msg("Workflow saved")
	return def, nil
}

// NodeTypes lists the catalogue nodes are instantiated from.
func (slf *WorkflowService) NodeTypes() []models.NodeType {
	return slf.types.All()
}

// StartRun executes the current graph of a workflow.
func (slf *WorkflowService) StartRun(ctx context.Context, workflowID string, userID uint, input models.JSONMap) (*models.WorkflowRun, error) {
	s, err := slf.Session(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return slf.orchestrator.Start(ctx, engine.StartRequest{
		WorkflowID: workflowID,
		UserID:     userID,
		Graph:      s.Graph(),
		Input:      input,
	})
}

func (slf *WorkflowService) CancelRun(runID string) error {
	return slf.orchestrator.Cancel(runID)
}

func (slf *WorkflowService) RetryNode(ctx context.Context, runID string, nodeID string) error {
	return slf.orchestrator.RetryNode(ctx, runID, nodeID)
}

// GetRun prefers the live state and falls back to storage for runs started
// by another process or before a restart.
func (slf *WorkflowService) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	if run, err := slf.orchestrator.Run(runID); err == nil {
		return run, nil
	}
	run, err := slf.runs.FindRun(ctx, runID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	return run, err
}

func (slf *WorkflowService) ListRuns(ctx context.Context, workflowID string, limit int) ([]models.WorkflowRun, error) {
	return slf.runs.FindRunsByWorkflow(ctx, workflowID, limit)
}

func (slf *WorkflowService) ActiveRun(workflowID string) (*models.WorkflowRun, bool) {
	return slf.orchestrator.ActiveRun(workflowID)
}

func (slf *WorkflowService) Executions(ctx context.Context, runID string) ([]models.NodeExecution, error) {
	return slf.runs.GetNodeExecutions(ctx, runID)
}
