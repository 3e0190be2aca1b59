package repo

import (
	"context"
	"flowstudio/internal/workflow/models"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MemoryRunRepository keeps runs in process memory. It is used when no
// database is configured and in tests. Lookups of unknown ids return
// gorm.ErrRecordNotFound like RunRepository does.
type MemoryRunRepository struct {
	mu         sync.RWMutex
	runs       map[string]*models.WorkflowRun
	executions map[string]*models.NodeExecution
	byRun      map[string][]string
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{
		runs:       make(map[string]*models.WorkflowRun),
		executions: make(map[string]*models.NodeExecution),
		byRun:      make(map[string][]string),
	}
}

func (slf *MemoryRunRepository) RecordWorkflowRun(_ context.Context, workflowID string, startedByUserID uint, status models.RunStatus, startTime time.Time) (*models.WorkflowRun, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	run := &models.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      workflowID,
		StartedByUserID: startedByUserID,
		Status:          status,
		StartTime:       startTime,
	}
	slf.runs[run.ID] = run
	out := *run
	return &out, nil
}

func (slf *MemoryRunRepository) UpdateWorkflowRunStatus(_ context.Context, runID string, status models.RunStatus) (*models.WorkflowRun, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	run, ok := slf.runs[runID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	run.Status = status
	if status == models.RunStatusRunning {
		run.EndTime = nil
		run.ErrorMessage = ""
		run.ErrorCategory = models.ErrorCategoryNone
	}
	out := *run
	return &out, nil
}

func (slf *MemoryRunRepository) CompleteWorkflowRun(_ context.Context, runID string, status models.RunStatus, endTime time.Time, errorMessage string, errorCategory models.ErrorCategory) (*models.WorkflowRun, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	run, ok := slf.runs[runID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	run.Status = status
	run.EndTime = &endTime
	run.ErrorMessage = errorMessage
	run.ErrorCategory = errorCategory
	out := *run
	return &out, nil
}

func (slf *MemoryRunRepository) FindRun(_ context.Context, runID string) (*models.WorkflowRun, error) {
	slf.mu.RLock()
	defer slf.mu.RUnlock()
	run, ok := slf.runs[runID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *run
	return &out, nil
}

func (slf *MemoryRunRepository) FindRunsByWorkflow(_ context.Context, workflowID string, limit int) ([]models.WorkflowRun, error) {
	slf.mu.RLock()
	defer slf.mu.RUnlock()
	var runs []models.WorkflowRun
	for _, run := range slf.runs {
		if run.WorkflowID == workflowID {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (slf *MemoryRunRepository) RecordNodeExecution(_ context.Context, runID string, nodeID string, status models.ExecutionStatus, executionOrder int, startTime *time.Time) (*models.NodeExecution, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	exec := &models.NodeExecution{
		ID:             uuid.New().String(),
		RunID:          runID,
		NodeID:         nodeID,
		Status:         status,
		StartTime:      startTime,
		ExecutionOrder: executionOrder,
	}
	slf.executions[exec.ID] = exec
	slf.byRun[runID] = append(slf.byRun[runID], exec.ID)
	return copyExecution(exec), nil
}

func (slf *MemoryRunRepository) UpdateNodeExecutionInputData(_ context.Context, id string, inputData models.JSONMap) (bool, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	exec, ok := slf.executions[id]
	if !ok {
		return false, nil
	}
	exec.InputData = inputData
	return true, nil
}

func (slf *MemoryRunRepository) CompleteNodeExecution(_ context.Context, id string, status models.ExecutionStatus, endTime time.Time, outputData models.JSONMap, errorMessage string, errorCategory models.ErrorCategory) (*models.NodeExecution, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	exec, ok := slf.executions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	exec.Status = status
	exec.EndTime = &endTime
	exec.OutputData = outputData
	exec.ErrorMessage = errorMessage
	exec.ErrorCategory = errorCategory
	return copyExecution(exec), nil
}

func (slf *MemoryRunRepository) RetryNodeExecution(_ context.Context, id string, startTime time.Time) (*models.NodeExecution, error) {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	exec, ok := slf.executions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	exec.Status = models.NodeStatusRunning
	exec.RetryCount++
	exec.StartTime = &startTime
	exec.EndTime = nil
	exec.OutputData = nil
	exec.ErrorMessage = ""
	exec.ErrorCategory = models.ErrorCategoryNone
	return copyExecution(exec), nil
}

// GetNodeExecutions returns the records of a run ordered by execution order.
func (slf *MemoryRunRepository) GetNodeExecutions(_ context.Context, runID string) ([]models.NodeExecution, error) {
	slf.mu.RLock()
	defer slf.mu.RUnlock()
	out := make([]models.NodeExecution, 0, len(slf.byRun[runID]))
	for _, id := range slf.byRun[runID] {
		out = append(out, *copyExecution(slf.executions[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out, nil
}

func copyExecution(exec *models.NodeExecution) *models.NodeExecution {
	out := *exec
	return &out
}
