package repo

import (
	"context"
	"flowstudio"
	"flowstudio/internal/workflow/models"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunRepository stores runs and node execution records in postgres.
type RunRepository struct {
	Db *gorm.DB
}

func NewRunRepository() *RunRepository {
	return &RunRepository{Db: flowstudio.DB}
}

// Migrate creates or updates the run tables
func (slf *RunRepository) Migrate() error {
	return slf.Db.AutoMigrate(&models.WorkflowRun{}, &models.NodeExecution{})
}

func (slf *RunRepository) RecordWorkflowRun(ctx context.Context, workflowID string, startedByUserID uint, status models.RunStatus, startTime time.Time) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      workflowID,
		StartedByUserID: startedByUserID,
		Status:          status,
		StartTime:       startTime,
	}
	if err := slf.Db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateWorkflowRunStatus changes the status only. Moving back to running
// clears the completion fields.
func (slf *RunRepository) UpdateWorkflowRunStatus(ctx context.Context, runID string, status models.RunStatus) (*models.WorkflowRun, error) {
	updates := map[string]interface{}{"status": status}
	if status == models.RunStatusRunning {
		updates["end_time"] = nil
		updates["error_message"] = ""
		updates["error_category"] = ""
	}
	if err := slf.updateRun(ctx, runID, updates); err != nil {
		return nil, err
	}
	return slf.FindRun(ctx, runID)
}

func (slf *RunRepository) CompleteWorkflowRun(ctx context.Context, runID string, status models.RunStatus, endTime time.Time, errorMessage string, errorCategory models.ErrorCategory) (*models.WorkflowRun, error) {
	err := slf.updateRun(ctx, runID, map[string]interface{}{
		"status":         status,
		"end_time":       endTime,
		"error_message":  errorMessage,
		"error_category": errorCategory,
	})
	if err != nil {
		return nil, err
	}
	return slf.FindRun(ctx, runID)
}

func (slf *RunRepository) updateRun(ctx context.Context, runID string, updates map[string]interface{}) error {
	result := slf.Db.WithContext(ctx).Model(&models.WorkflowRun{}).
		Where("id = ?", runID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindRun retrieves a run by ID
func (slf *RunRepository) FindRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := slf.Db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// FindRunsByWorkflow retrieves the runs of a workflow, newest first
func (slf *RunRepository) FindRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]models.WorkflowRun, error) {
	var runs []models.WorkflowRun
	err := slf.Db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("start_time DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (slf *RunRepository) RecordNodeExecution(ctx context.Context, runID string, nodeID string, status models.ExecutionStatus, executionOrder int, startTime *time.Time) (*models.NodeExecution, error) {
	exec := &models.NodeExecution{
		ID:             uuid.New().String(),
		RunID:          runID,
		NodeID:         nodeID,
		Status:         status,
		StartTime:      startTime,
		ExecutionOrder: executionOrder,
	}
	if err := slf.Db.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, err
	}
	return exec, nil
}

// UpdateNodeExecutionInputData reports false when no record has the id.
func (slf *RunRepository) UpdateNodeExecutionInputData(ctx context.Context, id string, inputData models.JSONMap) (bool, error) {
	result := slf.Db.WithContext(ctx).Model(&models.NodeExecution{}).
		Where("id = ?", id).
		Update("input_data", inputData)
	return result.RowsAffected > 0, result.Error
}

func (slf *RunRepository) CompleteNodeExecution(ctx context.Context, id string, status models.ExecutionStatus, endTime time.Time, outputData models.JSONMap, errorMessage string, errorCategory models.ErrorCategory) (*models.NodeExecution, error) {
	err := slf.updateExecution(ctx, id, map[string]interface{}{
		"status":         status,
		"end_time":       endTime,
		"output_data":    outputData,
		"error_message":  errorMessage,
		"error_category": errorCategory,
	})
	if err != nil {
		return nil, err
	}
	return slf.findExecution(ctx, id)
}

// RetryNodeExecution bumps retry_count by one in the same statement that
// moves the record back to running.
func (slf *RunRepository) RetryNodeExecution(ctx context.Context, id string, startTime time.Time) (*models.NodeExecution, error) {
	err := slf.updateExecution(ctx, id, map[string]interface{}{
		"status":         models.NodeStatusRunning,
		"retry_count":    gorm.Expr("retry_count + 1"),
		"start_time":     startTime,
		"end_time":       nil,
		"output_data":    nil,
		"error_message":  "",
		"error_category": "",
	})
	if err != nil {
		return nil, err
	}
	return slf.findExecution(ctx, id)
}

func (slf *RunRepository) GetNodeExecutions(ctx context.Context, runID string) ([]models.NodeExecution, error) {
	var executions []models.NodeExecution
	err := slf.Db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("execution_order ASC").
		Find(&executions).Error
	return executions, err
}

func (slf *RunRepository) updateExecution(ctx context.Context, id string, updates map[string]interface{}) error {
	result := slf.Db.WithContext(ctx).Model(&models.NodeExecution{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (slf *RunRepository) findExecution(ctx context.Context, id string) (*models.NodeExecution, error) {
	var exec models.NodeExecution
	if err := slf.Db.WithContext(ctx).First(&exec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &exec, nil
}
