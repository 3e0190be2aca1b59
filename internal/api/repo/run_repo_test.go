package repo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"flowstudio/internal/workflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// runStore is the contract both repositories satisfy.
type runStore interface {
	RecordWorkflowRun(ctx context.Context, workflowID string, startedByUserID uint, status models.RunStatus, startTime time.Time) (*models.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, runID string, status models.RunStatus) (*models.WorkflowRun, error)
	CompleteWorkflowRun(ctx context.Context, runID string, status models.RunStatus, endTime time.Time, errorMessage string, errorCategory models.ErrorCategory) (*models.WorkflowRun, error)
	FindRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]models.WorkflowRun, error)
	RecordNodeExecution(ctx context.Context, runID string, nodeID string, status models.ExecutionStatus, executionOrder int, startTime *time.Time) (*models.NodeExecution, error)
	UpdateNodeExecutionInputData(ctx context.Context, id string, inputData models.JSONMap) (bool, error)
	CompleteNodeExecution(ctx context.Context, id string, status models.ExecutionStatus, endTime time.Time, outputData models.JSONMap, errorMessage string, errorCategory models.ErrorCategory) (*models.NodeExecution, error)
	RetryNodeExecution(ctx context.Context, id string, startTime time.Time) (*models.NodeExecution, error)
	GetNodeExecutions(ctx context.Context, runID string) ([]models.NodeExecution, error)
}

func setupPostgres(t *testing.T) *gorm.DB {
	host := os.Getenv("TEST_DB_HOSTNAME")
	if host == "" {
		t.Skip("TEST_DB_HOSTNAME not set")
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		host, os.Getenv("TEST_DB_USERNAME"), os.Getenv("TEST_DB_PASSWORD"), os.Getenv("TEST_DB_NAME"), os.Getenv("TEST_DB_PORT"))
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	return db
}

func TestMemoryRunRepository(t *testing.T) {
	exerciseRunStore(t, NewMemoryRunRepository())
}

func TestRunRepository_Postgres(t *testing.T) {
	db := setupPostgres(t)
	r := &RunRepository{Db: db}
	require.NoError(t, r.Migrate())
	exerciseRunStore(t, r)
}

func exerciseRunStore(t *testing.T, store runStore) {
	ctx := context.Background()
	workflowID := fmt.Sprintf("wf-%d", time.Now().UnixNano())

	t.Run("run lifecycle", func(t *testing.T) {
		run, err := store.RecordWorkflowRun(ctx, workflowID, 7, models.RunStatusPending, time.Now())
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, models.RunStatusPending, run.Status)

		run, err = store.UpdateWorkflowRunStatus(ctx, run.ID, models.RunStatusRunning)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, run.Status)

		run, err = store.CompleteWorkflowRun(ctx, run.ID, models.RunStatusFailed, time.Now(), "boom", models.ErrorCategoryNodeFailure)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.NotNil(t, run.EndTime)
		assert.Equal(t, models.ErrorCategoryNodeFailure, run.ErrorCategory)

		run, err = store.UpdateWorkflowRunStatus(ctx, run.ID, models.RunStatusRunning)
		require.NoError(t, err)
		assert.Nil(t, run.EndTime, "re-opened run should lose its end time")
		assert.Empty(t, run.ErrorMessage)

		runs, err := store.FindRunsByWorkflow(ctx, workflowID, 10)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := store.CompleteWorkflowRun(ctx, "missing", models.RunStatusCompleted, time.Now(), "", "")
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})

	t.Run("node execution retry", func(t *testing.T) {
		run, err := store.RecordWorkflowRun(ctx, workflowID, 7, models.RunStatusRunning, time.Now())
		require.NoError(t, err)

		start := time.Now()
		second, err := store.RecordNodeExecution(ctx, run.ID, "b", models.NodeStatusRunning, 2, &start)
		require.NoError(t, err)
		first, err := store.RecordNodeExecution(ctx, run.ID, "a", models.NodeStatusRunning, 1, &start)
		require.NoError(t, err)

		ok, err := store.UpdateNodeExecutionInputData(ctx, first.ID, models.JSONMap{"trigger": "x"})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.UpdateNodeExecutionInputData(ctx, "missing", models.JSONMap{})
		require.NoError(t, err)
		assert.False(t, ok)

		failed, err := store.CompleteNodeExecution(ctx, first.ID, models.NodeStatusError, time.Now(), nil, "bad input", models.ErrorCategoryNodeFailure)
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusError, failed.Status)
		assert.Equal(t, "bad input", failed.ErrorMessage)

		retried, err := store.RetryNodeExecution(ctx, first.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, first.ID, retried.ID)
		assert.Equal(t, 1, retried.RetryCount)
		assert.Equal(t, models.NodeStatusRunning, retried.Status)
		assert.Empty(t, retried.ErrorMessage)
		assert.Nil(t, retried.EndTime)

		execs, err := store.GetNodeExecutions(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.Equal(t, first.ID, execs[0].ID, "records should come back in execution order")
		assert.Equal(t, second.ID, execs[1].ID)
	})
}
