package repo

import (
	"context"
	"flowstudio"
	"flowstudio/internal/workflow/models"
	"sync"
	"time"

	"gorm.io/gorm"
)

type WorkflowRepository struct {
	Db *gorm.DB
}

func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{Db: flowstudio.DB}
}

func (slf *WorkflowRepository) Migrate() error {
	return slf.Db.AutoMigrate(&models.WorkflowDefinition{})
}

// FindByID retrieves a workflow definition by ID
func (slf *WorkflowRepository) FindByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := slf.Db.WithContext(ctx).First(&def, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &def, nil
}

// Save inserts or replaces a workflow definition
func (slf *WorkflowRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	return slf.Db.WithContext(ctx).Save(def).Error
}

// MemoryWorkflowRepository is the in-process counterpart of WorkflowRepository.
type MemoryWorkflowRepository struct {
	mu   sync.RWMutex
	defs map[string]models.WorkflowDefinition
}

func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{defs: make(map[string]models.WorkflowDefinition)}
}

func (slf *MemoryWorkflowRepository) FindByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	slf.mu.RLock()
	defer slf.mu.RUnlock()
	def, ok := slf.defs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &def, nil
}

func (slf *MemoryWorkflowRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	slf.mu.Lock()
	defer slf.mu.Unlock()
	now := time.Now()
	if existing, ok := slf.defs[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	slf.defs[def.ID] = *def
	return nil
}
