package models

import "time"

// WorkflowDefinition is the persisted editable graph of a workflow.
type WorkflowDefinition struct {
	ID              string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name            string        `json:"name"`
	Graph           GraphSnapshot `gorm:"type:jsonb;serializer:json" json:"graph"`
	UpdatedByUserID uint          `json:"updatedByUserId"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}
