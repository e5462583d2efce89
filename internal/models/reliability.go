package models

import (
	"time"

	"gorm.io/datatypes"
)

// ReliabilitySnapshot stores a reviewer's reliability metric for one evaluation window and formula.
type ReliabilitySnapshot struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ReviewerID     uint           `gorm:"not null;index" json:"reviewer_id"`
	Formula        string         `gorm:"size:100;not null;index" json:"formula"`
	FormulaVersion int            `gorm:"not null" json:"formula_version"`
	Active         bool           `gorm:"default:false" json:"active"`
	Score          float64        `gorm:"not null" json:"score"`
	Accuracy       *float64       `json:"accuracy"`
	Timeliness     *float64       `json:"timeliness"`
	SampleSize     int            `gorm:"default:0" json:"sample_size"`
	WindowStart    time.Time      `json:"window_start"`
	WindowEnd      time.Time      `json:"window_end"`
	Metrics        datatypes.JSON `json:"metrics"`
	ComputedAt     time.Time      `gorm:"index" json:"computed_at"`
}

// TableName specifies the table name for ReliabilitySnapshot model.
func (ReliabilitySnapshot) TableName() string {
	return "reliability_snapshots"
}
