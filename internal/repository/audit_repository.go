package repository

import (
	"fmt"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// AuditRepository handles automation log operations. Rows are never updated.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends an automation log entry.
func (r *AuditRepository) Create(entry *models.AutomationLog) error {
	if err := r.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write automation log: %w", err)
	}
	return nil
}

// List returns the most recent entries, optionally filtered by job.
func (r *AuditRepository) List(job string, limit int) ([]models.AutomationLog, error) {
	var entries []models.AutomationLog
	query := r.db.Order("id DESC")
	if job != "" {
		query = query.Where("job = ?", job)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list automation logs: %w", err)
	}
	return entries, nil
}
