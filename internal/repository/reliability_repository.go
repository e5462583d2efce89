package repository

import (
	"fmt"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// ReliabilityRepository handles reliability snapshot operations.
type ReliabilityRepository struct {
	db *DB
}

// NewReliabilityRepository creates a new reliability repository.
func NewReliabilityRepository(db *DB) *ReliabilityRepository {
	return &ReliabilityRepository{db: db}
}

// CreateSnapshots stores a batch of snapshots.
func (r *ReliabilityRepository) CreateSnapshots(snapshots []models.ReliabilitySnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(snapshots, 100).Error; err != nil {
		return fmt.Errorf("failed to store reliability snapshots: %w", err)
	}
	return nil
}

// LatestForReviewer returns the most recent snapshot per formula for a reviewer.
func (r *ReliabilityRepository) LatestForReviewer(reviewerID uint) ([]models.ReliabilitySnapshot, error) {
	var snapshots []models.ReliabilitySnapshot
	err := r.db.
		Where("reviewer_id = ?", reviewerID).
		Where("id IN (SELECT MAX(id) FROM reliability_snapshots WHERE reviewer_id = ? GROUP BY formula)", reviewerID).
		Order("active DESC, formula ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshots for reviewer %d: %w", reviewerID, err)
	}
	return snapshots, nil
}

// ListLatest returns the most recent snapshot per reviewer for one formula.
func (r *ReliabilityRepository) ListLatest(formula string) ([]models.ReliabilitySnapshot, error) {
	var snapshots []models.ReliabilitySnapshot
	err := r.db.
		Where("id IN (SELECT MAX(id) FROM reliability_snapshots WHERE formula = ? GROUP BY reviewer_id)", formula).
		Order("reviewer_id ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for formula %s: %w", formula, err)
	}
	return snapshots, nil
}
