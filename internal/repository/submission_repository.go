package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
)

// SubmissionRepository handles submission-related database operations.
type SubmissionRepository struct {
	db *DB
}

// NewSubmissionRepository creates a new submission repository.
func NewSubmissionRepository(db *DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *SubmissionRepository) WithTx(tx *DB) *SubmissionRepository {
	return &SubmissionRepository{db: tx}
}

// Create creates a new submission.
func (r *SubmissionRepository) Create(submission *models.Submission) error {
	if err := r.db.Create(submission).Error; err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// GetByID retrieves a submission by ID.
func (r *SubmissionRepository) GetByID(id uint) (*models.Submission, error) {
	var submission models.Submission
	if err := r.db.First(&submission, id).Error; err != nil {
		return nil, notFound(err, "submission %d", id)
	}
	return &submission, nil
}

// GetWithReviews retrieves a submission with its assignments and reviews.
func (r *SubmissionRepository) GetWithReviews(id uint) (*models.Submission, error) {
	var submission models.Submission
	err := r.db.
		Preload("Assignments", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Reviews", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&submission, id).Error
	if err != nil {
		return nil, notFound(err, "submission %d", id)
	}
	return &submission, nil
}

// ConsensusUpdate carries the fields written when consensus is applied.
type ConsensusUpdate struct {
	Status         string
	PeerXP         *float64
	FinalXP        *int
	ConsensusScore *float64
	Confidence     *float64
	ReviewCount    int
	FinalizedAt    *time.Time
}

// ApplyConsensus writes the consensus fields if the submission is still at expectedVersion,
// and bumps the version. A stale version returns ErrConcurrentUpdate.
func (r *SubmissionRepository) ApplyConsensus(id uint, expectedVersion int, update ConsensusUpdate) error {
	result := r.db.Model(&models.Submission{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"status":          update.Status,
			"peer_xp":         update.PeerXP,
			"final_xp":        update.FinalXP,
			"consensus_score": update.ConsensusScore,
			"confidence":      update.Confidence,
			"review_count":    update.ReviewCount,
			"finalized_at":    update.FinalizedAt,
			"version":         expectedVersion + 1,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to apply consensus to submission %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("submission %d changed since version %d: %w", id, expectedVersion, apperrors.ErrConcurrentUpdate)
	}
	return nil
}

// UpdateStatus sets the lifecycle status of a submission.
func (r *SubmissionRepository) UpdateStatus(id uint, status string) error {
	result := r.db.Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update status of submission %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("submission %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// ListReady lists submissions awaiting consensus whose assignments are all settled,
// that have at least one peer review and no open vote case.
func (r *SubmissionRepository) ListReady(limit int) ([]models.Submission, error) {
	var submissions []models.Submission
	query := r.db.
		Where("status IN ?", []string{models.SubmissionStatusAIReviewed, models.SubmissionStatusUnderPeerReview}).
		Where("NOT EXISTS (SELECT 1 FROM review_assignments ra WHERE ra.submission_id = submissions.id AND ra.status IN ?)",
			[]string{models.AssignmentStatusPending, models.AssignmentStatusInProgress}).
		Where("EXISTS (SELECT 1 FROM peer_reviews pr WHERE pr.submission_id = submissions.id)").
		Where("NOT EXISTS (SELECT 1 FROM vote_cases vc WHERE vc.submission_id = submissions.id AND vc.status = ?)",
			models.VoteCaseOpen).
		Order("submissions.id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("failed to list ready submissions: %w", err)
	}
	return submissions, nil
}

// ListByStatus lists submissions in a given status.
func (r *SubmissionRepository) ListByStatus(status string) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.Where("status = ?", status).Order("id ASC").Find(&submissions).Error; err != nil {
		return nil, fmt.Errorf("failed to list submissions by status %s: %w", status, err)
	}
	return submissions, nil
}

// GetFinalXPs returns finalXp of finalized submissions keyed by submission id.
func (r *SubmissionRepository) GetFinalXPs(ids []uint) (map[uint]int, error) {
	result := make(map[uint]int, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var rows []models.Submission
	err := r.db.Select("id", "final_xp").
		Where("id IN ? AND status = ? AND final_xp IS NOT NULL", ids, models.SubmissionStatusFinalized).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get final XP of submissions: %w", err)
	}
	for _, row := range rows {
		result[row.ID] = *row.FinalXP
	}
	return result, nil
}
