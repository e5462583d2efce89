package repository

import (
	"fmt"
	"time"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
)

// ReviewRepository handles review assignment and peer review operations.
type ReviewRepository struct {
	db *DB
}

// NewReviewRepository creates a new review repository.
func NewReviewRepository(db *DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *ReviewRepository) WithTx(tx *DB) *ReviewRepository {
	return &ReviewRepository{db: tx}
}

// ReviewHistoryRow is one completed review joined with the state of its submission.
type ReviewHistoryRow struct {
	ReviewID         uint
	SubmissionID     uint
	ReviewerID       uint
	XPScore          int
	IsLate           bool
	JudgmentStatus   string
	SubmissionStatus string
	FinalXP          *int
	CreatedAt        time.Time
}

// AssignmentStats counts a reviewer's settled assignments.
type AssignmentStats struct {
	ReviewerID uint
	Completed  int
	OnTime     int
	Missed     int
}

// ReviewScore is one peer score of one submission.
type ReviewScore struct {
	SubmissionID uint
	ReviewerID   uint
	XPScore      int
}

// ReviewerActivity counts completed and missed reviews of one reviewer in a window.
type ReviewerActivity struct {
	ReviewerID uint
	Completed  int
	Missed     int
}

// CreateAssignment creates a new review assignment.
func (r *ReviewRepository) CreateAssignment(assignment *models.ReviewAssignment) error {
	if err := r.db.Create(assignment).Error; err != nil {
		return fmt.Errorf("failed to create review assignment: %w", err)
	}
	return nil
}

// CreateReview creates a new peer review.
func (r *ReviewRepository) CreateReview(review *models.PeerReview) error {
	if err := r.db.Create(review).Error; err != nil {
		return fmt.Errorf("failed to create peer review: %w", err)
	}
	return nil
}

// GetReview retrieves a peer review by ID.
func (r *ReviewRepository) GetReview(id uint) (*models.PeerReview, error) {
	var review models.PeerReview
	if err := r.db.First(&review, id).Error; err != nil {
		return nil, notFound(err, "peer review %d", id)
	}
	return &review, nil
}

// GetReviewsBySubmission retrieves all peer reviews of a submission.
func (r *ReviewRepository) GetReviewsBySubmission(submissionID uint) ([]models.PeerReview, error) {
	var reviews []models.PeerReview
	if err := r.db.Where("submission_id = ?", submissionID).Order("id ASC").Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("failed to get reviews for submission %d: %w", submissionID, err)
	}
	return reviews, nil
}

// GetAssignmentsBySubmission retrieves all assignments of a submission.
func (r *ReviewRepository) GetAssignmentsBySubmission(submissionID uint) ([]models.ReviewAssignment, error) {
	var assignments []models.ReviewAssignment
	if err := r.db.Where("submission_id = ?", submissionID).Order("id ASC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("failed to get assignments for submission %d: %w", submissionID, err)
	}
	return assignments, nil
}

// UpdateReviewScore overwrites the score of a review. Used by admin correction only.
func (r *ReviewRepository) UpdateReviewScore(id uint, xpScore int) error {
	result := r.db.Model(&models.PeerReview{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"xp_score":   xpScore,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update score of review %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("peer review %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// SetJudgment labels every review of a submission scored at one of values.
func (r *ReviewRepository) SetJudgment(submissionID uint, values []int, status string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	result := r.db.Model(&models.PeerReview{}).
		Where("submission_id = ? AND xp_score IN ?", submissionID, values).
		Updates(map[string]interface{}{
			"judgment_status": status,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to set judgment %s on submission %d: %w", status, submissionID, result.Error)
	}
	return result.RowsAffected, nil
}

// ListOverdueAssignments lists outstanding assignments whose deadline is before cutoff.
func (r *ReviewRepository) ListOverdueAssignments(cutoff time.Time) ([]models.ReviewAssignment, error) {
	var assignments []models.ReviewAssignment
	err := r.db.
		Where("status IN ? AND deadline < ?",
			[]string{models.AssignmentStatusPending, models.AssignmentStatusInProgress}, cutoff).
		Order("id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue assignments: %w", err)
	}
	return assignments, nil
}

// MarkMissed transitions an outstanding assignment to MISSED.
// It reports false when the assignment was already settled.
func (r *ReviewRepository) MarkMissed(id uint) (bool, error) {
	result := r.db.Model(&models.ReviewAssignment{}).
		Where("id = ? AND status IN ?", id,
			[]string{models.AssignmentStatusPending, models.AssignmentStatusInProgress}).
		Updates(map[string]interface{}{
			"status":     models.AssignmentStatusMissed,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark assignment %d missed: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReviewerHistory lists completed reviews of the given reviewers created since the cutoff,
// joined with their submission's status and final XP.
func (r *ReviewRepository) ReviewerHistory(reviewerIDs []uint, since time.Time) ([]ReviewHistoryRow, error) {
	var rows []ReviewHistoryRow
	if len(reviewerIDs) == 0 {
		return rows, nil
	}
	err := r.db.Table("peer_reviews").
		Select(`peer_reviews.id AS review_id, peer_reviews.submission_id, peer_reviews.reviewer_id,
			peer_reviews.xp_score, peer_reviews.is_late, peer_reviews.judgment_status,
			submissions.status AS submission_status, submissions.final_xp, peer_reviews.created_at`).
		Joins("JOIN submissions ON submissions.id = peer_reviews.submission_id").
		Where("peer_reviews.reviewer_id IN ? AND peer_reviews.created_at >= ?", reviewerIDs, since).
		Order("peer_reviews.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load reviewer history: %w", err)
	}
	return rows, nil
}

// AssignmentStatsFor counts settled assignments of the given reviewers with a deadline since the cutoff.
func (r *ReviewRepository) AssignmentStatsFor(reviewerIDs []uint, since time.Time) (map[uint]AssignmentStats, error) {
	result := make(map[uint]AssignmentStats, len(reviewerIDs))
	if len(reviewerIDs) == 0 {
		return result, nil
	}
	var rows []struct {
		ReviewerID uint
		Status     string
		IsLate     bool
		Count      int
	}
	err := r.db.Model(&models.ReviewAssignment{}).
		Select("reviewer_id, status, is_late, COUNT(*) AS count").
		Where("reviewer_id IN ? AND deadline >= ?", reviewerIDs, since).
		Where("status IN ?", []string{models.AssignmentStatusCompleted, models.AssignmentStatusMissed}).
		Group("reviewer_id, status, is_late").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count assignment outcomes: %w", err)
	}

	for _, row := range rows {
		stats := result[row.ReviewerID]
		stats.ReviewerID = row.ReviewerID
		switch row.Status {
		case models.AssignmentStatusCompleted:
			stats.Completed += row.Count
			if !row.IsLate {
				stats.OnTime += row.Count
			}
		case models.AssignmentStatusMissed:
			stats.Missed += row.Count
		}
		result[row.ReviewerID] = stats
	}
	return result, nil
}

// ListReviewScoresSince lists non-invalidated peer scores created since the cutoff
// for submissions still awaiting consensus and without a vote case.
func (r *ReviewRepository) ListReviewScoresSince(since time.Time) ([]ReviewScore, error) {
	var rows []ReviewScore
	err := r.db.Table("peer_reviews").
		Select("peer_reviews.submission_id, peer_reviews.reviewer_id, peer_reviews.xp_score").
		Joins("JOIN submissions ON submissions.id = peer_reviews.submission_id").
		Where("peer_reviews.created_at >= ?", since).
		Where("peer_reviews.judgment_status <> ?", models.JudgmentInvalidated).
		Where("submissions.status IN ?", []string{models.SubmissionStatusAIReviewed, models.SubmissionStatusUnderPeerReview}).
		Where("NOT EXISTS (SELECT 1 FROM vote_cases vc WHERE vc.submission_id = peer_reviews.submission_id)").
		Order("peer_reviews.submission_id ASC, peer_reviews.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list review scores: %w", err)
	}
	return rows, nil
}

// ListReviewerIDs lists every reviewer with a review created since the cutoff.
func (r *ReviewRepository) ListReviewerIDs(since time.Time) ([]uint, error) {
	var ids []uint
	err := r.db.Model(&models.PeerReview{}).
		Where("created_at >= ?", since).
		Distinct().
		Order("reviewer_id ASC").
		Pluck("reviewer_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reviewers: %w", err)
	}
	return ids, nil
}

// ActivityBetween counts completed (by completion time) and missed (by deadline)
// assignments per reviewer in [start, end).
func (r *ReviewRepository) ActivityBetween(start, end time.Time) (map[uint]ReviewerActivity, error) {
	result := make(map[uint]ReviewerActivity)

	var completed []struct {
		ReviewerID uint
		Count      int
	}
	err := r.db.Model(&models.ReviewAssignment{}).
		Select("reviewer_id, COUNT(*) AS count").
		Where("status = ? AND completed_at >= ? AND completed_at < ?", models.AssignmentStatusCompleted, start, end).
		Group("reviewer_id").
		Scan(&completed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count completed assignments: %w", err)
	}
	for _, row := range completed {
		a := result[row.ReviewerID]
		a.ReviewerID = row.ReviewerID
		a.Completed = row.Count
		result[row.ReviewerID] = a
	}

	var missed []struct {
		ReviewerID uint
		Count      int
	}
	err = r.db.Model(&models.ReviewAssignment{}).
		Select("reviewer_id, COUNT(*) AS count").
		Where("status = ? AND deadline >= ? AND deadline < ?", models.AssignmentStatusMissed, start, end).
		Group("reviewer_id").
		Scan(&missed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count missed assignments: %w", err)
	}
	for _, row := range missed {
		a := result[row.ReviewerID]
		a.ReviewerID = row.ReviewerID
		a.Missed = row.Count
		result[row.ReviewerID] = a
	}
	return result, nil
}
