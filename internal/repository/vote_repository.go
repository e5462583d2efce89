package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
)

// VoteRepository handles vote case and judgment vote operations.
type VoteRepository struct {
	db *DB
}

// NewVoteRepository creates a new vote repository.
func NewVoteRepository(db *DB) *VoteRepository {
	return &VoteRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *VoteRepository) WithTx(tx *DB) *VoteRepository {
	return &VoteRepository{db: tx}
}

// OpenCase inserts a vote case unless the submission already has one, and returns the stored case.
// The boolean reports whether a new case was created.
func (r *VoteRepository) OpenCase(voteCase *models.VoteCase) (*models.VoteCase, bool, error) {
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}},
		DoNothing: true,
	}).Create(voteCase)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to open vote case for submission %d: %w", voteCase.SubmissionID, result.Error)
	}

	stored, err := r.GetCase(voteCase.SubmissionID)
	if err != nil {
		return nil, false, err
	}
	return stored, result.RowsAffected == 1, nil
}

// GetCase retrieves the vote case of a submission.
func (r *VoteRepository) GetCase(submissionID uint) (*models.VoteCase, error) {
	var voteCase models.VoteCase
	if err := r.db.Where("submission_id = ?", submissionID).First(&voteCase).Error; err != nil {
		return nil, notFound(err, "vote case for submission %d", submissionID)
	}
	return &voteCase, nil
}

// FindCase retrieves the vote case of a submission, or nil when none exists.
func (r *VoteRepository) FindCase(submissionID uint) (*models.VoteCase, error) {
	var cases []models.VoteCase
	if err := r.db.Where("submission_id = ?", submissionID).Limit(1).Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("failed to find vote case for submission %d: %w", submissionID, err)
	}
	if len(cases) == 0 {
		return nil, nil
	}
	return &cases[0], nil
}

// CloseCase moves an open case to a terminal status. It reports false if the case was no longer open.
func (r *VoteRepository) CloseCase(submissionID uint, status string, winningXP *int, totalVotes int, at time.Time) (bool, error) {
	result := r.db.Model(&models.VoteCase{}).
		Where("submission_id = ? AND status = ?", submissionID, models.VoteCaseOpen).
		Updates(map[string]interface{}{
			"status":      status,
			"winning_xp":  winningXP,
			"total_votes": totalVotes,
			"resolved_at": at,
			"updated_at":  at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to close vote case for submission %d: %w", submissionID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetTotalVotes records the running ballot count of an open case.
func (r *VoteRepository) SetTotalVotes(submissionID uint, total int) error {
	err := r.db.Model(&models.VoteCase{}).
		Where("submission_id = ?", submissionID).
		Update("total_votes", total).Error
	if err != nil {
		return fmt.Errorf("failed to update vote count for submission %d: %w", submissionID, err)
	}
	return nil
}

// ListOpenCases lists open cases, optionally only those past their deadline.
func (r *VoteRepository) ListOpenCases(deadlineBefore *time.Time) ([]models.VoteCase, error) {
	var cases []models.VoteCase
	query := r.db.Where("status = ?", models.VoteCaseOpen)
	if deadlineBefore != nil {
		query = query.Where("deadline < ?", *deadlineBefore)
	}
	if err := query.Order("id ASC").Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("failed to list open vote cases: %w", err)
	}
	return cases, nil
}

// ListCases lists cases in the given status, newest first.
func (r *VoteRepository) ListCases(status string, limit int) ([]models.VoteCase, error) {
	var cases []models.VoteCase
	query := r.db.Order("id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("failed to list vote cases: %w", err)
	}
	return cases, nil
}

// CreateVote stores a ballot and claims its identity key plus any extra keys (the
// voter's linked wallets) in one transaction. Unique indexes reject a second ballot
// that shares an identity, wallet or claim with ErrAlreadyVoted.
func (r *VoteRepository) CreateVote(vote *models.JudgmentVote, extraKeys ...string) error {
	keys := []string{vote.IdentityKey}
	seen := map[string]bool{vote.IdentityKey: true}
	for _, k := range extraKeys {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(vote).Error; err != nil {
			return err
		}
		claims := make([]models.VoteIdentityClaim, 0, len(keys))
		for _, k := range keys {
			claims = append(claims, models.VoteIdentityClaim{SubmissionID: vote.SubmissionID, IdentityKey: k, VoteID: vote.ID})
		}
		return tx.Create(&claims).Error
	})
	if err != nil {
		vote.ID = 0
		if IsDuplicate(err) {
			return fmt.Errorf("submission %d, identity %s: %w", vote.SubmissionID, vote.IdentityKey, apperrors.ErrAlreadyVoted)
		}
		return fmt.Errorf("failed to store vote: %w", err)
	}
	return nil
}

// HasVoted reports whether any of the identity keys or wallets already voted on the submission.
func (r *VoteRepository) HasVoted(submissionID uint, identityKeys, wallets []string) (bool, error) {
	query := r.db.Model(&models.JudgmentVote{}).Where("submission_id = ?", submissionID)
	switch {
	case len(identityKeys) > 0 && len(wallets) > 0:
		query = query.Where("identity_key IN ? OR wallet_address IN ?", identityKeys, wallets)
	case len(identityKeys) > 0:
		query = query.Where("identity_key IN ?", identityKeys)
	case len(wallets) > 0:
		query = query.Where("wallet_address IN ?", wallets)
	default:
		return false, nil
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check votes for submission %d: %w", submissionID, err)
	}
	return count > 0, nil
}

// Tally counts ballots per voted XP value.
func (r *VoteRepository) Tally(submissionID uint) (map[int]int, error) {
	var rows []struct {
		VoteXP int
		Count  int
	}
	err := r.db.Model(&models.JudgmentVote{}).
		Select("vote_xp, COUNT(*) AS count").
		Where("submission_id = ?", submissionID).
		Group("vote_xp").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to tally votes for submission %d: %w", submissionID, err)
	}

	tally := make(map[int]int, len(rows))
	for _, row := range rows {
		tally[row.VoteXP] = row.Count
	}
	return tally, nil
}
