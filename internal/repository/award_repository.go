package repository

import (
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
)

// AwardRepository handles monthly winner operations.
type AwardRepository struct {
	db *DB
}

// NewAwardRepository creates a new award repository.
func NewAwardRepository(db *DB) *AwardRepository {
	return &AwardRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *AwardRepository) WithTx(tx *DB) *AwardRepository {
	return &AwardRepository{db: tx}
}

// Create inserts a winner row. A taken rank or a repeat winner in the same month
// is reported as ErrConcurrentUpdate.
func (r *AwardRepository) Create(winner *models.MonthlyWinner) error {
	if err := r.db.Create(winner).Error; err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("month %s rank %d: %w", winner.Month, winner.Rank, apperrors.ErrConcurrentUpdate)
		}
		return fmt.Errorf("failed to create monthly winner: %w", err)
	}
	return nil
}

// GetByID retrieves a winner by ID.
func (r *AwardRepository) GetByID(id uint) (*models.MonthlyWinner, error) {
	var winner models.MonthlyWinner
	if err := r.db.First(&winner, id).Error; err != nil {
		return nil, notFound(err, "monthly winner %d", id)
	}
	return &winner, nil
}

// FindByID retrieves a winner by ID, or nil when none exists.
func (r *AwardRepository) FindByID(id uint) (*models.MonthlyWinner, error) {
	var winners []models.MonthlyWinner
	if err := r.db.Where("id = ?", id).Limit(1).Find(&winners).Error; err != nil {
		return nil, fmt.Errorf("failed to find monthly winner %d: %w", id, err)
	}
	if len(winners) == 0 {
		return nil, nil
	}
	return &winners[0], nil
}

// ListByMonth lists the winners of a month ordered by rank.
func (r *AwardRepository) ListByMonth(month string) ([]models.MonthlyWinner, error) {
	var winners []models.MonthlyWinner
	if err := r.db.Where("month = ?", month).Order("rank ASC").Find(&winners).Error; err != nil {
		return nil, fmt.Errorf("failed to list winners for month %s: %w", month, err)
	}
	return winners, nil
}

// ListByMonths lists the winners of several months.
func (r *AwardRepository) ListByMonths(months []string) ([]models.MonthlyWinner, error) {
	var winners []models.MonthlyWinner
	if len(months) == 0 {
		return winners, nil
	}
	if err := r.db.Where("month IN ?", months).Order("month DESC, rank ASC").Find(&winners).Error; err != nil {
		return nil, fmt.Errorf("failed to list winners for months %v: %w", months, err)
	}
	return winners, nil
}

// ListAll lists every winner, newest month first.
func (r *AwardRepository) ListAll() ([]models.MonthlyWinner, error) {
	var winners []models.MonthlyWinner
	if err := r.db.Preload("User").Order("month DESC, rank ASC").Find(&winners).Error; err != nil {
		return nil, fmt.Errorf("failed to list monthly winners: %w", err)
	}
	return winners, nil
}

// UpdateAmount changes the recorded award of a winner.
func (r *AwardRepository) UpdateAmount(id uint, amount int) error {
	result := r.db.Model(&models.MonthlyWinner{}).Where("id = ?", id).Update("xp_awarded", amount)
	if result.Error != nil {
		return fmt.Errorf("failed to update award of winner %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("monthly winner %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

// Delete removes a winner row.
func (r *AwardRepository) Delete(id uint) error {
	if err := r.db.Delete(&models.MonthlyWinner{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete monthly winner %d: %w", id, err)
	}
	return nil
}

// CreateRevocation records a revoked winner. A repeat for the same month and user is ignored.
func (r *AwardRepository) CreateRevocation(rev *models.MonthlyRevocation) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "month"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(rev).Error
	if err != nil {
		return fmt.Errorf("failed to record revocation of user %d in %s: %w", rev.UserID, rev.Month, err)
	}
	return nil
}

// RevokedUsers returns the users whose award for the month was revoked.
func (r *AwardRepository) RevokedUsers(month string) ([]uint, error) {
	var ids []uint
	err := r.db.Model(&models.MonthlyRevocation{}).
		Where("month = ?", month).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list revoked users for month %s: %w", month, err)
	}
	return ids, nil
}
