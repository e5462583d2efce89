package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// WeekRepository handles week close markers and weekly insights.
type WeekRepository struct {
	db *DB
}

// NewWeekRepository creates a new week repository.
func NewWeekRepository(db *DB) *WeekRepository {
	return &WeekRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *WeekRepository) WithTx(tx *DB) *WeekRepository {
	return &WeekRepository{db: tx}
}

// GetClose returns the close marker of a week, or nil if the week is open.
func (r *WeekRepository) GetClose(week int) (*models.WeekClose, error) {
	var rows []models.WeekClose
	if err := r.db.Where("week = ?", week).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get close marker for week %d: %w", week, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Close records a week as closed. It reports false if another run closed it first.
func (r *WeekRepository) Close(week, penalized int, at time.Time) (bool, error) {
	marker := models.WeekClose{Week: week, Penalized: penalized, ClosedAt: at}
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "week"}},
		DoNothing: true,
	}).Create(&marker)
	if result.Error != nil {
		return false, fmt.Errorf("failed to close week %d: %w", week, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpsertInsight writes the weekly summary of one user.
func (r *WeekRepository) UpsertInsight(insight *models.WeeklyInsight) error {
	now := time.Now().UTC()
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = now
	}
	insight.UpdatedAt = now
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "week"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"xp_earned", "reviews_completed", "reviews_missed", "breakdown", "updated_at"}),
	}).Create(insight).Error
	if err != nil {
		return fmt.Errorf("failed to upsert weekly insight for user %d week %d: %w", insight.UserID, insight.Week, err)
	}
	return nil
}

// ListInsights lists the insights of a week ordered by XP earned.
func (r *WeekRepository) ListInsights(week int) ([]models.WeeklyInsight, error) {
	var insights []models.WeeklyInsight
	err := r.db.Where("week = ?", week).
		Order("xp_earned DESC").
		Order("user_id ASC").
		Find(&insights).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list insights for week %d: %w", week, err)
	}
	return insights, nil
}
