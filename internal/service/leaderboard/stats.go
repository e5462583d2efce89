package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// UserStats summarizes a user's standing at one point in time.
type UserStats struct {
	UserID    uint   `json:"user_id"`
	Username  string `json:"username"`
	TotalXP   int    `json:"total_xp"`
	Week      int    `json:"week"`
	WeekXP    int    `json:"week_xp"`
	WeekRank  int    `json:"week_rank"`
	Month     string `json:"month"`
	MonthXP   int    `json:"month_xp"`
	MonthRank int    `json:"month_rank"`
}

// GetUserStats returns a user's total XP and their week and month standing at now.
// A rank of 0 means the user earned nothing in that period.
func (s *Service) GetUserStats(ctx context.Context, userID uint, now time.Time) (*UserStats, error) {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	total, err := s.ledgerRepo.SumForUser(userID)
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		UserID:   userID,
		Username: user.Username,
		TotalXP:  total,
		Week:     models.WeekNumber(now),
		Month:    models.MonthKey(now),
	}

	week, err := s.WeeklyLeaderboard(ctx, stats.Week, 0)
	if err != nil {
		return nil, err
	}
	stats.WeekXP, stats.WeekRank = find(week, userID)

	month, err := s.MonthlyLeaderboard(ctx, stats.Month, 0)
	if err != nil {
		return nil, err
	}
	stats.MonthXP, stats.MonthRank = find(month, userID)

	return stats, nil
}

func find(entries []Entry, userID uint) (int, int) {
	for _, e := range entries {
		if e.UserID == userID {
			return e.XP, e.Rank
		}
	}
	return 0, 0
}
