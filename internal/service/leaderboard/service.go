// Package leaderboard ranks users by the XP they earned in a week or a month.
// Rankings are computed from ledger sums only, never from cached totals.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Period names.
const (
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

const (
	cacheTTL    = 5 * time.Minute
	cachePrefix = "leaderboard:"
)

// LedgerRepository interface for ledger aggregate queries.
type LedgerRepository interface {
	SumsForWeek(week int) ([]repository.UserSum, error)
	SumsBetween(start, end time.Time, excludeTypes []string) ([]repository.UserSum, error)
	SumForUser(userID uint) (int, error)
}

// UserRepository interface for user lookups.
type UserRepository interface {
	GetByID(id uint) (*models.User, error)
	GetByIDs(ids []uint) (map[uint]models.User, error)
}

// Cache interface for the optional read cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelPattern(ctx context.Context, pattern string) error
}

// Entry represents a single entry in a leaderboard.
type Entry struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	XP       int    `json:"xp"`
	Rank     int    `json:"rank"`
}

// Service builds leaderboards.
type Service struct {
	ledgerRepo LedgerRepository
	userRepo   UserRepository
	cache      Cache
	log        *logger.Logger
}

// NewService creates a new leaderboard service with concrete repository types.
// cache may be nil.
func NewService(
	ledgerRepo *repository.LedgerRepository,
	userRepo *repository.UserRepository,
	cache Cache,
	log *logger.Logger,
) *Service {
	return &Service{
		ledgerRepo: ledgerRepo,
		userRepo:   userRepo,
		cache:      cache,
		log:        log,
	}
}

// NewServiceWithInterfaces creates a new leaderboard service with interface dependencies (useful for testing).
func NewServiceWithInterfaces(
	ledgerRepo LedgerRepository,
	userRepo UserRepository,
	cache Cache,
	log *logger.Logger,
) *Service {
	return &Service{
		ledgerRepo: ledgerRepo,
		userRepo:   userRepo,
		cache:      cache,
		log:        log,
	}
}

// WeeklyLeaderboard ranks users by every transaction booked to an ISO week.
func (s *Service) WeeklyLeaderboard(ctx context.Context, week, limit int) ([]Entry, error) {
	return s.board(ctx, PeriodWeek, fmt.Sprintf("%d", week), limit, func() ([]repository.UserSum, error) {
		return s.ledgerRepo.SumsForWeek(week)
	})
}

// MonthlyLeaderboard ranks users by the XP earned in a month. Monthly awards are
// left out so the board matches the ranking winners are selected from.
func (s *Service) MonthlyLeaderboard(ctx context.Context, month string, limit int) ([]Entry, error) {
	start, end, err := models.MonthBounds(month)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidInput)
	}
	return s.board(ctx, PeriodMonth, month, limit, func() ([]repository.UserSum, error) {
		return s.ledgerRepo.SumsBetween(start, end, []string{models.TxTypeMonthlyAward})
	})
}

// GetUserRank returns the rank of a user on the board of one period.
func (s *Service) GetUserRank(ctx context.Context, userID uint, period, key string) (int, error) {
	var (
		entries []Entry
		err     error
	)
	switch period {
	case PeriodWeek:
		var week int
		if _, scanErr := fmt.Sscanf(key, "%d", &week); scanErr != nil {
			return 0, fmt.Errorf("invalid week %q: %w", key, apperrors.ErrInvalidInput)
		}
		entries, err = s.WeeklyLeaderboard(ctx, week, 0)
	case PeriodMonth:
		entries, err = s.MonthlyLeaderboard(ctx, key, 0)
	default:
		return 0, fmt.Errorf("unknown period %q: %w", period, apperrors.ErrInvalidInput)
	}
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		if entry.UserID == userID {
			return entry.Rank, nil
		}
	}
	return 0, fmt.Errorf("user %d on %s board %s: %w", userID, period, key, apperrors.ErrNotFound)
}

// Invalidate drops every cached board. Called after ledger mutations outside the
// normal flow, such as admin adjustments and revokes.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.DelPattern(ctx, cachePrefix+"*")
}

func (s *Service) board(ctx context.Context, period, key string, limit int, load func() ([]repository.UserSum, error)) ([]Entry, error) {
	cacheKey := fmt.Sprintf("%s%s:%s", cachePrefix, period, key)
	entries, ok := s.cached(ctx, cacheKey)
	if !ok {
		sums, err := load()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s leaderboard %s: %w", period, key, err)
		}
		entries, err = s.entries(sums)
		if err != nil {
			return nil, err
		}
		s.store(ctx, cacheKey, entries)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// entries turns ordered sums into ranked entries. Sums arrive sorted by XP then user id.
func (s *Service) entries(sums []repository.UserSum) ([]Entry, error) {
	ids := make([]uint, 0, len(sums))
	for _, sum := range sums {
		ids = append(ids, sum.UserID)
	}
	users, err := s.userRepo.GetByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}

	entries := make([]Entry, 0, len(sums))
	for i, sum := range sums {
		user, ok := users[sum.UserID]
		if !ok {
			s.log.Warn().Uint("user_id", sum.UserID).Msg("Ledger references unknown user")
		}
		entries = append(entries, Entry{
			UserID:   sum.UserID,
			Username: user.Username,
			XP:       sum.Total,
			Rank:     i + 1,
		})
	}
	return entries, nil
}

func (s *Service) cached(ctx context.Context, key string) ([]Entry, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Leaderboard cache read failed")
		return nil, false
	}
	if raw == "" {
		return nil, false
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Discarding corrupt leaderboard cache entry")
		return nil, false
	}
	return entries, true
}

func (s *Service) store(ctx context.Context, key string, entries []Entry) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(payload), cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Leaderboard cache write failed")
	}
}
