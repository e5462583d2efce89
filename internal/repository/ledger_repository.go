package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// LedgerRepository handles XP transaction and cached total operations.
// Every append recomputes the user's cached total from the ledger sum.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *LedgerRepository) WithTx(tx *DB) *LedgerRepository {
	return &LedgerRepository{db: tx}
}

// UserSum is a per-user XP sum over some window.
type UserSum struct {
	UserID uint
	Total  int
}

// TotalMismatch describes a cached total that disagrees with the ledger.
type TotalMismatch struct {
	UserID uint
	Cached int
	Ledger int
}

// Append inserts a transaction and refreshes the user's cached total.
func (r *LedgerRepository) Append(txn *models.XpTransaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.WeekNumber == 0 {
		txn.WeekNumber = models.WeekNumber(txn.CreatedAt)
	}
	if err := r.db.Create(txn).Error; err != nil {
		return fmt.Errorf("failed to append XP transaction for user %d: %w", txn.UserID, err)
	}
	if _, err := r.RefreshTotal(txn.UserID); err != nil {
		return err
	}
	return nil
}

// NetForSource returns the signed sum of a user's transactions for one source reference.
func (r *LedgerRepository) NetForSource(userID uint, sourceRef string) (int, error) {
	var total int
	err := r.db.Model(&models.XpTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND source_ref = ?", userID, sourceRef).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum source %s for user %d: %w", sourceRef, userID, err)
	}
	return total, nil
}

// ReconcileSource brings the net amount of entry.SourceRef for entry.UserID to target
// by appending only the missing delta. It returns nil when nothing was appended.
func (r *LedgerRepository) ReconcileSource(entry models.XpTransaction, target int) (*models.XpTransaction, error) {
	current, err := r.NetForSource(entry.UserID, entry.SourceRef)
	if err != nil {
		return nil, err
	}
	delta := target - current
	if delta == 0 {
		return nil, nil
	}
	entry.ID = 0
	entry.Amount = delta
	if err := r.Append(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SumForUser returns the ledger sum of a user.
func (r *LedgerRepository) SumForUser(userID uint) (int, error) {
	var total int
	err := r.db.Model(&models.XpTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger for user %d: %w", userID, err)
	}
	return total, nil
}

// RefreshTotal recomputes the cached total of a user from the ledger and returns it.
// The cache row is locked before summing, so concurrent appends for the same user
// refresh one after the other and the last writer sees every committed transaction.
func (r *LedgerRepository) RefreshTotal(userID uint) (int, error) {
	now := time.Now().UTC()
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&models.UserXP{UserID: userID, UpdatedAt: now}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to create cached total for user %d: %w", userID, err)
	}

	var locked []models.UserXP
	err = r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Find(&locked).Error
	if err != nil {
		return 0, fmt.Errorf("failed to lock cached total for user %d: %w", userID, err)
	}

	total, err := r.SumForUser(userID)
	if err != nil {
		return 0, err
	}
	err = r.db.Model(&models.UserXP{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"total_xp": total, "updated_at": now}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to refresh cached total for user %d: %w", userID, err)
	}
	return total, nil
}

// GetCachedTotal returns the cached total of a user and whether a cache row exists.
func (r *LedgerRepository) GetCachedTotal(userID uint) (int, bool, error) {
	var rows []models.UserXP
	if err := r.db.Where("user_id = ?", userID).Limit(1).Find(&rows).Error; err != nil {
		return 0, false, fmt.Errorf("failed to get cached total for user %d: %w", userID, err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].TotalXP, true, nil
}

// FindMismatches lists users whose cached total differs from their ledger sum,
// including users with transactions but no cache row.
func (r *LedgerRepository) FindMismatches() ([]TotalMismatch, error) {
	var sums []UserSum
	err := r.db.Model(&models.XpTransaction{}).
		Select("user_id, COALESCE(SUM(amount), 0) AS total").
		Group("user_id").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger per user: %w", err)
	}

	var cached []models.UserXP
	if err := r.db.Find(&cached).Error; err != nil {
		return nil, fmt.Errorf("failed to list cached totals: %w", err)
	}
	cache := make(map[uint]int, len(cached))
	for _, c := range cached {
		cache[c.UserID] = c.TotalXP
	}

	var mismatches []TotalMismatch
	seen := make(map[uint]bool, len(sums))
	for _, s := range sums {
		seen[s.UserID] = true
		if c, ok := cache[s.UserID]; !ok || c != s.Total {
			mismatches = append(mismatches, TotalMismatch{UserID: s.UserID, Cached: c, Ledger: s.Total})
		}
	}
	for userID, c := range cache {
		if !seen[userID] && c != 0 {
			mismatches = append(mismatches, TotalMismatch{UserID: userID, Cached: c, Ledger: 0})
		}
	}
	return mismatches, nil
}

// SumsBetween ranks users by their XP sum in [start, end), excluding the given types.
// Ties are ordered by ascending user id.
func (r *LedgerRepository) SumsBetween(start, end time.Time, excludeTypes []string) ([]UserSum, error) {
	query := r.db.Model(&models.XpTransaction{}).
		Select("user_id, SUM(amount) AS total").
		Where("created_at >= ? AND created_at < ?", start, end)
	if len(excludeTypes) > 0 {
		query = query.Where("type NOT IN ?", excludeTypes)
	}

	var sums []UserSum
	err := query.Group("user_id").
		Order("total DESC").
		Order("user_id ASC").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger between %s and %s: %w",
			start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	return sums, nil
}

// SumsForWeek ranks users by their XP sum in one week number.
func (r *LedgerRepository) SumsForWeek(week int) ([]UserSum, error) {
	var sums []UserSum
	err := r.db.Model(&models.XpTransaction{}).
		Select("user_id, SUM(amount) AS total").
		Where("week_number = ?", week).
		Group("user_id").
		Order("total DESC").
		Order("user_id ASC").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger for week %d: %w", week, err)
	}
	return sums, nil
}

// BreakdownForWeek returns per-user, per-type sums of one week.
func (r *LedgerRepository) BreakdownForWeek(week int) (map[uint]map[string]int, error) {
	var rows []struct {
		UserID uint
		Type   string
		Total  int
	}
	err := r.db.Model(&models.XpTransaction{}).
		Select("user_id, type, SUM(amount) AS total").
		Where("week_number = ?", week).
		Group("user_id, type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to break down ledger for week %d: %w", week, err)
	}

	result := make(map[uint]map[string]int)
	for _, row := range rows {
		if result[row.UserID] == nil {
			result[row.UserID] = make(map[string]int)
		}
		result[row.UserID][row.Type] = row.Total
	}
	return result, nil
}

// ListByUser returns a user's most recent transactions.
func (r *LedgerRepository) ListByUser(userID uint, limit int) ([]models.XpTransaction, error) {
	var txns []models.XpTransaction
	query := r.db.Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions for user %d: %w", userID, err)
	}
	return txns, nil
}

// ListBySource returns every transaction of one source reference, oldest first.
func (r *LedgerRepository) ListBySource(sourceRef string) ([]models.XpTransaction, error) {
	var txns []models.XpTransaction
	if err := r.db.Where("source_ref = ?", sourceRef).Order("id ASC").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions for source %s: %w", sourceRef, err)
	}
	return txns, nil
}

// CountAll returns the number of ledger rows.
func (r *LedgerRepository) CountAll() (int64, error) {
	var count int64
	if err := r.db.Model(&models.XpTransaction{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}
