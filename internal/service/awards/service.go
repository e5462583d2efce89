// Package awards selects monthly winners and keeps their XP credits in step with
// the recorded awards.
package awards

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/cache"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Month outcome labels.
const (
	StatusAwarded  = "awarded"
	StatusToppedUp = "topped_up"
	StatusNoop     = "noop"
	StatusFailed   = "failed"
)

// Locker serializes award work per month.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Auditor records award mutations.
type Auditor interface {
	Record(ctx context.Context, entry automation.Entry)
}

// Options tune an award run. Amounts overrides the configured amount per rank.
type Options struct {
	Amounts map[int]int `json:"amounts,omitempty"`
	Actor   string      `json:"actor,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// WinnerResult describes one winner touched by an operation.
type WinnerResult struct {
	WinnerID  uint   `json:"winner_id"`
	Month     string `json:"month"`
	Rank      int    `json:"rank"`
	UserID    uint   `json:"user_id"`
	XPAwarded int    `json:"xp_awarded"`
	Delta     int    `json:"delta"`
}

// Skipped is a ranked user passed over during selection.
type Skipped struct {
	UserID uint   `json:"user_id"`
	Total  int    `json:"total"`
	Reason string `json:"reason"`
}

// MonthResult is the outcome of awarding or topping up one month.
type MonthResult struct {
	RunID   string         `json:"run_id"`
	Month   string         `json:"month"`
	Status  string         `json:"status"`
	Awarded []WinnerResult `json:"awarded"`
	TopUps  []WinnerResult `json:"top_ups"`
	Skipped []Skipped      `json:"skipped"`
	Error   string         `json:"error,omitempty"`
}

// BulkResult summarizes BulkAward.
type BulkResult struct {
	RunID     string        `json:"run_id"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Months    []MonthResult `json:"months"`
}

// RevokeResult is the outcome of revoking one winner.
type RevokeResult struct {
	WinnerID uint   `json:"winner_id"`
	Month    string `json:"month,omitempty"`
	UserID   uint   `json:"user_id,omitempty"`
	Reversed int    `json:"reversed"`
	Noop     bool   `json:"noop"`
	Error    string `json:"error,omitempty"`
}

// RevokeAllResult summarizes RevokeAllMonthlyWinners.
type RevokeAllResult struct {
	RunID     string         `json:"run_id"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Items     []RevokeResult `json:"items"`
}

// Service manages monthly winners.
type Service struct {
	db      *repository.DB
	awards  *repository.AwardRepository
	ledger  *repository.LedgerRepository
	locker  Locker
	auditor Auditor
	cfg     config.AwardsConfig
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates a monthly award service. locker and auditor may be nil.
func NewService(db *repository.DB, locker Locker, auditor Auditor, cfg config.AwardsConfig, log *logger.Logger) *Service {
	return &Service{
		db:      db,
		awards:  repository.NewAwardRepository(db),
		ledger:  repository.NewLedgerRepository(db),
		locker:  locker,
		auditor: auditor,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WinnerSource is the ledger source reference of a winner's award.
func WinnerSource(winnerID uint) string {
	return fmt.Sprintf("monthly_winner:%d", winnerID)
}

// AwardMonthlyWinner fills the open ranks of a finished month and then tops up every
// winner of the month. Re-running a fully awarded month only repeats the top-up.
func (s *Service) AwardMonthlyWinner(ctx context.Context, month string, opts Options) (*MonthResult, error) {
	if err := s.checkMonth(month); err != nil {
		return nil, err
	}
	release, err := s.lock(ctx, month)
	if err != nil {
		return nil, err
	}
	defer release()

	result := newMonthResult(month)
	if err := s.selectWinners(ctx, month, opts, result); err != nil {
		return nil, err
	}
	if err := s.topUp(ctx, month, opts.Actor, result); err != nil {
		return nil, err
	}
	s.finish(result)
	return result, nil
}

// TopUpMonthlyWinnerXP reconciles the ledger credit of every winner of a month with
// the recorded award amount.
func (s *Service) TopUpMonthlyWinnerXP(ctx context.Context, month string, actor string) (*MonthResult, error) {
	if _, err := models.ParseMonth(month); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidInput)
	}
	release, err := s.lock(ctx, month)
	if err != nil {
		return nil, err
	}
	defer release()

	result := newMonthResult(month)
	if err := s.topUp(ctx, month, actor, result); err != nil {
		return nil, err
	}
	s.finish(result)
	return result, nil
}

// BulkAward awards several months oldest first, so each month's cooldown sees the
// winners of the months before it. A failed month does not stop the batch.
func (s *Service) BulkAward(ctx context.Context, months []string, opts Options) (*BulkResult, error) {
	unique := make(map[string]bool, len(months))
	sorted := make([]string, 0, len(months))
	for _, m := range months {
		m = strings.TrimSpace(m)
		if !unique[m] {
			unique[m] = true
			sorted = append(sorted, m)
		}
	}
	// YYYY-MM keys sort chronologically.
	sort.Strings(sorted)

	bulk := &BulkResult{RunID: automation.NewRunID(), Months: []MonthResult{}}
	for _, month := range sorted {
		if err := ctx.Err(); err != nil {
			return bulk, err
		}
		result, err := s.AwardMonthlyWinner(ctx, month, opts)
		if err != nil {
			bulk.Failed++
			bulk.Months = append(bulk.Months, MonthResult{Month: month, Status: StatusFailed, Error: err.Error()})
			s.log.Error().Err(err).Str("month", month).Msg("Failed to award month")
			continue
		}
		bulk.Succeeded++
		bulk.Months = append(bulk.Months, *result)
	}

	s.audit(ctx, automation.Entry{
		RunID:  bulk.RunID,
		Job:    "awards.bulk",
		Status: batchStatus(bulk.Failed, len(sorted)),
		Actor:  actorOr(opts.Actor),
		Reason: opts.Reason,
		Result: map[string]interface{}{
			"months":    sorted,
			"succeeded": bulk.Succeeded,
			"failed":    bulk.Failed,
		},
	})
	return bulk, nil
}

// RevokeMonthlyWinnerByID deletes a winner and reverses its XP in one transaction.
// The user is barred from that month when it is awarded again.
// Revoking a winner that is already gone succeeds without writing anything.
func (s *Service) RevokeMonthlyWinnerByID(ctx context.Context, id uint, actor, reason string) (*RevokeResult, error) {
	result := &RevokeResult{WinnerID: id}

	winner, err := s.awards.FindByID(id)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		result.Month = winner.Month
		result.UserID = winner.UserID
		release, err := s.lock(ctx, winner.Month)
		if err != nil {
			return nil, err
		}
		defer release()
	} else {
		// The row is gone; reverse anything its source still holds.
		txns, err := s.ledger.ListBySource(WinnerSource(id))
		if err != nil {
			return nil, err
		}
		if len(txns) == 0 {
			result.Noop = true
			return result, nil
		}
		result.UserID = txns[0].UserID
	}

	err = s.db.InTx(ctx, func(tx *repository.DB) error {
		result.Reversed = 0
		reversal, err := repository.NewLedgerRepository(tx).ReconcileSource(models.XpTransaction{
			UserID:      result.UserID,
			Type:        models.TxTypeMonthlyAward,
			SourceRef:   WinnerSource(id),
			Description: fmt.Sprintf("Revoked monthly award %s", result.Month),
			CreatedAt:   s.now(),
		}, 0)
		if err != nil {
			return err
		}
		if reversal != nil {
			result.Reversed = reversal.Amount
		}
		if winner == nil {
			return nil
		}
		awards := repository.NewAwardRepository(tx)
		if err := awards.Delete(id); err != nil {
			return err
		}
		return awards.CreateRevocation(&models.MonthlyRevocation{
			Month:      winner.Month,
			UserID:     winner.UserID,
			WinnerID:   id,
			Rank:       winner.Rank,
			XPReversed: -result.Reversed,
			Actor:      actorOr(actor),
			Reason:     reason,
			RevokedAt:  s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	result.Noop = winner == nil && result.Reversed == 0
	if result.Noop {
		return result, nil
	}

	metrics.RecordMonthlyAward("revoked")
	if result.Reversed != 0 {
		metrics.RecordLedgerTransaction(models.TxTypeMonthlyAward)
	}
	s.audit(ctx, automation.Entry{
		Job:    "awards.revoke",
		Status: models.AutomationStatusSuccess,
		Actor:  actorOr(actor),
		Reason: reason,
		Result: result,
	})
	s.log.Info().
		Uint("winner_id", id).
		Str("month", result.Month).
		Uint("user_id", result.UserID).
		Int("reversed", result.Reversed).
		Msg("Monthly winner revoked")

	return result, nil
}

// RevokeAllMonthlyWinners revokes every recorded winner, collecting per-winner results.
func (s *Service) RevokeAllMonthlyWinners(ctx context.Context, actor, reason string) (*RevokeAllResult, error) {
	winners, err := s.awards.ListAll()
	if err != nil {
		return nil, err
	}

	all := &RevokeAllResult{RunID: automation.NewRunID(), Items: []RevokeResult{}}
	for _, w := range winners {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		item, err := s.RevokeMonthlyWinnerByID(ctx, w.ID, actor, reason)
		if err != nil {
			all.Failed++
			all.Items = append(all.Items, RevokeResult{WinnerID: w.ID, Month: w.Month, UserID: w.UserID, Error: err.Error()})
			continue
		}
		all.Succeeded++
		all.Items = append(all.Items, *item)
	}

	s.audit(ctx, automation.Entry{
		RunID:  all.RunID,
		Job:    "awards.revoke_all",
		Status: batchStatus(all.Failed, len(winners)),
		Actor:  actorOr(actor),
		Reason: reason,
		Result: map[string]interface{}{
			"succeeded": all.Succeeded,
			"failed":    all.Failed,
		},
	})
	return all, nil
}

// AdjustWinnerAmount overrides the recorded award of a winner and moves the ledger by
// the difference.
func (s *Service) AdjustWinnerAmount(ctx context.Context, id uint, amount int, actor, reason string) (*WinnerResult, error) {
	if amount < 0 {
		return nil, fmt.Errorf("award amount %d is negative: %w", amount, apperrors.ErrInvalidInput)
	}
	winner, err := s.awards.GetByID(id)
	if err != nil {
		return nil, err
	}
	release, err := s.lock(ctx, winner.Month)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &WinnerResult{WinnerID: id, Month: winner.Month, Rank: winner.Rank, UserID: winner.UserID, XPAwarded: amount}
	err = s.db.InTx(ctx, func(tx *repository.DB) error {
		result.Delta = 0
		if err := repository.NewAwardRepository(tx).UpdateAmount(id, amount); err != nil {
			return err
		}
		txn, err := repository.NewLedgerRepository(tx).ReconcileSource(s.awardEntry(winner), amount)
		if err != nil {
			return err
		}
		if txn != nil {
			result.Delta = txn.Amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordMonthlyAward("adjusted")
	s.audit(ctx, automation.Entry{
		Job:    "awards.adjust",
		Status: models.AutomationStatusSuccess,
		Actor:  actorOr(actor),
		Reason: reason,
		Result: map[string]interface{}{
			"winner_id":    id,
			"previous_xp":  winner.XPAwarded,
			"xp_awarded":   amount,
			"ledger_delta": result.Delta,
		},
	})
	return result, nil
}

// Winners lists the winners of a month, or every winner when month is empty.
func (s *Service) Winners(ctx context.Context, month string) ([]models.MonthlyWinner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if month == "" {
		return s.awards.ListAll()
	}
	return s.awards.ListByMonth(month)
}

func (s *Service) selectWinners(ctx context.Context, month string, opts Options, result *MonthResult) error {
	existing, err := s.awards.ListByMonth(month)
	if err != nil {
		return err
	}
	ranks := len(s.cfg.RankAmounts)
	if len(existing) >= ranks {
		return nil
	}

	taken := make(map[int]bool, len(existing))
	excluded := make(map[uint]string, len(existing))
	for _, w := range existing {
		taken[w.Rank] = true
		excluded[w.UserID] = "already_won"
	}
	revoked, err := s.awards.RevokedUsers(month)
	if err != nil {
		return err
	}
	for _, id := range revoked {
		excluded[id] = "revoked"
	}

	preceding, err := models.PrecedingMonths(month, s.cfg.CooldownMonths)
	if err != nil {
		return err
	}
	prior, err := s.awards.ListByMonths(preceding)
	if err != nil {
		return err
	}
	for _, w := range prior {
		if _, ok := excluded[w.UserID]; !ok {
			excluded[w.UserID] = "cooldown"
		}
	}

	start, end, err := models.MonthBounds(month)
	if err != nil {
		return err
	}
	ranked, err := s.ledger.SumsBetween(start, end, []string{models.TxTypeMonthlyAward})
	if err != nil {
		return err
	}

	rank := nextRank(taken, 1, ranks)
	for _, candidate := range ranked {
		if rank == 0 {
			break
		}
		if candidate.Total <= 0 {
			break
		}
		if reason, ok := excluded[candidate.UserID]; ok {
			if reason != "already_won" {
				result.Skipped = append(result.Skipped, Skipped{UserID: candidate.UserID, Total: candidate.Total, Reason: reason})
				metrics.RecordMonthlyAward(reason + "_skip")
				s.log.Debug().
					Str("month", month).
					Uint("user_id", candidate.UserID).
					Str("reason", reason).
					Msg("Skipping ineligible winner")
			}
			continue
		}

		winner, err := s.award(ctx, month, rank, candidate.UserID, s.amountFor(rank, opts))
		if err != nil {
			return err
		}
		result.Awarded = append(result.Awarded, WinnerResult{
			WinnerID:  winner.ID,
			Month:     month,
			Rank:      rank,
			UserID:    winner.UserID,
			XPAwarded: winner.XPAwarded,
			Delta:     winner.XPAwarded,
		})
		s.audit(ctx, automation.Entry{
			RunID:  result.RunID,
			Job:    "awards.award",
			Status: models.AutomationStatusSuccess,
			Actor:  actorOr(opts.Actor),
			Reason: opts.Reason,
			Result: map[string]interface{}{
				"winner_id":  winner.ID,
				"month":      month,
				"rank":       rank,
				"user_id":    winner.UserID,
				"xp_awarded": winner.XPAwarded,
				"month_xp":   candidate.Total,
			},
		})
		taken[rank] = true
		rank = nextRank(taken, rank+1, ranks)
	}
	return nil
}

// award inserts a winner row and its credit together.
func (s *Service) award(ctx context.Context, month string, rank int, userID uint, amount int) (*models.MonthlyWinner, error) {
	winner := &models.MonthlyWinner{}
	err := s.db.InTx(ctx, func(tx *repository.DB) error {
		*winner = models.MonthlyWinner{
			Month:     month,
			Rank:      rank,
			UserID:    userID,
			XPAwarded: amount,
			AwardedAt: s.now(),
		}
		if err := repository.NewAwardRepository(tx).Create(winner); err != nil {
			return err
		}
		_, err := repository.NewLedgerRepository(tx).ReconcileSource(s.awardEntry(winner), amount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to award rank %d of %s to user %d: %w", rank, month, userID, err)
	}

	metrics.RecordMonthlyAward("awarded")
	metrics.RecordLedgerTransaction(models.TxTypeMonthlyAward)
	s.log.Info().
		Str("month", month).
		Int("rank", rank).
		Uint("user_id", userID).
		Int("xp_awarded", amount).
		Msg("Monthly winner awarded")
	return winner, nil
}

func (s *Service) topUp(ctx context.Context, month, actor string, result *MonthResult) error {
	winners, err := s.awards.ListByMonth(month)
	if err != nil {
		return err
	}

	for _, w := range winners {
		var txn *models.XpTransaction
		err := s.db.InTx(ctx, func(tx *repository.DB) error {
			var err error
			txn, err = repository.NewLedgerRepository(tx).ReconcileSource(s.awardEntry(&w), w.XPAwarded)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to top up winner %d: %w", w.ID, err)
		}
		if txn == nil {
			continue
		}

		item := WinnerResult{WinnerID: w.ID, Month: month, Rank: w.Rank, UserID: w.UserID, XPAwarded: w.XPAwarded, Delta: txn.Amount}
		result.TopUps = append(result.TopUps, item)
		metrics.RecordMonthlyAward("topped_up")
		metrics.RecordLedgerTransaction(models.TxTypeMonthlyAward)
		s.audit(ctx, automation.Entry{
			RunID:  result.RunID,
			Job:    "awards.top_up",
			Status: models.AutomationStatusSuccess,
			Actor:  actorOr(actor),
			Result: item,
		})
		s.log.Warn().
			Uint("winner_id", w.ID).
			Str("month", month).
			Int("delta", txn.Amount).
			Msg("Monthly winner credit reconciled")
	}
	return nil
}

func (s *Service) awardEntry(w *models.MonthlyWinner) models.XpTransaction {
	return models.XpTransaction{
		UserID:      w.UserID,
		Type:        models.TxTypeMonthlyAward,
		SourceRef:   WinnerSource(w.ID),
		Description: fmt.Sprintf("Monthly winner %s rank %d", w.Month, w.Rank),
		CreatedAt:   s.now(),
	}
}

// checkMonth rejects malformed months and months that have not ended yet.
func (s *Service) checkMonth(month string) error {
	_, end, err := models.MonthBounds(month)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidInput)
	}
	if end.After(s.now()) {
		return fmt.Errorf("month %s has not ended: %w", month, apperrors.ErrInvalidInput)
	}
	return nil
}

func (s *Service) amountFor(rank int, opts Options) int {
	if amount, ok := opts.Amounts[rank]; ok {
		return amount
	}
	return s.cfg.RankAmounts[rank-1]
}

func (s *Service) lock(ctx context.Context, month string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, cache.AwardLockKey(month))
}

func (s *Service) finish(result *MonthResult) {
	switch {
	case len(result.Awarded) > 0:
		result.Status = StatusAwarded
	case len(result.TopUps) > 0:
		result.Status = StatusToppedUp
	default:
		result.Status = StatusNoop
	}
	s.log.Info().
		Str("run_id", result.RunID).
		Str("month", result.Month).
		Str("status", result.Status).
		Int("awarded", len(result.Awarded)).
		Int("top_ups", len(result.TopUps)).
		Int("skipped", len(result.Skipped)).
		Msg("Monthly award run completed")
}

func (s *Service) audit(ctx context.Context, entry automation.Entry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, entry)
	}
}

func newMonthResult(month string) *MonthResult {
	return &MonthResult{
		RunID:   automation.NewRunID(),
		Month:   month,
		Awarded: []WinnerResult{},
		TopUps:  []WinnerResult{},
		Skipped: []Skipped{},
	}
}

// nextRank returns the first free rank in [from, limit], or 0 when all are taken.
func nextRank(taken map[int]bool, from, limit int) int {
	for r := from; r <= limit; r++ {
		if !taken[r] {
			return r
		}
	}
	return 0
}

func actorOr(actor string) string {
	if actor == "" {
		return automation.ActorScheduler
	}
	return actor
}

func batchStatus(failed, total int) string {
	switch {
	case total == 0:
		return models.AutomationStatusNoop
	case failed == 0:
		return models.AutomationStatusSuccess
	case failed == total:
		return models.AutomationStatusFailed
	default:
		return models.AutomationStatusPartial
	}
}
