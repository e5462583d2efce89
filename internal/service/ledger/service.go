// Package ledger exposes the XP ledger to administrators: manual adjustments,
// legacy transfers and cached-total reconciliation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Auditor records ledger mutations.
type Auditor interface {
	Record(ctx context.Context, entry automation.Entry)
}

// Reconciliation compares one user's cached total with the ledger sum.
type Reconciliation struct {
	UserID   uint `json:"user_id"`
	Cached   int  `json:"cached"`
	Ledger   int  `json:"ledger"`
	Repaired bool `json:"repaired"`
}

// ItemResult is the per-user outcome of ReconcileAll.
type ItemResult struct {
	UserID uint   `json:"user_id"`
	Cached int    `json:"cached"`
	Ledger int    `json:"ledger"`
	Error  string `json:"error,omitempty"`
}

// ReconcileReport summarizes a full reconciliation pass.
type ReconcileReport struct {
	RunID    string       `json:"run_id"`
	Checked  int          `json:"checked"`
	Repaired int          `json:"repaired"`
	Failed   int          `json:"failed"`
	Items    []ItemResult `json:"items"`
}

// Service manages direct ledger operations.
type Service struct {
	db      *repository.DB
	ledger  *repository.LedgerRepository
	users   *repository.UserRepository
	auditor Auditor
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates a new ledger service.
func NewService(db *repository.DB, auditor Auditor, log *logger.Logger) *Service {
	return &Service{
		db:      db,
		ledger:  repository.NewLedgerRepository(db),
		users:   repository.NewUserRepository(db),
		auditor: auditor,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LegacySource is the source reference of an imported legacy balance.
func LegacySource(ref string) string {
	return "legacy:" + ref
}

// AdjustUserXP appends an ADMIN_ADJUSTMENT of amount for a user.
func (s *Service) AdjustUserXP(ctx context.Context, userID uint, amount int, reason, actor string) (*models.XpTransaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("adjustment amount must be non-zero: %w", apperrors.ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("adjustment requires a reason: %w", apperrors.ErrInvalidInput)
	}
	if _, err := s.users.GetByID(userID); err != nil {
		return nil, err
	}

	now := s.now()
	txn := &models.XpTransaction{
		UserID:      userID,
		Amount:      amount,
		Type:        models.TxTypeAdminAdjustment,
		SourceRef:   fmt.Sprintf("admin:%d:%d", userID, now.UnixNano()),
		Description: reason,
		CreatedAt:   now,
	}
	err := s.db.InTx(ctx, func(tx *repository.DB) error {
		txn.ID = 0
		return s.ledger.WithTx(tx).Append(txn)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordLedgerTransaction(txn.Type)

	s.audit(ctx, automation.Entry{
		Job:    "ledger.adjust",
		Status: models.AutomationStatusSuccess,
		Actor:  actor,
		Reason: reason,
		Result: map[string]interface{}{
			"user_id":        userID,
			"amount":         amount,
			"transaction_id": txn.ID,
		},
	})
	s.log.Info().
		Uint("user_id", userID).
		Int("amount", amount).
		Str("actor", actor).
		Msg("XP adjusted")

	return txn, nil
}

// RecordLegacyTransfer imports a balance from a previous system. Repeating a transfer
// with the same ref reconciles to the new amount instead of appending it again.
// It returns nil when the ledger already matched.
func (s *Service) RecordLegacyTransfer(ctx context.Context, userID uint, amount int, ref, actor string) (*models.XpTransaction, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("legacy transfer requires a reference: %w", apperrors.ErrInvalidInput)
	}
	if _, err := s.users.GetByID(userID); err != nil {
		return nil, err
	}

	var appended *models.XpTransaction
	err := s.db.InTx(ctx, func(tx *repository.DB) error {
		var err error
		appended, err = s.ledger.WithTx(tx).ReconcileSource(models.XpTransaction{
			UserID:      userID,
			Type:        models.TxTypeLegacyTransfer,
			SourceRef:   LegacySource(ref),
			Description: "legacy balance " + ref,
			CreatedAt:   s.now(),
		}, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	if appended == nil {
		return nil, nil
	}
	metrics.RecordLedgerTransaction(appended.Type)

	s.audit(ctx, automation.Entry{
		Job:    "ledger.legacy_transfer",
		Status: models.AutomationStatusSuccess,
		Actor:  actor,
		Result: map[string]interface{}{
			"user_id": userID,
			"ref":     ref,
			"target":  amount,
			"delta":   appended.Amount,
		},
	})
	return appended, nil
}

// ReconcileUser compares a user's cached total with the ledger and recomputes it.
// A drifted total is repaired and reported as ErrReconciliationMismatch alongside
// the result.
func (s *Service) ReconcileUser(ctx context.Context, userID uint) (*Reconciliation, error) {
	var result Reconciliation
	err := s.db.InTx(ctx, func(tx *repository.DB) error {
		ledger := s.ledger.WithTx(tx)
		cached, _, err := ledger.GetCachedTotal(userID)
		if err != nil {
			return err
		}
		sum, err := ledger.RefreshTotal(userID)
		if err != nil {
			return err
		}
		result = Reconciliation{
			UserID:   userID,
			Cached:   cached,
			Ledger:   sum,
			Repaired: cached != sum,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Repaired {
		metrics.RecordReconciliationMismatch()
		s.log.Warn().
			Uint("user_id", userID).
			Int("cached", result.Cached).
			Int("ledger", result.Ledger).
			Msg("Cached XP total drifted from ledger, recomputed")
		return &result, fmt.Errorf("user %d cached %d ledger %d: %w", userID, result.Cached, result.Ledger, apperrors.ErrReconciliationMismatch)
	}
	return &result, nil
}

// ReconcileAll repairs every cached total that disagrees with the ledger.
func (s *Service) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	start := s.now()
	mismatches, err := s.ledger.FindMismatches()
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{RunID: automation.NewRunID(), Items: []ItemResult{}}
	for _, m := range mismatches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		item := ItemResult{UserID: m.UserID, Cached: m.Cached, Ledger: m.Ledger}
		if _, err := s.ReconcileUser(ctx, m.UserID); err != nil && !errors.Is(err, apperrors.ErrReconciliationMismatch) {
			item.Error = err.Error()
			report.Failed++
		} else {
			report.Repaired++
		}
		report.Items = append(report.Items, item)
	}

	if report.Checked > 0 {
		s.audit(ctx, automation.Entry{
			RunID:  report.RunID,
			Job:    "ledger.reconcile",
			Status: reportStatus(report),
			Actor:  automation.ActorSystem,
			Result: report,
		})
	}
	s.log.Info().
		Str("run_id", report.RunID).
		Int("repaired", report.Repaired).
		Int("failed", report.Failed).
		Dur("duration", s.now().Sub(start)).
		Msg("Ledger reconciliation completed")

	return report, nil
}

// GetTotal returns a user's XP. The ledger is authoritative; the cached total is
// only used when it exists.
func (s *Service) GetTotal(ctx context.Context, userID uint) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cached, ok, err := s.ledger.GetCachedTotal(userID)
	if err != nil {
		return 0, err
	}
	if ok {
		return cached, nil
	}
	return s.ledger.SumForUser(userID)
}

// History returns a user's most recent transactions.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]models.XpTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ledger.ListByUser(userID, limit)
}

func (s *Service) audit(ctx context.Context, entry automation.Entry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, entry)
	}
}

func reportStatus(report *ReconcileReport) string {
	switch {
	case report.Failed == 0:
		return models.AutomationStatusSuccess
	case report.Repaired == 0:
		return models.AutomationStatusFailed
	default:
		return models.AutomationStatusPartial
	}
}
