// Package aggregator drives submissions through consensus into the XP ledger and
// closes XP weeks.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/internal/service/consensus"
	"github.com/aimd54/reputation-consensus/internal/service/ledger"
)

// Item status labels.
const (
	StatusFinalized = "finalized"
	StatusDivergent = "divergent"
	StatusWaiting   = "awaiting_vote"
	StatusUnchanged = "unchanged"
	StatusPostponed = "postponed"
	StatusFailed    = "failed"
)

// Consensus computes and persists submission consensus.
type Consensus interface {
	Calculate(ctx context.Context, submissionID uint) (*consensus.Result, error)
	Recalculate(ctx context.Context, submissionID uint, actor, reason string) (*consensus.Result, error)
}

// Reconciler recomputes cached XP totals from the ledger.
type Reconciler interface {
	ReconcileUser(ctx context.Context, userID uint) (*ledger.Reconciliation, error)
}

// Auditor records pipeline runs.
type Auditor interface {
	Record(ctx context.Context, entry automation.Entry)
}

// ItemResult is the outcome of one submission in a batch.
type ItemResult struct {
	SubmissionID uint   `json:"submission_id"`
	Status       string `json:"status"`
	FinalXP      int    `json:"final_xp,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchResult summarizes ProcessReadySubmissions. Postponed and divergent items are
// not failures.
type BatchResult struct {
	RunID     string       `json:"run_id"`
	Total     int          `json:"total"`
	Finalized int          `json:"finalized"`
	Divergent int          `json:"divergent"`
	Postponed int          `json:"postponed"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

// PenaltyResult is the outcome of one overdue assignment in a weekly reset.
type PenaltyResult struct {
	AssignmentID uint   `json:"assignment_id"`
	ReviewerID   uint   `json:"reviewer_id"`
	Penalized    bool   `json:"penalized"`
	Error        string `json:"error,omitempty"`
}

// WeeklyResetResult summarizes one weekly reset.
type WeeklyResetResult struct {
	RunID         string          `json:"run_id"`
	Week          int             `json:"week"`
	AlreadyClosed bool            `json:"already_closed"`
	Closed        bool            `json:"closed"`
	Penalized     int             `json:"penalized"`
	Insights      int             `json:"insights"`
	Items         []PenaltyResult `json:"items"`
}

// Service runs the XP aggregation pipeline.
type Service struct {
	db          *repository.DB
	submissions *repository.SubmissionRepository
	reviews     *repository.ReviewRepository
	ledger      *repository.LedgerRepository
	weeks       *repository.WeekRepository
	consensus   Consensus
	reconciler  Reconciler
	auditor     Auditor
	cfg         config.AggregationConfig
	maxXP       int
	log         *zerolog.Logger
	now         func() time.Time
}

// NewService creates a new aggregation pipeline.
func NewService(
	db *repository.DB,
	calculator Consensus,
	reconciler Reconciler,
	auditor Auditor,
	cfg config.AggregationConfig,
	maxXP int,
	log *zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		submissions: repository.NewSubmissionRepository(db),
		reviews:     repository.NewReviewRepository(db),
		ledger:      repository.NewLedgerRepository(db),
		weeks:       repository.NewWeekRepository(db),
		consensus:   calculator,
		reconciler:  reconciler,
		auditor:     auditor,
		cfg:         cfg,
		maxXP:       maxXP,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AggregateXP runs consensus for one submission and reconciles the cached totals of
// everyone it paid.
func (s *Service) AggregateXP(ctx context.Context, submissionID uint) (*consensus.Result, error) {
	result, err := s.consensus.Calculate(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if err := s.reconcileTotals(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// ProcessReadySubmissions aggregates every submission whose reviews are settled.
// Each submission succeeds or fails on its own.
func (s *Service) ProcessReadySubmissions(ctx context.Context) (*BatchResult, error) {
	start := s.now()
	ready, err := s.submissions.ListReady(0)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready submissions: %w", err)
	}

	s.log.Info().
		Int("ready", len(ready)).
		Msg("Starting ready submission processing")

	items := make([]ItemResult, len(ready))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for i, sub := range ready {
		g.Go(func() error {
			items[i] = s.processOne(gctx, sub.ID)
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{RunID: automation.NewRunID(), Items: items}
	for _, item := range items {
		result.Total++
		switch item.Status {
		case StatusFinalized:
			result.Finalized++
		case StatusDivergent, StatusWaiting:
			result.Divergent++
		case StatusPostponed:
			result.Postponed++
		case StatusFailed:
			result.Failed++
		}
		metrics.RecordBatchItem("process_ready", item.Status)
	}

	if result.Total > 0 {
		s.audit(ctx, automation.Entry{
			RunID:  result.RunID,
			Job:    "aggregation.process_ready",
			Status: batchStatus(result.Failed, result.Total),
			Actor:  automation.ActorScheduler,
			Result: result,
		})
	}

	s.log.Info().
		Str("run_id", result.RunID).
		Int("total", result.Total).
		Int("finalized", result.Finalized).
		Int("divergent", result.Divergent).
		Int("postponed", result.Postponed).
		Int("failed", result.Failed).
		Dur("duration", s.now().Sub(start)).
		Msg("Ready submission processing completed")

	return result, nil
}

func (s *Service) processOne(ctx context.Context, submissionID uint) ItemResult {
	item := ItemResult{SubmissionID: submissionID}
	if err := ctx.Err(); err != nil {
		item.Status = StatusFailed
		item.Error = err.Error()
		return item
	}

	result, err := s.AggregateXP(ctx, submissionID)
	switch {
	case err != nil && consensus.IsPostponed(err):
		item.Status = StatusPostponed
		s.log.Debug().Err(err).Uint("submission_id", submissionID).Msg("Submission postponed")
		return item
	case err != nil:
		item.Status = StatusFailed
		item.Error = err.Error()
		s.log.Error().Err(err).Uint("submission_id", submissionID).Msg("Failed to aggregate submission")
		return item
	}

	switch result.Outcome {
	case consensus.OutcomeFinalized:
		item.Status = StatusFinalized
		item.FinalXP = result.FinalXP
	case consensus.OutcomeDivergent:
		item.Status = StatusDivergent
	case consensus.OutcomeAwaitingVote:
		item.Status = StatusWaiting
	default:
		item.Status = StatusUnchanged
	}
	return item
}

// WeeklyReset closes the ISO week starting at weekStart: overdue assignments become
// MISSED with one penalty each, and weekly insights are written. Re-running a closed
// week is a no-op. The close marker is only written once every penalty landed, so a
// partially failed run is completed by the next one. A week that has not ended is rejected.
func (s *Service) WeeklyReset(ctx context.Context, weekStart time.Time) (*WeeklyResetResult, error) {
	start := models.WeekStart(weekStart)
	end := start.AddDate(0, 0, 7)
	week := models.WeekNumber(start)
	runStart := s.now()
	if end.After(runStart) {
		return nil, fmt.Errorf("week %d has not ended: %w", week, apperrors.ErrInvalidInput)
	}

	result := &WeeklyResetResult{RunID: automation.NewRunID(), Week: week, Items: []PenaltyResult{}}

	closed, err := s.weeks.GetClose(week)
	if err != nil {
		return nil, err
	}
	if closed != nil {
		result.AlreadyClosed = true
		s.log.Info().Int("week", week).Time("closed_at", closed.ClosedAt).Msg("Week already closed")
		return result, nil
	}

	s.log.Info().
		Int("week", week).
		Time("start", start).
		Time("end", end).
		Msg("Starting weekly reset")

	overdue, err := s.reviews.ListOverdueAssignments(end)
	if err != nil {
		return nil, err
	}
	failed := 0
	for _, assignment := range overdue {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		item := s.penalize(ctx, assignment, week)
		if item.Error != "" {
			failed++
		}
		if item.Penalized {
			result.Penalized++
		}
		result.Items = append(result.Items, item)
	}

	insights, err := s.writeInsights(week, start, end)
	if err != nil {
		return result, err
	}
	result.Insights = insights

	if failed == 0 {
		result.Closed, err = s.weeks.Close(week, result.Penalized, s.now())
		if err != nil {
			return result, err
		}
	}

	s.audit(ctx, automation.Entry{
		RunID:  result.RunID,
		Job:    "aggregation.weekly_reset",
		Status: batchStatus(failed, len(overdue)),
		Actor:  automation.ActorScheduler,
		Result: result,
	})

	s.log.Info().
		Int("week", week).
		Int("penalized", result.Penalized).
		Int("insights", result.Insights).
		Int("failed", failed).
		Bool("closed", result.Closed).
		Dur("duration", s.now().Sub(runStart)).
		Msg("Weekly reset completed")

	return result, nil
}

// WeeklyInsights returns the per-user summaries written when a week was reset.
func (s *Service) WeeklyInsights(_ context.Context, week int) ([]models.WeeklyInsight, error) {
	return s.weeks.ListInsights(week)
}

// MissedSource is the ledger source reference of a missed assignment penalty.
func MissedSource(assignmentID uint) string {
	return fmt.Sprintf("missed_assignment:%d", assignmentID)
}

func (s *Service) penalize(ctx context.Context, assignment models.ReviewAssignment, week int) PenaltyResult {
	item := PenaltyResult{AssignmentID: assignment.ID, ReviewerID: assignment.ReviewerID}

	err := s.db.InTx(ctx, func(tx *repository.DB) error {
		item.Penalized = false
		transitioned, err := s.reviews.WithTx(tx).MarkMissed(assignment.ID)
		if err != nil || !transitioned {
			return err
		}
		if s.cfg.MissedReviewPenalty > 0 {
			_, err = s.ledger.WithTx(tx).ReconcileSource(models.XpTransaction{
				UserID:      assignment.ReviewerID,
				Type:        models.TxTypeMissedReviewPenalty,
				WeekNumber:  week,
				SourceRef:   MissedSource(assignment.ID),
				Description: fmt.Sprintf("missed review of submission %d", assignment.SubmissionID),
				CreatedAt:   s.now(),
			}, -s.cfg.MissedReviewPenalty)
			if err != nil {
				return err
			}
		}
		item.Penalized = true
		return nil
	})
	if err != nil {
		item.Error = err.Error()
		s.log.Error().Err(err).Uint("assignment_id", assignment.ID).Msg("Failed to penalize missed assignment")
		return item
	}
	if item.Penalized {
		metrics.RecordWeeklyPenalty()
		metrics.RecordLedgerTransaction(models.TxTypeMissedReviewPenalty)
	}
	return item
}

func (s *Service) writeInsights(week int, start, end time.Time) (int, error) {
	activity, err := s.reviews.ActivityBetween(start, end)
	if err != nil {
		return 0, err
	}
	sums, err := s.ledger.SumsForWeek(week)
	if err != nil {
		return 0, err
	}
	breakdown, err := s.ledger.BreakdownForWeek(week)
	if err != nil {
		return 0, err
	}

	earned := make(map[uint]int, len(sums))
	users := make(map[uint]struct{}, len(sums)+len(activity))
	for _, sum := range sums {
		earned[sum.UserID] = sum.Total
		users[sum.UserID] = struct{}{}
	}
	for id := range activity {
		users[id] = struct{}{}
	}

	for userID := range users {
		payload, err := json.Marshal(breakdown[userID])
		if err != nil {
			return 0, fmt.Errorf("failed to encode breakdown for user %d: %w", userID, err)
		}
		insight := &models.WeeklyInsight{
			Week:             week,
			UserID:           userID,
			XPEarned:         earned[userID],
			ReviewsCompleted: activity[userID].Completed,
			ReviewsMissed:    activity[userID].Missed,
			Breakdown:        datatypes.JSON(payload),
		}
		if err := s.weeks.UpsertInsight(insight); err != nil {
			return 0, err
		}
	}
	return len(users), nil
}

// CorrectReviewScore overwrites one peer score. A finalized submission is recalculated
// and the ledger moves by the resulting deltas; otherwise the corrected score is used
// when consensus runs.
func (s *Service) CorrectReviewScore(ctx context.Context, reviewID uint, newScore int, actor, reason string) (*consensus.Result, error) {
	if newScore < 0 || newScore > s.maxXP {
		return nil, fmt.Errorf("score %d outside [0, %d]: %w", newScore, s.maxXP, apperrors.ErrInvalidInput)
	}
	review, err := s.reviews.GetReview(reviewID)
	if err != nil {
		return nil, err
	}
	sub, err := s.submissions.GetByID(review.SubmissionID)
	if err != nil {
		return nil, err
	}

	if err := s.reviews.UpdateReviewScore(reviewID, newScore); err != nil {
		return nil, err
	}

	var result *consensus.Result
	if sub.Status == models.SubmissionStatusFinalized {
		result, err = s.consensus.Recalculate(ctx, sub.ID, actor, reason)
		if err != nil {
			return nil, err
		}
		if err := s.reconcileTotals(ctx, result); err != nil {
			return result, err
		}
	}

	s.audit(ctx, automation.Entry{
		Job:    "aggregation.correct_review",
		Status: models.AutomationStatusSuccess,
		Actor:  actor,
		Reason: reason,
		Result: map[string]interface{}{
			"review_id":     reviewID,
			"submission_id": sub.ID,
			"old_score":     review.XPScore,
			"new_score":     newScore,
			"recalculated":  result != nil,
		},
	})
	s.log.Info().
		Uint("review_id", reviewID).
		Uint("submission_id", sub.ID).
		Int("old_score", review.XPScore).
		Int("new_score", newScore).
		Str("actor", actor).
		Msg("Review score corrected")

	return result, nil
}

// reconcileTotals checks the cached totals of everyone paid by result. Drift is
// repaired by the reconciler and only logged here.
func (s *Service) reconcileTotals(ctx context.Context, result *consensus.Result) error {
	if s.reconciler == nil || result == nil {
		return nil
	}
	seen := make(map[uint]bool)
	for _, txn := range result.Transactions {
		if seen[txn.UserID] {
			continue
		}
		seen[txn.UserID] = true
		if _, err := s.reconciler.ReconcileUser(ctx, txn.UserID); err != nil {
			if errors.Is(err, apperrors.ErrReconciliationMismatch) {
				s.log.Warn().Err(err).Uint("submission_id", result.SubmissionID).Msg("Cached total repaired after consensus")
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Service) concurrency() int {
	if s.cfg.Concurrency > 0 {
		return s.cfg.Concurrency
	}
	return 1
}

func (s *Service) audit(ctx context.Context, entry automation.Entry) {
	if s.auditor != nil {
		s.auditor.Record(ctx, entry)
	}
}

func batchStatus(failed, total int) string {
	switch {
	case failed == 0:
		return models.AutomationStatusSuccess
	case failed == total:
		return models.AutomationStatusFailed
	default:
		return models.AutomationStatusPartial
	}
}
