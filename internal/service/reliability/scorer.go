// Package reliability scores how much each reviewer's judgment can be trusted.
package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// HistoryRepository interface for reviewer history queries.
type HistoryRepository interface {
	ReviewerHistory(reviewerIDs []uint, since time.Time) ([]repository.ReviewHistoryRow, error)
	AssignmentStatsFor(reviewerIDs []uint, since time.Time) (map[uint]repository.AssignmentStats, error)
	ListReviewerIDs(since time.Time) ([]uint, error)
}

// SnapshotRepository interface for snapshot persistence.
type SnapshotRepository interface {
	CreateSnapshots(snapshots []models.ReliabilitySnapshot) error
	LatestForReviewer(reviewerID uint) ([]models.ReliabilitySnapshot, error)
	ListLatest(formula string) ([]models.ReliabilitySnapshot, error)
}

// Score is one formula's verdict on one reviewer.
type Score struct {
	ReviewerID uint      `json:"reviewer_id"`
	Formula    string    `json:"formula"`
	Score      float64   `json:"score"`
	Metrics    Metrics   `json:"metrics"`
	Timestamp  time.Time `json:"timestamp"`
}

// ShadowComparison shows every formula's score for one reviewer.
type ShadowComparison struct {
	ReviewerID uint               `json:"reviewer_id"`
	Active     Score              `json:"active"`
	Shadows    map[string]float64 `json:"shadows"`
	Bad        bool               `json:"bad"`
}

// SnapshotResult summarizes a snapshot run.
type SnapshotResult struct {
	Reviewers    int       `json:"reviewers"`
	Snapshots    int       `json:"snapshots"`
	BadReviewers int       `json:"bad_reviewers"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

// Service computes reliability metrics and scores.
type Service struct {
	history   HistoryRepository
	snapshots SnapshotRepository
	registry  *Registry
	rule      BadRule
	cfg       config.ReliabilityConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewService creates a new reliability service with concrete repository types.
func NewService(
	reviewRepo *repository.ReviewRepository,
	snapshotRepo *repository.ReliabilityRepository,
	registry *Registry,
	cfg config.ReliabilityConfig,
	log *logger.Logger,
) *Service {
	return NewServiceWithInterfaces(reviewRepo, snapshotRepo, registry, cfg, log)
}

// NewServiceWithInterfaces creates a new reliability service with interface dependencies (useful for testing).
func NewServiceWithInterfaces(
	history HistoryRepository,
	snapshots SnapshotRepository,
	registry *Registry,
	cfg config.ReliabilityConfig,
	log *logger.Logger,
) *Service {
	rule := DefaultBadRule
	if cfg.BadAccuracyFloor > 0 {
		rule.AccuracyFloor = cfg.BadAccuracyFloor
	}
	if cfg.BadTimelinessFloor > 0 {
		rule.TimelinessFloor = cfg.BadTimelinessFloor
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 90
	}
	return &Service{
		history:   history,
		snapshots: snapshots,
		registry:  registry,
		rule:      rule,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the formula registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// IdentifyBad applies the configured bad-reviewer rule.
func (s *Service) IdentifyBad(m Metrics) bool {
	return s.rule.IdentifyBad(m)
}

func (s *Service) window() (time.Time, time.Time) {
	end := s.now()
	return end.AddDate(0, 0, -s.cfg.WindowDays), end
}

// ActiveReviewers lists reviewers with at least one review in the evaluation window.
func (s *Service) ActiveReviewers(ctx context.Context) ([]uint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	since, _ := s.window()
	ids, err := s.history.ListReviewerIDs(since)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviewers: %w", err)
	}
	return ids, nil
}

// ComputeMetrics derives metrics for each reviewer over the evaluation window.
// Reviewers without history get metrics with undefined values.
func (s *Service) ComputeMetrics(ctx context.Context, reviewerIDs []uint) (map[uint]Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(map[uint]Metrics, len(reviewerIDs))
	if len(reviewerIDs) == 0 {
		return result, nil
	}

	since, _ := s.window()
	rows, err := s.history.ReviewerHistory(reviewerIDs, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load review history: %w", err)
	}
	stats, err := s.history.AssignmentStatsFor(reviewerIDs, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment stats: %w", err)
	}

	byReviewer := make(map[uint][]repository.ReviewHistoryRow, len(reviewerIDs))
	for _, row := range rows {
		byReviewer[row.ReviewerID] = append(byReviewer[row.ReviewerID], row)
	}

	for _, id := range reviewerIDs {
		result[id] = DeriveMetrics(byReviewer[id], stats[id], s.cfg.DeviationScale)
	}
	return result, nil
}

// GetReliabilityScores returns the active formula's score per reviewer.
func (s *Service) GetReliabilityScores(ctx context.Context, reviewerIDs []uint) (map[uint]Score, error) {
	all, err := s.ComputeMetrics(ctx, reviewerIDs)
	if err != nil {
		return nil, err
	}

	active := s.registry.Active()
	now := s.now()
	scores := make(map[uint]Score, len(all))
	for id, m := range all {
		scores[id] = Score{
			ReviewerID: id,
			Formula:    active.ID(),
			Score:      active.Score(m.Values()),
			Metrics:    m,
			Timestamp:  now,
		}
	}
	return scores, nil
}

// GetShadowScores evaluates every formula side by side. Shadow results are never fed
// back into consensus.
func (s *Service) GetShadowScores(ctx context.Context, reviewerIDs []uint) ([]ShadowComparison, error) {
	all, err := s.ComputeMetrics(ctx, reviewerIDs)
	if err != nil {
		return nil, err
	}

	active := s.registry.Active()
	shadows := s.registry.Shadows()
	now := s.now()

	comparisons := make([]ShadowComparison, 0, len(reviewerIDs))
	for _, id := range reviewerIDs {
		m := all[id]
		values := m.Values()
		cmp := ShadowComparison{
			ReviewerID: id,
			Active: Score{
				ReviewerID: id,
				Formula:    active.ID(),
				Score:      active.Score(values),
				Metrics:    m,
				Timestamp:  now,
			},
			Shadows: make(map[string]float64, len(shadows)),
			Bad:     s.rule.IdentifyBad(m),
		}
		for _, f := range shadows {
			cmp.Shadows[f.ID()] = f.Score(values)
		}
		comparisons = append(comparisons, cmp)
	}
	return comparisons, nil
}

// SnapshotAll persists one snapshot per reviewer and formula for every reviewer
// active in the window, and records how far each shadow formula drifts from the active one.
func (s *Service) SnapshotAll(ctx context.Context) (*SnapshotResult, error) {
	start, end := s.window()
	ids, err := s.ActiveReviewers(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int("reviewers", len(ids)).
		Str("active_formula", s.registry.Active().ID()).
		Msg("Starting reliability snapshot")

	comparisons, err := s.GetShadowScores(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := &SnapshotResult{Reviewers: len(ids), WindowStart: start, WindowEnd: end}
	formulas := s.registry.All()
	snapshots := make([]models.ReliabilitySnapshot, 0, len(ids)*len(formulas))

	for _, cmp := range comparisons {
		if cmp.Bad {
			result.BadReviewers++
		}
		payload, err := json.Marshal(cmp.Active.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metrics of reviewer %d: %w", cmp.ReviewerID, err)
		}

		for i, f := range formulas {
			score := cmp.Active.Score
			if i > 0 {
				score = cmp.Shadows[f.ID()]
				metrics.ObserveShadowDelta(f.ID(), score-cmp.Active.Score)
			}
			snapshots = append(snapshots, models.ReliabilitySnapshot{
				ReviewerID:     cmp.ReviewerID,
				Formula:        f.ID(),
				FormulaVersion: f.Version,
				Active:         i == 0,
				Score:          score,
				Accuracy:       cmp.Active.Metrics.Accuracy,
				Timeliness:     cmp.Active.Metrics.Timeliness,
				SampleSize:     cmp.Active.Metrics.SampleSize(),
				WindowStart:    start,
				WindowEnd:      end,
				Metrics:        datatypes.JSON(payload),
				ComputedAt:     end,
			})
		}
	}

	if err := s.snapshots.CreateSnapshots(snapshots); err != nil {
		return nil, err
	}
	result.Snapshots = len(snapshots)
	metrics.SetBadReviewers(result.BadReviewers)

	s.log.Info().
		Int("reviewers", result.Reviewers).
		Int("snapshots", result.Snapshots).
		Int("bad_reviewers", result.BadReviewers).
		Msg("Reliability snapshot completed")

	return result, nil
}

// ReviewerSnapshots returns the latest stored snapshot of a reviewer for every formula,
// active formula first.
func (s *Service) ReviewerSnapshots(_ context.Context, reviewerID uint) ([]models.ReliabilitySnapshot, error) {
	return s.snapshots.LatestForReviewer(reviewerID)
}

// LatestSnapshots returns the latest stored snapshot of every reviewer for one formula.
// An empty formula means the active one.
func (s *Service) LatestSnapshots(_ context.Context, formula string) ([]models.ReliabilitySnapshot, error) {
	if formula == "" {
		formula = s.registry.Active().ID()
	}
	if _, ok := s.registry.Get(formula); !ok {
		return nil, fmt.Errorf("unknown formula %q: %w", formula, apperrors.ErrNotFound)
	}
	return s.snapshots.ListLatest(formula)
}
