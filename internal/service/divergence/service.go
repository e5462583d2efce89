package divergence

import (
	"context"
	"fmt"

	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// MetricsSource supplies reviewer metrics for the current evaluation window.
type MetricsSource interface {
	ActiveReviewers(ctx context.Context) ([]uint, error)
	ComputeMetrics(ctx context.Context, reviewerIDs []uint) (map[uint]reliability.Metrics, error)
}

// Service loads live reviewer metrics and audits them. It only reads.
type Service struct {
	source  MetricsSource
	auditor *Auditor
	log     *logger.Logger
}

// NewService creates a divergence audit service.
func NewService(source MetricsSource, auditor *Auditor, log *logger.Logger) *Service {
	return &Service{source: source, auditor: auditor, log: log}
}

// Run audits every reviewer active in the evaluation window.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	ids, err := s.source.ActiveReviewers(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.source.ComputeMetrics(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to compute reviewer metrics: %w", err)
	}

	profiles := make([]Profile, 0, len(ids))
	for _, id := range ids {
		profiles = append(profiles, Profile{ReviewerID: id, Metrics: all[id]})
	}

	report := s.auditor.Audit(profiles)
	s.log.Info().
		Int("reviewed", report.Reviewed).
		Int("bad_but_accurate", len(report.BadButAccurate)).
		Int("good_but_inaccurate", len(report.GoodButInaccurate)).
		Str("root_cause", report.RootCause).
		Msg("Divergence audit completed")

	return &report, nil
}
