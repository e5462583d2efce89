package divergence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

type mockMetricsSource struct {
	ids     []uint
	metrics map[uint]reliability.Metrics
	err     error
}

func (m *mockMetricsSource) ActiveReviewers(ctx context.Context) ([]uint, error) {
	return m.ids, m.err
}

func (m *mockMetricsSource) ComputeMetrics(ctx context.Context, reviewerIDs []uint) (map[uint]reliability.Metrics, error) {
	return m.metrics, nil
}

func TestService_Run(t *testing.T) {
	slow := profile(7, ptr(0.9), ptr(0.1), 5, 40, 45, 50, 55, 60)
	source := &mockMetricsSource{
		ids:     []uint{7, 8},
		metrics: map[uint]reliability.Metrics{7: slow.Metrics},
	}
	svc := NewService(source, NewAuditor(DefaultThresholds()), logger.Nop())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reviewed)
	assert.Equal(t, []uint{7}, report.BadButAccurate)
	assert.Equal(t, PatternSlowButThoughtful, report.RootCause)
}

func TestService_RunError(t *testing.T) {
	source := &mockMetricsSource{err: errors.New("db down")}
	svc := NewService(source, NewAuditor(DefaultThresholds()), logger.Nop())

	_, err := svc.Run(context.Background())
	assert.Error(t, err)
}
