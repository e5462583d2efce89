package divergence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/reputation-consensus/internal/service/reliability"
)

func ptr(v float64) *float64 {
	return &v
}

// profile builds a reviewer whose history has the given scores, each deviating by dev.
func profile(id uint, accuracy, timeliness *float64, dev float64, scores ...int) Profile {
	history := make([]reliability.HistoryPoint, len(scores))
	for i, s := range scores {
		history[i] = reliability.HistoryPoint{SubmissionID: uint(i + 1), XPScore: s, Deviation: dev}
	}
	return Profile{
		ReviewerID: id,
		Metrics: reliability.Metrics{
			Accuracy:      accuracy,
			Timeliness:    timeliness,
			ReviewHistory: history,
		},
	}
}

func TestClassify(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	profiles := []Profile{
		profile(1, ptr(0.9), ptr(0.2), 10, 50, 55, 60, 45, 50),  // bad (slow) but near consensus
		profile(2, ptr(0.6), ptr(0.9), 60, 0, 300, 290, 10, 5),  // good but far
		profile(3, ptr(0.9), ptr(0.9), 5, 50, 50, 50, 50, 50),   // good and near
		profile(4, ptr(0.2), ptr(0.9), 80, 200, 210, 220, 5, 9), // bad and far
		profile(5, nil, nil, 0),                                 // no history
	}

	sets := auditor.Classify(profiles)
	require.Len(t, sets.BadButAccurate, 1)
	assert.Equal(t, uint(1), sets.BadButAccurate[0].ReviewerID)
	require.Len(t, sets.GoodButInaccurate, 1)
	assert.Equal(t, uint(2), sets.GoodButInaccurate[0].ReviewerID)
	assert.Len(t, sets.Population, 5)
}

func TestDetectPatterns(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	tests := []struct {
		name     string
		sets     Sets
		expected []string
	}{
		{
			name: "slow but thoughtful",
			sets: Sets{BadButAccurate: []Profile{
				profile(1, ptr(0.9), ptr(0.2), 10, 50, 55, 60, 45, 50),
			}},
			expected: []string{PatternSlowButThoughtful},
		},
		{
			name: "polarized fast",
			sets: Sets{BadButAccurate: []Profile{
				profile(2, ptr(0.4), ptr(0.95), 4.6, 0, 300, 295, 2, 300),
			}},
			expected: []string{PatternPolarizedFast},
		},
		{
			name: "extreme scores far from consensus are not polarized fast",
			sets: Sets{GoodButInaccurate: []Profile{
				profile(2, ptr(0.6), ptr(0.9), 60, 0, 300, 290, 10, 5),
			}},
			expected: nil,
		},
		{
			name: "calculation bug",
			sets: Sets{GoodButInaccurate: []Profile{
				profile(3, ptr(0.85), ptr(0.6), 80, 100, 120, 140, 160, 180),
			}},
			expected: []string{PatternCalculationBug},
		},
		{
			name: "sample size artifact",
			sets: Sets{
				BadButAccurate: []Profile{profile(4, ptr(0.4), ptr(0.6), 15, 100, 110)},
			},
			expected: []string{PatternSampleSizeArtifact},
		},
		{
			name:     "nothing flagged",
			sets:     Sets{},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patterns := auditor.DetectPatterns(tt.sets)
			var names []string
			for _, p := range patterns {
				names = append(names, p.Name)
				assert.NotEmpty(t, p.Reviewers)
				assert.NotEmpty(t, p.Evidence)
			}
			assert.Equal(t, tt.expected, names)
		})
	}
}

func TestInferRootCause_Priority(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	patterns := []Pattern{
		{Name: PatternPolarizedFast},
		{Name: PatternSlowButThoughtful},
		{Name: PatternSampleSizeArtifact},
	}
	assert.Equal(t, PatternSampleSizeArtifact, auditor.InferRootCause(patterns, Sets{}))

	patterns = append(patterns, Pattern{Name: PatternCalculationBug})
	assert.Equal(t, PatternCalculationBug, auditor.InferRootCause(patterns, Sets{}))

	assert.Equal(t, PatternSlowButThoughtful, auditor.InferRootCause([]Pattern{
		{Name: PatternPolarizedFast},
		{Name: PatternSlowButThoughtful},
	}, Sets{}))
}

func TestInferRootCause_ConsensusBias(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	sets := Sets{Population: []Profile{
		profile(1, ptr(0.9), ptr(0.95), 30, 50, 52, 51),
		profile(2, ptr(0.9), ptr(0.85), 30, 49, 50),
		profile(3, ptr(0.7), ptr(0.4), 30, 10, 90, 150),
	}}
	assert.Equal(t, RootCauseConsensusBias, auditor.InferRootCause(nil, sets))
}

func TestInferRootCause_Unknown(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	assert.Equal(t, RootCauseUnknown, auditor.InferRootCause(nil, Sets{}))

	// Fast and slow reviewers spread their scores alike.
	sets := Sets{Population: []Profile{
		profile(1, ptr(0.9), ptr(0.9), 30, 10, 90, 150),
		profile(2, ptr(0.9), ptr(0.4), 30, 12, 88, 149),
	}}
	assert.Equal(t, RootCauseUnknown, auditor.InferRootCause(nil, sets))
}

func TestAudit_DoesNotMutateInput(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	profiles := []Profile{
		profile(1, ptr(0.9), ptr(0.2), 10, 50, 55, 60, 45, 50),
		profile(2, ptr(0.6), ptr(0.9), 60, 0, 300, 290, 10, 5),
	}
	before := *profiles[0].Metrics.Accuracy

	report := auditor.Audit(profiles)

	assert.Equal(t, before, *profiles[0].Metrics.Accuracy)
	assert.Equal(t, []uint{1}, report.BadButAccurate)
	assert.Equal(t, []uint{2}, report.GoodButInaccurate)
	assert.Equal(t, 2, report.Reviewed)
	assert.Equal(t, PatternSlowButThoughtful, report.RootCause)
	assert.Len(t, report.Patterns, 1)
}

func TestAudit_PolarizedFastNearConsensus(t *testing.T) {
	auditor := NewAuditor(DefaultThresholds())

	report := auditor.Audit([]Profile{
		profile(7, ptr(0.4), ptr(0.95), 4.6, 0, 300, 295, 2, 300),
	})

	assert.Equal(t, []uint{7}, report.BadButAccurate)
	assert.Empty(t, report.GoodButInaccurate)
	require.Len(t, report.Patterns, 1)
	assert.Equal(t, PatternPolarizedFast, report.Patterns[0].Name)
	assert.Equal(t, []uint{7}, report.Patterns[0].Reviewers)
	assert.Equal(t, PatternPolarizedFast, report.RootCause)
}
