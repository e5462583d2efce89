package reliability

import (
	"math"

	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
)

// HistoryPoint is one past review compared against its eventual consensus.
type HistoryPoint struct {
	SubmissionID uint    `json:"submission_id"`
	XPScore      int     `json:"xp_score"`
	Deviation    float64 `json:"deviation"`
}

// Metrics are the inputs of a formula for one reviewer over one window.
// A nil metric is undefined (no history) and takes the formula default.
type Metrics struct {
	Accuracy      *float64       `json:"accuracy,omitempty"`
	Timeliness    *float64       `json:"timeliness,omitempty"`
	ReviewHistory []HistoryPoint `json:"review_history"`
	Completed     int            `json:"completed"`
	OnTime        int            `json:"on_time"`
	Missed        int            `json:"missed"`
}

// Values returns the metrics keyed by formula metric name.
func (m Metrics) Values() map[string]*float64 {
	return map[string]*float64{
		MetricAccuracy:   m.Accuracy,
		MetricTimeliness: m.Timeliness,
	}
}

// MeanDeviation returns the raw average deviation from consensus, if any history exists.
func (m Metrics) MeanDeviation() (float64, bool) {
	if len(m.ReviewHistory) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range m.ReviewHistory {
		sum += p.Deviation
	}
	return sum / float64(len(m.ReviewHistory)), true
}

// SampleSize is the number of reviews with a known consensus.
func (m Metrics) SampleSize() int {
	return len(m.ReviewHistory)
}

// BadRule is the fixed classification used to flag unreliable reviewers.
// It does not depend on which formula is active.
type BadRule struct {
	AccuracyFloor   float64
	TimelinessFloor float64
}

// DefaultBadRule flags accuracy below 0.5 or timeliness below 0.3.
var DefaultBadRule = BadRule{AccuracyFloor: 0.5, TimelinessFloor: 0.3}

// IdentifyBad reports whether the reviewer is unreliable. Undefined metrics never make a reviewer bad.
func (r BadRule) IdentifyBad(m Metrics) bool {
	if m.Accuracy != nil && *m.Accuracy < r.AccuracyFloor {
		return true
	}
	if m.Timeliness != nil && *m.Timeliness < r.TimelinessFloor {
		return true
	}
	return false
}

// IdentifyBad applies DefaultBadRule.
func IdentifyBad(m Metrics) bool {
	return DefaultBadRule.IdentifyBad(m)
}

// DeriveMetrics computes a reviewer's metrics from their review history and assignment outcomes.
//
// A review counts towards accuracy once its submission is finalized or a vote has judged it:
// VALIDATED reviews deviate by 0, INVALIDATED reviews by the full scale, others by
// |score - finalXp|. Deviations are capped at scale.
func DeriveMetrics(rows []repository.ReviewHistoryRow, stats repository.AssignmentStats, scale float64) Metrics {
	if scale <= 0 {
		scale = 100
	}

	m := Metrics{
		ReviewHistory: make([]HistoryPoint, 0, len(rows)),
		Completed:     stats.Completed,
		OnTime:        stats.OnTime,
		Missed:        stats.Missed,
	}

	var capped float64
	for _, row := range rows {
		var deviation float64
		switch {
		case row.JudgmentStatus == models.JudgmentValidated:
			deviation = 0
		case row.JudgmentStatus == models.JudgmentInvalidated:
			deviation = scale
		case row.SubmissionStatus == models.SubmissionStatusFinalized && row.FinalXP != nil:
			deviation = math.Abs(float64(row.XPScore - *row.FinalXP))
		default:
			continue
		}
		m.ReviewHistory = append(m.ReviewHistory, HistoryPoint{
			SubmissionID: row.SubmissionID,
			XPScore:      row.XPScore,
			Deviation:    deviation,
		})
		capped += math.Min(deviation, scale)
	}

	if n := len(m.ReviewHistory); n > 0 {
		accuracy := clamp01(1 - (capped/float64(n))/scale)
		m.Accuracy = &accuracy
	}

	if total := stats.Completed + stats.Missed; total > 0 {
		timeliness := float64(stats.OnTime) / float64(total)
		m.Timeliness = &timeliness
	}

	return m
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
