// Package divergence audits reliability misclassifications and names the likely cause.
// Everything here is a pure function of its inputs.
package divergence

import (
	"fmt"
	"sort"

	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/internal/stats"
)

// Pattern names.
const (
	PatternSlowButThoughtful  = "SLOW_BUT_THOUGHTFUL"
	PatternPolarizedFast      = "POLARIZED_FAST"
	PatternCalculationBug     = "CALCULATION_BUG"
	PatternSampleSizeArtifact = "SAMPLE_SIZE_ARTIFACT"
)

// Root causes beyond the pattern names.
const (
	RootCauseConsensusBias = "CONSENSUS_BIAS"
	RootCauseUnknown       = "UNKNOWN"
)

// priority orders patterns from most to least decisive.
var priority = []string{
	PatternCalculationBug,
	PatternSampleSizeArtifact,
	PatternSlowButThoughtful,
	PatternPolarizedFast,
}

// Profile is one reviewer as seen by the auditor.
type Profile struct {
	ReviewerID uint                `json:"reviewer_id"`
	Metrics    reliability.Metrics `json:"metrics"`
}

// Thresholds tune the heuristics.
type Thresholds struct {
	NearDeviation   float64 // mean deviation at or below which a reviewer is near consensus
	FarDeviation    float64 // mean deviation above which a reviewer is far from consensus
	SlowTimeliness  float64
	FastTimeliness  float64
	HighAccuracy    float64
	BugAccuracy     float64
	BugDeviation    float64
	ExtremeFraction float64 // share of the score range counted as extreme at either end
	MinSampleSize   int
	MaxXP           int
	ClusterRatio    float64
	BadRule         reliability.BadRule
}

// DefaultThresholds returns the heuristics used in production.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NearDeviation:   20,
		FarDeviation:    50,
		SlowTimeliness:  0.5,
		FastTimeliness:  0.8,
		HighAccuracy:    0.7,
		BugAccuracy:     0.8,
		BugDeviation:    50,
		ExtremeFraction: 0.1,
		MinSampleSize:   5,
		MaxXP:           300,
		ClusterRatio:    0.5,
		BadRule:         reliability.DefaultBadRule,
	}
}

// Sets are the two misclassification groups plus the full population they were drawn from.
type Sets struct {
	BadButAccurate    []Profile `json:"bad_but_accurate"`
	GoodButInaccurate []Profile `json:"good_but_inaccurate"`
	Population        []Profile `json:"-"`
}

// Pattern is a detected heuristic with the reviewers that triggered it.
type Pattern struct {
	Name      string `json:"name"`
	Reviewers []uint `json:"reviewers"`
	Evidence  string `json:"evidence"`
}

// Report is the audit outcome.
type Report struct {
	BadButAccurate    []uint    `json:"bad_but_accurate"`
	GoodButInaccurate []uint    `json:"good_but_inaccurate"`
	Patterns          []Pattern `json:"patterns"`
	RootCause         string    `json:"root_cause"`
	Reviewed          int       `json:"reviewed"`
}

// Auditor runs the heuristics with fixed thresholds.
type Auditor struct {
	th Thresholds
}

// NewAuditor creates an auditor.
func NewAuditor(th Thresholds) *Auditor {
	return &Auditor{th: th}
}

// Classify splits profiles into bad-but-accurate and good-but-inaccurate.
// Reviewers without any settled history are never classified.
func (a *Auditor) Classify(profiles []Profile) Sets {
	sets := Sets{Population: profiles}
	for _, p := range profiles {
		dev, ok := p.Metrics.MeanDeviation()
		if !ok {
			continue
		}
		bad := a.th.BadRule.IdentifyBad(p.Metrics)
		switch {
		case bad && dev <= a.th.NearDeviation:
			sets.BadButAccurate = append(sets.BadButAccurate, p)
		case !bad && dev > a.th.FarDeviation:
			sets.GoodButInaccurate = append(sets.GoodButInaccurate, p)
		}
	}
	return sets
}

// DetectPatterns applies every heuristic to the sets. Patterns are returned in priority order.
func (a *Auditor) DetectPatterns(sets Sets) []Pattern {
	var found []Pattern
	flagged := append(append([]Profile{}, sets.BadButAccurate...), sets.GoodButInaccurate...)

	if ids := a.filter(flagged, a.isCalculationBug); len(ids) > 0 {
		found = append(found, Pattern{
			Name:      PatternCalculationBug,
			Reviewers: ids,
			Evidence:  fmt.Sprintf("%d reviewer(s) deviate by more than %.0f on average yet score accuracy >= %.2f", len(ids), a.th.BugDeviation, a.th.BugAccuracy),
		})
	}

	if len(flagged) > 0 {
		ids := a.filter(flagged, func(p Profile) bool { return p.Metrics.SampleSize() < a.th.MinSampleSize })
		if len(ids)*2 >= len(flagged) {
			found = append(found, Pattern{
				Name:      PatternSampleSizeArtifact,
				Reviewers: ids,
				Evidence:  fmt.Sprintf("%d of %d flagged reviewer(s) have fewer than %d settled reviews", len(ids), len(flagged), a.th.MinSampleSize),
			})
		}
	}

	if ids := a.filter(sets.BadButAccurate, a.isSlowButThoughtful); len(ids) > 0 {
		found = append(found, Pattern{
			Name:      PatternSlowButThoughtful,
			Reviewers: ids,
			Evidence:  fmt.Sprintf("%d accurate reviewer(s) flagged only for timeliness below %.2f", len(ids), a.th.SlowTimeliness),
		})
	}

	// Only near-consensus reviewers qualify.
	if ids := a.filter(sets.BadButAccurate, a.isPolarizedFast); len(ids) > 0 {
		found = append(found, Pattern{
			Name:      PatternPolarizedFast,
			Reviewers: ids,
			Evidence:  fmt.Sprintf("%d fast near-consensus reviewer(s) mostly score at the extremes of the range", len(ids)),
		})
	}

	return found
}

// InferRootCause picks the highest-priority detected pattern, falling back to
// comparing the score spread of fast and slow reviewers.
func (a *Auditor) InferRootCause(patterns []Pattern, sets Sets) string {
	detected := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		detected[p.Name] = true
	}
	for _, name := range priority {
		if detected[name] {
			return name
		}
	}

	var fast, slow []float64
	for _, p := range sets.Population {
		t := p.Metrics.Timeliness
		if t == nil {
			continue
		}
		scores := historyScores(p.Metrics)
		switch {
		case *t >= a.th.FastTimeliness:
			fast = append(fast, scores...)
		case *t < a.th.SlowTimeliness:
			slow = append(slow, scores...)
		}
	}
	if len(fast) >= 2 && len(slow) >= 2 {
		slowSpread := stats.SampleStdDev(slow)
		if slowSpread > 0 && stats.SampleStdDev(fast) < a.th.ClusterRatio*slowSpread {
			return RootCauseConsensusBias
		}
	}
	return RootCauseUnknown
}

// Audit runs classification, detection and inference in one pass.
func (a *Auditor) Audit(profiles []Profile) Report {
	sets := a.Classify(profiles)
	patterns := a.DetectPatterns(sets)
	if patterns == nil {
		patterns = []Pattern{}
	}
	return Report{
		BadButAccurate:    ids(sets.BadButAccurate),
		GoodButInaccurate: ids(sets.GoodButInaccurate),
		Patterns:          patterns,
		RootCause:         a.InferRootCause(patterns, sets),
		Reviewed:          len(profiles),
	}
}

func (a *Auditor) isCalculationBug(p Profile) bool {
	dev, ok := p.Metrics.MeanDeviation()
	return ok && p.Metrics.Accuracy != nil && dev > a.th.BugDeviation && *p.Metrics.Accuracy >= a.th.BugAccuracy
}

func (a *Auditor) isSlowButThoughtful(p Profile) bool {
	m := p.Metrics
	return m.Timeliness != nil && m.Accuracy != nil &&
		*m.Timeliness < a.th.SlowTimeliness && *m.Accuracy >= a.th.HighAccuracy
}

func (a *Auditor) isPolarizedFast(p Profile) bool {
	m := p.Metrics
	if m.Timeliness == nil || *m.Timeliness < a.th.FastTimeliness || len(m.ReviewHistory) == 0 {
		return false
	}
	low := a.th.ExtremeFraction * float64(a.th.MaxXP)
	high := (1 - a.th.ExtremeFraction) * float64(a.th.MaxXP)
	extreme := 0
	for _, h := range m.ReviewHistory {
		if s := float64(h.XPScore); s <= low || s >= high {
			extreme++
		}
	}
	return extreme*2 > len(m.ReviewHistory)
}

func (a *Auditor) filter(profiles []Profile, keep func(Profile) bool) []uint {
	var out []uint
	for _, p := range profiles {
		if keep(p) {
			out = append(out, p.ReviewerID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func historyScores(m reliability.Metrics) []float64 {
	out := make([]float64, len(m.ReviewHistory))
	for i, h := range m.ReviewHistory {
		out[i] = float64(h.XPScore)
	}
	return out
}

func ids(profiles []Profile) []uint {
	out := make([]uint, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ReviewerID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
