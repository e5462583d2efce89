// Package metrics provides Prometheus exporters for the consensus engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the reputation consensus engine.
var (
	// Consensus.
	ConsensusOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensus_outcomes_total",
			Help: "Consensus calculations by outcome (finalized, divergent, postponed, failed)",
		},
		[]string{"outcome"},
	)

	ConsensusScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_score",
			Help:    "Consensus score of finalized submissions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	PeerScoreStdDev = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consensus_peer_score_stddev",
			Help:    "Sample standard deviation of peer scores per consensus attempt",
			Buckets: prometheus.LinearBuckets(0, 10, 12), // 0 to 110 points
		},
	)

	// Ledger.
	LedgerTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "XP transactions appended by type",
		},
		[]string{"type"},
	)

	LedgerReconciliationMismatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_reconciliation_mismatches_total",
			Help: "Cached totals found out of sync with the ledger and recomputed",
		},
	)

	// Voting.
	VotesCastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "votes_cast_total",
			Help: "Ballots by result (accepted, duplicate, invalid, closed)",
		},
		[]string{"result"},
	)

	VoteCasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vote_cases_total",
			Help: "Vote case transitions by resulting status",
		},
		[]string{"status"},
	)

	OpenVoteCases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vote_cases_open",
			Help: "Current number of open vote cases",
		},
	)

	// Reliability.
	ReliabilityShadowDelta = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reliability_shadow_delta",
			Help:    "Shadow formula score minus active formula score per reviewer",
			Buckets: prometheus.LinearBuckets(-1, 0.2, 11),
		},
		[]string{"formula"},
	)

	BadReviewers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reliability_bad_reviewers",
			Help: "Reviewers classified bad in the last snapshot",
		},
	)

	// Awards.
	MonthlyAwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monthly_awards_total",
			Help: "Monthly award operations by action (awarded, topped_up, revoked, adjusted)",
		},
		[]string{"action"},
	)

	// Aggregation.
	WeeklyPenaltiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weekly_missed_review_penalties_total",
			Help: "Missed review penalties issued by the weekly reset",
		},
	)

	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Items processed by batch operations",
		},
		[]string{"batch", "status"},
	)

	// Scheduler metrics.
	SchedulerJobsRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_run_total",
			Help: "Total scheduler job executions",
		},
		[]string{"job", "status"},
	)

	SchedulerLastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_last_run_timestamp",
			Help: "Unix timestamp of last scheduler run",
		},
		[]string{"job"},
	)

	SchedulerJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Time taken to execute scheduler jobs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
		[]string{"job"},
	)
)

// RecordConsensusOutcome records the outcome of a consensus calculation.
func RecordConsensusOutcome(outcome string) {
	ConsensusOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveConsensusScore observes the consensus score of a finalized submission.
func ObserveConsensusScore(score float64) {
	ConsensusScore.Observe(score)
}

// ObservePeerStdDev observes the peer score spread of a consensus attempt.
func ObservePeerStdDev(stdDev float64) {
	PeerScoreStdDev.Observe(stdDev)
}

// RecordLedgerTransaction records an appended XP transaction.
func RecordLedgerTransaction(txType string) {
	LedgerTransactionsTotal.WithLabelValues(txType).Inc()
}

// RecordReconciliationMismatch records a cached total found out of sync.
func RecordReconciliationMismatch() {
	LedgerReconciliationMismatchesTotal.Inc()
}

// RecordVoteCast records a ballot result.
func RecordVoteCast(result string) {
	VotesCastTotal.WithLabelValues(result).Inc()
}

// RecordVoteCase records a vote case transition.
func RecordVoteCase(status string) {
	VoteCasesTotal.WithLabelValues(status).Inc()
}

// SetOpenVoteCases sets the number of open vote cases.
func SetOpenVoteCases(count int) {
	OpenVoteCases.Set(float64(count))
}

// ObserveShadowDelta observes the difference between a shadow and the active formula.
func ObserveShadowDelta(formula string, delta float64) {
	ReliabilityShadowDelta.WithLabelValues(formula).Observe(delta)
}

// SetBadReviewers sets the number of reviewers classified bad.
func SetBadReviewers(count int) {
	BadReviewers.Set(float64(count))
}

// RecordMonthlyAward records a monthly award operation.
func RecordMonthlyAward(action string) {
	MonthlyAwardsTotal.WithLabelValues(action).Inc()
}

// RecordWeeklyPenalty records an issued missed review penalty.
func RecordWeeklyPenalty() {
	WeeklyPenaltiesTotal.Inc()
}

// RecordBatchItem records one item of a batch operation.
func RecordBatchItem(batch, status string) {
	BatchItemsTotal.WithLabelValues(batch, status).Inc()
}

// RecordSchedulerJobRun records a scheduler job execution.
func RecordSchedulerJobRun(job, status string) {
	SchedulerJobsRunTotal.WithLabelValues(job, status).Inc()
}

// SetSchedulerLastRun sets the timestamp of the last scheduler run.
func SetSchedulerLastRun(job string) {
	SchedulerLastRunTimestamp.WithLabelValues(job).SetToCurrentTime()
}

// ObserveSchedulerJobDuration observes the duration of a scheduler job.
func ObserveSchedulerJobDuration(job string, seconds float64) {
	SchedulerJobDurationSeconds.WithLabelValues(job).Observe(seconds)
}
