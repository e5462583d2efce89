// Package scheduler runs the periodic engine jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aimd54/reputation-consensus/internal/config"
	prommetrics "github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/service/aggregator"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/internal/service/awards"
	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/internal/service/voting"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Job names, also used as metric labels.
const (
	JobWeeklyReset         = "weekly_reset"
	JobMonthlyAward        = "monthly_award"
	JobProcessReady        = "process_ready"
	JobVoteMaintenance     = "vote_maintenance"
	JobReliabilitySnapshot = "reliability_snapshot"
)

// Aggregator interface for the aggregation pipeline.
type Aggregator interface {
	ProcessReadySubmissions(ctx context.Context) (*aggregator.BatchResult, error)
	WeeklyReset(ctx context.Context, weekStart time.Time) (*aggregator.WeeklyResetResult, error)
}

// Awarder interface for monthly awards.
type Awarder interface {
	AwardMonthlyWinner(ctx context.Context, month string, opts awards.Options) (*awards.MonthResult, error)
}

// VoteMaintainer interface for vote case housekeeping.
type VoteMaintainer interface {
	ExpireStale(ctx context.Context, now time.Time) (*voting.BatchResult, error)
	OpenEligibleCases(ctx context.Context, now time.Time) (*voting.BatchResult, error)
}

// Snapshotter interface for reliability snapshots.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) (*reliability.SnapshotResult, error)
}

type job struct {
	schedule string
	run      func(ctx context.Context) error
}

// Service registers and runs the engine jobs.
type Service struct {
	config     config.SchedulerConfig
	aggregator Aggregator
	awards     Awarder
	votes      VoteMaintainer
	snapshots  Snapshotter
	log        *logger.Logger
	cron       *cron.Cron
	now        func() time.Time
	timeout    time.Duration
}

// NewService creates a new scheduler service.
func NewService(
	cfg config.SchedulerConfig,
	agg Aggregator,
	awarder Awarder,
	votes VoteMaintainer,
	snapshots Snapshotter,
	log *logger.Logger,
) *Service {
	return &Service{
		config:     cfg,
		aggregator: agg,
		awards:     awarder,
		votes:      votes,
		snapshots:  snapshots,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		timeout:    30 * time.Minute,
	}
}

// Start validates the schedules and starts the cron scheduler.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.log.Info().Msg("Scheduler is disabled in configuration")
		return nil
	}

	location, err := s.config.GetLocation()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.config.Timezone, err)
	}

	// A job still running when its next tick fires skips that tick.
	s.cron = cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	jobs := s.jobs()
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		j := jobs[name]
		if j.schedule == "" {
			s.log.Info().Str("job", name).Msg("Job has no schedule, not registered")
			continue
		}
		if err := validateSchedule(j.schedule); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
		id, err := s.cron.AddFunc(j.schedule, func() {
			_ = s.RunJob(context.Background(), name)
		})
		if err != nil {
			return fmt.Errorf("failed to register %s job: %w", name, err)
		}
		s.log.Info().
			Str("job", name).
			Str("schedule", j.schedule).
			Int("entry_id", int(id)).
			Msg("Job registered")
	}

	s.cron.Start()

	nextRun := ""
	if entries := s.cron.Entries(); len(entries) > 0 {
		nextRun = entries[0].Next.Format(time.RFC3339)
	}
	s.log.Info().
		Str("timezone", s.config.Timezone).
		Int("jobs", len(s.cron.Entries())).
		Str("next_run", nextRun).
		Msg("Scheduler started successfully")

	return nil
}

// Stop gracefully shuts down the scheduler, waiting for running jobs.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.log.Info().Msg("Scheduler stopped")
	}
}

// Jobs lists the job names that can be triggered.
func (s *Service) Jobs() []string {
	jobs := s.jobs()
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs one job now and records its metrics.
func (s *Service) RunJob(ctx context.Context, name string) error {
	j, ok := s.jobs()[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		prommetrics.ObserveSchedulerJobDuration(name, time.Since(start).Seconds())
		prommetrics.SetSchedulerLastRun(name)
	}()

	s.log.Info().Str("job", name).Msg("Running scheduled job")

	if err := j.run(ctx); err != nil {
		prommetrics.RecordSchedulerJobRun(name, "error")
		s.log.Error().
			Err(err).
			Str("job", name).
			Dur("duration", time.Since(start)).
			Msg("Scheduled job failed")
		return err
	}

	prommetrics.RecordSchedulerJobRun(name, "success")
	s.log.Info().
		Str("job", name).
		Dur("duration", time.Since(start)).
		Msg("Scheduled job completed")
	return nil
}

func (s *Service) jobs() map[string]job {
	return map[string]job{
		JobWeeklyReset:         {schedule: s.config.WeeklyResetCron, run: s.runWeeklyReset},
		JobMonthlyAward:        {schedule: s.config.MonthlyAwardCron, run: s.runMonthlyAward},
		JobProcessReady:        {schedule: s.config.ProcessReadyCron, run: s.runProcessReady},
		JobVoteMaintenance:     {schedule: s.config.VoteMaintenanceCron, run: s.runVoteMaintenance},
		JobReliabilitySnapshot: {schedule: s.config.ReliabilityCron, run: s.runReliabilitySnapshot},
	}
}

// runWeeklyReset closes the ISO week before the current one.
func (s *Service) runWeeklyReset(ctx context.Context) error {
	weekStart := PreviousWeekStart(s.now())
	result, err := s.aggregator.WeeklyReset(ctx, weekStart)
	if err != nil {
		return err
	}
	s.log.Info().
		Int("week", result.Week).
		Bool("already_closed", result.AlreadyClosed).
		Bool("closed", result.Closed).
		Int("penalized", result.Penalized).
		Msg("Weekly reset finished")
	for _, item := range result.Items {
		if item.Error != "" {
			return fmt.Errorf("week %d left open after failed penalties", result.Week)
		}
	}
	return nil
}

// runMonthlyAward awards the month before the current one.
func (s *Service) runMonthlyAward(ctx context.Context) error {
	month := PreviousMonth(s.now())
	result, err := s.awards.AwardMonthlyWinner(ctx, month, awards.Options{Actor: automation.ActorScheduler})
	if err != nil {
		return err
	}
	s.log.Info().
		Str("month", month).
		Str("status", result.Status).
		Int("awarded", len(result.Awarded)).
		Msg("Monthly award finished")
	return nil
}

func (s *Service) runProcessReady(ctx context.Context) error {
	result, err := s.aggregator.ProcessReadySubmissions(ctx)
	if err != nil {
		return err
	}
	s.log.Info().
		Int("total", result.Total).
		Int("finalized", result.Finalized).
		Int("divergent", result.Divergent).
		Int("postponed", result.Postponed).
		Int("failed", result.Failed).
		Msg("Ready submissions processed")
	return nil
}

// runVoteMaintenance expires overdue cases before opening new ones so a
// submission never has two open cases.
func (s *Service) runVoteMaintenance(ctx context.Context) error {
	now := s.now()
	expired, err := s.votes.ExpireStale(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to expire vote cases: %w", err)
	}
	opened, err := s.votes.OpenEligibleCases(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to open vote cases: %w", err)
	}
	s.log.Info().
		Int("expired", expired.Total).
		Int("opened", opened.Succeeded).
		Int("failed", expired.Failed+opened.Failed).
		Msg("Vote maintenance finished")
	return nil
}

func (s *Service) runReliabilitySnapshot(ctx context.Context) error {
	result, err := s.snapshots.SnapshotAll(ctx)
	if err != nil {
		return err
	}
	s.log.Info().
		Int("reviewers", result.Reviewers).
		Int("snapshots", result.Snapshots).
		Int("bad_reviewers", result.BadReviewers).
		Msg("Reliability snapshot finished")
	return nil
}

// PreviousWeekStart returns the Monday starting the ISO week before the one containing now.
func PreviousWeekStart(now time.Time) time.Time {
	return models.WeekStart(now).AddDate(0, 0, -7)
}

// PreviousMonth returns the YYYY-MM key of the month before the one containing now.
func PreviousMonth(now time.Time) string {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return models.MonthKey(first.AddDate(0, -1, 0))
}

// validateSchedule checks a standard five-field cron expression.
func validateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
