// Package automation records automated and administrative mutations to the automation log.
package automation

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Actor names used when no human triggered the mutation.
const (
	ActorScheduler = "scheduler"
	ActorSystem    = "system"
)

// Repository interface for automation log persistence.
type Repository interface {
	Create(entry *models.AutomationLog) error
	List(job string, limit int) ([]models.AutomationLog, error)
}

// Entry is one audited mutation.
type Entry struct {
	RunID  string
	Job    string
	Status string
	Actor  string
	Reason string
	Result interface{}
}

// Service is a best-effort audit sink.
type Service struct {
	repo Repository
	log  *logger.Logger
}

// NewService creates a new automation audit service.
func NewService(repo *repository.AuditRepository, log *logger.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// NewServiceWithInterfaces creates a new automation audit service with interface dependencies (useful for testing).
func NewServiceWithInterfaces(repo Repository, log *logger.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// NewRunID returns a fresh identifier grouping the entries of one batch run.
func NewRunID() string {
	return uuid.NewString()
}

// Record writes an entry, ignoring errors.
// A failed audit write must never fail or roll back the audited operation.
func (s *Service) Record(ctx context.Context, entry Entry) {
	if err := s.RecordError(ctx, entry); err != nil {
		s.log.Warn().
			Err(err).
			Str("job", entry.Job).
			Str("status", entry.Status).
			Str("run_id", entry.RunID).
			Msg("Failed to write automation log")
	}
}

// RecordError writes an entry and returns any error.
func (s *Service) RecordError(ctx context.Context, entry Entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if entry.RunID == "" {
		entry.RunID = NewRunID()
	}
	if entry.Actor == "" {
		entry.Actor = ActorSystem
	}

	var result datatypes.JSON
	if entry.Result != nil {
		payload, err := json.Marshal(entry.Result)
		if err != nil {
			return err
		}
		result = datatypes.JSON(payload)
	}

	return s.repo.Create(&models.AutomationLog{
		RunID:  entry.RunID,
		Job:    entry.Job,
		Status: entry.Status,
		Actor:  entry.Actor,
		Reason: entry.Reason,
		Result: result,
	})
}

// Recent returns the latest log entries, newest first. An empty job lists every job.
func (s *Service) Recent(_ context.Context, job string, limit int) ([]models.AutomationLog, error) {
	return s.repo.List(job, limit)
}
