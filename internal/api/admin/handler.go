// Package admin provides the REST API used by operators to drive and override the
// reputation engine: consensus runs, score corrections, votes, awards and ledger repairs.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/service/aggregator"
	"github.com/aimd54/reputation-consensus/internal/service/awards"
	"github.com/aimd54/reputation-consensus/internal/service/consensus"
	"github.com/aimd54/reputation-consensus/internal/service/divergence"
	"github.com/aimd54/reputation-consensus/internal/service/leaderboard"
	"github.com/aimd54/reputation-consensus/internal/service/ledger"
	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/internal/service/voting"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// ActorHeader names the operator performing a mutation. It ends up in the automation log.
const ActorHeader = "X-Admin-Actor"

const defaultActor = "admin"

// ConsensusService interface for consensus operations.
type ConsensusService interface {
	Recalculate(ctx context.Context, submissionID uint, actor, reason string) (*consensus.Result, error)
}

// AggregationService interface for the XP pipeline.
type AggregationService interface {
	AggregateXP(ctx context.Context, submissionID uint) (*consensus.Result, error)
	ProcessReadySubmissions(ctx context.Context) (*aggregator.BatchResult, error)
	WeeklyReset(ctx context.Context, weekStart time.Time) (*aggregator.WeeklyResetResult, error)
	CorrectReviewScore(ctx context.Context, reviewID uint, newScore int, actor, reason string) (*consensus.Result, error)
	WeeklyInsights(ctx context.Context, week int) ([]models.WeeklyInsight, error)
}

// VotingService interface for community votes.
type VotingService interface {
	CastVote(ctx context.Context, ballot voting.Ballot) (*voting.CastResult, error)
	TryResolve(ctx context.Context, submissionID uint) (*voting.Resolution, error)
	OpenEligibleCases(ctx context.Context, now time.Time) (*voting.BatchResult, error)
	ExpireStale(ctx context.Context, now time.Time) (*voting.BatchResult, error)
	Cases(ctx context.Context, status string, limit int) ([]models.VoteCase, error)
	LinkWallet(ctx context.Context, userID uint, address string) (*models.Wallet, error)
}

// AwardService interface for monthly winners.
type AwardService interface {
	AwardMonthlyWinner(ctx context.Context, month string, opts awards.Options) (*awards.MonthResult, error)
	TopUpMonthlyWinnerXP(ctx context.Context, month string, actor string) (*awards.MonthResult, error)
	BulkAward(ctx context.Context, months []string, opts awards.Options) (*awards.BulkResult, error)
	RevokeMonthlyWinnerByID(ctx context.Context, id uint, actor, reason string) (*awards.RevokeResult, error)
	RevokeAllMonthlyWinners(ctx context.Context, actor, reason string) (*awards.RevokeAllResult, error)
	AdjustWinnerAmount(ctx context.Context, id uint, amount int, actor, reason string) (*awards.WinnerResult, error)
	Winners(ctx context.Context, month string) ([]models.MonthlyWinner, error)
}

// LedgerService interface for direct ledger operations.
type LedgerService interface {
	AdjustUserXP(ctx context.Context, userID uint, amount int, reason, actor string) (*models.XpTransaction, error)
	RecordLegacyTransfer(ctx context.Context, userID uint, amount int, ref, actor string) (*models.XpTransaction, error)
	ReconcileUser(ctx context.Context, userID uint) (*ledger.Reconciliation, error)
	ReconcileAll(ctx context.Context) (*ledger.ReconcileReport, error)
	GetTotal(ctx context.Context, userID uint) (int, error)
	History(ctx context.Context, userID uint, limit int) ([]models.XpTransaction, error)
}

// LeaderboardService interface for rankings.
type LeaderboardService interface {
	WeeklyLeaderboard(ctx context.Context, week, limit int) ([]leaderboard.Entry, error)
	MonthlyLeaderboard(ctx context.Context, month string, limit int) ([]leaderboard.Entry, error)
	GetUserStats(ctx context.Context, userID uint, now time.Time) (*leaderboard.UserStats, error)
}

// ReliabilityService interface for reviewer scores.
type ReliabilityService interface {
	ActiveReviewers(ctx context.Context) ([]uint, error)
	GetReliabilityScores(ctx context.Context, reviewerIDs []uint) (map[uint]reliability.Score, error)
	GetShadowScores(ctx context.Context, reviewerIDs []uint) ([]reliability.ShadowComparison, error)
	ReviewerSnapshots(ctx context.Context, reviewerID uint) ([]models.ReliabilitySnapshot, error)
	LatestSnapshots(ctx context.Context, formula string) ([]models.ReliabilitySnapshot, error)
}

// DivergenceService interface for the reviewer divergence audit.
type DivergenceService interface {
	Run(ctx context.Context) (*divergence.Report, error)
}

// AuditLog interface for reading the automation log.
type AuditLog interface {
	Recent(ctx context.Context, job string, limit int) ([]models.AutomationLog, error)
}

// JobRunner interface for manual scheduler triggers.
type JobRunner interface {
	Jobs() []string
	RunJob(ctx context.Context, name string) error
}

// Services groups the dependencies of the admin handler.
type Services struct {
	Consensus   ConsensusService
	Aggregation AggregationService
	Voting      VotingService
	Awards      AwardService
	Ledger      LedgerService
	Leaderboard LeaderboardService
	Reliability ReliabilityService
	Divergence  DivergenceService
	Jobs        JobRunner
	Audit       AuditLog
}

// Handler handles admin API requests.
type Handler struct {
	svc Services
	log *logger.Logger
	now func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(svc Services, log *logger.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Helper functions

// parseID extracts and validates a numeric ID from the named URL parameter.
func (h *Handler) parseID(c *gin.Context, param string) (uint, error) {
	idStr := c.Param(param)
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s: %s", param, idStr)
	}
	return uint(id), nil
}

// parseLimit extracts and validates the limit query parameter.
func (h *Handler) parseLimit(c *gin.Context, defaultLimit int) (int, error) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %s", limitStr)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be greater than 0")
	}

	if limit > 1000 {
		return 0, fmt.Errorf("limit cannot exceed 1000")
	}

	return limit, nil
}

// parseIDList parses a comma separated list of IDs, e.g. ?reviewers=1,2,3.
func parseIDList(raw string) ([]uint, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id in list: %q", p)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

// actor returns the operator named in the request, defaulting to "admin".
func actor(c *gin.Context) string {
	if a := strings.TrimSpace(c.GetHeader(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidInput),
		errors.Is(err, apperrors.ErrInvalidVote):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrAlreadyVoted),
		errors.Is(err, apperrors.ErrVotingClosed),
		errors.Is(err, apperrors.ErrCooldownViolation),
		errors.Is(err, apperrors.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInsufficientReviews),
		errors.Is(err, apperrors.ErrNoConsensusCandidate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// failure logs a service error and writes the mapped response.
// Internal errors are not echoed to the client.
func (h *Handler) failure(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		h.errorResponse(c, status, msg)
		return
	}
	h.log.Warn().Err(err).Str("path", c.FullPath()).Int("status", status).Msg(msg)
	h.errorResponse(c, status, err.Error())
}

// errorResponse sends a standardized error response.
func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
