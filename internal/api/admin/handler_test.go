package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// Mock services

type mockConsensus struct {
	reasons []string
}

func (m *mockConsensus) Recalculate(_ context.Context, submissionID uint, _, reason string) (*consensus.Result, error) {
	m.reasons = append(m.reasons, reason)
	return &consensus.Result{SubmissionID: submissionID, Outcome: "recalculated"}, nil
}

type mockAggregation struct {
	results    map[uint]*consensus.Result
	weekStarts []time.Time
	corrected  map[uint]int
	correctRes *consensus.Result
}

func (m *mockAggregation) AggregateXP(_ context.Context, submissionID uint) (*consensus.Result, error) {
	r, ok := m.results[submissionID]
	if !ok {
		return nil, fmt.Errorf("submission %d: %w", submissionID, apperrors.ErrNotFound)
	}
	return r, nil
}

func (m *mockAggregation) ProcessReadySubmissions(_ context.Context) (*aggregator.BatchResult, error) {
	return &aggregator.BatchResult{Total: 1, Finalized: 1}, nil
}

func (m *mockAggregation) WeeklyReset(_ context.Context, weekStart time.Time) (*aggregator.WeeklyResetResult, error) {
	m.weekStarts = append(m.weekStarts, weekStart)
	return &aggregator.WeeklyResetResult{Week: models.WeekNumber(weekStart), Closed: true}, nil
}

func (m *mockAggregation) WeeklyInsights(_ context.Context, week int) ([]models.WeeklyInsight, error) {
	return []models.WeeklyInsight{{Week: week, UserID: 1, XPEarned: 40}}, nil
}

func (m *mockAggregation) CorrectReviewScore(_ context.Context, reviewID uint, newScore int, _, _ string) (*consensus.Result, error) {
	m.corrected[reviewID] = newScore
	return m.correctRes, nil
}

type mockVoting struct {
	castErr error
	cases   []models.VoteCase
}

func (m *mockVoting) CastVote(_ context.Context, ballot voting.Ballot) (*voting.CastResult, error) {
	if m.castErr != nil {
		return nil, m.castErr
	}
	return &voting.CastResult{SubmissionID: ballot.SubmissionID, VoteID: 1, TotalVotes: 1}, nil
}

func (m *mockVoting) TryResolve(_ context.Context, submissionID uint) (*voting.Resolution, error) {
	return nil, fmt.Errorf("submission %d: %w", submissionID, apperrors.ErrNoConsensusCandidate)
}

func (m *mockVoting) OpenEligibleCases(_ context.Context, _ time.Time) (*voting.BatchResult, error) {
	return &voting.BatchResult{}, nil
}

func (m *mockVoting) ExpireStale(_ context.Context, _ time.Time) (*voting.BatchResult, error) {
	return &voting.BatchResult{}, nil
}

func (m *mockVoting) Cases(_ context.Context, status string, _ int) ([]models.VoteCase, error) {
	var out []models.VoteCase
	for _, vc := range m.cases {
		if status == "" || vc.Status == status {
			out = append(out, vc)
		}
	}
	return out, nil
}

func (m *mockVoting) LinkWallet(_ context.Context, userID uint, address string) (*models.Wallet, error) {
	if address == "0xtaken" {
		return nil, fmt.Errorf("wallet %s already linked: %w", address, apperrors.ErrInvalidInput)
	}
	return &models.Wallet{UserID: userID, Address: address}, nil
}

type mockAwards struct {
	lastMonth string
	lastOpts  awards.Options
	revokeAll int
}

func (m *mockAwards) AwardMonthlyWinner(_ context.Context, month string, opts awards.Options) (*awards.MonthResult, error) {
	if _, err := models.ParseMonth(month); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidInput)
	}
	m.lastMonth = month
	m.lastOpts = opts
	return &awards.MonthResult{Month: month, Status: awards.StatusAwarded}, nil
}

func (m *mockAwards) TopUpMonthlyWinnerXP(_ context.Context, month string, _ string) (*awards.MonthResult, error) {
	return &awards.MonthResult{Month: month, Status: awards.StatusNoop}, nil
}

func (m *mockAwards) BulkAward(_ context.Context, months []string, _ awards.Options) (*awards.BulkResult, error) {
	return &awards.BulkResult{Succeeded: len(months)}, nil
}

func (m *mockAwards) RevokeMonthlyWinnerByID(_ context.Context, id uint, _, _ string) (*awards.RevokeResult, error) {
	return &awards.RevokeResult{WinnerID: id, Noop: true}, nil
}

func (m *mockAwards) RevokeAllMonthlyWinners(_ context.Context, _, _ string) (*awards.RevokeAllResult, error) {
	m.revokeAll++
	return &awards.RevokeAllResult{}, nil
}

func (m *mockAwards) AdjustWinnerAmount(_ context.Context, id uint, amount int, _, _ string) (*awards.WinnerResult, error) {
	return &awards.WinnerResult{WinnerID: id}, nil
}

func (m *mockAwards) Winners(_ context.Context, month string) ([]models.MonthlyWinner, error) {
	return []models.MonthlyWinner{{Month: month, Rank: 1, UserID: 7, XPAwarded: 1500}}, nil
}

type mockLedger struct {
	totals map[uint]int
}

func (m *mockLedger) AdjustUserXP(_ context.Context, userID uint, amount int, reason, _ string) (*models.XpTransaction, error) {
	return &models.XpTransaction{UserID: userID, Amount: amount, Type: models.TxTypeAdminAdjustment, Description: reason}, nil
}

func (m *mockLedger) RecordLegacyTransfer(_ context.Context, _ uint, _ int, _, _ string) (*models.XpTransaction, error) {
	return nil, nil
}

func (m *mockLedger) ReconcileUser(_ context.Context, userID uint) (*ledger.Reconciliation, error) {
	return &ledger.Reconciliation{UserID: userID, Cached: 90, Ledger: 100, Repaired: true},
		fmt.Errorf("user %d: %w", userID, apperrors.ErrReconciliationMismatch)
}

func (m *mockLedger) ReconcileAll(_ context.Context) (*ledger.ReconcileReport, error) {
	return &ledger.ReconcileReport{Checked: 2}, nil
}

func (m *mockLedger) GetTotal(_ context.Context, userID uint) (int, error) {
	return m.totals[userID], nil
}

func (m *mockLedger) History(_ context.Context, userID uint, limit int) ([]models.XpTransaction, error) {
	return []models.XpTransaction{{UserID: userID, Amount: 5}}, nil
}

type mockLeaderboard struct{}

func (mockLeaderboard) WeeklyLeaderboard(_ context.Context, _, _ int) ([]leaderboard.Entry, error) {
	return []leaderboard.Entry{{UserID: 1, Username: "alice", XP: 120, Rank: 1}}, nil
}

func (mockLeaderboard) MonthlyLeaderboard(_ context.Context, _ string, _ int) ([]leaderboard.Entry, error) {
	return []leaderboard.Entry{{UserID: 1, Username: "alice", XP: 400, Rank: 1}}, nil
}

func (mockLeaderboard) GetUserStats(_ context.Context, userID uint, _ time.Time) (*leaderboard.UserStats, error) {
	return &leaderboard.UserStats{UserID: userID, TotalXP: 10}, nil
}

type mockReliability struct {
	active    []uint
	requested []uint
}

func (m *mockReliability) ActiveReviewers(_ context.Context) ([]uint, error) {
	return m.active, nil
}

func (m *mockReliability) GetReliabilityScores(_ context.Context, ids []uint) (map[uint]reliability.Score, error) {
	m.requested = ids
	out := make(map[uint]reliability.Score, len(ids))
	for _, id := range ids {
		out[id] = reliability.Score{ReviewerID: id, Formula: "accuracy-weighted@v1", Score: 0.5}
	}
	return out, nil
}

func (m *mockReliability) GetShadowScores(_ context.Context, ids []uint) ([]reliability.ShadowComparison, error) {
	m.requested = ids
	return []reliability.ShadowComparison{}, nil
}

func (m *mockReliability) ReviewerSnapshots(_ context.Context, reviewerID uint) ([]models.ReliabilitySnapshot, error) {
	return []models.ReliabilitySnapshot{{ReviewerID: reviewerID, Formula: "accuracy-weighted@v1", Active: true}}, nil
}

func (m *mockReliability) LatestSnapshots(_ context.Context, formula string) ([]models.ReliabilitySnapshot, error) {
	if formula == "unknown@v1" {
		return nil, fmt.Errorf("unknown formula %q: %w", formula, apperrors.ErrNotFound)
	}
	return []models.ReliabilitySnapshot{}, nil
}

type mockAudit struct {
	job   string
	limit int
}

func (m *mockAudit) Recent(_ context.Context, job string, limit int) ([]models.AutomationLog, error) {
	m.job, m.limit = job, limit
	return []models.AutomationLog{{Job: job, Status: models.AutomationStatusSuccess}}, nil
}

type mockDivergence struct{}

func (mockDivergence) Run(_ context.Context) (*divergence.Report, error) {
	return &divergence.Report{Reviewed: 3, RootCause: "none"}, nil
}

type mockJobs struct {
	ran []string
	err error
}

func (m *mockJobs) Jobs() []string { return []string{"process_ready", "weekly_reset"} }

func (m *mockJobs) RunJob(_ context.Context, name string) error {
	m.ran = append(m.ran, name)
	return m.err
}

// Test Setup

type testDeps struct {
	consensus   *mockConsensus
	aggregation *mockAggregation
	voting      *mockVoting
	awards      *mockAwards
	ledger      *mockLedger
	reliability *mockReliability
	jobs        *mockJobs
	audit       *mockAudit
}

func setupTestHandler() (*Handler, *testDeps) {
	deps := &testDeps{
		consensus:   &mockConsensus{},
		aggregation: &mockAggregation{results: map[uint]*consensus.Result{}, corrected: map[uint]int{}},
		voting:      &mockVoting{},
		awards:      &mockAwards{},
		ledger:      &mockLedger{totals: map[uint]int{}},
		reliability: &mockReliability{},
		jobs:        &mockJobs{},
		audit:       &mockAudit{},
	}
	h := NewHandler(Services{
		Consensus:   deps.consensus,
		Aggregation: deps.aggregation,
		Voting:      deps.voting,
		Awards:      deps.awards,
		Ledger:      deps.ledger,
		Leaderboard: mockLeaderboard{},
		Reliability: deps.reliability,
		Divergence:  mockDivergence{},
		Jobs:        deps.jobs,
		Audit:       deps.audit,
	}, logger.Nop())
	h.now = func() time.Time { return time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC) }
	return h, deps
}

func setupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, h)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

// Tests

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("user 1: %w", apperrors.ErrNotFound), http.StatusNotFound},
		{apperrors.ErrInvalidInput, http.StatusBadRequest},
		{apperrors.ErrInvalidVote, http.StatusBadRequest},
		{apperrors.ErrAlreadyVoted, http.StatusConflict},
		{apperrors.ErrVotingClosed, http.StatusConflict},
		{apperrors.ErrConcurrentUpdate, http.StatusConflict},
		{apperrors.ErrCooldownViolation, http.StatusConflict},
		{apperrors.ErrInsufficientReviews, http.StatusUnprocessableEntity},
		{apperrors.ErrNoConsensusCandidate, http.StatusUnprocessableEntity},
		{apperrors.ErrTransientStore, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestAggregateSubmission(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)
	deps.aggregation.results[4] = &consensus.Result{SubmissionID: 4, Outcome: "finalized", FinalXP: 42}

	w := doRequest(router, http.MethodPost, "/api/v1/admin/submissions/4/consensus", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	result := decode(t, w)["result"].(map[string]interface{})
	assert.Equal(t, float64(42), result["final_xp"])

	w = doRequest(router, http.MethodPost, "/api/v1/admin/submissions/9/consensus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/submissions/abc/consensus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecalculateSubmission_RequiresReason(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/submissions/4/recalculate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/submissions/4/recalculate", map[string]string{"reason": "ticket 12"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ticket 12"}, deps.consensus.reasons)
}

func TestCorrectReviewScore(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPut, "/api/v1/admin/reviews/3/score", map[string]interface{}{"score": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	w = doRequest(router, http.MethodPut, "/api/v1/admin/reviews/3/score", map[string]interface{}{"score": 0, "reason": "spam"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, deps.aggregation.corrected[3])
	assert.Equal(t, false, decode(t, w)["recalculated"])

	deps.aggregation.correctRes = &consensus.Result{SubmissionID: 1, FinalXP: 56}
	w = doRequest(router, http.MethodPut, "/api/v1/admin/reviews/3/score", map[string]interface{}{"score": 100, "reason": "appeal"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["recalculated"])
}

func TestWeeklyReset(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	tests := []struct {
		name      string
		weekStart string
		want      int
	}{
		{name: "bad format", weekStart: "03/02/2026", want: http.StatusBadRequest},
		{name: "not a monday", weekStart: "2026-03-04", want: http.StatusBadRequest},
		{name: "current week", weekStart: "2026-03-09", want: http.StatusBadRequest},
		{name: "previous week", weekStart: "2026-03-02", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/api/v1/admin/weeks/reset", map[string]string{"week_start": tt.weekStart})
			assert.Equal(t, tt.want, w.Code)
		})
	}

	require.Len(t, deps.aggregation.weekStarts, 1)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), deps.aggregation.weekStarts[0])
}

func TestCastVote(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/votes", map[string]interface{}{"vote_xp": 50})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/votes", map[string]interface{}{"submission_id": 1, "wallet_address": "0xabc", "vote_xp": 50})
	assert.Equal(t, http.StatusCreated, w.Code)

	deps.voting.castErr = fmt.Errorf("wallet 0xabc: %w", apperrors.ErrAlreadyVoted)
	w = doRequest(router, http.MethodPost, "/api/v1/admin/votes", map[string]interface{}{"submission_id": 1, "wallet_address": "0xabc", "vote_xp": 50})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode(t, w)["error"], "already voted")
}

func TestResolveVoteCase_NoMajority(t *testing.T) {
	h, _ := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/votes/5/resolve", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListVoteCases(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)
	deps.voting.cases = []models.VoteCase{
		{SubmissionID: 1, Status: models.VoteCaseOpen},
		{SubmissionID: 2, Status: models.VoteCaseResolved},
	}

	w := doRequest(router, http.MethodGet, "/api/v1/admin/votes?status=OPEN_FOR_VOTING", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_entries"])

	w = doRequest(router, http.MethodGet, "/api/v1/admin/votes?status=PENDING", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/admin/votes?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAwardMonth(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	body := map[string]interface{}{"amounts": map[string]int{"1": 2000}, "reason": "anniversary"}
	w := doRequest(router, http.MethodPost, "/api/v1/admin/awards/2026-02", body, ActorHeader, "carol")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2026-02", deps.awards.lastMonth)
	assert.Equal(t, map[int]int{1: 2000}, deps.awards.lastOpts.Amounts)
	assert.Equal(t, "carol", deps.awards.lastOpts.Actor)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/awards/2026-02", map[string]interface{}{"amounts": map[string]int{"first": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/awards/february", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/awards/2026-01", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultActor, deps.awards.lastOpts.Actor)
}

func TestAwardRoutes(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodGet, "/api/v1/admin/awards/2026-02", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_entries"])

	w = doRequest(router, http.MethodPost, "/api/v1/admin/awards/2026-02/top-up", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/awards/bulk", map[string]interface{}{"months": []string{"2026-01", "2025-12"}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/v1/admin/awards/winners/3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	w = doRequest(router, http.MethodDelete, "/api/v1/admin/awards/winners/3?reason=fraud", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/v1/admin/awards/winners?reason=reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "confirm is required")
	assert.Equal(t, 0, deps.awards.revokeAll)

	w = doRequest(router, http.MethodDelete, "/api/v1/admin/awards/winners?reason=reset&confirm=true", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, deps.awards.revokeAll)

	w = doRequest(router, http.MethodPut, "/api/v1/admin/awards/winners/3", map[string]interface{}{"amount": 800, "reason": "typo"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLedgerRoutes(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)
	deps.ledger.totals[2] = 250

	w := doRequest(router, http.MethodPost, "/api/v1/admin/users/2/xp", map[string]interface{}{"amount": -20, "reason": "duplicate payout"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/users/2/xp", map[string]interface{}{"amount": 0, "reason": "nothing"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/users/2/legacy", map[string]interface{}{"amount": 100, "ref": "v1-42"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["appended"])

	w = doRequest(router, http.MethodGet, "/api/v1/admin/users/2/xp", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(250), decode(t, w)["total_xp"])

	w = doRequest(router, http.MethodPost, "/api/v1/admin/ledger/reconcile", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReconcileUser_RepairedDriftIsSuccess(t *testing.T) {
	h, _ := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/users/2/reconcile", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	result := decode(t, w)["result"].(map[string]interface{})
	assert.Equal(t, true, result["repaired"])
	assert.Equal(t, float64(100), result["ledger"])
}

func TestLeaderboards(t *testing.T) {
	h, _ := setupTestHandler()
	router := setupRouter(h)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "week", path: "/api/v1/admin/leaderboard/week/202610", want: http.StatusOK},
		{name: "week out of range", path: "/api/v1/admin/leaderboard/week/202699", want: http.StatusBadRequest},
		{name: "week not a number", path: "/api/v1/admin/leaderboard/week/current", want: http.StatusBadRequest},
		{name: "month", path: "/api/v1/admin/leaderboard/month/2026-02", want: http.StatusOK},
		{name: "month invalid", path: "/api/v1/admin/leaderboard/month/2026-13", want: http.StatusBadRequest},
		{name: "limit too high", path: "/api/v1/admin/leaderboard/month/2026-02?limit=5000", want: http.StatusBadRequest},
		{name: "user stats", path: "/api/v1/admin/users/1/stats", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestReliabilityScores(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)
	deps.reliability.active = []uint{4, 9}

	w := doRequest(router, http.MethodGet, "/api/v1/admin/reliability/scores?reviewers=3,1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uint{3, 1}, deps.reliability.requested)
	scores := decode(t, w)["scores"].([]interface{})
	require.Len(t, scores, 2)
	assert.Equal(t, float64(1), scores[0].(map[string]interface{})["reviewer_id"])

	w = doRequest(router, http.MethodGet, "/api/v1/admin/reliability/shadow", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uint{4, 9}, deps.reliability.requested)

	w = doRequest(router, http.MethodGet, "/api/v1/admin/reliability/scores?reviewers=1,x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDivergenceAudit(t *testing.T) {
	h, _ := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodGet, "/api/v1/admin/divergence/audit", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)["report"].(map[string]interface{})
	assert.Equal(t, float64(3), report["reviewed"])
}

func TestTriggerJob(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/jobs/badge_evaluation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, deps.jobs.ran)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/jobs/weekly_reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"weekly_reset"}, deps.jobs.ran)

	deps.jobs.err = errors.New("database down")
	w = doRequest(router, http.MethodPost, "/api/v1/admin/jobs/process_ready", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "database down")

	w = doRequest(router, http.MethodGet, "/api/v1/admin/jobs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWeeklyInsights(t *testing.T) {
	h, _ := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodGet, "/api/v1/admin/weeks/202610/insights", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_entries"])

	w = doRequest(router, http.MethodGet, "/api/v1/admin/weeks/2026/insights", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLinkWallet(t *testing.T) {
	h, _ := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/users/3/wallets", map[string]string{"address": "0xabc"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/users/3/wallets", map[string]string{"address": "0xtaken"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/users/3/wallets", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotsAndAutomationLog(t *testing.T) {
	h, deps := setupTestHandler()
	router := setupRouter(h)

	w := doRequest(router, http.MethodGet, "/api/v1/admin/reliability/reviewers/4/snapshots", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/admin/reliability/snapshots?formula=unknown@v1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/admin/automation?job=awards.revoke&limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "awards.revoke", deps.audit.job)
	assert.Equal(t, 5, deps.audit.limit)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	RegisterOps(router, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	}, "/metrics")

	w := doRequest(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = doRequest(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	router = gin.New()
	RegisterOps(router, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, "")

	w = doRequest(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "connection refused", checks["redis"])
}
