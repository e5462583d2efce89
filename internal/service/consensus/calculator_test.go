package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/cache"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/internal/testutil"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

var testNow = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

type mockReliability struct {
	scores map[uint]float64
}

func (m *mockReliability) GetReliabilityScores(ctx context.Context, reviewerIDs []uint) (map[uint]reliability.Score, error) {
	out := make(map[uint]reliability.Score)
	for _, id := range reviewerIDs {
		if s, ok := m.scores[id]; ok {
			out[id] = reliability.Score{ReviewerID: id, Score: s}
		}
	}
	return out, nil
}

type openedCase struct {
	submissionID uint
	candidates   []int
	stdDev       float64
}

type mockSink struct {
	opened []openedCase
}

func (m *mockSink) OpenCase(ctx context.Context, submissionID uint, candidates []int, stdDev float64) (*models.VoteCase, error) {
	m.opened = append(m.opened, openedCase{submissionID: submissionID, candidates: candidates, stdDev: stdDev})
	return &models.VoteCase{SubmissionID: submissionID, Status: models.VoteCaseOpen}, nil
}

type mockAuditor struct {
	entries []string
}

func (m *mockAuditor) Record(ctx context.Context, entry automation.Entry) {
	m.entries = append(m.entries, entry.Job)
}

func newTestCalculator(t *testing.T, db *repository.DB, rel ReliabilityProvider, sink DivergenceSink, locker Locker) *Calculator {
	t.Helper()

	calc := NewCalculator(db, locker, rel, sink, &mockAuditor{}, config.Default().Consensus, logger.Nop())
	calc.now = func() time.Time { return testNow }
	return calc
}

func seedSubmission(t *testing.T, db *repository.DB, aiXP int, scores ...int) (*models.Submission, []*models.PeerReview) {
	t.Helper()

	author := testutil.CreateUser(t, db, "author")
	sub := testutil.CreateSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, aiXP)
	reviews := make([]*models.PeerReview, 0, len(scores))
	for i, score := range scores {
		reviewer := testutil.CreateUser(t, db, "reviewer"+string(rune('a'+i)))
		reviews = append(reviews, testutil.CompleteReview(t, db, sub.ID, reviewer.ID, score, testNow.Add(-time.Hour)))
	}
	return sub, reviews
}

func TestCalculate_CloseScoresFinalize(t *testing.T) {
	db := testutil.NewDB(t)
	sink := &mockSink{}
	calc := newTestCalculator(t, db, &mockReliability{}, sink, nil)
	sub, _ := seedSubmission(t, db, 40, 40, 45, 42)

	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFinalized, result.Outcome)
	assert.False(t, result.Divergent)
	assert.InDelta(t, 2.52, result.StdDev, 0.01)
	assert.InDelta(t, 42.333, result.PeerXP, 0.001)
	assert.Equal(t, 42, result.FinalXP)
	assert.InDelta(t, 1.0, result.ConsensusScore, 0.001)
	assert.InDelta(t, result.ConsensusScore, result.Confidence, 1e-9)
	assert.Equal(t, 3, result.ReviewCount)
	assert.Len(t, result.Transactions, 4)
	assert.Empty(t, sink.opened)

	stored, err := repository.NewSubmissionRepository(db).GetByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusFinalized, stored.Status)
	require.NotNil(t, stored.FinalXP)
	assert.Equal(t, 42, *stored.FinalXP)
	assert.Equal(t, 1, stored.Version)

	total, err := repository.NewLedgerRepository(db).SumForUser(sub.AuthorID)
	require.NoError(t, err)
	assert.Equal(t, 42, total)
	testutil.RequireLedgerConsistent(t, db)
}

func TestCalculate_Idempotent(t *testing.T) {
	db := testutil.NewDB(t)
	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, nil)
	sub, _ := seedSubmission(t, db, 40, 40, 45, 42)

	first, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)

	ledger := repository.NewLedgerRepository(db)
	before, err := ledger.CountAll()
	require.NoError(t, err)

	second, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, second.Outcome)
	assert.Equal(t, first.FinalXP, second.FinalXP)

	after, err := ledger.CountAll()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCalculate_DivergentRoutesToVote(t *testing.T) {
	db := testutil.NewDB(t)
	sink := &mockSink{}
	calc := newTestCalculator(t, db, &mockReliability{}, sink, nil)

	author := testutil.CreateUser(t, db, "author")
	sub := testutil.CreateSubmission(t, db, author.ID, models.SubmissionStatusAIReviewed, 50)
	r1 := testutil.CreateUser(t, db, "r1")
	r2 := testutil.CreateUser(t, db, "r2")
	testutil.CompleteReview(t, db, sub.ID, r1.ID, 10, testNow)
	testutil.CompleteReview(t, db, sub.ID, r2.ID, 95, testNow)

	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)

	assert.True(t, result.Divergent)
	assert.Equal(t, OutcomeDivergent, result.Outcome)
	assert.InDelta(t, 60.1, result.StdDev, 0.1)
	require.Len(t, sink.opened, 1)
	assert.Equal(t, sub.ID, sink.opened[0].submissionID)
	assert.Equal(t, []int{10, 95}, sink.opened[0].candidates)

	stored, err := repository.NewSubmissionRepository(db).GetByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusUnderPeerReview, stored.Status)
	assert.Nil(t, stored.FinalXP)

	count, err := repository.NewLedgerRepository(db).CountAll()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCalculate_SingleDivergentReviewFinalizes(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default().Consensus
	cfg.MinReviewsForDivergence = 3
	calc := NewCalculator(db, nil, &mockReliability{}, &mockSink{}, nil, cfg, logger.Nop())
	sub, _ := seedSubmission(t, db, 50, 10, 95)

	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalized, result.Outcome, "below the minimum review count divergence is ignored")
}

func TestCalculate_InsufficientReviews(t *testing.T) {
	db := testutil.NewDB(t)
	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, nil)

	author := testutil.CreateUser(t, db, "author")
	reviewer := testutil.CreateUser(t, db, "reviewer")
	other := testutil.CreateUser(t, db, "other")

	t.Run("no reviews", func(t *testing.T) {
		sub := testutil.CreateSubmission(t, db, author.ID, models.SubmissionStatusAIReviewed, 50)
		_, err := calc.Calculate(context.Background(), sub.ID)
		assert.ErrorIs(t, err, apperrors.ErrInsufficientReviews)
	})

	t.Run("outstanding assignment", func(t *testing.T) {
		sub := testutil.CreateSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 50)
		testutil.CompleteReview(t, db, sub.ID, reviewer.ID, 50, testNow)
		testutil.CreateAssignment(t, db, sub.ID, other.ID, models.AssignmentStatusInProgress, testNow.Add(time.Hour))

		_, err := calc.Calculate(context.Background(), sub.ID)
		assert.ErrorIs(t, err, apperrors.ErrInsufficientReviews)
		assert.True(t, IsPostponed(err))
	})

	t.Run("reassigned assignments do not block", func(t *testing.T) {
		sub := testutil.CreateSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 50)
		testutil.CompleteReview(t, db, sub.ID, reviewer.ID, 50, testNow)
		testutil.CreateAssignment(t, db, sub.ID, other.ID, models.AssignmentStatusReassigned, testNow.Add(-time.Hour))

		result, err := calc.Calculate(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFinalized, result.Outcome)
	})

	t.Run("pending submission", func(t *testing.T) {
		sub := testutil.CreateSubmission(t, db, author.ID, models.SubmissionStatusPending, 0)
		_, err := calc.Calculate(context.Background(), sub.ID)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("missing submission", func(t *testing.T) {
		_, err := calc.Calculate(context.Background(), 9999)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestCalculate_ReliabilityWeights(t *testing.T) {
	db := testutil.NewDB(t)
	sub, reviews := seedSubmission(t, db, 60, 100, 50)

	rel := &mockReliability{scores: map[uint]float64{reviews[0].ReviewerID: 0.1}}
	calc := newTestCalculator(t, db, rel, &mockSink{}, nil)

	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)

	// 0.1*100 + 1.0*50 over a total weight of 1.1
	assert.InDelta(t, 60.0/1.1, result.PeerXP, 1e-9)
	assert.Equal(t, Blend(60.0/1.1, 60, config.Default().Consensus), result.FinalXP)
}

func TestCalculate_ResolvedVoteExcludesInvalidated(t *testing.T) {
	db := testutil.NewDB(t)
	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, nil)
	sub, reviews := seedSubmission(t, db, 50, 50, 50, 10, 280)

	votes := repository.NewVoteRepository(db)
	_, _, err := votes.OpenCase(&models.VoteCase{
		SubmissionID: sub.ID,
		Status:       models.VoteCaseOpen,
		Candidates:   models.EncodeCandidates([]int{50, 10, 280}),
		OpenedAt:     testNow.Add(-48 * time.Hour),
		Deadline:     testNow.Add(120 * time.Hour),
	})
	require.NoError(t, err)

	_, err = calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)

	winner := 50
	_, err = votes.CloseCase(sub.ID, models.VoteCaseResolved, &winner, 5, testNow)
	require.NoError(t, err)
	_, err = repository.NewReviewRepository(db).SetJudgment(sub.ID, []int{10}, models.JudgmentInvalidated)
	require.NoError(t, err)

	// 280 stays: std dev of [50, 50, 280] is well above the threshold, but a resolved vote skips the check.
	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalized, result.Outcome)
	assert.Equal(t, 3, result.ReviewCount)
	assert.InDelta(t, 380.0/3, result.PeerXP, 1e-9)

	ledger := repository.NewLedgerRepository(db)
	invalidated, err := ledger.NetForSource(reviews[2].ReviewerID, ReviewerSource(sub.ID, reviews[2].ID))
	require.NoError(t, err)
	assert.Zero(t, invalidated, "invalidated reviews earn no reward")

	validated, err := ledger.NetForSource(reviews[0].ReviewerID, ReviewerSource(sub.ID, reviews[0].ID))
	require.NoError(t, err)
	assert.Equal(t, 5, validated)
}

func TestCalculate_OpenVoteCaseWaits(t *testing.T) {
	db := testutil.NewDB(t)
	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, nil)
	sub, _ := seedSubmission(t, db, 50, 10, 95)

	_, _, err := repository.NewVoteRepository(db).OpenCase(&models.VoteCase{
		SubmissionID: sub.ID,
		Status:       models.VoteCaseOpen,
		Candidates:   "10,95",
		OpenedAt:     testNow,
		Deadline:     testNow.Add(168 * time.Hour),
	})
	require.NoError(t, err)

	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingVote, result.Outcome)
	assert.True(t, result.Divergent)
}

func TestCalculate_LateReviewerUnrewarded(t *testing.T) {
	db := testutil.NewDB(t)
	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, nil)
	sub, reviews := seedSubmission(t, db, 50, 50, 55)

	require.NoError(t, db.Model(&models.PeerReview{}).Where("id = ?", reviews[1].ID).Update("is_late", true).Error)

	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, result.Transactions, 2, "author plus the on-time reviewer")
}

func TestCalculate_LockContention(t *testing.T) {
	db := testutil.NewDB(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := cache.NewFromClient(client, logger.Nop()).NewLocker(time.Minute)

	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, locker)
	sub, _ := seedSubmission(t, db, 40, 40, 45, 42)

	release, err := locker.Acquire(context.Background(), cache.ConsensusLockKey(sub.ID))
	require.NoError(t, err)

	_, err = calc.Calculate(context.Background(), sub.ID)
	assert.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)
	assert.True(t, IsPostponed(err))

	release()
	result, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinalized, result.Outcome)
}

func TestRecalculate_ReconcilesDelta(t *testing.T) {
	db := testutil.NewDB(t)
	auditor := &mockAuditor{}
	calc := NewCalculator(db, nil, &mockReliability{}, &mockSink{}, auditor, config.Default().Consensus, logger.Nop())
	sub, reviews := seedSubmission(t, db, 40, 40, 45, 42)

	first, err := calc.Calculate(context.Background(), sub.ID)
	require.NoError(t, err)

	require.NoError(t, repository.NewReviewRepository(db).UpdateReviewScore(reviews[0].ID, 100))

	second, err := calc.Recalculate(context.Background(), sub.ID, "admin", "typo in score")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecalculated, second.Outcome)
	assert.Greater(t, second.FinalXP, first.FinalXP)
	require.Len(t, second.Transactions, 1, "only the author's delta is appended")
	assert.Equal(t, second.FinalXP-first.FinalXP, second.Transactions[0].Amount)

	total, err := repository.NewLedgerRepository(db).SumForUser(sub.AuthorID)
	require.NoError(t, err)
	assert.Equal(t, second.FinalXP, total)
	assert.Equal(t, []string{"consensus.recalculate"}, auditor.entries)
	testutil.RequireLedgerConsistent(t, db)
}

func TestRecalculate_RequiresFinalized(t *testing.T) {
	db := testutil.NewDB(t)
	calc := newTestCalculator(t, db, &mockReliability{}, &mockSink{}, nil)
	sub, _ := seedSubmission(t, db, 40, 40, 45)

	_, err := calc.Recalculate(context.Background(), sub.ID, "admin", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBlend(t *testing.T) {
	cfg := config.Default().Consensus

	tests := []struct {
		name     string
		peer     float64
		ai       int
		expected int
	}{
		{"peer dominates", 100, 50, 85},
		{"ai floor", 0, 100, 50},
		{"clamped to max", 400, 300, 300},
		{"zero", 0, 0, 0},
		{"rounds to nearest", 42.5, 40, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Blend(tt.peer, tt.ai, cfg))
		})
	}
}

func TestAgreement(t *testing.T) {
	assert.Equal(t, 1.0, Agreement([]int{50}, 300))
	assert.Equal(t, 1.0, Agreement([]int{50, 50, 50}, 300))
	assert.InDelta(t, 1-6.3333/22500, Agreement([]int{40, 45, 42}, 300), 1e-6)
	assert.Equal(t, 0.0, Agreement([]int{0, 300}, 300))
}

func TestWeightedMean(t *testing.T) {
	reviews := []models.PeerReview{
		{ReviewerID: 1, XPScore: 100},
		{ReviewerID: 2, XPScore: 50},
	}

	assert.InDelta(t, 75.0, WeightedMean(reviews, nil), 1e-9)
	assert.InDelta(t, 50.0, WeightedMean(reviews, map[uint]float64{1: -3}), 1e-9)
	assert.InDelta(t, 75.0, WeightedMean(reviews, map[uint]float64{1: 0, 2: 0}), 1e-9)

	// Same inputs, same output.
	w := map[uint]float64{1: 0.3, 2: 0.9}
	assert.Equal(t, WeightedMean(reviews, w), WeightedMean(reviews, w))
}
