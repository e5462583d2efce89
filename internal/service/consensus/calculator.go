// Package consensus turns AI and peer scores into a finalized XP award.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/cache"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/internal/stats"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Outcome labels.
const (
	OutcomeFinalized    = "finalized"
	OutcomeDivergent    = "divergent"
	OutcomeAwaitingVote = "awaiting_vote"
	OutcomeUnchanged    = "unchanged"
	OutcomeRecalculated = "recalculated"
)

// Locker serializes work on one key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// ReliabilityProvider returns active-formula reliability scores.
type ReliabilityProvider interface {
	GetReliabilityScores(ctx context.Context, reviewerIDs []uint) (map[uint]reliability.Score, error)
}

// DivergenceSink receives submissions whose reviewers disagree too much to finalize.
type DivergenceSink interface {
	OpenCase(ctx context.Context, submissionID uint, candidates []int, stdDev float64) (*models.VoteCase, error)
}

// Auditor records administrative recalculations.
type Auditor interface {
	Record(ctx context.Context, entry automation.Entry)
}

// Result is the outcome of one consensus attempt.
type Result struct {
	SubmissionID   uint                   `json:"submission_id"`
	Outcome        string                 `json:"outcome"`
	Status         string                 `json:"status"`
	Divergent      bool                   `json:"divergent"`
	FinalXP        int                    `json:"final_xp"`
	PeerXP         float64                `json:"peer_xp"`
	AIXP           int                    `json:"ai_xp"`
	ConsensusScore float64                `json:"consensus_score"`
	Confidence     float64                `json:"confidence"`
	ReviewCount    int                    `json:"review_count"`
	StdDev         float64                `json:"std_dev"`
	Transactions   []models.XpTransaction `json:"transactions,omitempty"`
}

// Calculator computes and persists submission consensus.
type Calculator struct {
	db          *repository.DB
	submissions *repository.SubmissionRepository
	reviews     *repository.ReviewRepository
	ledger      *repository.LedgerRepository
	votes       *repository.VoteRepository
	locker      Locker
	reliability ReliabilityProvider
	sink        DivergenceSink
	auditor     Auditor
	cfg         config.ConsensusConfig
	log         *logger.Logger
	now         func() time.Time
}

// NewCalculator creates a consensus calculator. locker, sink and auditor may be nil.
func NewCalculator(
	db *repository.DB,
	locker Locker,
	reliabilityProvider ReliabilityProvider,
	sink DivergenceSink,
	auditor Auditor,
	cfg config.ConsensusConfig,
	log *logger.Logger,
) *Calculator {
	return &Calculator{
		db:          db,
		submissions: repository.NewSubmissionRepository(db),
		reviews:     repository.NewReviewRepository(db),
		ledger:      repository.NewLedgerRepository(db),
		votes:       repository.NewVoteRepository(db),
		locker:      locker,
		reliability: reliabilityProvider,
		sink:        sink,
		auditor:     auditor,
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetSink wires the divergence sink after construction; voting depends on the calculator's store.
func (c *Calculator) SetSink(sink DivergenceSink) {
	c.sink = sink
}

// Calculate attempts to finalize a submission.
//
// Submissions still waiting on reviewers return ErrInsufficientReviews. Divergent
// submissions stay UNDER_PEER_REVIEW and are handed to the divergence sink.
// Finalized submissions are returned unchanged.
func (c *Calculator) Calculate(ctx context.Context, submissionID uint) (*Result, error) {
	release, err := c.lock(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := c.submissions.GetWithReviews(submissionID)
	if err != nil {
		return nil, err
	}

	switch sub.Status {
	case models.SubmissionStatusFinalized:
		return existingResult(sub), nil
	case models.SubmissionStatusAIReviewed, models.SubmissionStatusUnderPeerReview:
	default:
		return nil, fmt.Errorf("submission %d is %s: %w", submissionID, sub.Status, apperrors.ErrInvalidInput)
	}

	if err := checkReadiness(sub); err != nil {
		return nil, err
	}

	voteCase, err := c.votes.FindCase(submissionID)
	if err != nil {
		return nil, err
	}
	if voteCase != nil && voteCase.Status == models.VoteCaseOpen {
		metrics.RecordConsensusOutcome(OutcomeAwaitingVote)
		return &Result{
			SubmissionID: submissionID,
			Outcome:      OutcomeAwaitingVote,
			Status:       sub.Status,
			Divergent:    true,
			AIXP:         sub.AIXP,
			StdDev:       voteCase.StdDev,
			ReviewCount:  len(activeReviews(sub.Reviews)),
		}, nil
	}

	active := activeReviews(sub.Reviews)
	scores := reviewScores(active)
	stdDev := stats.SampleStdDev(stats.Ints(scores))
	metrics.ObservePeerStdDev(stdDev)

	resolved := voteCase != nil && voteCase.Status == models.VoteCaseResolved
	if !resolved && c.isDivergent(stdDev, len(scores)) {
		return c.routeDivergent(ctx, sub, scores, stdDev)
	}

	result, err := c.finalize(ctx, sub, active, stdDev)
	if err != nil {
		return nil, err
	}
	result.Outcome = OutcomeFinalized
	metrics.RecordConsensusOutcome(OutcomeFinalized)

	c.log.Info().
		Uint("submission_id", submissionID).
		Int("final_xp", result.FinalXP).
		Float64("consensus_score", result.ConsensusScore).
		Int("review_count", result.ReviewCount).
		Msg("Submission finalized")

	return result, nil
}

// Recalculate recomputes a finalized submission after an administrative correction.
// Ledger entries are reconciled to the new targets, so only deltas are appended.
func (c *Calculator) Recalculate(ctx context.Context, submissionID uint, actor, reason string) (*Result, error) {
	release, err := c.lock(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := c.submissions.GetWithReviews(submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionStatusFinalized {
		return nil, fmt.Errorf("submission %d is %s, not finalized: %w", submissionID, sub.Status, apperrors.ErrInvalidInput)
	}

	active := activeReviews(sub.Reviews)
	if len(active) == 0 {
		return nil, fmt.Errorf("submission %d has no usable reviews: %w", submissionID, apperrors.ErrInsufficientReviews)
	}
	stdDev := stats.SampleStdDev(stats.Ints(reviewScores(active)))

	previous := 0
	if sub.FinalXP != nil {
		previous = *sub.FinalXP
	}

	result, err := c.finalize(ctx, sub, active, stdDev)
	if err != nil {
		return nil, err
	}
	result.Outcome = OutcomeRecalculated
	metrics.RecordConsensusOutcome(OutcomeRecalculated)

	if c.auditor != nil {
		c.auditor.Record(ctx, automation.Entry{
			Job:    "consensus.recalculate",
			Status: models.AutomationStatusSuccess,
			Actor:  actor,
			Reason: reason,
			Result: map[string]interface{}{
				"submission_id":     submissionID,
				"previous_final_xp": previous,
				"final_xp":          result.FinalXP,
				"transactions":      len(result.Transactions),
			},
		})
	}

	c.log.Info().
		Uint("submission_id", submissionID).
		Int("previous_final_xp", previous).
		Int("final_xp", result.FinalXP).
		Str("actor", actor).
		Msg("Submission recalculated")

	return result, nil
}

// Blend combines the peer and AI scores. The peer score dominates and the AI score
// sets a floor; the result is clamped to [0, maxXp].
func Blend(peerXP float64, aiXP int, cfg config.ConsensusConfig) int {
	blended := int(math.Round(cfg.PeerBlendRatio*peerXP + (1-cfg.PeerBlendRatio)*float64(aiXP)))
	floor := int(math.Floor(cfg.AIFloorRatio * float64(aiXP)))
	if floor > blended {
		blended = floor
	}
	if blended < 0 {
		return 0
	}
	if cfg.MaxXP > 0 && blended > cfg.MaxXP {
		return cfg.MaxXP
	}
	return blended
}

// Agreement returns 1 minus the peer variance normalized by the squared half range, in [0, 1].
func Agreement(scores []int, maxXP int) float64 {
	half := float64(maxXP) / 2
	if half <= 0 {
		return 0
	}
	return stats.Clamp(1-stats.SampleVariance(stats.Ints(scores))/(half*half), 0, 1)
}

// WeightedMean averages scores by reviewer reliability. Reviewers without a score weigh 1.0
// and negative weights count as zero; if every weight is zero the plain mean is used.
func WeightedMean(reviews []models.PeerReview, weights map[uint]float64) float64 {
	var sum, total float64
	for _, r := range reviews {
		w, ok := weights[r.ReviewerID]
		if !ok {
			w = 1.0
		}
		if w < 0 {
			w = 0
		}
		sum += w * float64(r.XPScore)
		total += w
	}
	if total == 0 {
		return stats.Mean(stats.Ints(reviewScores(reviews)))
	}
	return sum / total
}

func (c *Calculator) lock(ctx context.Context, submissionID uint) (func(), error) {
	if c.locker == nil {
		return func() {}, nil
	}
	return c.locker.Acquire(ctx, cache.ConsensusLockKey(submissionID))
}

func (c *Calculator) isDivergent(stdDev float64, count int) bool {
	return stdDev > c.cfg.DivergenceThreshold && count >= c.cfg.MinReviewsForDivergence
}

func (c *Calculator) routeDivergent(ctx context.Context, sub *models.Submission, scores []int, stdDev float64) (*Result, error) {
	if sub.Status != models.SubmissionStatusUnderPeerReview {
		if err := c.submissions.UpdateStatus(sub.ID, models.SubmissionStatusUnderPeerReview); err != nil {
			return nil, err
		}
	}

	if c.sink != nil {
		if _, err := c.sink.OpenCase(ctx, sub.ID, scores, stdDev); err != nil {
			return nil, fmt.Errorf("failed to open vote case for submission %d: %w", sub.ID, err)
		}
	}
	metrics.RecordConsensusOutcome(OutcomeDivergent)

	c.log.Warn().
		Uint("submission_id", sub.ID).
		Float64("std_dev", stdDev).
		Ints("scores", scores).
		Msg("Peer scores diverge, routing to community vote")

	return &Result{
		SubmissionID: sub.ID,
		Outcome:      OutcomeDivergent,
		Status:       models.SubmissionStatusUnderPeerReview,
		Divergent:    true,
		AIXP:         sub.AIXP,
		ReviewCount:  len(scores),
		StdDev:       stdDev,
	}, nil
}

// finalize computes the award and writes submission fields and ledger entries in one transaction.
func (c *Calculator) finalize(ctx context.Context, sub *models.Submission, active []models.PeerReview, stdDev float64) (*Result, error) {
	weights, err := c.weights(ctx, active)
	if err != nil {
		return nil, err
	}

	scores := reviewScores(active)
	peerXP := WeightedMean(active, weights)
	finalXP := Blend(peerXP, sub.AIXP, c.cfg)
	agreement := Agreement(scores, c.cfg.MaxXP)
	confidence := agreement
	if c.cfg.TargetReviewCount > 0 {
		confidence *= math.Min(1, float64(len(scores))/float64(c.cfg.TargetReviewCount))
	}

	now := c.now()
	result := &Result{
		SubmissionID:   sub.ID,
		Status:         models.SubmissionStatusFinalized,
		FinalXP:        finalXP,
		PeerXP:         peerXP,
		AIXP:           sub.AIXP,
		ConsensusScore: agreement,
		Confidence:     confidence,
		ReviewCount:    len(scores),
		StdDev:         stdDev,
	}

	lateByAssignment := make(map[uint]bool, len(sub.Assignments))
	for _, a := range sub.Assignments {
		lateByAssignment[a.ID] = a.IsLate
	}

	err = c.db.InTx(ctx, func(tx *repository.DB) error {
		result.Transactions = nil

		if err := repository.NewSubmissionRepository(tx).ApplyConsensus(sub.ID, sub.Version, repository.ConsensusUpdate{
			Status:         models.SubmissionStatusFinalized,
			PeerXP:         &peerXP,
			FinalXP:        &finalXP,
			ConsensusScore: &agreement,
			Confidence:     &confidence,
			ReviewCount:    len(scores),
			FinalizedAt:    &now,
		}); err != nil {
			return err
		}

		ledger := repository.NewLedgerRepository(tx)
		txn, err := ledger.ReconcileSource(models.XpTransaction{
			UserID:      sub.AuthorID,
			Type:        models.TxTypeSubmissionConsensus,
			SourceRef:   AuthorSource(sub.ID),
			Description: fmt.Sprintf("Consensus award for submission %d", sub.ID),
			CreatedAt:   now,
		}, finalXP)
		if err != nil {
			return err
		}
		if txn != nil {
			result.Transactions = append(result.Transactions, *txn)
		}

		for _, r := range sub.Reviews {
			target := c.reviewerReward(r, lateByAssignment)
			txn, err := ledger.ReconcileSource(models.XpTransaction{
				UserID:      r.ReviewerID,
				Type:        models.TxTypePeerReview,
				SourceRef:   ReviewerSource(sub.ID, r.ID),
				Description: fmt.Sprintf("Peer review of submission %d", sub.ID),
				CreatedAt:   now,
			}, target)
			if err != nil {
				return err
			}
			if txn != nil {
				result.Transactions = append(result.Transactions, *txn)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize submission %d: %w", sub.ID, err)
	}

	metrics.ObserveConsensusScore(agreement)
	for _, txn := range result.Transactions {
		metrics.RecordLedgerTransaction(txn.Type)
	}
	return result, nil
}

// reviewerReward is the XP a completing reviewer is owed. Reviews a vote invalidated earn nothing.
func (c *Calculator) reviewerReward(r models.PeerReview, lateByAssignment map[uint]bool) int {
	if r.IsSuperseded() {
		return 0
	}
	late := r.IsLate
	if r.AssignmentID != nil && lateByAssignment[*r.AssignmentID] {
		late = true
	}
	if late {
		return c.cfg.LateReviewerReward
	}
	return c.cfg.ReviewerReward
}

func (c *Calculator) weights(ctx context.Context, reviews []models.PeerReview) (map[uint]float64, error) {
	weights := make(map[uint]float64, len(reviews))
	if c.reliability == nil || len(reviews) == 0 {
		return weights, nil
	}

	seen := make(map[uint]bool, len(reviews))
	ids := make([]uint, 0, len(reviews))
	for _, r := range reviews {
		if !seen[r.ReviewerID] {
			seen[r.ReviewerID] = true
			ids = append(ids, r.ReviewerID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	scores, err := c.reliability.GetReliabilityScores(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load reliability scores: %w", err)
	}
	for id, s := range scores {
		weights[id] = s.Score
	}
	return weights, nil
}

// checkReadiness enforces that every required reviewer has responded.
func checkReadiness(sub *models.Submission) error {
	activeAssignments := 0
	for _, a := range sub.Assignments {
		if a.IsOutstanding() {
			return fmt.Errorf("submission %d has outstanding assignment %d: %w", sub.ID, a.ID, apperrors.ErrInsufficientReviews)
		}
		if a.IsActive() {
			activeAssignments++
		}
	}
	if len(activeReviews(sub.Reviews)) == 0 {
		return fmt.Errorf("submission %d has no peer reviews: %w", sub.ID, apperrors.ErrInsufficientReviews)
	}
	if len(sub.Reviews) < activeAssignments {
		return fmt.Errorf("submission %d has %d reviews for %d assignments: %w",
			sub.ID, len(sub.Reviews), activeAssignments, apperrors.ErrInsufficientReviews)
	}
	return nil
}

func activeReviews(reviews []models.PeerReview) []models.PeerReview {
	out := make([]models.PeerReview, 0, len(reviews))
	for _, r := range reviews {
		if !r.IsSuperseded() {
			out = append(out, r)
		}
	}
	return out
}

func reviewScores(reviews []models.PeerReview) []int {
	out := make([]int, len(reviews))
	for i, r := range reviews {
		out[i] = r.XPScore
	}
	return out
}

func existingResult(sub *models.Submission) *Result {
	result := &Result{
		SubmissionID: sub.ID,
		Outcome:      OutcomeUnchanged,
		Status:       sub.Status,
		AIXP:         sub.AIXP,
		ReviewCount:  sub.ReviewCount,
	}
	if sub.FinalXP != nil {
		result.FinalXP = *sub.FinalXP
	}
	if sub.PeerXP != nil {
		result.PeerXP = *sub.PeerXP
	}
	if sub.ConsensusScore != nil {
		result.ConsensusScore = *sub.ConsensusScore
	}
	if sub.Confidence != nil {
		result.Confidence = *sub.Confidence
	}
	return result
}

// AuthorSource is the ledger source of a submission's consensus award.
func AuthorSource(submissionID uint) string {
	return fmt.Sprintf("consensus:%d", submissionID)
}

// ReviewerSource is the ledger source of one reviewer's reward for one review.
func ReviewerSource(submissionID, reviewID uint) string {
	return fmt.Sprintf("consensus:%d:review:%d", submissionID, reviewID)
}

// IsPostponed reports whether err only means the submission is not ready yet.
func IsPostponed(err error) bool {
	return errors.Is(err, apperrors.ErrInsufficientReviews) || errors.Is(err, apperrors.ErrConcurrentUpdate)
}
