// Package voting resolves divergent submissions through community votes.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/metrics"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/internal/stats"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

// Auditor records vote case mutations.
type Auditor interface {
	Record(ctx context.Context, entry automation.Entry)
}

// Ballot is one vote request. Either UserID or WalletAddress identifies the voter.
type Ballot struct {
	SubmissionID  uint   `json:"submission_id"`
	UserID        *uint  `json:"user_id,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	VoteXP        int    `json:"vote_xp"`
}

// Resolution describes a case that reached a strict majority.
type Resolution struct {
	SubmissionID uint      `json:"submission_id"`
	WinningXP    int       `json:"winning_xp"`
	LosingValues []int     `json:"losing_values"`
	TotalVotes   int       `json:"total_votes"`
	LeaderShare  float64   `json:"leader_share"`
	Validated    int64     `json:"validated"`
	Invalidated  int64     `json:"invalidated"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// CastResult is the outcome of an accepted ballot.
type CastResult struct {
	SubmissionID uint        `json:"submission_id"`
	VoteID       uint        `json:"vote_id"`
	IdentityKey  string      `json:"identity_key"`
	TotalVotes   int         `json:"total_votes"`
	Resolution   *Resolution `json:"resolution,omitempty"`
}

// Candidate is a submission whose peer scores disagree beyond the threshold.
type Candidate struct {
	SubmissionID uint    `json:"submission_id"`
	Scores       []int   `json:"scores"`
	StdDev       float64 `json:"std_dev"`
}

// CaseResult is the per-case outcome of a batch operation.
type CaseResult struct {
	SubmissionID uint   `json:"submission_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// BatchResult summarizes a batch over vote cases.
type BatchResult struct {
	RunID     string       `json:"run_id"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Items     []CaseResult `json:"items"`
}

func (b *BatchResult) add(item CaseResult) {
	b.Total++
	if item.Error != "" {
		b.Failed++
	} else {
		b.Succeeded++
	}
	b.Items = append(b.Items, item)
}

// Engine runs the vote case state machine: OPEN_FOR_VOTING to RESOLVED or UNRESOLVED.
type Engine struct {
	db          *repository.DB
	votes       *repository.VoteRepository
	reviews     *repository.ReviewRepository
	submissions *repository.SubmissionRepository
	identity    IdentityResolver
	auditor     Auditor
	cfg         config.VotingConfig
	threshold   float64
	minReviews  int
	log         *logger.Logger
	now         func() time.Time
}

// NewEngine creates a vote consensus engine.
func NewEngine(
	db *repository.DB,
	identity IdentityResolver,
	auditor Auditor,
	cfg config.VotingConfig,
	consensusCfg config.ConsensusConfig,
	log *logger.Logger,
) *Engine {
	return &Engine{
		db:          db,
		votes:       repository.NewVoteRepository(db),
		reviews:     repository.NewReviewRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		identity:    identity,
		auditor:     auditor,
		cfg:         cfg,
		threshold:   consensusCfg.DivergenceThreshold,
		minReviews:  consensusCfg.MinReviewsForDivergence,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// OpenCase opens a vote for a submission. Opening an already opened submission returns
// the existing case.
func (e *Engine) OpenCase(ctx context.Context, submissionID uint, candidates []int, stdDev float64) (*models.VoteCase, error) {
	encoded := models.EncodeCandidates(candidates)
	voteCase := &models.VoteCase{SubmissionID: submissionID, Candidates: encoded}
	if len(voteCase.CandidateValues()) < 2 {
		return nil, fmt.Errorf("submission %d needs at least two distinct candidate values: %w", submissionID, apperrors.ErrInvalidInput)
	}

	now := e.now()
	voteCase.Status = models.VoteCaseOpen
	voteCase.StdDev = stdDev
	voteCase.OpenedAt = now
	voteCase.Deadline = now.Add(e.cfg.VoteTimeout())

	stored, created, err := e.votes.OpenCase(voteCase)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}

	metrics.RecordVoteCase("opened")
	e.audit(ctx, automation.Entry{
		Job:    "voting.open_case",
		Status: models.AutomationStatusSuccess,
		Actor:  automation.ActorSystem,
		Result: map[string]interface{}{
			"submission_id": submissionID,
			"candidates":    stored.CandidateValues(),
			"std_dev":       stdDev,
			"deadline":      stored.Deadline,
		},
	})
	e.log.Info().
		Uint("submission_id", submissionID).
		Str("candidates", stored.Candidates).
		Float64("std_dev", stdDev).
		Time("deadline", stored.Deadline).
		Msg("Vote case opened")

	return stored, nil
}

// FindCandidates lists submissions without a vote case whose peer scores within the
// trailing window diverge beyond the threshold.
func (e *Engine) FindCandidates(ctx context.Context, now time.Time) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	since := now.AddDate(0, 0, -e.cfg.CandidateWindowDays)
	rows, err := e.reviews.ListReviewScoresSince(since)
	if err != nil {
		return nil, err
	}

	bySubmission := make(map[uint][]int)
	var order []uint
	for _, row := range rows {
		if _, ok := bySubmission[row.SubmissionID]; !ok {
			order = append(order, row.SubmissionID)
		}
		bySubmission[row.SubmissionID] = append(bySubmission[row.SubmissionID], row.XPScore)
	}

	var candidates []Candidate
	for _, id := range order {
		scores := bySubmission[id]
		if len(scores) < e.minReviews {
			continue
		}
		if sd := stats.SampleStdDev(stats.Ints(scores)); sd > e.threshold {
			candidates = append(candidates, Candidate{SubmissionID: id, Scores: scores, StdDev: sd})
		}
	}
	return candidates, nil
}

// OpenEligibleCases opens a case for every current candidate.
func (e *Engine) OpenEligibleCases(ctx context.Context, now time.Time) (*BatchResult, error) {
	candidates, err := e.FindCandidates(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{RunID: automation.NewRunID(), Items: []CaseResult{}}
	for _, c := range candidates {
		item := CaseResult{SubmissionID: c.SubmissionID, Status: models.VoteCaseOpen}
		if _, err := e.OpenCase(ctx, c.SubmissionID, c.Scores, c.StdDev); err != nil {
			item.Error = err.Error()
		}
		result.add(item)
		metrics.RecordBatchItem("open_vote_cases", batchStatus(item))
	}
	e.refreshOpenGauge()
	return result, nil
}

// CastVote records one ballot and resolves the case if it now has a strict majority.
func (e *Engine) CastVote(ctx context.Context, ballot Ballot) (*CastResult, error) {
	voteCase, err := e.votes.GetCase(ballot.SubmissionID)
	if err != nil {
		metrics.RecordVoteCast("rejected")
		return nil, err
	}
	if voteCase.Status != models.VoteCaseOpen || e.now().After(voteCase.Deadline) {
		metrics.RecordVoteCast("rejected")
		return nil, fmt.Errorf("vote case for submission %d is %s: %w", ballot.SubmissionID, voteCase.Status, apperrors.ErrVotingClosed)
	}
	if !voteCase.HasCandidate(ballot.VoteXP) {
		metrics.RecordVoteCast("rejected")
		return nil, fmt.Errorf("%d is not a candidate for submission %d: %w", ballot.VoteXP, ballot.SubmissionID, apperrors.ErrInvalidVote)
	}

	voter, err := resolveVoter(e.identity, ballot)
	if err != nil {
		metrics.RecordVoteCast("rejected")
		return nil, err
	}

	voted, err := e.votes.HasVoted(ballot.SubmissionID, voter.identityKeys(), voter.Wallets)
	if err != nil {
		return nil, err
	}
	if voted {
		metrics.RecordVoteCast("duplicate")
		return nil, fmt.Errorf("identity %s already voted on submission %d: %w", voter.Key, ballot.SubmissionID, apperrors.ErrAlreadyVoted)
	}

	vote := &models.JudgmentVote{
		SubmissionID:  ballot.SubmissionID,
		VoterUserID:   voter.UserID,
		IdentityKey:   voter.Key,
		WalletAddress: voter.Wallet,
		VoteXP:        ballot.VoteXP,
		CreatedAt:     e.now(),
	}
	if err := e.votes.CreateVote(vote, voter.identityKeys()...); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyVoted) {
			metrics.RecordVoteCast("duplicate")
		}
		return nil, err
	}
	metrics.RecordVoteCast("accepted")

	result := &CastResult{SubmissionID: ballot.SubmissionID, VoteID: vote.ID, IdentityKey: voter.Key}

	resolution, err := e.TryResolve(ctx, ballot.SubmissionID)
	if err == nil {
		result.Resolution = resolution
		result.TotalVotes = resolution.TotalVotes
		return result, nil
	}
	if !errors.Is(err, apperrors.ErrNoConsensusCandidate) {
		// The ballot is stored; resolution is retried on the next ballot or by maintenance.
		e.log.Warn().Err(err).Uint("submission_id", ballot.SubmissionID).Msg("Failed to resolve vote case after ballot")
	}
	if tally, err := e.votes.Tally(ballot.SubmissionID); err == nil {
		result.TotalVotes = totalOf(tally)
	}
	return result, nil
}

// TryResolve resolves an open case once it has the minimum number of votes and the
// leading value holds a strict majority. Otherwise it returns ErrNoConsensusCandidate
// and the case stays open.
func (e *Engine) TryResolve(ctx context.Context, submissionID uint) (*Resolution, error) {
	voteCase, err := e.votes.GetCase(submissionID)
	if err != nil {
		return nil, err
	}
	if voteCase.Status != models.VoteCaseOpen {
		return nil, fmt.Errorf("vote case for submission %d is %s: %w", submissionID, voteCase.Status, apperrors.ErrVotingClosed)
	}

	tally, err := e.votes.Tally(submissionID)
	if err != nil {
		return nil, err
	}
	total := totalOf(tally)
	if err := e.votes.SetTotalVotes(submissionID, total); err != nil {
		return nil, err
	}

	winner, share, ok := leader(tally, total)
	if total < e.cfg.MinVotes || !ok || share <= e.cfg.MajorityThreshold {
		return nil, fmt.Errorf("submission %d has %d vote(s), leader share %.2f: %w",
			submissionID, total, share, apperrors.ErrNoConsensusCandidate)
	}

	var losing []int
	for _, v := range voteCase.CandidateValues() {
		if v != winner && tally[v] > 0 {
			losing = append(losing, v)
		}
	}

	now := e.now()
	resolution := &Resolution{
		SubmissionID: submissionID,
		WinningXP:    winner,
		LosingValues: losing,
		TotalVotes:   total,
		LeaderShare:  share,
		ResolvedAt:   now,
	}

	err = e.db.InTx(ctx, func(tx *repository.DB) error {
		closed, err := repository.NewVoteRepository(tx).CloseCase(submissionID, models.VoteCaseResolved, &winner, total, now)
		if err != nil {
			return err
		}
		if !closed {
			return fmt.Errorf("vote case for submission %d was closed concurrently: %w", submissionID, apperrors.ErrVotingClosed)
		}

		reviews := repository.NewReviewRepository(tx)
		if resolution.Validated, err = reviews.SetJudgment(submissionID, []int{winner}, models.JudgmentValidated); err != nil {
			return err
		}
		if resolution.Invalidated, err = reviews.SetJudgment(submissionID, losing, models.JudgmentInvalidated); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordVoteCase(models.VoteCaseResolved)
	e.audit(ctx, automation.Entry{
		Job:    "voting.resolve",
		Status: models.AutomationStatusSuccess,
		Actor:  automation.ActorSystem,
		Result: resolution,
	})
	e.log.Info().
		Uint("submission_id", submissionID).
		Int("winning_xp", winner).
		Ints("losing_values", losing).
		Int("total_votes", total).
		Float64("leader_share", share).
		Msg("Vote case resolved")

	return resolution, nil
}

// ExpireStale closes open cases past their deadline. Cases that still reach a majority
// are resolved; the rest become UNRESOLVED and their submission is flagged for an admin.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (*BatchResult, error) {
	cases, err := e.votes.ListOpenCases(&now)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{RunID: automation.NewRunID(), Items: []CaseResult{}}
	for _, vc := range cases {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		item := e.expireOne(ctx, vc, now, result.RunID)
		result.add(item)
		metrics.RecordBatchItem("expire_vote_cases", batchStatus(item))
	}
	e.refreshOpenGauge()

	e.log.Info().
		Str("run_id", result.RunID).
		Int("total", result.Total).
		Int("failed", result.Failed).
		Msg("Stale vote cases processed")

	return result, nil
}

func (e *Engine) expireOne(ctx context.Context, vc models.VoteCase, now time.Time, runID string) CaseResult {
	item := CaseResult{SubmissionID: vc.SubmissionID}

	if _, err := e.TryResolve(ctx, vc.SubmissionID); err == nil {
		item.Status = models.VoteCaseResolved
		return item
	} else if !errors.Is(err, apperrors.ErrNoConsensusCandidate) {
		item.Error = err.Error()
		return item
	}

	tally, err := e.votes.Tally(vc.SubmissionID)
	if err != nil {
		item.Error = err.Error()
		return item
	}
	total := totalOf(tally)

	err = e.db.InTx(ctx, func(tx *repository.DB) error {
		closed, err := repository.NewVoteRepository(tx).CloseCase(vc.SubmissionID, models.VoteCaseUnresolved, nil, total, now)
		if err != nil {
			return err
		}
		if !closed {
			return fmt.Errorf("vote case for submission %d was closed concurrently: %w", vc.SubmissionID, apperrors.ErrVotingClosed)
		}
		return repository.NewSubmissionRepository(tx).UpdateStatus(vc.SubmissionID, models.SubmissionStatusFlagged)
	})
	if err != nil {
		item.Error = err.Error()
		return item
	}

	item.Status = models.VoteCaseUnresolved
	metrics.RecordVoteCase(models.VoteCaseUnresolved)
	e.audit(ctx, automation.Entry{
		RunID:  runID,
		Job:    "voting.expire",
		Status: models.AutomationStatusSuccess,
		Actor:  automation.ActorScheduler,
		Reason: "vote timeout reached without a strict majority",
		Result: map[string]interface{}{
			"submission_id": vc.SubmissionID,
			"total_votes":   total,
			"tally":         tally,
		},
	})
	e.log.Warn().
		Uint("submission_id", vc.SubmissionID).
		Int("total_votes", total).
		Msg("Vote case expired unresolved, submission flagged")
	return item
}

// LinkWallet attaches a wallet to a user. Votes already cast from the wallet count
// against the user from then on.
func (e *Engine) LinkWallet(_ context.Context, userID uint, address string) (*models.Wallet, error) {
	address = repository.NormalizeAddress(address)
	if address == "" {
		return nil, fmt.Errorf("wallet address is required: %w", apperrors.ErrInvalidInput)
	}
	owner, err := e.identity.UserForWallet(address)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		return nil, fmt.Errorf("wallet %s already linked to user %d: %w", address, *owner, apperrors.ErrInvalidInput)
	}
	users := repository.NewUserRepository(e.db)
	if _, err := users.GetByID(userID); err != nil {
		return nil, err
	}
	wallet, err := users.LinkWallet(userID, address)
	if err != nil {
		if repository.IsDuplicate(err) {
			return nil, fmt.Errorf("wallet %s: %w", address, apperrors.ErrConcurrentUpdate)
		}
		return nil, err
	}
	e.log.Info().Uint("user_id", userID).Str("wallet", address).Msg("Wallet linked")
	return wallet, nil
}

// Cases lists vote cases by status.
func (e *Engine) Cases(ctx context.Context, status string, limit int) ([]models.VoteCase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.votes.ListCases(status, limit)
}

func (e *Engine) refreshOpenGauge() {
	open, err := e.votes.ListOpenCases(nil)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to count open vote cases")
		return
	}
	metrics.SetOpenVoteCases(len(open))
}

func (e *Engine) audit(ctx context.Context, entry automation.Entry) {
	if e.auditor != nil {
		e.auditor.Record(ctx, entry)
	}
}

// leader returns the most voted value and its share. Ties go to the lower value,
// though a tie can never hold a strict majority.
func leader(tally map[int]int, total int) (int, float64, bool) {
	if total == 0 {
		return 0, 0, false
	}
	values := make([]int, 0, len(tally))
	for v := range tally {
		values = append(values, v)
	}
	sort.Ints(values)

	best, bestCount := 0, -1
	for _, v := range values {
		if tally[v] > bestCount {
			best, bestCount = v, tally[v]
		}
	}
	return best, float64(bestCount) / float64(total), true
}

func totalOf(tally map[int]int) int {
	total := 0
	for _, c := range tally {
		total += c
	}
	return total
}

func batchStatus(item CaseResult) string {
	if item.Error != "" {
		return "failed"
	}
	return "succeeded"
}
