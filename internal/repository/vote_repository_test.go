package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
)

func TestVoteRepository_OpenCaseIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVoteRepository(db)
	author := createTestUser(t, db, "author")
	submission := createTestSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 40)
	now := time.Now().UTC()

	first, created, err := repo.OpenCase(&models.VoteCase{
		SubmissionID: submission.ID,
		Status:       models.VoteCaseOpen,
		Candidates:   "10,95",
		OpenedAt:     now,
		Deadline:     now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.OpenCase(&models.VoteCase{
		SubmissionID: submission.ID,
		Status:       models.VoteCaseOpen,
		Candidates:   "1,2",
		OpenedAt:     now,
		Deadline:     now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []int{10, 95}, second.CandidateValues())
}

func TestVoteRepository_CreateVoteRejectsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVoteRepository(db)
	author := createTestUser(t, db, "author")
	submission := createTestSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 40)

	require.NoError(t, repo.CreateVote(&models.JudgmentVote{
		SubmissionID:  submission.ID,
		IdentityKey:   "user:7",
		WalletAddress: "0xaaa",
		VoteXP:        50,
	}))

	// Same identity through another wallet.
	err := repo.CreateVote(&models.JudgmentVote{
		SubmissionID:  submission.ID,
		IdentityKey:   "user:7",
		WalletAddress: "0xbbb",
		VoteXP:        10,
	})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyVoted)

	// Same wallet under another identity key.
	err = repo.CreateVote(&models.JudgmentVote{
		SubmissionID:  submission.ID,
		IdentityKey:   "wallet:0xaaa",
		WalletAddress: "0xaaa",
		VoteXP:        10,
	})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyVoted)

	tally, err := repo.Tally(submission.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{50: 1}, tally)

	voted, err := repo.HasVoted(submission.ID, []string{"wallet:0xccc"}, []string{"0xaaa"})
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestVoteRepository_CreateVoteClaimsLinkedWallets(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVoteRepository(db)
	author := createTestUser(t, db, "author")
	submission := createTestSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 40)

	// A wallet voted anonymously, then was linked to user 2 while that user's ballot was in flight.
	require.NoError(t, repo.CreateVote(&models.JudgmentVote{
		SubmissionID:  submission.ID,
		IdentityKey:   "wallet:0xccc",
		WalletAddress: "0xccc",
		VoteXP:        50,
	}))

	late := &models.JudgmentVote{
		SubmissionID:  submission.ID,
		IdentityKey:   "user:2",
		WalletAddress: "user:2",
		VoteXP:        10,
	}
	err := repo.CreateVote(late, "user:2", "wallet:0xccc")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyVoted)
	assert.Zero(t, late.ID)

	tally, err := repo.Tally(submission.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{50: 1}, tally)

	t.Run("user ballot first", func(t *testing.T) {
		other := createTestSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 40)
		require.NoError(t, repo.CreateVote(&models.JudgmentVote{
			SubmissionID:  other.ID,
			IdentityKey:   "user:2",
			WalletAddress: "user:2",
			VoteXP:        10,
		}, "wallet:0xccc"))

		err := repo.CreateVote(&models.JudgmentVote{
			SubmissionID:  other.ID,
			IdentityKey:   "wallet:0xccc",
			WalletAddress: "0xccc",
			VoteXP:        50,
		})
		assert.ErrorIs(t, err, apperrors.ErrAlreadyVoted)

		var claims []string
		require.NoError(t, db.Model(&models.VoteIdentityClaim{}).
			Where("submission_id = ?", other.ID).
			Order("identity_key ASC").
			Pluck("identity_key", &claims).Error)
		assert.Equal(t, []string{"user:2", "wallet:0xccc"}, claims)
	})
}

func TestVoteRepository_CloseCaseOnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVoteRepository(db)
	author := createTestUser(t, db, "author")
	submission := createTestSubmission(t, db, author.ID, models.SubmissionStatusUnderPeerReview, 40)
	now := time.Now().UTC()

	_, _, err := repo.OpenCase(&models.VoteCase{
		SubmissionID: submission.ID,
		Status:       models.VoteCaseOpen,
		Candidates:   "10,50",
		OpenedAt:     now.Add(-200 * time.Hour),
		Deadline:     now.Add(-32 * time.Hour),
	})
	require.NoError(t, err)

	stale, err := repo.ListOpenCases(&now)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	winner := 50
	closed, err := repo.CloseCase(submission.ID, models.VoteCaseResolved, &winner, 5, now)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = repo.CloseCase(submission.ID, models.VoteCaseUnresolved, nil, 5, now)
	require.NoError(t, err)
	assert.False(t, closed)

	stored, err := repo.GetCase(submission.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoteCaseResolved, stored.Status)
	require.NotNil(t, stored.WinningXP)
	assert.Equal(t, 50, *stored.WinningXP)
}
