package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/models"
)

func TestAwardRepository_UniqueRankAndUser(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAwardRepository(db)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	now := time.Now().UTC()

	require.NoError(t, repo.Create(&models.MonthlyWinner{Month: "2024-03", Rank: 1, UserID: alice.ID, XPAwarded: 1500, AwardedAt: now}))

	err := repo.Create(&models.MonthlyWinner{Month: "2024-03", Rank: 1, UserID: bob.ID, XPAwarded: 1500, AwardedAt: now})
	assert.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)

	err = repo.Create(&models.MonthlyWinner{Month: "2024-03", Rank: 2, UserID: alice.ID, XPAwarded: 1000, AwardedAt: now})
	assert.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)

	require.NoError(t, repo.Create(&models.MonthlyWinner{Month: "2024-03", Rank: 2, UserID: bob.ID, XPAwarded: 1000, AwardedAt: now}))

	winners, err := repo.ListByMonth("2024-03")
	require.NoError(t, err)
	require.Len(t, winners, 2)
	assert.Equal(t, alice.ID, winners[0].UserID)
	assert.Equal(t, bob.ID, winners[1].UserID)
}

func TestAwardRepository_FindAndDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAwardRepository(db)
	alice := createTestUser(t, db, "alice")

	winner := &models.MonthlyWinner{Month: "2024-03", Rank: 1, UserID: alice.ID, XPAwarded: 1500, AwardedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(winner))

	require.NoError(t, repo.UpdateAmount(winner.ID, 1200))
	found, err := repo.FindByID(winner.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 1200, found.XPAwarded)

	require.NoError(t, repo.Delete(winner.ID))
	found, err = repo.FindByID(winner.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = repo.GetByID(winner.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAwardRepository_ListByMonths(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAwardRepository(db)
	alice := createTestUser(t, db, "alice")
	now := time.Now().UTC()

	for _, month := range []string{"2023-12", "2024-01", "2024-02"} {
		require.NoError(t, repo.Create(&models.MonthlyWinner{Month: month, Rank: 1, UserID: alice.ID, XPAwarded: 1500, AwardedAt: now}))
	}

	winners, err := repo.ListByMonths([]string{"2024-01", "2024-02"})
	require.NoError(t, err)
	require.Len(t, winners, 2)
	assert.Equal(t, "2024-02", winners[0].Month)
}

func TestAwardRepository_Revocations(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAwardRepository(db)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	now := time.Now().UTC()

	require.NoError(t, repo.CreateRevocation(&models.MonthlyRevocation{Month: "2024-03", UserID: bob.ID, WinnerID: 2, Rank: 2, XPReversed: 1000, RevokedAt: now}))
	require.NoError(t, repo.CreateRevocation(&models.MonthlyRevocation{Month: "2024-03", UserID: alice.ID, WinnerID: 1, Rank: 1, XPReversed: 1500, RevokedAt: now}))
	require.NoError(t, repo.CreateRevocation(&models.MonthlyRevocation{Month: "2024-03", UserID: alice.ID, WinnerID: 1, Rank: 1, XPReversed: 1500, RevokedAt: now}))
	require.NoError(t, repo.CreateRevocation(&models.MonthlyRevocation{Month: "2024-04", UserID: alice.ID, WinnerID: 3, Rank: 1, XPReversed: 1500, RevokedAt: now}))

	revoked, err := repo.RevokedUsers("2024-03")
	require.NoError(t, err)
	assert.Equal(t, []uint{alice.ID, bob.ID}, revoked)

	none, err := repo.RevokedUsers("2024-05")
	require.NoError(t, err)
	assert.Empty(t, none)
}
