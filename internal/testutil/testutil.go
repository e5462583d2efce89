// Package testutil provides an in-memory database and fixtures for service tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/models"
	"github.com/aimd54/reputation-consensus/internal/repository"
)

// NewDB opens a migrated in-memory SQLite database that is closed when the test ends.
func NewDB(t *testing.T) *repository.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// Every pooled connection to :memory: is its own database.
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	db := &repository.DB{DB: gdb, Retry: config.RetryConfig{MaxAttempts: 1}}
	require.NoError(t, db.AutoMigrate())

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

// CreateUser inserts a user.
func CreateUser(t *testing.T, db *repository.DB, username string) *models.User {
	t.Helper()

	user := &models.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, db.Create(user).Error)
	return user
}

// CreateSubmission inserts a submission.
func CreateSubmission(t *testing.T, db *repository.DB, authorID uint, status string, aiXP int) *models.Submission {
	t.Helper()

	submission := &models.Submission{
		AuthorID: authorID,
		Title:    fmt.Sprintf("submission by %d", authorID),
		Status:   status,
		AIXP:     aiXP,
	}
	require.NoError(t, db.Create(submission).Error)
	return submission
}

// CompleteReview inserts a completed assignment and its review, created at the given time.
func CompleteReview(t *testing.T, db *repository.DB, submissionID, reviewerID uint, score int, at time.Time) *models.PeerReview {
	t.Helper()

	at = at.UTC()
	completed := at
	assignment := &models.ReviewAssignment{
		SubmissionID: submissionID,
		ReviewerID:   reviewerID,
		Status:       models.AssignmentStatusCompleted,
		Deadline:     at.Add(24 * time.Hour),
		CompletedAt:  &completed,
		CreatedAt:    at.Add(-24 * time.Hour),
	}
	require.NoError(t, db.Create(assignment).Error)

	review := &models.PeerReview{
		SubmissionID:   submissionID,
		ReviewerID:     reviewerID,
		AssignmentID:   &assignment.ID,
		XPScore:        score,
		JudgmentStatus: models.JudgmentUnset,
		CreatedAt:      at,
	}
	require.NoError(t, db.Create(review).Error)
	return review
}

// CreateAssignment inserts an assignment without a review.
func CreateAssignment(t *testing.T, db *repository.DB, submissionID, reviewerID uint, status string, deadline time.Time) *models.ReviewAssignment {
	t.Helper()

	assignment := &models.ReviewAssignment{
		SubmissionID: submissionID,
		ReviewerID:   reviewerID,
		Status:       status,
		Deadline:     deadline.UTC(),
	}
	require.NoError(t, db.Create(assignment).Error)
	return assignment
}

// AppendXP appends a ledger transaction through the ledger repository.
func AppendXP(t *testing.T, db *repository.DB, userID uint, amount int, txType string, at time.Time) *models.XpTransaction {
	t.Helper()

	txn := &models.XpTransaction{
		UserID:    userID,
		Amount:    amount,
		Type:      txType,
		SourceRef: fmt.Sprintf("fixture:%d:%d", userID, at.UnixNano()),
		CreatedAt: at.UTC(),
	}
	require.NoError(t, repository.NewLedgerRepository(db).Append(txn))
	return txn
}

// RequireLedgerConsistent asserts every cached total equals its ledger sum.
func RequireLedgerConsistent(t *testing.T, db *repository.DB) {
	t.Helper()

	mismatches, err := repository.NewLedgerRepository(db).FindMismatches()
	require.NoError(t, err)
	require.Empty(t, mismatches)
}
