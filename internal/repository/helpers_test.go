package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// setupTestDB creates an in-memory SQLite database with every model migrated.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// A second pooled connection would open a second, empty in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	wrapped := &DB{DB: db}
	require.NoError(t, wrapped.AutoMigrate())

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return wrapped
}

func createTestUser(t *testing.T, db *DB, username string) *models.User {
	t.Helper()

	user := &models.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createTestSubmission(t *testing.T, db *DB, authorID uint, status string, aiXP int) *models.Submission {
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

func createTestReview(t *testing.T, db *DB, submissionID, reviewerID uint, score int, createdAt time.Time) *models.PeerReview {
	t.Helper()

	review := &models.PeerReview{
		SubmissionID:   submissionID,
		ReviewerID:     reviewerID,
		XPScore:        score,
		JudgmentStatus: models.JudgmentUnset,
		CreatedAt:      createdAt,
	}
	require.NoError(t, db.Create(review).Error)
	return review
}

func createTestAssignment(t *testing.T, db *DB, submissionID, reviewerID uint, status string, deadline time.Time) *models.ReviewAssignment {
	t.Helper()

	assignment := &models.ReviewAssignment{
		SubmissionID: submissionID,
		ReviewerID:   reviewerID,
		Status:       status,
		Deadline:     deadline,
	}
	if status == models.AssignmentStatusCompleted {
		completed := deadline.Add(-time.Hour)
		assignment.CompletedAt = &completed
	}
	require.NoError(t, db.Create(assignment).Error)
	return assignment
}
