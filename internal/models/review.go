package models

import (
	"time"
)

// Submission is a piece of content awaiting or holding an XP consensus.
type Submission struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AuthorID       uint       `gorm:"not null;index" json:"author_id"`
	Author         *User      `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Title          string     `gorm:"type:text" json:"title"`
	Status         string     `gorm:"size:32;not null;index" json:"status"`
	AIXP           int        `gorm:"column:ai_xp;not null;default:0" json:"ai_xp"`
	PeerXP         *float64   `gorm:"column:peer_xp" json:"peer_xp"`
	FinalXP        *int       `gorm:"column:final_xp" json:"final_xp"`
	ConsensusScore *float64   `json:"consensus_score"`
	Confidence     *float64   `json:"confidence"`
	ReviewCount    int        `gorm:"default:0" json:"review_count"`
	Version        int        `gorm:"not null;default:0" json:"version"` // optimistic lock for finalization
	FinalizedAt    *time.Time `json:"finalized_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Assignments []ReviewAssignment `gorm:"foreignKey:SubmissionID" json:"assignments,omitempty"`
	Reviews     []PeerReview       `gorm:"foreignKey:SubmissionID" json:"reviews,omitempty"`
}

// TableName specifies the table name for Submission model.
func (Submission) TableName() string {
	return "submissions"
}

// IsTerminal reports whether the submission can no longer change through the automated paths.
func (s *Submission) IsTerminal() bool {
	return s.Status == SubmissionStatusFinalized || s.Status == SubmissionStatusRejected
}

// ReviewAssignment links a reviewer to a submission.
type ReviewAssignment struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	SubmissionID uint       `gorm:"not null;index" json:"submission_id"`
	ReviewerID   uint       `gorm:"not null;index" json:"reviewer_id"`
	Status       string     `gorm:"size:32;not null;index" json:"status"`
	Deadline     time.Time  `gorm:"not null;index" json:"deadline"`
	CompletedAt  *time.Time `json:"completed_at"`
	IsLate       bool       `gorm:"default:false" json:"is_late"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName specifies the table name for ReviewAssignment model.
func (ReviewAssignment) TableName() string {
	return "review_assignments"
}

// IsOutstanding reports whether the reviewer still owes a review.
func (a *ReviewAssignment) IsOutstanding() bool {
	return a.Status == AssignmentStatusPending || a.Status == AssignmentStatusInProgress
}

// IsActive reports whether the assignment still counts towards the required review count.
func (a *ReviewAssignment) IsActive() bool {
	return a.IsOutstanding() || a.Status == AssignmentStatusCompleted
}

// PeerReview is one reviewer's judgment on one submission.
type PeerReview struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubmissionID   uint      `gorm:"not null;index" json:"submission_id"`
	ReviewerID     uint      `gorm:"not null;index" json:"reviewer_id"`
	AssignmentID   *uint     `gorm:"index" json:"assignment_id"`
	XPScore        int       `gorm:"column:xp_score;not null" json:"xp_score"`
	QualityRating  *int      `json:"quality_rating"`
	IsLate         bool      `gorm:"default:false" json:"is_late"`
	JudgmentStatus string    `gorm:"size:16;not null;default:'UNSET'" json:"judgment_status"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for PeerReview model.
func (PeerReview) TableName() string {
	return "peer_reviews"
}

// IsSuperseded reports whether a resolved vote discarded this review.
func (r *PeerReview) IsSuperseded() bool {
	return r.JudgmentStatus == JudgmentInvalidated
}

// Submission status constants.
const (
	SubmissionStatusPending         = "PENDING"
	SubmissionStatusAIReviewed      = "AI_REVIEWED"
	SubmissionStatusUnderPeerReview = "UNDER_PEER_REVIEW"
	SubmissionStatusFinalized       = "FINALIZED"
	SubmissionStatusRejected        = "REJECTED"
	SubmissionStatusFlagged         = "FLAGGED"
)

// Assignment status constants.
const (
	AssignmentStatusPending    = "PENDING"
	AssignmentStatusInProgress = "IN_PROGRESS"
	AssignmentStatusCompleted  = "COMPLETED"
	AssignmentStatusMissed     = "MISSED"
	AssignmentStatusReassigned = "REASSIGNED"
)

// Judgment status constants. Only vote resolution sets them.
const (
	JudgmentUnset       = "UNSET"
	JudgmentValidated   = "VALIDATED"
	JudgmentInvalidated = "INVALIDATED"
)
