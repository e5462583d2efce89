package models

import (
	"time"

	"gorm.io/datatypes"
)

// XpTransaction is an append-only ledger entry. A user's XP is the sum of their transactions.
type XpTransaction struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index:idx_xp_tx_user_week,priority:1" json:"user_id"`
	Amount      int       `gorm:"not null" json:"amount"`
	Type        string    `gorm:"size:32;not null;index" json:"type"`
	WeekNumber  int       `gorm:"not null;index:idx_xp_tx_user_week,priority:2" json:"week_number"`
	SourceRef   string    `gorm:"size:128;index" json:"source_ref"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for XpTransaction model.
func (XpTransaction) TableName() string {
	return "xp_transactions"
}

// UserXP is the cached projection of a user's ledger sum.
// It is only ever written by recomputing the sum; there is no "set total" path.
type UserXP struct {
	UserID    uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	TotalXP   int       `gorm:"not null;default:0" json:"total_xp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for UserXP model.
func (UserXP) TableName() string {
	return "user_xp"
}

// WeekClose marks an XP week as closed by the weekly reset job.
type WeekClose struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Week      int       `gorm:"uniqueIndex;not null" json:"week"`
	Penalized int       `gorm:"default:0" json:"penalized"`
	ClosedAt  time.Time `json:"closed_at"`
}

// TableName specifies the table name for WeekClose model.
func (WeekClose) TableName() string {
	return "week_closes"
}

// WeeklyInsight summarizes one user's activity in a closed week.
type WeeklyInsight struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Week             int            `gorm:"not null;uniqueIndex:idx_weekly_insight,priority:1" json:"week"`
	UserID           uint           `gorm:"not null;uniqueIndex:idx_weekly_insight,priority:2" json:"user_id"`
	XPEarned         int            `gorm:"column:xp_earned;default:0" json:"xp_earned"`
	ReviewsCompleted int            `gorm:"default:0" json:"reviews_completed"`
	ReviewsMissed    int            `gorm:"default:0" json:"reviews_missed"`
	Breakdown        datatypes.JSON `json:"breakdown"` // XP per transaction type
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName specifies the table name for WeeklyInsight model.
func (WeeklyInsight) TableName() string {
	return "weekly_insights"
}

// Transaction type constants.
const (
	TxTypePeerReview          = "PEER_REVIEW"
	TxTypeAIEval              = "AI_EVAL"
	TxTypeSubmissionConsensus = "SUBMISSION_CONSENSUS"
	TxTypeAdminAdjustment     = "ADMIN_ADJUSTMENT"
	TxTypeMonthlyAward        = "MONTHLY_AWARD"
	TxTypeLegacyTransfer      = "LEGACY_TRANSFER"
	TxTypeMissedReviewPenalty = "MISSED_REVIEW_PENALTY"
)
