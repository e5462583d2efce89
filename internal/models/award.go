package models

import (
	"time"

	"gorm.io/datatypes"
)

// MonthlyWinner is one ranked winner of a calendar month.
type MonthlyWinner struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Month     string    `gorm:"size:7;not null;uniqueIndex:idx_winner_month_rank,priority:1;uniqueIndex:idx_winner_month_user,priority:1" json:"month"`
	Rank      int       `gorm:"not null;uniqueIndex:idx_winner_month_rank,priority:2" json:"rank"`
	UserID    uint      `gorm:"not null;index;uniqueIndex:idx_winner_month_user,priority:2" json:"user_id"`
	User      *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	XPAwarded int       `gorm:"column:xp_awarded;not null" json:"xp_awarded"`
	AwardedAt time.Time `gorm:"not null" json:"awarded_at"`
}

// TableName specifies the table name for MonthlyWinner model.
func (MonthlyWinner) TableName() string {
	return "monthly_winners"
}

// MonthlyRevocation records a winner withdrawn by an administrator. The user stays
// ineligible for that month when the month is awarded again.
type MonthlyRevocation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Month      string    `gorm:"size:7;not null;uniqueIndex:idx_revocation_month_user,priority:1" json:"month"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_revocation_month_user,priority:2" json:"user_id"`
	WinnerID   uint      `gorm:"not null" json:"winner_id"`
	Rank       int       `gorm:"not null" json:"rank"`
	XPReversed int       `gorm:"column:xp_reversed;not null" json:"xp_reversed"`
	Actor      string    `gorm:"size:100" json:"actor"`
	Reason     string    `gorm:"type:text" json:"reason"`
	RevokedAt  time.Time `gorm:"not null" json:"revoked_at"`
}

// TableName specifies the table name for MonthlyRevocation model.
func (MonthlyRevocation) TableName() string {
	return "monthly_revocations"
}

// AutomationLog is an append-only audit record of an automated or administrative mutation.
type AutomationLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	RunID     string         `gorm:"size:36;index" json:"run_id"`
	Job       string         `gorm:"size:100;not null;index" json:"job"`
	Status    string         `gorm:"size:20;not null" json:"status"`
	Actor     string         `gorm:"size:100" json:"actor"`
	Reason    string         `gorm:"type:text" json:"reason"`
	Result    datatypes.JSON `json:"result"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for AutomationLog model.
func (AutomationLog) TableName() string {
	return "automation_logs"
}

// Automation status constants.
const (
	AutomationStatusSuccess = "success"
	AutomationStatusPartial = "partial"
	AutomationStatusFailed  = "failed"
	AutomationStatusNoop    = "noop"
)
