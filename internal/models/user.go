// Package models defines domain models for the reputation consensus engine.
package models

import (
	"time"
)

// User represents a participant who submits content, reviews, or votes.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:255" json:"username"`
	Email     string    `gorm:"size:255" json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Wallets []Wallet `gorm:"foreignKey:UserID" json:"wallets,omitempty"`
}

// TableName specifies the table name for User model.
func (User) TableName() string {
	return "users"
}

// Wallet is an identity linked to a user. One user may own many wallets.
type Wallet struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Address   string    `gorm:"uniqueIndex;not null;size:128" json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for Wallet model.
func (Wallet) TableName() string {
	return "wallets"
}
