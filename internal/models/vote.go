package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// VoteCase tracks community voting on a divergent submission.
type VoteCase struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	SubmissionID uint       `gorm:"uniqueIndex;not null" json:"submission_id"`
	Status       string     `gorm:"size:20;not null;index" json:"status"`
	Candidates   string     `gorm:"type:text;not null" json:"candidates"` // comma separated XP values
	StdDev       float64    `json:"std_dev"`
	OpenedAt     time.Time  `gorm:"not null" json:"opened_at"`
	Deadline     time.Time  `gorm:"not null;index" json:"deadline"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	WinningXP    *int       `gorm:"column:winning_xp" json:"winning_xp"`
	TotalVotes   int        `gorm:"default:0" json:"total_votes"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName specifies the table name for VoteCase model.
func (VoteCase) TableName() string {
	return "vote_cases"
}

// CandidateValues parses the stored candidate list.
func (c *VoteCase) CandidateValues() []int {
	if c.Candidates == "" {
		return nil
	}
	parts := strings.Split(c.Candidates, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

// HasCandidate reports whether xp is one of the case's candidate values.
func (c *VoteCase) HasCandidate(xp int) bool {
	for _, v := range c.CandidateValues() {
		if v == xp {
			return true
		}
	}
	return false
}

// EncodeCandidates renders distinct candidate values in ascending order.
func EncodeCandidates(values []int) string {
	seen := make(map[int]bool, len(values))
	distinct := make([]int, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			distinct = append(distinct, v)
		}
	}
	sort.Ints(distinct)

	parts := make([]string, len(distinct))
	for i, v := range distinct {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// JudgmentVote is one ballot. Immutable once cast.
type JudgmentVote struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SubmissionID  uint      `gorm:"not null;uniqueIndex:idx_vote_identity,priority:1;uniqueIndex:idx_vote_wallet,priority:1" json:"submission_id"`
	VoterUserID   *uint     `gorm:"index" json:"voter_user_id"`
	IdentityKey   string    `gorm:"size:160;not null;uniqueIndex:idx_vote_identity,priority:2" json:"identity_key"`
	WalletAddress string    `gorm:"size:128;not null;uniqueIndex:idx_vote_wallet,priority:2" json:"wallet_address"`
	VoteXP        int       `gorm:"column:vote_xp;not null" json:"vote_xp"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName specifies the table name for JudgmentVote model.
func (JudgmentVote) TableName() string {
	return "judgment_votes"
}

// VoteIdentityClaim reserves one identity key of a ballot on a submission. A ballot
// claims its own key and the key of every wallet linked to the voter, so two ballots
// that share any identity cannot both be stored.
type VoteIdentityClaim struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	SubmissionID uint   `gorm:"not null;uniqueIndex:idx_vote_claim,priority:1" json:"submission_id"`
	IdentityKey  string `gorm:"size:160;not null;uniqueIndex:idx_vote_claim,priority:2" json:"identity_key"`
	VoteID       uint   `gorm:"not null;index" json:"vote_id"`
}

// TableName specifies the table name for VoteIdentityClaim model.
func (VoteIdentityClaim) TableName() string {
	return "vote_identity_claims"
}

// Vote case status constants.
const (
	VoteCaseOpen       = "OPEN_FOR_VOTING"
	VoteCaseResolved   = "RESOLVED"
	VoteCaseUnresolved = "UNRESOLVED"
)
