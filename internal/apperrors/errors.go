// Package apperrors defines the error taxonomy shared by the engine's services.
package apperrors

import (
	"errors"
)

var (
	// ErrInsufficientReviews means finalization was attempted before every required review arrived.
	// Recoverable: the caller retries later.
	ErrInsufficientReviews = errors.New("insufficient reviews")

	// ErrAlreadyVoted rejects a duplicate ballot from the same identity.
	ErrAlreadyVoted = errors.New("identity has already voted on this submission")

	// ErrNoConsensusCandidate means the vote quorum or majority was not reached; the case stays open.
	ErrNoConsensusCandidate = errors.New("no consensus candidate")

	// ErrCooldownViolation means a user won within the cooldown window.
	ErrCooldownViolation = errors.New("monthly winner cooldown violation")

	// ErrReconciliationMismatch means a cached total diverged from its ledger sum.
	ErrReconciliationMismatch = errors.New("cached total does not match ledger")

	// ErrTransientStore wraps storage connectivity failures that survived bounded retry.
	ErrTransientStore = errors.New("transient store failure")

	// ErrNotFound is returned when the target entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate means another worker holds the entity's lock or changed it first.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrInvalidVote rejects a ballot for a value that is not a candidate.
	ErrInvalidVote = errors.New("invalid vote")

	// ErrVotingClosed rejects a ballot on a case that is no longer open.
	ErrVotingClosed = errors.New("voting is closed")

	// ErrInvalidInput rejects malformed administrative input.
	ErrInvalidInput = errors.New("invalid input")
)

// IsRetryable reports whether the caller may retry the operation later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientReviews) ||
		errors.Is(err, ErrTransientStore) ||
		errors.Is(err, ErrConcurrentUpdate)
}
