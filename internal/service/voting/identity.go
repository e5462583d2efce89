package voting

import (
	"fmt"
	"strconv"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
	"github.com/aimd54/reputation-consensus/internal/repository"
)

// IdentityResolver maps users to their linked wallets and back.
type IdentityResolver interface {
	WalletsForUser(userID uint) ([]string, error)
	UserForWallet(address string) (*uint, error)
}

// voter is a ballot's resolved identity: one key per person, plus every wallet they own.
type voter struct {
	UserID  *uint
	Key     string
	Wallet  string
	Wallets []string
}

// identityKeys lists every key the voter might have voted under before,
// including wallet keys from before a wallet was linked.
func (v voter) identityKeys() []string {
	keys := []string{v.Key}
	for _, w := range v.Wallets {
		if k := walletKey(w); k != v.Key {
			keys = append(keys, k)
		}
	}
	return keys
}

func userKey(id uint) string {
	return "user:" + strconv.FormatUint(uint64(id), 10)
}

func walletKey(address string) string {
	return "wallet:" + address
}

// resolveVoter collapses a ballot to a single identity across all linked wallets.
func resolveVoter(identity IdentityResolver, ballot Ballot) (voter, error) {
	wallet := repository.NormalizeAddress(ballot.WalletAddress)
	if ballot.UserID == nil && wallet == "" {
		return voter{}, fmt.Errorf("ballot has neither a user nor a wallet: %w", apperrors.ErrInvalidVote)
	}

	userID := ballot.UserID
	if wallet != "" {
		owner, err := identity.UserForWallet(wallet)
		if err != nil {
			return voter{}, err
		}
		if owner != nil {
			if userID != nil && *userID != *owner {
				return voter{}, fmt.Errorf("wallet %s belongs to another user: %w", wallet, apperrors.ErrInvalidVote)
			}
			userID = owner
		} else if userID != nil {
			return voter{}, fmt.Errorf("wallet %s is not linked to user %d: %w", wallet, *userID, apperrors.ErrInvalidVote)
		}
	}

	if userID == nil {
		return voter{Key: walletKey(wallet), Wallet: wallet, Wallets: []string{wallet}}, nil
	}

	wallets, err := identity.WalletsForUser(*userID)
	if err != nil {
		return voter{}, err
	}
	key := userKey(*userID)
	if wallet == "" {
		// Walletless ballots still need a distinct value in the per-wallet unique index.
		wallet = key
	}
	return voter{UserID: userID, Key: key, Wallet: wallet, Wallets: wallets}, nil
}
