package repository

import (
	"fmt"
	"strings"

	"github.com/aimd54/reputation-consensus/internal/models"
)

// UserRepository handles user and wallet operations.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user.
func (r *UserRepository) Create(user *models.User) error {
	if err := r.db.Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return &user, nil
}

// GetByIDs retrieves users keyed by ID.
func (r *UserRepository) GetByIDs(ids []uint) (map[uint]models.User, error) {
	result := make(map[uint]models.User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var users []models.User
	if err := r.db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	for _, u := range users {
		result[u.ID] = u
	}
	return result, nil
}

// LinkWallet attaches a wallet address to a user. Addresses are stored lowercased.
func (r *UserRepository) LinkWallet(userID uint, address string) (*models.Wallet, error) {
	wallet := &models.Wallet{UserID: userID, Address: NormalizeAddress(address)}
	if err := r.db.Create(wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to link wallet to user %d: %w", userID, err)
	}
	return wallet, nil
}

// WalletsForUser returns every wallet address linked to a user.
func (r *UserRepository) WalletsForUser(userID uint) ([]string, error) {
	var addresses []string
	err := r.db.Model(&models.Wallet{}).
		Where("user_id = ?", userID).
		Order("address ASC").
		Pluck("address", &addresses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get wallets for user %d: %w", userID, err)
	}
	return addresses, nil
}

// UserForWallet returns the owner of a wallet, or nil for an unlinked wallet.
func (r *UserRepository) UserForWallet(address string) (*uint, error) {
	var wallets []models.Wallet
	err := r.db.Where("address = ?", NormalizeAddress(address)).Limit(1).Find(&wallets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet %s: %w", address, err)
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	return &wallets[0].UserID, nil
}

// NormalizeAddress canonicalizes a wallet address for comparison.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
