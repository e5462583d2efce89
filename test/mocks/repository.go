package mocks

import (
	"strings"
	"sync"
)

// MockIdentityResolver is an in-memory user/wallet directory.
type MockIdentityResolver struct {
	mu      sync.RWMutex
	wallets map[uint][]string
	owners  map[string]uint

	WalletsForUserFunc func(userID uint) ([]string, error)
}

// NewMockIdentityResolver creates an empty directory.
func NewMockIdentityResolver() *MockIdentityResolver {
	return &MockIdentityResolver{
		wallets: make(map[uint][]string),
		owners:  make(map[string]uint),
	}
}

// Link attaches a wallet to a user.
func (m *MockIdentityResolver) Link(userID uint, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address = strings.ToLower(strings.TrimSpace(address))
	m.wallets[userID] = append(m.wallets[userID], address)
	m.owners[address] = userID
}

// WalletsForUser returns the wallets linked to a user.
func (m *MockIdentityResolver) WalletsForUser(userID uint) ([]string, error) {
	if m.WalletsForUserFunc != nil {
		return m.WalletsForUserFunc(userID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.wallets[userID]...), nil
}

// UserForWallet returns the owner of a wallet, or nil.
func (m *MockIdentityResolver) UserForWallet(address string) (*uint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner, ok := m.owners[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return nil, nil
	}
	return &owner, nil
}
