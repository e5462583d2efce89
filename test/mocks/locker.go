package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/aimd54/reputation-consensus/internal/apperrors"
)

// MockLocker is an in-process lock table with the same contention semantics as the Redis locker.
type MockLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	Acquired []string
}

// NewMockLocker creates an empty lock table.
func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]bool)}
}

// Acquire takes key or fails with ErrConcurrentUpdate if it is held.
func (m *MockLocker) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[key] {
		return nil, fmt.Errorf("lock %s is held: %w", key, apperrors.ErrConcurrentUpdate)
	}
	m.held[key] = true
	m.Acquired = append(m.Acquired, key)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

// Held reports whether key is currently locked.
func (m *MockLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[key]
}
