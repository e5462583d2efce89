package mocks

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MockCache is an in-memory stand-in for the Redis read cache.
type MockCache struct {
	data map[string]string
	ttl  map[string]time.Duration
	mu   sync.RWMutex

	// GetErr, when set, is returned by every Get.
	GetErr error
}

// NewMockCache creates a new mock cache instance.
func NewMockCache() *MockCache {
	return &MockCache{
		data: make(map[string]string),
		ttl:  make(map[string]time.Duration),
	}
}

// Get retrieves a value, or "" for a missing key like Redis.
func (m *MockCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetErr != nil {
		return "", m.GetErr
	}
	return m.data[key], nil
}

// Set stores a value. Expiration is recorded but never enforced.
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := value.(type) {
	case string:
		m.data[key] = v
	case []byte:
		m.data[key] = string(v)
	default:
		m.data[key] = ""
	}
	m.ttl[key] = expiration
	return nil
}

// Del deletes keys.
func (m *MockCache) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
		delete(m.ttl, key)
	}
	return nil
}

// DelPattern deletes every key matching a glob pattern.
func (m *MockCache) DelPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.data, key)
			delete(m.ttl, key)
		}
	}
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *MockCache) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TTL returns the expiration a key was stored with.
func (m *MockCache) TTL(key string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ttl[key]
}
