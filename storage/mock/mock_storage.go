// Package mock provides mock implementations of the storage interfaces for
// testing. Each operation delegates to an overridable func field with a
// working in-memory default, and call counts are tracked per operation.
package mock

import (
	"context"
	"sync"

	"github.com/kalamuna/oauth2-client/storage"
)

// MockTokenStore is a mock implementation of TokenStore for testing
type MockTokenStore struct {
	mu              sync.RWMutex
	tokens          map[string]*storage.TokenRecord
	SaveTokenFunc   func(identity string, record *storage.TokenRecord) error
	GetTokenFunc    func(identity string) (*storage.TokenRecord, error)
	DeleteTokenFunc func(identity string) error
	CallCounts      map[string]int
}

// NewMockTokenStore creates a new mock token store
func NewMockTokenStore() *MockTokenStore {
	m := &MockTokenStore{
		tokens:     make(map[string]*storage.TokenRecord),
		CallCounts: make(map[string]int),
	}

	// Set default implementations
	m.SaveTokenFunc = func(identity string, record *storage.TokenRecord) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.tokens[identity] = record.Clone()
		return nil
	}

	m.GetTokenFunc = func(identity string) (*storage.TokenRecord, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		record, ok := m.tokens[identity]
		if !ok {
			return nil, storage.ErrTokenNotFound
		}
		return record.Clone(), nil
	}

	m.DeleteTokenFunc = func(identity string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tokens, identity)
		return nil
	}

	return m
}

func (m *MockTokenStore) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns the number of times a method was called
func (m *MockTokenStore) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// SaveToken implements storage.TokenStore
func (m *MockTokenStore) SaveToken(_ context.Context, identity string, record *storage.TokenRecord) error {
	m.incrementCallCount("SaveToken")
	return m.SaveTokenFunc(identity, record)
}

// GetToken implements storage.TokenStore
func (m *MockTokenStore) GetToken(_ context.Context, identity string) (*storage.TokenRecord, error) {
	m.incrementCallCount("GetToken")
	return m.GetTokenFunc(identity)
}

// DeleteToken implements storage.TokenStore
func (m *MockTokenStore) DeleteToken(_ context.Context, identity string) error {
	m.incrementCallCount("DeleteToken")
	return m.DeleteTokenFunc(identity)
}

// MockRedirectRegistry is a mock implementation of RedirectRegistry for testing
type MockRedirectRegistry struct {
	mu                  sync.RWMutex
	redirects           map[string]*storage.PendingRedirect
	SaveRedirectFunc    func(state string, entry *storage.PendingRedirect) error
	GetRedirectFunc     func(state string) (*storage.PendingRedirect, error)
	ConsumeRedirectFunc func(state string) (*storage.PendingRedirect, error)
	DeleteRedirectFunc  func(state string) error
	CallCounts          map[string]int
}

// NewMockRedirectRegistry creates a new mock redirect registry
func NewMockRedirectRegistry() *MockRedirectRegistry {
	m := &MockRedirectRegistry{
		redirects:  make(map[string]*storage.PendingRedirect),
		CallCounts: make(map[string]int),
	}

	m.SaveRedirectFunc = func(state string, entry *storage.PendingRedirect) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.redirects[state] = entry.Clone()
		return nil
	}

	m.GetRedirectFunc = func(state string) (*storage.PendingRedirect, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		entry, ok := m.redirects[state]
		if !ok {
			return nil, storage.ErrRedirectNotFound
		}
		return entry.Clone(), nil
	}

	m.ConsumeRedirectFunc = func(state string) (*storage.PendingRedirect, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		entry, ok := m.redirects[state]
		if !ok {
			return nil, storage.ErrRedirectNotFound
		}
		delete(m.redirects, state)
		return entry, nil
	}

	m.DeleteRedirectFunc = func(state string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.redirects, state)
		return nil
	}

	return m
}

func (m *MockRedirectRegistry) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns the number of times a method was called
func (m *MockRedirectRegistry) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// SaveRedirect implements storage.RedirectRegistry
func (m *MockRedirectRegistry) SaveRedirect(_ context.Context, state string, entry *storage.PendingRedirect) error {
	m.incrementCallCount("SaveRedirect")
	return m.SaveRedirectFunc(state, entry)
}

// GetRedirect implements storage.RedirectRegistry
func (m *MockRedirectRegistry) GetRedirect(_ context.Context, state string) (*storage.PendingRedirect, error) {
	m.incrementCallCount("GetRedirect")
	return m.GetRedirectFunc(state)
}

// ConsumeRedirect implements storage.RedirectRegistry
func (m *MockRedirectRegistry) ConsumeRedirect(_ context.Context, state string) (*storage.PendingRedirect, error) {
	m.incrementCallCount("ConsumeRedirect")
	return m.ConsumeRedirectFunc(state)
}

// DeleteRedirect implements storage.RedirectRegistry
func (m *MockRedirectRegistry) DeleteRedirect(_ context.Context, state string) error {
	m.incrementCallCount("DeleteRedirect")
	return m.DeleteRedirectFunc(state)
}

// Compile-time interface checks
var (
	_ storage.TokenStore       = (*MockTokenStore)(nil)
	_ storage.RedirectRegistry = (*MockRedirectRegistry)(nil)
)
