package memory

import (
	"context"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu   sync.RWMutex
	data map[domain.Currency]*domain.ObserverCursor
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		data: make(map[domain.Currency]*domain.ObserverCursor),
	}
}

// Put upserts the cursor for a currency.
func (s *CursorStore) Put(_ context.Context, c *domain.ObserverCursor) error {
	if c == nil || !c.Currency.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.data[c.Currency] = &copy
	return nil
}

// Get retrieves the cursor for a currency. Returns ErrNotFound if the
// observer has never checkpointed.
func (s *CursorStore) Get(_ context.Context, currency domain.Currency) (*domain.ObserverCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.data[currency]
	if !exists {
		return nil, storage.ErrNotFound
	}
	copy := *c
	return &copy, nil
}

var _ storage.CursorStore = (*CursorStore)(nil)
