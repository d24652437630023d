package memory

import (
	"context"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// MerchantEndpointStore is an in-memory implementation of storage.MerchantEndpointStore.
type MerchantEndpointStore struct {
	mu   sync.RWMutex
	data map[string]*domain.MerchantEndpoint // keyed by merchant id
}

// NewMerchantEndpointStore creates a new in-memory merchant endpoint store.
func NewMerchantEndpointStore() *MerchantEndpointStore {
	return &MerchantEndpointStore{
		data: make(map[string]*domain.MerchantEndpoint),
	}
}

func cloneEndpoint(e *domain.MerchantEndpoint) *domain.MerchantEndpoint {
	copy := *e
	copy.WebhookSecret = append([]byte(nil), e.WebhookSecret...)
	return &copy
}

// Put upserts the endpoint for a merchant.
func (s *MerchantEndpointStore) Put(_ context.Context, e *domain.MerchantEndpoint) error {
	if e == nil || e.MerchantID == "" || e.URL == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[e.MerchantID] = cloneEndpoint(e)
	return nil
}

// Get retrieves a merchant's endpoint. Returns ErrNotFound if none registered.
func (s *MerchantEndpointStore) Get(_ context.Context, merchantID string) (*domain.MerchantEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[merchantID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneEndpoint(e), nil
}

var _ storage.MerchantEndpointStore = (*MerchantEndpointStore)(nil)
