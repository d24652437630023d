package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// DerivedAddressStore is an in-memory implementation of storage.DerivedAddressStore.
type DerivedAddressStore struct {
	mu        sync.RWMutex
	data      map[string]*domain.DerivedAddress // keyed by root_id|index
	byAddress map[string]string                 // currency|address -> composite key
}

// NewDerivedAddressStore creates a new in-memory derived address store.
func NewDerivedAddressStore() *DerivedAddressStore {
	return &DerivedAddressStore{
		data:      make(map[string]*domain.DerivedAddress),
		byAddress: make(map[string]string),
	}
}

// addressKey generates the per-currency uniqueness key for an address string.
func addressKey(currency domain.Currency, address string) string {
	return fmt.Sprintf("%s|%s", currency, address)
}

// Insert adds a new address. Returns ErrDuplicateKey if (root_id, index)
// or the address string exists within the currency.
func (s *DerivedAddressStore) Insert(_ context.Context, a *domain.DerivedAddress) error {
	if a == nil || a.RootID == "" || a.Address == "" || !a.Currency.IsValid() {
		return storage.ErrInvalidInput
	}

	key := a.AddressID()
	ak := addressKey(a.Currency, a.Address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byAddress[ak]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *a
	s.data[key] = &copy
	s.byAddress[ak] = key
	return nil
}

// GetByAddress retrieves by address string within a currency.
func (s *DerivedAddressStore) GetByAddress(_ context.Context, currency domain.Currency, address string) (*domain.DerivedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, exists := s.byAddress[addressKey(currency, address)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	copy := *s.data[key]
	return &copy, nil
}

// GetByRoot retrieves all addresses derived from a root, ordered by index ASC.
func (s *DerivedAddressStore) GetByRoot(_ context.Context, rootID string) ([]*domain.DerivedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DerivedAddress
	for _, a := range s.data {
		if a.RootID == rootID {
			copy := *a
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DerivationIndex < result[j].DerivationIndex
	})

	return result, nil
}

var _ storage.DerivedAddressStore = (*DerivedAddressStore)(nil)
