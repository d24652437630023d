package memory

import (
	"context"
	"fmt"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// WalletRootStore is an in-memory implementation of storage.WalletRootStore.
type WalletRootStore struct {
	mu         sync.RWMutex
	data       map[string]*domain.WalletRoot // keyed by root id
	byMerchant map[string]string             // merchant|currency -> root id
}

// NewWalletRootStore creates a new in-memory wallet root store.
func NewWalletRootStore() *WalletRootStore {
	return &WalletRootStore{
		data:       make(map[string]*domain.WalletRoot),
		byMerchant: make(map[string]string),
	}
}

// merchantKey generates the uniqueness key for a merchant/currency pair.
func merchantKey(merchantID string, currency domain.Currency) string {
	return fmt.Sprintf("%s|%s", merchantID, currency)
}

func cloneRoot(r *domain.WalletRoot) *domain.WalletRoot {
	copy := *r
	copy.Seed = append([]byte(nil), r.Seed...)
	return &copy
}

// Insert adds a new root. Returns ErrDuplicateKey if the root id or the
// (merchant_id, currency) pair already exists.
func (s *WalletRootStore) Insert(_ context.Context, r *domain.WalletRoot) error {
	if r == nil || r.RootID == "" || r.MerchantID == "" || !r.Currency.IsValid() {
		return storage.ErrInvalidInput
	}

	mk := merchantKey(r.MerchantID, r.Currency)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.RootID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byMerchant[mk]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[r.RootID] = cloneRoot(r)
	s.byMerchant[mk] = r.RootID
	return nil
}

// GetByID retrieves a root by its ID. Returns ErrNotFound if not exists.
func (s *WalletRootStore) GetByID(_ context.Context, rootID string) (*domain.WalletRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[rootID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneRoot(r), nil
}

// GetByMerchant retrieves the root for a merchant/currency pair.
func (s *WalletRootStore) GetByMerchant(_ context.Context, merchantID string, currency domain.Currency) (*domain.WalletRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rootID, exists := s.byMerchant[merchantKey(merchantID, currency)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneRoot(s.data[rootID]), nil
}

// IncrementCounter advances next_index from expected to expected+1.
// Returns ErrStaleCounter when the stored value no longer matches expected.
func (s *WalletRootStore) IncrementCounter(_ context.Context, rootID string, expected uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[rootID]
	if !exists {
		return storage.ErrNotFound
	}
	if r.NextIndex != expected {
		return storage.ErrStaleCounter
	}
	r.NextIndex = expected + 1
	return nil
}

var _ storage.WalletRootStore = (*WalletRootStore)(nil)
