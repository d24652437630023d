package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// OrderStore is an in-memory implementation of storage.OrderStore.
type OrderStore struct {
	mu        sync.RWMutex
	data      map[string]*domain.Order // keyed by order id
	byAddress map[string]string        // currency|address -> order id
}

// NewOrderStore creates a new in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		data:      make(map[string]*domain.Order),
		byAddress: make(map[string]string),
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	copy := *o
	copy.TxReferences = append([]string(nil), o.TxReferences...)
	return &copy
}

// Insert adds a new order. Returns ErrDuplicateKey if order_id exists or
// the address is already owned by another order.
func (s *OrderStore) Insert(_ context.Context, o *domain.Order) error {
	if o == nil || o.OrderID == "" || o.Address == "" || !o.Currency.IsValid() {
		return storage.ErrInvalidInput
	}

	ak := addressKey(o.Currency, o.Address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[o.OrderID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byAddress[ak]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[o.OrderID] = cloneOrder(o)
	s.byAddress[ak] = o.OrderID
	return nil
}

// GetByID retrieves an order by its ID. Returns ErrNotFound if not exists.
func (s *OrderStore) GetByID(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.data[orderID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneOrder(o), nil
}

// GetByAddress retrieves the order owning an address within a currency.
func (s *OrderStore) GetByAddress(_ context.Context, currency domain.Currency, address string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, exists := s.byAddress[addressKey(currency, address)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneOrder(s.data[orderID]), nil
}

// Update rewrites the mutable fields of an existing order.
func (s *OrderStore) Update(_ context.Context, o *domain.Order) error {
	if o == nil || o.OrderID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[o.OrderID]; !exists {
		return storage.ErrNotFound
	}
	s.data[o.OrderID] = cloneOrder(o)
	return nil
}

// ListActive retrieves all orders in non-terminal states.
func (s *OrderStore) ListActive(_ context.Context) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.data {
		if !o.State.IsTerminal() {
			result = append(result, cloneOrder(o))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].OrderID < result[j].OrderID
	})

	return result, nil
}

// ListExpiredBefore retrieves non-terminal orders past the deadline.
func (s *OrderStore) ListExpiredBefore(_ context.Context, deadline time.Time) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.data {
		if !o.State.IsTerminal() && !o.ExpiresAt.After(deadline) {
			result = append(result, cloneOrder(o))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].OrderID < result[j].OrderID
	})

	return result, nil
}

var _ storage.OrderStore = (*OrderStore)(nil)
