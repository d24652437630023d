package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// ChainEventStore is an in-memory implementation of storage.ChainEventStore.
// Rows are append-only; retraction flips a flag instead of deleting.
type ChainEventStore struct {
	mu   sync.RWMutex
	data map[string]*storage.StoredChainEvent // keyed by order_id|network_tx_id
}

// NewChainEventStore creates a new in-memory chain event store.
func NewChainEventStore() *ChainEventStore {
	return &ChainEventStore{
		data: make(map[string]*storage.StoredChainEvent),
	}
}

// eventKey generates the dedup key for an event within an order.
func eventKey(orderID, networkTxID string) string {
	return fmt.Sprintf("%s|%s", orderID, networkTxID)
}

// Insert adds an event row. Returns ErrDuplicateKey if (order_id, network_tx_id) exists.
func (s *ChainEventStore) Insert(_ context.Context, orderID string, e *domain.ChainEvent) error {
	if e == nil || orderID == "" || e.NetworkTxID == "" {
		return storage.ErrInvalidInput
	}

	key := eventKey(orderID, e.NetworkTxID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[key] = &storage.StoredChainEvent{
		OrderID:  orderID,
		Event:    *e,
		StoredAt: time.Now().UTC(),
	}
	return nil
}

// MarkRetracted flags an event row as retracted. Idempotent on a row that is
// already retracted.
func (s *ChainEventStore) MarkRetracted(_ context.Context, orderID, networkTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.data[eventKey(orderID, networkTxID)]
	if !exists {
		return storage.ErrNotFound
	}
	row.Retracted = true
	return nil
}

// GetByOrder retrieves all event rows for an order, ordered by block height ASC.
func (s *ChainEventStore) GetByOrder(_ context.Context, orderID string) ([]*storage.StoredChainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.StoredChainEvent
	for _, row := range s.data {
		if row.OrderID == orderID {
			copy := *row
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Event.BlockHeight != result[j].Event.BlockHeight {
			return result[i].Event.BlockHeight < result[j].Event.BlockHeight
		}
		return result[i].Event.NetworkTxID < result[j].Event.NetworkTxID
	})

	return result, nil
}

var _ storage.ChainEventStore = (*ChainEventStore)(nil)
