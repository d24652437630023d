package memory

import (
	"context"
	"sort"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// TransitionStore is an in-memory implementation of storage.TransitionStore.
type TransitionStore struct {
	mu   sync.RWMutex
	data []*domain.Transition // append order == Seq order
	seq  int64
}

// NewTransitionStore creates a new in-memory transition store.
func NewTransitionStore() *TransitionStore {
	return &TransitionStore{}
}

// Append stores a fact and assigns its global sequence number.
func (s *TransitionStore) Append(_ context.Context, t *domain.Transition) (int64, error) {
	if t == nil || t.OrderID == "" {
		return 0, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	copy := *t
	copy.Seq = s.seq
	s.data = append(s.data, &copy)
	return s.seq, nil
}

// ListAfter retrieves up to limit facts with Seq > afterSeq, ordered by Seq ASC.
func (s *TransitionStore) ListAfter(_ context.Context, afterSeq int64, limit int) ([]*domain.Transition, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Seq values are 1..len(data), so the slice offset is direct.
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(s.data) {
		return nil, nil
	}

	end := start + limit
	if end > len(s.data) {
		end = len(s.data)
	}

	result := make([]*domain.Transition, 0, end-start)
	for _, t := range s.data[start:end] {
		copy := *t
		result = append(result, &copy)
	}
	return result, nil
}

// ListByOrder retrieves all facts for an order, ordered by OrderSeq ASC.
func (s *TransitionStore) ListByOrder(_ context.Context, orderID string) ([]*domain.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transition
	for _, t := range s.data {
		if t.OrderID == orderID {
			copy := *t
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OrderSeq < result[j].OrderSeq
	})

	return result, nil
}

var _ storage.TransitionStore = (*TransitionStore)(nil)
