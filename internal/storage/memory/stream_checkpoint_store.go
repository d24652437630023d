package memory

import (
	"context"
	"sync"

	"chainpay-engine/internal/storage"
)

// StreamCheckpointStore is an in-memory implementation of storage.StreamCheckpointStore.
type StreamCheckpointStore struct {
	mu        sync.RWMutex
	positions map[string]int64
}

// NewStreamCheckpointStore creates an empty in-memory checkpoint store.
func NewStreamCheckpointStore() *StreamCheckpointStore {
	return &StreamCheckpointStore{
		positions: make(map[string]int64),
	}
}

// SetLastPublished upserts the consumer's stream position.
func (s *StreamCheckpointStore) SetLastPublished(ctx context.Context, consumer string, seq int64) error {
	if consumer == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[consumer] = seq
	return nil
}

// GetLastPublished retrieves the consumer's stream position.
func (s *StreamCheckpointStore) GetLastPublished(ctx context.Context, consumer string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.positions[consumer]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return seq, nil
}

// Compile-time interface check.
var _ storage.StreamCheckpointStore = (*StreamCheckpointStore)(nil)
