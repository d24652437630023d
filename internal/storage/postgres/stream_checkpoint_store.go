package postgres

import (
	"context"
	"fmt"

	"chainpay-engine/internal/storage"
)

// StreamCheckpointStore implements storage.StreamCheckpointStore using PostgreSQL.
type StreamCheckpointStore struct {
	pool *Pool
}

// NewStreamCheckpointStore creates a new StreamCheckpointStore.
func NewStreamCheckpointStore(pool *Pool) *StreamCheckpointStore {
	return &StreamCheckpointStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StreamCheckpointStore = (*StreamCheckpointStore)(nil)

// SetLastPublished upserts the consumer's stream position.
func (s *StreamCheckpointStore) SetLastPublished(ctx context.Context, consumer string, seq int64) error {
	if consumer == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO stream_checkpoints (consumer, last_published, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (consumer) DO UPDATE
		SET last_published = EXCLUDED.last_published,
		    updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query, consumer, seq)
	if err != nil {
		return fmt.Errorf("set stream checkpoint: %w", err)
	}
	return nil
}

// GetLastPublished retrieves the consumer's stream position.
func (s *StreamCheckpointStore) GetLastPublished(ctx context.Context, consumer string) (int64, error) {
	query := `
		SELECT last_published
		FROM stream_checkpoints
		WHERE consumer = $1
	`

	var seq int64
	err := s.pool.QueryRow(ctx, query, consumer).Scan(&seq)
	if err != nil {
		if isNotFoundError(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("get stream checkpoint: %w", err)
	}
	return seq, nil
}
