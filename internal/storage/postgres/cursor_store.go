package postgres

import (
	"context"
	"fmt"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// CursorStore implements storage.CursorStore using PostgreSQL.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new CursorStore.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CursorStore = (*CursorStore)(nil)

// Put upserts the cursor for a currency.
func (s *CursorStore) Put(ctx context.Context, c *domain.ObserverCursor) error {
	if c == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO observer_cursors (currency, height, block_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (currency) DO UPDATE
		SET height = EXCLUDED.height,
		    block_hash = EXCLUDED.block_hash,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query, string(c.Currency), c.Height, c.BlockHash, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put observer cursor: %w", err)
	}
	return nil
}

// Get retrieves the cursor for a currency. Returns ErrNotFound if the
// observer has never checkpointed.
func (s *CursorStore) Get(ctx context.Context, currency domain.Currency) (*domain.ObserverCursor, error) {
	query := `
		SELECT currency, height, block_hash, updated_at
		FROM observer_cursors
		WHERE currency = $1
	`

	var c domain.ObserverCursor
	var cur string
	err := s.pool.QueryRow(ctx, query, string(currency)).Scan(&cur, &c.Height, &c.BlockHash, &c.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get observer cursor: %w", err)
	}

	c.Currency = domain.Currency(cur)
	return &c, nil
}
