package postgres

import (
	"context"
	"fmt"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// MerchantEndpointStore implements storage.MerchantEndpointStore using PostgreSQL.
type MerchantEndpointStore struct {
	pool *Pool
}

// NewMerchantEndpointStore creates a new MerchantEndpointStore.
func NewMerchantEndpointStore(pool *Pool) *MerchantEndpointStore {
	return &MerchantEndpointStore{pool: pool}
}

// Compile-time interface check.
var _ storage.MerchantEndpointStore = (*MerchantEndpointStore)(nil)

// Put upserts the endpoint for a merchant.
func (s *MerchantEndpointStore) Put(ctx context.Context, e *domain.MerchantEndpoint) error {
	if e == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO merchant_endpoints (merchant_id, url, webhook_secret, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (merchant_id) DO UPDATE
		SET url = EXCLUDED.url,
		    webhook_secret = EXCLUDED.webhook_secret
	`

	_, err := s.pool.Exec(ctx, query, e.MerchantID, e.URL, e.WebhookSecret, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("put merchant endpoint: %w", err)
	}
	return nil
}

// Get retrieves a merchant's endpoint. Returns ErrNotFound if none registered.
func (s *MerchantEndpointStore) Get(ctx context.Context, merchantID string) (*domain.MerchantEndpoint, error) {
	query := `
		SELECT merchant_id, url, webhook_secret, created_at
		FROM merchant_endpoints
		WHERE merchant_id = $1
	`

	var e domain.MerchantEndpoint
	err := s.pool.QueryRow(ctx, query, merchantID).Scan(&e.MerchantID, &e.URL, &e.WebhookSecret, &e.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get merchant endpoint: %w", err)
	}
	return &e, nil
}
