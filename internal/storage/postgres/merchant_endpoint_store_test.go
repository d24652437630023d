package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

func TestMerchantEndpointStore_PutAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewMerchantEndpointStore(pool)

	ep := &domain.MerchantEndpoint{
		MerchantID:    "merch-1",
		URL:           "https://merchant.example/webhooks",
		WebhookSecret: []byte("wh-secret-key"),
		CreatedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, ep))

	retrieved, err := store.Get(ctx, "merch-1")
	require.NoError(t, err)

	assert.Equal(t, ep.MerchantID, retrieved.MerchantID)
	assert.Equal(t, ep.URL, retrieved.URL)
	assert.Equal(t, ep.WebhookSecret, retrieved.WebhookSecret)
}

func TestMerchantEndpointStore_GetNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMerchantEndpointStore(pool)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMerchantEndpointStore_PutUpsert(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewMerchantEndpointStore(pool)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &domain.MerchantEndpoint{
		MerchantID:    "merch-1",
		URL:           "https://old.example/hook",
		WebhookSecret: []byte("old-secret"),
		CreatedAt:     created,
	}))

	// Rotating the URL and secret keeps the original registration time.
	require.NoError(t, store.Put(ctx, &domain.MerchantEndpoint{
		MerchantID:    "merch-1",
		URL:           "https://new.example/hook",
		WebhookSecret: []byte("new-secret"),
		CreatedAt:     created.Add(time.Hour),
	}))

	retrieved, err := store.Get(ctx, "merch-1")
	require.NoError(t, err)
	assert.Equal(t, "https://new.example/hook", retrieved.URL)
	assert.Equal(t, []byte("new-secret"), retrieved.WebhookSecret)
	assert.True(t, created.Equal(retrieved.CreatedAt))
}

func TestMerchantEndpointStore_PutNil(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMerchantEndpointStore(pool)

	err := store.Put(context.Background(), nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
