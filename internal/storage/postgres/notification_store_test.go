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

func testNotification(id, orderID string, seq int64) *domain.Notification {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Notification{
		NotificationID: id,
		OrderID:        orderID,
		MerchantID:     "merch-1",
		Seq:            seq,
		EventType:      domain.EventPaymentDetected,
		Payload:        []byte(`{"order_id":"` + orderID + `"}`),
		Signature:      "ab12cd34",
		DeliveryState:  domain.DeliveryPending,
		NextRetryAt:    created,
		CreatedAt:      created,
	}
}

func TestNotificationStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewNotificationStore(pool)

	n := testNotification("n-1", "ord-1", 1)
	require.NoError(t, store.Insert(ctx, n))

	retrieved, err := store.GetByID(ctx, "n-1")
	require.NoError(t, err)

	assert.Equal(t, n.OrderID, retrieved.OrderID)
	assert.Equal(t, n.MerchantID, retrieved.MerchantID)
	assert.Equal(t, n.Seq, retrieved.Seq)
	assert.Equal(t, n.EventType, retrieved.EventType)
	assert.Equal(t, n.Payload, retrieved.Payload)
	assert.Equal(t, n.Signature, retrieved.Signature)
	assert.Equal(t, domain.DeliveryPending, retrieved.DeliveryState)
	assert.Equal(t, 0, retrieved.AttemptCount)
	assert.Nil(t, retrieved.DeliveredAt)
}

func TestNotificationStore_GetByIDNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewNotificationStore(pool)

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotificationStore_DuplicateID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewNotificationStore(pool)

	require.NoError(t, store.Insert(ctx, testNotification("n-1", "ord-1", 1)))

	err := store.Insert(ctx, testNotification("n-1", "ord-2", 1))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestNotificationStore_UpdateDeliveryBookkeeping(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewNotificationStore(pool)

	n := testNotification("n-1", "ord-1", 1)
	require.NoError(t, store.Insert(ctx, n))

	delivered := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	n.DeliveryState = domain.DeliveryDelivered
	n.AttemptCount = 3
	n.DeliveredAt = ptr(delivered)
	require.NoError(t, store.Update(ctx, n))

	retrieved, err := store.GetByID(ctx, "n-1")
	require.NoError(t, err)

	assert.Equal(t, domain.DeliveryDelivered, retrieved.DeliveryState)
	assert.Equal(t, 3, retrieved.AttemptCount)
	require.NotNil(t, retrieved.DeliveredAt)
	assert.True(t, delivered.Equal(*retrieved.DeliveredAt))

	// The signed payload never changes across delivery attempts.
	assert.Equal(t, n.Payload, retrieved.Payload)
	assert.Equal(t, n.Signature, retrieved.Signature)
}

func TestNotificationStore_UpdateNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewNotificationStore(pool)

	err := store.Update(context.Background(), testNotification("missing", "ord-1", 1))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotificationStore_ListUndelivered(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewNotificationStore(pool)

	// Two undelivered rows for ord-1 inserted out of seq order, one
	// retrying row for ord-0, one delivered and one dead row that must
	// not appear.
	require.NoError(t, store.Insert(ctx, testNotification("n-2", "ord-1", 2)))
	require.NoError(t, store.Insert(ctx, testNotification("n-1", "ord-1", 1)))

	retrying := testNotification("n-3", "ord-0", 1)
	retrying.DeliveryState = domain.DeliveryRetrying
	require.NoError(t, store.Insert(ctx, retrying))

	done := testNotification("n-4", "ord-2", 1)
	done.DeliveryState = domain.DeliveryDelivered
	require.NoError(t, store.Insert(ctx, done))

	dead := testNotification("n-5", "ord-3", 1)
	dead.DeliveryState = domain.DeliveryDead
	require.NoError(t, store.Insert(ctx, dead))

	undelivered, err := store.ListUndelivered(ctx)
	require.NoError(t, err)
	require.Len(t, undelivered, 3)

	// Ordered by (order_id, seq).
	assert.Equal(t, "n-3", undelivered[0].NotificationID)
	assert.Equal(t, "n-1", undelivered[1].NotificationID)
	assert.Equal(t, "n-2", undelivered[2].NotificationID)
}

func TestNotificationStore_ListByOrder(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewNotificationStore(pool)

	require.NoError(t, store.Insert(ctx, testNotification("n-2", "ord-1", 2)))
	require.NoError(t, store.Insert(ctx, testNotification("n-1", "ord-1", 1)))
	require.NoError(t, store.Insert(ctx, testNotification("n-3", "ord-2", 1)))

	items, err := store.ListByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, int64(1), items[0].Seq)
	assert.Equal(t, int64(2), items[1].Seq)
}
