package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

func testChainEvent(txID string, amount string, height int64) *domain.ChainEvent {
	return &domain.ChainEvent{
		Currency:    domain.CurrencyBTC,
		NetworkTxID: txID,
		ToAddress:   "bc1qaddr0",
		Amount:      decimal.RequireFromString(amount),
		BlockHeight: height,
		ObservedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChainEventStore_InsertAndGetByOrder(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewChainEventStore(pool)

	// Insert out of height order; reads must come back height ASC.
	require.NoError(t, store.Insert(ctx, "ord-1", testChainEvent("tx-b", "0.3", 102)))
	require.NoError(t, store.Insert(ctx, "ord-1", testChainEvent("tx-a", "0.2", 100)))

	events, err := store.GetByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "tx-a", events[0].Event.NetworkTxID)
	assert.Equal(t, int64(100), events[0].Event.BlockHeight)
	assert.Equal(t, "0.2", events[0].Event.Amount.String())
	assert.False(t, events[0].Retracted)
	assert.Equal(t, "ord-1", events[0].OrderID)
	assert.False(t, events[0].StoredAt.IsZero())

	assert.Equal(t, "tx-b", events[1].Event.NetworkTxID)
}

func TestChainEventStore_DuplicateTx(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewChainEventStore(pool)

	require.NoError(t, store.Insert(ctx, "ord-1", testChainEvent("tx-1", "0.2", 100)))

	// Replays of the same tx for the same order are rejected.
	err := store.Insert(ctx, "ord-1", testChainEvent("tx-1", "0.2", 100))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	// The same tx id against a different order is a separate row.
	require.NoError(t, store.Insert(ctx, "ord-2", testChainEvent("tx-1", "0.2", 100)))
}

func TestChainEventStore_MarkRetracted(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewChainEventStore(pool)

	require.NoError(t, store.Insert(ctx, "ord-1", testChainEvent("tx-1", "0.2", 100)))
	require.NoError(t, store.MarkRetracted(ctx, "ord-1", "tx-1"))

	// The row is kept for audit, flagged retracted.
	events, err := store.GetByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Retracted)
}

func TestChainEventStore_MarkRetractedNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewChainEventStore(pool)

	err := store.MarkRetracted(context.Background(), "ord-1", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChainEventStore_GetByOrderEmpty(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewChainEventStore(pool)

	events, err := store.GetByOrder(context.Background(), "ord-none")
	require.NoError(t, err)
	assert.Empty(t, events)
}
