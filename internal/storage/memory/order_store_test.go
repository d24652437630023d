package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

func testOrder(id, address string, expiresAt time.Time) *domain.Order {
	return &domain.Order{
		OrderID:         id,
		MerchantID:      "m1",
		Currency:        domain.CurrencyBTC,
		RequestedAmount: decimal.RequireFromString("0.05"),
		AddressID:       "root1|0",
		Address:         address,
		State:           domain.OrderStatePending,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       expiresAt,
		ReceivedAmount:  decimal.Zero,
	}
}

func TestOrderStore_InsertAndGet(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()

	o := testOrder("o1", "addr1", time.Now().Add(time.Hour))
	if err := store.Insert(ctx, o); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "o1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.State != domain.OrderStatePending {
		t.Errorf("State mismatch: got %s, want PENDING", got.State)
	}

	got, err = store.GetByAddress(ctx, domain.CurrencyBTC, "addr1")
	if err != nil {
		t.Fatalf("GetByAddress failed: %v", err)
	}
	if got.OrderID != "o1" {
		t.Errorf("OrderID mismatch: got %s, want o1", got.OrderID)
	}
}

func TestOrderStore_AddressOwnedOnce(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()

	if err := store.Insert(ctx, testOrder("o1", "addr1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.Insert(ctx, testOrder("o2", "addr1", time.Now().Add(time.Hour)))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey for shared address, got %v", err)
	}
}

func TestOrderStore_Update(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()

	o := testOrder("o1", "addr1", time.Now().Add(time.Hour))
	if err := store.Insert(ctx, o); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	o.State = domain.OrderStatePartiallyPaid
	o.ReceivedAmount = decimal.RequireFromString("0.02")
	o.TxReferences = []string{"tx1"}
	if err := store.Update(ctx, o); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.GetByID(ctx, "o1")
	if got.State != domain.OrderStatePartiallyPaid {
		t.Errorf("State mismatch after update: got %s", got.State)
	}
	if !got.ReceivedAmount.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("ReceivedAmount mismatch: got %s", got.ReceivedAmount)
	}
	if len(got.TxReferences) != 1 || got.TxReferences[0] != "tx1" {
		t.Errorf("TxReferences mismatch: got %v", got.TxReferences)
	}

	err := store.Update(ctx, testOrder("missing", "addrX", time.Now()))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestOrderStore_ListActive(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()

	active := testOrder("o1", "addr1", time.Now().Add(time.Hour))
	done := testOrder("o2", "addr2", time.Now().Add(time.Hour))
	done.State = domain.OrderStateConfirmed

	if err := store.Insert(ctx, active); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, done); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	result, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 active order, got %d", len(result))
	}
	if result[0].OrderID != "o1" {
		t.Errorf("Expected o1, got %s", result[0].OrderID)
	}
}

func TestOrderStore_ListExpiredBefore(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()

	now := time.Now().UTC()
	past := testOrder("o1", "addr1", now.Add(-time.Minute))
	future := testOrder("o2", "addr2", now.Add(time.Hour))
	pastTerminal := testOrder("o3", "addr3", now.Add(-time.Minute))
	pastTerminal.State = domain.OrderStateCanceled

	for _, o := range []*domain.Order{past, future, pastTerminal} {
		if err := store.Insert(ctx, o); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	result, err := store.ListExpiredBefore(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredBefore failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 expired order, got %d", len(result))
	}
	if result[0].OrderID != "o1" {
		t.Errorf("Expected o1, got %s", result[0].OrderID)
	}
}
