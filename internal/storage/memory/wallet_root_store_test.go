package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

func TestWalletRootStore_InsertAndGet(t *testing.T) {
	store := NewWalletRootStore()
	ctx := context.Background()

	root := &domain.WalletRoot{
		RootID:     "root1",
		MerchantID: "m1",
		Currency:   domain.CurrencyBTC,
		Seed:       []byte{1, 2, 3, 4},
		NextIndex:  0,
	}

	if err := store.Insert(ctx, root); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "root1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.MerchantID != "m1" {
		t.Errorf("MerchantID mismatch: got %s, want m1", got.MerchantID)
	}

	got, err = store.GetByMerchant(ctx, "m1", domain.CurrencyBTC)
	if err != nil {
		t.Fatalf("GetByMerchant failed: %v", err)
	}
	if got.RootID != "root1" {
		t.Errorf("RootID mismatch: got %s, want root1", got.RootID)
	}
}

func TestWalletRootStore_DuplicateMerchantPair(t *testing.T) {
	store := NewWalletRootStore()
	ctx := context.Background()

	first := &domain.WalletRoot{RootID: "root1", MerchantID: "m1", Currency: domain.CurrencyETH, Seed: []byte{1}}
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	// Same merchant/currency under a different root id is still a duplicate.
	second := &domain.WalletRoot{RootID: "root2", MerchantID: "m1", Currency: domain.CurrencyETH, Seed: []byte{2}}
	err := store.Insert(ctx, second)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	// Different currency for the same merchant is fine.
	third := &domain.WalletRoot{RootID: "root3", MerchantID: "m1", Currency: domain.CurrencyBTC, Seed: []byte{3}}
	if err := store.Insert(ctx, third); err != nil {
		t.Errorf("Insert for different currency failed: %v", err)
	}
}

func TestWalletRootStore_IncrementCounter(t *testing.T) {
	store := NewWalletRootStore()
	ctx := context.Background()

	root := &domain.WalletRoot{RootID: "root1", MerchantID: "m1", Currency: domain.CurrencySOL, Seed: []byte{1}}
	if err := store.Insert(ctx, root); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.IncrementCounter(ctx, "root1", 0); err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}

	got, _ := store.GetByID(ctx, "root1")
	if got.NextIndex != 1 {
		t.Errorf("NextIndex mismatch: got %d, want 1", got.NextIndex)
	}

	// Stale expected value must be rejected.
	err := store.IncrementCounter(ctx, "root1", 0)
	if !errors.Is(err, storage.ErrStaleCounter) {
		t.Errorf("Expected ErrStaleCounter, got %v", err)
	}

	err = store.IncrementCounter(ctx, "missing", 0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestWalletRootStore_ConcurrentIncrements(t *testing.T) {
	store := NewWalletRootStore()
	ctx := context.Background()

	root := &domain.WalletRoot{RootID: "root1", MerchantID: "m1", Currency: domain.CurrencyBTC, Seed: []byte{1}}
	if err := store.Insert(ctx, root); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Each goroutine retries on ErrStaleCounter; every index is claimed once.
	const workers = 16
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					cur, err := store.GetByID(ctx, "root1")
					if err != nil {
						t.Errorf("GetByID failed: %v", err)
						return
					}
					err = store.IncrementCounter(ctx, "root1", cur.NextIndex)
					if err == nil {
						break
					}
					if !errors.Is(err, storage.ErrStaleCounter) {
						t.Errorf("Unexpected increment error: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	got, _ := store.GetByID(ctx, "root1")
	if got.NextIndex != workers*perWorker {
		t.Errorf("NextIndex mismatch: got %d, want %d", got.NextIndex, workers*perWorker)
	}
}

func TestWalletRootStore_SeedIsolation(t *testing.T) {
	store := NewWalletRootStore()
	ctx := context.Background()

	seed := []byte{1, 2, 3}
	root := &domain.WalletRoot{RootID: "root1", MerchantID: "m1", Currency: domain.CurrencyBTC, Seed: seed}
	if err := store.Insert(ctx, root); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Mutating the caller's slice must not affect stored material.
	seed[0] = 99

	got, _ := store.GetByID(ctx, "root1")
	if got.Seed[0] != 1 {
		t.Errorf("Stored seed mutated through caller slice: got %d, want 1", got.Seed[0])
	}
}
