package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
)

func testTransition(orderID string, orderSeq int64, from, to domain.OrderState) *domain.Transition {
	return &domain.Transition{
		OrderID:        orderID,
		OrderSeq:       orderSeq,
		MerchantID:     "m1",
		Currency:       domain.CurrencyBTC,
		FromState:      from,
		ToState:        to,
		Reason:         domain.TransitionReasonFundsDetected,
		ReceivedAmount: decimal.Zero,
		OccurredAt:     time.Now().UTC(),
	}
}

func TestTransitionStore_AppendAssignsSeq(t *testing.T) {
	store := NewTransitionStore()
	ctx := context.Background()

	seq1, err := store.Append(ctx, testTransition("o1", 1, domain.OrderStatePending, domain.OrderStatePartiallyPaid))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	seq2, err := store.Append(ctx, testTransition("o2", 1, domain.OrderStatePending, domain.OrderStateExpired))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if seq1 != 1 || seq2 != 2 {
		t.Errorf("Sequence not monotonic: got %d, %d", seq1, seq2)
	}
}

func TestTransitionStore_ListAfter(t *testing.T) {
	store := NewTransitionStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := store.Append(ctx, testTransition("o1", int64(i), domain.OrderStatePending, domain.OrderStatePartiallyPaid)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Page through from the start.
	page, err := store.ListAfter(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 1 || page[1].Seq != 2 {
		t.Fatalf("First page wrong: %+v", page)
	}

	// Resume from the last seen sequence.
	page, _ = store.ListAfter(ctx, 2, 10)
	if len(page) != 3 || page[0].Seq != 3 {
		t.Fatalf("Resume page wrong: len=%d", len(page))
	}

	// Past the end.
	page, _ = store.ListAfter(ctx, 5, 10)
	if len(page) != 0 {
		t.Errorf("Expected empty page past the end, got %d", len(page))
	}
}

func TestTransitionStore_ListByOrder(t *testing.T) {
	store := NewTransitionStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, testTransition("o1", 1, domain.OrderStatePending, domain.OrderStatePartiallyPaid)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.Append(ctx, testTransition("o2", 1, domain.OrderStatePending, domain.OrderStateCanceled)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := store.Append(ctx, testTransition("o1", 2, domain.OrderStatePartiallyPaid, domain.OrderStateConfirmed)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	result, err := store.ListByOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("ListByOrder failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Expected 2 facts, got %d", len(result))
	}
	if result[0].OrderSeq != 1 || result[1].OrderSeq != 2 {
		t.Errorf("Not ordered by OrderSeq: %d, %d", result[0].OrderSeq, result[1].OrderSeq)
	}
}
