package clickhouse

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// TransitionArchiveStore implements storage.TransitionArchiveStore using
// ClickHouse. The backing table is a ReplacingMergeTree keyed by seq, so
// the at-least-once archiver may replay sequence ranges freely.
type TransitionArchiveStore struct {
	conn *Conn
}

// NewTransitionArchiveStore creates a new TransitionArchiveStore.
func NewTransitionArchiveStore(conn *Conn) *TransitionArchiveStore {
	return &TransitionArchiveStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TransitionArchiveStore = (*TransitionArchiveStore)(nil)

// ArchiveTransitions appends a batch of facts to the archive.
func (s *TransitionArchiveStore) ArchiveTransitions(ctx context.Context, facts []*domain.Transition) error {
	if len(facts) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO order_transitions (
			seq, order_id, order_seq, merchant_id, currency, from_state,
			to_state, reason, network_tx_id, received_amount, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range facts {
		err = batch.Append(
			t.Seq,
			t.OrderID,
			t.OrderSeq,
			t.MerchantID,
			string(t.Currency),
			string(t.FromState),
			string(t.ToState),
			t.Reason,
			t.NetworkTxID,
			t.ReceivedAmount,
			t.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// ListByOrder retrieves one order's archived facts, ordered by order_seq
// ASC. FINAL collapses rows an archiver replay duplicated.
func (s *TransitionArchiveStore) ListByOrder(ctx context.Context, orderID string) ([]*domain.Transition, error) {
	query := `
		SELECT seq, order_id, order_seq, merchant_id, currency, from_state,
		       to_state, reason, network_tx_id, received_amount, occurred_at
		FROM order_transitions FINAL
		WHERE order_id = ?
		ORDER BY order_seq ASC
	`

	rows, err := s.conn.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query archived transitions: %w", err)
	}
	defer rows.Close()

	var facts []*domain.Transition
	for rows.Next() {
		var t domain.Transition
		var currency, fromState, toState string
		var received decimal.Decimal

		err := rows.Scan(
			&t.Seq,
			&t.OrderID,
			&t.OrderSeq,
			&t.MerchantID,
			&currency,
			&fromState,
			&toState,
			&t.Reason,
			&t.NetworkTxID,
			&received,
			&t.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan archived transition row: %w", err)
		}

		t.Currency = domain.Currency(currency)
		t.FromState = domain.OrderState(fromState)
		t.ToState = domain.OrderState(toState)
		t.ReceivedAmount = received
		facts = append(facts, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived transition rows: %w", err)
	}

	return facts, nil
}
