package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// TransitionStore implements storage.TransitionStore using PostgreSQL.
// seq is a BIGSERIAL, so the database assigns the global order of facts.
type TransitionStore struct {
	pool *Pool
}

// NewTransitionStore creates a new TransitionStore.
func NewTransitionStore(pool *Pool) *TransitionStore {
	return &TransitionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransitionStore = (*TransitionStore)(nil)

const transitionColumns = `
	seq, order_id, order_seq, merchant_id, currency, from_state, to_state,
	reason, network_tx_id, received_amount::text, occurred_at
`

// Append stores a fact and assigns its global sequence number.
func (s *TransitionStore) Append(ctx context.Context, t *domain.Transition) (int64, error) {
	query := `
		INSERT INTO order_transitions (
			order_id, order_seq, merchant_id, currency, from_state,
			to_state, reason, network_tx_id, received_amount, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`

	var seq int64
	err := s.pool.QueryRow(ctx, query,
		t.OrderID,
		t.OrderSeq,
		t.MerchantID,
		string(t.Currency),
		string(t.FromState),
		string(t.ToState),
		t.Reason,
		t.NetworkTxID,
		t.ReceivedAmount.String(),
		t.OccurredAt,
	).Scan(&seq)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, storage.ErrDuplicateKey
		}
		return 0, fmt.Errorf("append transition: %w", err)
	}

	t.Seq = seq
	return seq, nil
}

// ListAfter retrieves up to limit facts with Seq > afterSeq, ordered by
// Seq ASC.
func (s *TransitionStore) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*domain.Transition, error) {
	query := `
		SELECT ` + transitionColumns + `
		FROM order_transitions
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions after seq: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// ListByOrder retrieves all facts for an order, ordered by OrderSeq ASC.
func (s *TransitionStore) ListByOrder(ctx context.Context, orderID string) ([]*domain.Transition, error) {
	query := `
		SELECT ` + transitionColumns + `
		FROM order_transitions
		WHERE order_id = $1
		ORDER BY order_seq ASC
	`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list transitions by order: %w", err)
	}
	defer rows.Close()

	return scanTransitions(rows)
}

// scanTransition scans a single row into a Transition.
func scanTransition(row pgx.Row) (*domain.Transition, error) {
	var t domain.Transition
	var currency, fromState, toState, received string

	err := row.Scan(
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
		return nil, err
	}

	t.Currency = domain.Currency(currency)
	t.FromState = domain.OrderState(fromState)
	t.ToState = domain.OrderState(toState)
	if t.ReceivedAmount, err = decimal.NewFromString(received); err != nil {
		return nil, fmt.Errorf("parse transition received_amount: %w", err)
	}
	return &t, nil
}

// scanTransitions scans multiple rows into a slice of Transition.
func scanTransitions(rows pgx.Rows) ([]*domain.Transition, error) {
	var facts []*domain.Transition

	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		facts = append(facts, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}

	return facts, nil
}
