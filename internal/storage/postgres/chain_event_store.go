package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// ChainEventStore implements storage.ChainEventStore using PostgreSQL.
// The (order_id, network_tx_id) primary key is the replay detector.
type ChainEventStore struct {
	pool *Pool
}

// NewChainEventStore creates a new ChainEventStore.
func NewChainEventStore(pool *Pool) *ChainEventStore {
	return &ChainEventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ChainEventStore = (*ChainEventStore)(nil)

// Insert adds an event row. Returns ErrDuplicateKey if
// (order_id, network_tx_id) exists.
func (s *ChainEventStore) Insert(ctx context.Context, orderID string, e *domain.ChainEvent) error {
	query := `
		INSERT INTO chain_events (
			order_id, network_tx_id, currency, to_address, amount,
			block_height, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		orderID,
		e.NetworkTxID,
		string(e.Currency),
		e.ToAddress,
		e.Amount.String(),
		e.BlockHeight,
		e.ObservedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert chain event: %w", err)
	}
	return nil
}

// MarkRetracted flags an event row as retracted. The row is kept for audit.
func (s *ChainEventStore) MarkRetracted(ctx context.Context, orderID, networkTxID string) error {
	query := `
		UPDATE chain_events
		SET retracted = TRUE
		WHERE order_id = $1 AND network_tx_id = $2
	`

	tag, err := s.pool.Exec(ctx, query, orderID, networkTxID)
	if err != nil {
		return fmt.Errorf("mark chain event retracted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByOrder retrieves all event rows for an order, including retracted
// ones, ordered by block height ASC.
func (s *ChainEventStore) GetByOrder(ctx context.Context, orderID string) ([]*storage.StoredChainEvent, error) {
	query := `
		SELECT order_id, network_tx_id, currency, to_address, amount::text,
		       block_height, observed_at, retracted, stored_at
		FROM chain_events
		WHERE order_id = $1
		ORDER BY block_height ASC, network_tx_id ASC
	`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("get chain events by order: %w", err)
	}
	defer rows.Close()

	var events []*storage.StoredChainEvent
	for rows.Next() {
		var se storage.StoredChainEvent
		var currency, amount string

		err := rows.Scan(
			&se.OrderID,
			&se.Event.NetworkTxID,
			&currency,
			&se.Event.ToAddress,
			&amount,
			&se.Event.BlockHeight,
			&se.Event.ObservedAt,
			&se.Retracted,
			&se.StoredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chain event row: %w", err)
		}

		se.Event.Currency = domain.Currency(currency)
		if se.Event.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse chain event amount: %w", err)
		}
		events = append(events, &se)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain event rows: %w", err)
	}

	return events, nil
}
