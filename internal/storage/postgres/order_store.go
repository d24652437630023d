package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
//
// Amounts travel as text on the wire: pgx has no built-in codec for
// shopspring decimals, so inserts pass String() into NUMERIC columns and
// selects cast back with ::text. Unconstrained NUMERIC keeps the scale the
// caller wrote.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

const orderColumns = `
	order_id, merchant_id, currency, requested_amount::text, address_id,
	address, state, created_at, expires_at, confirmations_seen,
	received_amount::text, tx_references, updated_at
`

// Insert adds a new order. Returns ErrDuplicateKey if order_id exists or
// the address is already owned by another order.
func (s *OrderStore) Insert(ctx context.Context, o *domain.Order) error {
	query := `
		INSERT INTO payment_orders (
			order_id, merchant_id, currency, requested_amount, address_id,
			address, state, created_at, expires_at, confirmations_seen,
			received_amount, tx_references, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.pool.Exec(ctx, query,
		o.OrderID,
		o.MerchantID,
		string(o.Currency),
		o.RequestedAmount.String(),
		o.AddressID,
		o.Address,
		string(o.State),
		o.CreatedAt,
		o.ExpiresAt,
		o.ConfirmationsSeen,
		o.ReceivedAmount.String(),
		o.TxReferences,
		o.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by its ID. Returns ErrNotFound if not exists.
func (s *OrderStore) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE order_id = $1`

	row := s.pool.QueryRow(ctx, query, orderID)
	o, err := scanOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return o, nil
}

// GetByAddress retrieves the order owning an address within a currency.
func (s *OrderStore) GetByAddress(ctx context.Context, currency domain.Currency, address string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE currency = $1 AND address = $2`

	row := s.pool.QueryRow(ctx, query, string(currency), address)
	o, err := scanOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order by address: %w", err)
	}
	return o, nil
}

// Update rewrites the mutable fields of an existing order.
func (s *OrderStore) Update(ctx context.Context, o *domain.Order) error {
	query := `
		UPDATE payment_orders
		SET state = $2,
		    confirmations_seen = $3,
		    received_amount = $4,
		    tx_references = $5,
		    updated_at = $6
		WHERE order_id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		o.OrderID,
		string(o.State),
		o.ConfirmationsSeen,
		o.ReceivedAmount.String(),
		o.TxReferences,
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListActive retrieves all orders in non-terminal states.
func (s *OrderStore) ListActive(ctx context.Context) ([]*domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM payment_orders
		WHERE state IN ('PENDING', 'PARTIALLY_PAID')
		ORDER BY created_at ASC, order_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListExpiredBefore retrieves non-terminal orders whose expires_at is at or
// before the deadline.
func (s *OrderStore) ListExpiredBefore(ctx context.Context, deadline time.Time) ([]*domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM payment_orders
		WHERE state IN ('PENDING', 'PARTIALLY_PAID') AND expires_at <= $1
		ORDER BY expires_at ASC, order_id ASC
	`

	rows, err := s.pool.Query(ctx, query, deadline)
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// scanOrder scans a single row into an Order.
func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var currency, state, requested, received string

	err := row.Scan(
		&o.OrderID,
		&o.MerchantID,
		&currency,
		&requested,
		&o.AddressID,
		&o.Address,
		&state,
		&o.CreatedAt,
		&o.ExpiresAt,
		&o.ConfirmationsSeen,
		&received,
		&o.TxReferences,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Currency = domain.Currency(currency)
	o.State = domain.OrderState(state)
	if o.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("parse requested_amount: %w", err)
	}
	if o.ReceivedAmount, err = decimal.NewFromString(received); err != nil {
		return nil, fmt.Errorf("parse received_amount: %w", err)
	}
	return &o, nil
}

// scanOrders scans multiple rows into a slice of Order.
func scanOrders(rows pgx.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}
