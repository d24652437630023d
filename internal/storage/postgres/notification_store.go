package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// NotificationStore implements storage.NotificationStore using PostgreSQL.
type NotificationStore struct {
	pool *Pool
}

// NewNotificationStore creates a new NotificationStore.
func NewNotificationStore(pool *Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.NotificationStore = (*NotificationStore)(nil)

const notificationColumns = `
	notification_id, order_id, merchant_id, seq, event_type, payload,
	signature, delivery_state, attempt_count, next_retry_at, created_at,
	delivered_at
`

// Insert adds a new notification. Returns ErrDuplicateKey if
// notification_id exists.
func (s *NotificationStore) Insert(ctx context.Context, n *domain.Notification) error {
	query := `
		INSERT INTO notifications (
			notification_id, order_id, merchant_id, seq, event_type, payload,
			signature, delivery_state, attempt_count, next_retry_at,
			created_at, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		n.NotificationID,
		n.OrderID,
		n.MerchantID,
		n.Seq,
		n.EventType,
		n.Payload,
		n.Signature,
		string(n.DeliveryState),
		n.AttemptCount,
		n.NextRetryAt,
		n.CreatedAt,
		n.DeliveredAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetByID retrieves a notification. Returns ErrNotFound if not exists.
func (s *NotificationStore) GetByID(ctx context.Context, notificationID string) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE notification_id = $1`

	row := s.pool.QueryRow(ctx, query, notificationID)
	n, err := scanNotification(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get notification by id: %w", err)
	}
	return n, nil
}

// Update rewrites delivery bookkeeping (state, attempts, next retry).
func (s *NotificationStore) Update(ctx context.Context, n *domain.Notification) error {
	query := `
		UPDATE notifications
		SET delivery_state = $2,
		    attempt_count = $3,
		    next_retry_at = $4,
		    delivered_at = $5
		WHERE notification_id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		n.NotificationID,
		string(n.DeliveryState),
		n.AttemptCount,
		n.NextRetryAt,
		n.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUndelivered retrieves notifications in PENDING or RETRYING state,
// ordered by (order_id, seq) so per-order delivery order is preserved.
func (s *NotificationStore) ListUndelivered(ctx context.Context) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE delivery_state IN ('PENDING', 'RETRYING')
		ORDER BY order_id ASC, seq ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list undelivered notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// ListByOrder retrieves all notifications for an order, ordered by seq ASC.
func (s *NotificationStore) ListByOrder(ctx context.Context, orderID string) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE order_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list notifications by order: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// scanNotification scans a single row into a Notification.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var state string

	err := row.Scan(
		&n.NotificationID,
		&n.OrderID,
		&n.MerchantID,
		&n.Seq,
		&n.EventType,
		&n.Payload,
		&n.Signature,
		&state,
		&n.AttemptCount,
		&n.NextRetryAt,
		&n.CreatedAt,
		&n.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}

	n.DeliveryState = domain.DeliveryState(state)
	return &n, nil
}

// scanNotifications scans multiple rows into a slice of Notification.
func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var items []*domain.Notification

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		items = append(items, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}

	return items, nil
}
