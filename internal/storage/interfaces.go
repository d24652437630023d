package storage

import (
	"context"
	"time"

	"chainpay-engine/internal/domain"
)

// WalletRootStore provides access to wallet_roots storage.
type WalletRootStore interface {
	// Insert adds a new root. Returns ErrDuplicateKey if the root id or the
	// (merchant_id, currency) pair already exists.
	Insert(ctx context.Context, r *domain.WalletRoot) error

	// GetByID retrieves a root by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, rootID string) (*domain.WalletRoot, error)

	// GetByMerchant retrieves the root for a merchant/currency pair.
	// Returns ErrNotFound if not exists.
	GetByMerchant(ctx context.Context, merchantID string, currency domain.Currency) (*domain.WalletRoot, error)

	// IncrementCounter durably advances the root's next index from the
	// expected value to expected+1. Returns ErrStaleCounter when the stored
	// value no longer matches expected, ErrNotFound when the root is gone.
	IncrementCounter(ctx context.Context, rootID string, expected uint32) error
}

// DerivedAddressStore provides access to derived_addresses storage.
type DerivedAddressStore interface {
	// Insert adds a new address. Returns ErrDuplicateKey if
	// (root_id, derivation_index) or the address string exists.
	Insert(ctx context.Context, a *domain.DerivedAddress) error

	// GetByAddress retrieves by address string within a currency.
	// Returns ErrNotFound if not exists.
	GetByAddress(ctx context.Context, currency domain.Currency, address string) (*domain.DerivedAddress, error)

	// GetByRoot retrieves all addresses derived from a root, ordered by index ASC.
	GetByRoot(ctx context.Context, rootID string) ([]*domain.DerivedAddress, error)
}

// OrderStore provides access to payment_orders storage.
type OrderStore interface {
	// Insert adds a new order. Returns ErrDuplicateKey if order_id exists
	// or the address is already owned by another order.
	Insert(ctx context.Context, o *domain.Order) error

	// GetByID retrieves an order by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)

	// GetByAddress retrieves the order owning an address within a currency.
	// Returns ErrNotFound if not exists.
	GetByAddress(ctx context.Context, currency domain.Currency, address string) (*domain.Order, error)

	// Update rewrites the mutable fields of an existing order.
	// Returns ErrNotFound if the order does not exist.
	Update(ctx context.Context, o *domain.Order) error

	// ListActive retrieves all orders in non-terminal states.
	ListActive(ctx context.Context) ([]*domain.Order, error)

	// ListExpiredBefore retrieves non-terminal orders whose expires_at is
	// at or before the deadline. Used by the expiry sweep.
	ListExpiredBefore(ctx context.Context, deadline time.Time) ([]*domain.Order, error)
}

// ChainEventStore is the append-only dedup log of credited chain events.
type ChainEventStore interface {
	// Insert adds an event row. Returns ErrDuplicateKey if
	// (order_id, network_tx_id) exists; duplicates are how replays are detected.
	Insert(ctx context.Context, orderID string, e *domain.ChainEvent) error

	// MarkRetracted flags an event row as retracted. The row is kept for
	// audit; retracted rows stop counting toward received amounts.
	// Returns ErrNotFound if the row does not exist.
	MarkRetracted(ctx context.Context, orderID, networkTxID string) error

	// GetByOrder retrieves all event rows for an order, including retracted
	// ones, ordered by block height ASC.
	GetByOrder(ctx context.Context, orderID string) ([]*StoredChainEvent, error)
}

// StoredChainEvent is a chain event row plus its dedup bookkeeping.
type StoredChainEvent struct {
	OrderID   string
	Event     domain.ChainEvent
	Retracted bool
	StoredAt  time.Time
}

// NotificationStore provides access to the durable notification queue.
type NotificationStore interface {
	// Insert adds a new notification. Returns ErrDuplicateKey if
	// notification_id exists.
	Insert(ctx context.Context, n *domain.Notification) error

	// GetByID retrieves a notification. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, notificationID string) (*domain.Notification, error)

	// Update rewrites delivery bookkeeping (state, attempts, next retry).
	// Returns ErrNotFound if the notification does not exist.
	Update(ctx context.Context, n *domain.Notification) error

	// ListUndelivered retrieves notifications in PENDING or RETRYING state,
	// ordered by (order_id, seq) so per-order delivery order is preserved.
	ListUndelivered(ctx context.Context) ([]*domain.Notification, error)

	// ListByOrder retrieves all notifications for an order, ordered by seq ASC.
	ListByOrder(ctx context.Context, orderID string) ([]*domain.Notification, error)
}

// TransitionStore is the append-only order-state-change fact log.
type TransitionStore interface {
	// Append stores a fact and assigns its global sequence number.
	Append(ctx context.Context, t *domain.Transition) (int64, error)

	// ListAfter retrieves up to limit facts with Seq > afterSeq, ordered by
	// Seq ASC. The restartable feed for audit consumers.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*domain.Transition, error)

	// ListByOrder retrieves all facts for an order, ordered by OrderSeq ASC.
	ListByOrder(ctx context.Context, orderID string) ([]*domain.Transition, error)
}

// StreamCheckpointStore persists per-consumer positions in the transition
// fact stream. Consumers resume from their checkpoint after a restart.
type StreamCheckpointStore interface {
	// SetLastPublished upserts the consumer's stream position.
	SetLastPublished(ctx context.Context, consumer string, seq int64) error

	// GetLastPublished retrieves the consumer's stream position. Returns
	// ErrNotFound if the consumer has never checkpointed.
	GetLastPublished(ctx context.Context, consumer string) (int64, error)
}

// TransitionArchiveStore is the analytics mirror of the fact log.
type TransitionArchiveStore interface {
	// ArchiveTransitions appends a batch of facts to the archive.
	// Re-archiving a sequence range must be safe; consumers are
	// at-least-once.
	ArchiveTransitions(ctx context.Context, facts []*domain.Transition) error
}

// CursorStore persists per-network observer scan positions.
type CursorStore interface {
	// Put upserts the cursor for a currency.
	Put(ctx context.Context, c *domain.ObserverCursor) error

	// Get retrieves the cursor for a currency. Returns ErrNotFound if the
	// observer has never checkpointed.
	Get(ctx context.Context, currency domain.Currency) (*domain.ObserverCursor, error)
}

// MerchantEndpointStore provides access to merchant webhook registrations.
type MerchantEndpointStore interface {
	// Put upserts the endpoint for a merchant.
	Put(ctx context.Context, e *domain.MerchantEndpoint) error

	// Get retrieves a merchant's endpoint. Returns ErrNotFound if none registered.
	Get(ctx context.Context, merchantID string) (*domain.MerchantEndpoint, error)
}
