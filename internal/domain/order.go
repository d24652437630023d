package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState represents the lifecycle state of a payment order.
type OrderState string

const (
	OrderStatePending          OrderState = "PENDING"
	OrderStatePartiallyPaid    OrderState = "PARTIALLY_PAID"
	OrderStateConfirmed        OrderState = "CONFIRMED"
	OrderStateExpired          OrderState = "EXPIRED"
	OrderStateUnderpaidExpired OrderState = "UNDERPAID_EXPIRED"
	OrderStateCanceled         OrderState = "CANCELED"
)

// String returns the string representation of OrderState.
func (s OrderState) String() string {
	return string(s)
}

// IsValid checks if the state is a known value.
func (s OrderState) IsValid() bool {
	switch s {
	case OrderStatePending, OrderStatePartiallyPaid, OrderStateConfirmed,
		OrderStateExpired, OrderStateUnderpaidExpired, OrderStateCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
// CONFIRMED is terminal under the default policy; a reorg deep enough to
// violate it is recorded as an anomaly, not reversed.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateConfirmed, OrderStateExpired, OrderStateUnderpaidExpired, OrderStateCanceled:
		return true
	default:
		return false
	}
}

// Order represents a payment order owning exactly one derived address.
// Corresponds to payment_orders table in PostgreSQL.
type Order struct {
	OrderID           string          // PRIMARY KEY, uuid
	MerchantID        string          // merchant that created the order
	Currency          Currency        // settlement network
	RequestedAmount   decimal.Decimal // amount the merchant asked for
	AddressID         string          // derived address id (root_id|index)
	Address           string          // receiving address string
	State             OrderState
	CreatedAt         time.Time
	ExpiresAt         time.Time       // created_at + ttl; wall clock drives expiry
	ConfirmationsSeen int64           // depth of the satisfying payment frontier
	ReceivedAmount    decimal.Decimal // sum of non-retracted matching events
	TxReferences      []string        // network tx ids currently credited
	UpdatedAt         time.Time
}

// Remaining returns how much is still owed. Never negative.
func (o *Order) Remaining() decimal.Decimal {
	r := o.RequestedAmount.Sub(o.ReceivedAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Expired reports whether the order is past its deadline at the given instant.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
