package domain

import "time"

// DeliveryState tracks webhook delivery independently of order state.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "PENDING"
	DeliveryRetrying  DeliveryState = "RETRYING"
	DeliveryDelivered DeliveryState = "DELIVERED"
	DeliveryDead      DeliveryState = "DEAD"
)

// String returns the string representation of DeliveryState.
func (s DeliveryState) String() string {
	return string(s)
}

// IsValid checks if the delivery state is a known value.
func (s DeliveryState) IsValid() bool {
	switch s {
	case DeliveryPending, DeliveryRetrying, DeliveryDelivered, DeliveryDead:
		return true
	default:
		return false
	}
}

// Notification event types sent to merchant endpoints.
const (
	EventPaymentDetected  = "payment.detected"
	EventPaymentCompleted = "payment.completed"
	EventPaymentExpired   = "payment.expired"
	EventPaymentUnderpaid = "payment.underpaid"
	EventPaymentCanceled  = "payment.canceled"
	EventPaymentReopened  = "payment.reopened"
)

// Notification is one externally visible order-state change queued for
// webhook delivery. Corresponds to notifications table in PostgreSQL.
type Notification struct {
	NotificationID string // PRIMARY KEY, uuid; stable across retries
	OrderID        string
	MerchantID     string
	Seq            int64  // per-order sequence; deliveries honor this order
	EventType      string // payment.* constant
	Payload        []byte // JSON body POSTed to the merchant
	Signature      string // hex HMAC-SHA256 of Payload under the merchant secret
	DeliveryState  DeliveryState
	AttemptCount   int
	NextRetryAt    time.Time
	CreatedAt      time.Time
	DeliveredAt    *time.Time // set once delivery succeeded (nullable)
}

// Deliverable reports whether the notification is still waiting for delivery.
func (n *Notification) Deliverable() bool {
	return n.DeliveryState == DeliveryPending || n.DeliveryState == DeliveryRetrying
}
