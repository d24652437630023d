package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transition reason codes.
const (
	TransitionReasonOrderCreated   = "ORDER_CREATED"
	TransitionReasonFundsDetected  = "FUNDS_DETECTED"
	TransitionReasonPolicyMet      = "POLICY_MET"
	TransitionReasonRetraction     = "RETRACTION"
	TransitionReasonExpired        = "EXPIRED"
	TransitionReasonCanceled       = "CANCELED"
	TransitionReasonReorgAnomaly   = "REORG_AFTER_CONFIRM"
	TransitionReasonPolicyReopened = "POLICY_REOPENED"
)

// Transition is one order-state-change fact. Facts form a lazy, restartable
// sequence consumed by audit/persistence collaborators; Seq is globally
// monotonic, OrderSeq is per-order.
// Corresponds to order_transitions table in PostgreSQL.
type Transition struct {
	Seq            int64 // global sequence, assigned by the store
	OrderID        string
	OrderSeq       int64 // position within the order's own history
	MerchantID     string
	Currency       Currency
	FromState      OrderState
	ToState        OrderState // equal to FromState for anomaly facts
	Reason         string     // reason code constant
	NetworkTxID    string     // triggering tx, empty for sweeps/cancels
	ReceivedAmount decimal.Decimal
	OccurredAt     time.Time
}

// Visible reports whether the transition is an externally visible state
// change that merchants are notified about.
func (t *Transition) Visible() bool {
	return t.FromState != t.ToState
}
