package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/observability"
	"chainpay-engine/internal/storage"
)

type taskKind int

const (
	taskEvent taskKind = iota
	taskEvaluate
	taskCancel
)

type task struct {
	kind    taskKind
	orderID string
	event   domain.ChainEvent
	reply   chan error
}

// partition maps an order id to its worker. Every task for one order lands
// on the same inbox, making that worker the order's single writer.
func (e *Engine) partition(orderID string) int {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(e.workers))
}

func (e *Engine) worker(ctx context.Context, inbox chan task) {
	// Per-order fact sequence cache. Orders never move between workers, so
	// no other goroutine assigns sequence numbers for an order cached here.
	seqs := make(map[string]int64)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-inbox:
			switch t.kind {
			case taskEvent:
				e.handleEvent(ctx, t.orderID, t.event, seqs)
			case taskEvaluate:
				e.handleEvaluate(ctx, t.orderID, seqs)
			case taskCancel:
				err := e.handleCancel(ctx, t.orderID, seqs)
				if t.reply != nil {
					t.reply <- err
				}
			}
		}
	}
}

// handleEvent applies one transfer or retraction to its order. Credits are
// deduplicated on (order_id, network_tx_id); a replay is dropped without
// touching the order.
func (e *Engine) handleEvent(ctx context.Context, orderID string, ev domain.ChainEvent, seqs map[string]int64) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		e.log.Warn("event for missing order", map[string]any{
			"order_id": orderID,
			"tx":       ev.NetworkTxID,
			"error":    err.Error(),
		})
		return
	}

	if ev.Retraction {
		e.handleRetraction(ctx, order, ev, seqs)
		return
	}

	if order.State.IsTerminal() {
		e.log.Debug("credit for terminal order dropped", map[string]any{
			"order_id": orderID,
			"state":    order.State.String(),
			"tx":       ev.NetworkTxID,
		})
		return
	}

	if err := e.chainEvents.Insert(ctx, orderID, &ev); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			observability.RecordEventDuplicate()
			e.log.Debug("duplicate chain event", map[string]any{"order_id": orderID, "tx": ev.NetworkTxID})
			return
		}
		e.log.Error("store chain event", map[string]any{"order_id": orderID, "tx": ev.NetworkTxID, "error": err.Error()})
		return
	}
	observability.RecordEventApplied(ev.Currency)

	e.evaluate(ctx, order, ev.NetworkTxID, seqs)
}

// handleRetraction marks the credited row retracted and recomputes the
// order. A retraction against a CONFIRMED order does not reverse it: the
// default policy treats CONFIRMED as settled, so the engine records an
// anomaly fact and leaves the order untouched.
func (e *Engine) handleRetraction(ctx context.Context, order *domain.Order, ev domain.ChainEvent, seqs map[string]int64) {
	if err := e.chainEvents.MarkRetracted(ctx, order.OrderID, ev.NetworkTxID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.Debug("retraction for uncredited tx", map[string]any{"order_id": order.OrderID, "tx": ev.NetworkTxID})
			return
		}
		e.log.Error("mark event retracted", map[string]any{"order_id": order.OrderID, "tx": ev.NetworkTxID, "error": err.Error()})
		return
	}
	observability.RecordEventRetracted()

	if order.State == domain.OrderStateConfirmed && !e.policy.AllowUnconfirm(order.Currency) {
		observability.RecordReorgAnomaly()
		e.log.Error("reorg retracted credit on confirmed order", map[string]any{
			"order_id": order.OrderID,
			"currency": order.Currency.String(),
			"tx":       ev.NetworkTxID,
		})
		seq := e.nextOrderSeq(ctx, order.OrderID, seqs)
		if _, err := e.transitions.Append(ctx, &domain.Transition{
			OrderID:        order.OrderID,
			OrderSeq:       seq,
			MerchantID:     order.MerchantID,
			Currency:       order.Currency,
			FromState:      domain.OrderStateConfirmed,
			ToState:        domain.OrderStateConfirmed,
			Reason:         domain.TransitionReasonReorgAnomaly,
			NetworkTxID:    ev.NetworkTxID,
			ReceivedAmount: order.ReceivedAmount,
			OccurredAt:     e.now().UTC(),
		}); err != nil {
			e.log.Error("append anomaly fact", map[string]any{"order_id": order.OrderID, "error": err.Error()})
		}
		return
	}
	if order.State.IsTerminal() && order.State != domain.OrderStateConfirmed {
		// Funds math on expired or canceled orders is settled history.
		return
	}

	e.evaluate(ctx, order, ev.NetworkTxID, seqs)
}

func (e *Engine) handleEvaluate(ctx context.Context, orderID string, seqs map[string]int64) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.Error("load order", map[string]any{"order_id": orderID, "error": err.Error()})
		}
		return
	}
	if order.State.IsTerminal() {
		return
	}
	e.evaluate(ctx, order, "", seqs)
}

func (e *Engine) handleCancel(ctx context.Context, orderID string, seqs map[string]int64) error {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, order.State)
	}

	// Deadline and confirmation races settle first; a cancel that lost the
	// race reports the terminal state it lost to.
	e.evaluate(ctx, order, "", seqs)
	if order.State.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, order.State)
	}

	from := order.State
	order.State = domain.OrderStateCanceled
	order.UpdatedAt = e.now().UTC()
	if err := e.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	e.recordTransition(ctx, order, from, domain.OrderStateCanceled, domain.TransitionReasonCanceled, "", seqs)
	return nil
}

// evaluate recomputes the order's standing from its non-retracted events and
// applies the resulting state. Satisfaction wins over expiry: a fully paid
// order past its deadline keeps waiting for confirmations.
func (e *Engine) evaluate(ctx context.Context, order *domain.Order, triggerTx string, seqs map[string]int64) {
	received, satisfyingHeight, txRefs, err := e.accounting(ctx, order)
	if err != nil {
		e.log.Error("order accounting", map[string]any{"order_id": order.OrderID, "error": err.Error()})
		return
	}

	height := e.heightOf(order.Currency)
	satisfied := received.GreaterThanOrEqual(order.RequestedAmount)
	var confs int64
	if satisfied && satisfyingHeight > 0 && height > satisfyingHeight {
		confs = height - satisfyingHeight
	}

	from := order.State
	order.ReceivedAmount = received
	order.ConfirmationsSeen = confs
	order.TxReferences = txRefs

	var target domain.OrderState
	switch {
	case satisfied && satisfyingHeight > 0 && e.policy.IsFinal(satisfyingHeight, height, order.Currency):
		target = domain.OrderStateConfirmed
	case order.Expired(e.now()) && !satisfied:
		if received.Sign() > 0 {
			target = domain.OrderStateUnderpaidExpired
		} else {
			target = domain.OrderStateExpired
		}
	case received.Sign() > 0:
		target = domain.OrderStatePartiallyPaid
	default:
		target = domain.OrderStatePending
	}

	order.State = target
	order.UpdatedAt = e.now().UTC()
	if err := e.orders.Update(ctx, order); err != nil {
		e.log.Error("update order", map[string]any{"order_id": order.OrderID, "error": err.Error()})
		return
	}

	if target != from {
		e.recordTransition(ctx, order, from, target, reasonFor(from, target), triggerTx, seqs)
	}
}

// accounting folds the order's stored events into the received sum, the
// height at which the running sum first covered the requested amount (zero
// when it never did), and the credited tx ids. Retracted rows are skipped.
func (e *Engine) accounting(ctx context.Context, order *domain.Order) (decimal.Decimal, int64, []string, error) {
	rows, err := e.chainEvents.GetByOrder(ctx, order.OrderID)
	if err != nil {
		return decimal.Zero, 0, nil, err
	}
	received := decimal.Zero
	var satisfyingHeight int64
	var txRefs []string
	for _, row := range rows {
		if row.Retracted {
			continue
		}
		received = received.Add(row.Event.Amount)
		txRefs = append(txRefs, row.Event.NetworkTxID)
		if satisfyingHeight == 0 && received.GreaterThanOrEqual(order.RequestedAmount) {
			satisfyingHeight = row.Event.BlockHeight
		}
	}
	return received, satisfyingHeight, txRefs, nil
}

// recordTransition appends the fact, maintains the watch index across
// settle/reopen edges and enqueues the merchant notification when the move
// is externally visible.
func (e *Engine) recordTransition(ctx context.Context, order *domain.Order, from, to domain.OrderState, reason, txRef string, seqs map[string]int64) {
	seq := e.nextOrderSeq(ctx, order.OrderID, seqs)
	if _, err := e.transitions.Append(ctx, &domain.Transition{
		OrderID:        order.OrderID,
		OrderSeq:       seq,
		MerchantID:     order.MerchantID,
		Currency:       order.Currency,
		FromState:      from,
		ToState:        to,
		Reason:         reason,
		NetworkTxID:    txRef,
		ReceivedAmount: order.ReceivedAmount,
		OccurredAt:     e.now().UTC(),
	}); err != nil {
		e.log.Error("append transition fact", map[string]any{"order_id": order.OrderID, "error": err.Error()})
	}
	observability.RecordTransition(to, reason)
	e.log.Info("order transition", map[string]any{
		"order_id": order.OrderID,
		"from":     from.String(),
		"to":       to.String(),
		"reason":   reason,
		"received": order.ReceivedAmount.String(),
	})

	if to.IsTerminal() {
		if err := e.watcher.Unwatch(order.Currency, order.Address); err != nil {
			e.log.Warn("unwatch address", map[string]any{"address": order.Address, "error": err.Error()})
		}
		e.settleOrder(order)
		if to != domain.OrderStateConfirmed {
			delete(seqs, order.OrderID)
		}
	} else if from.IsTerminal() {
		if err := e.watcher.Watch(order.Currency, order.Address); err != nil {
			e.log.Error("rewatch address", map[string]any{"address": order.Address, "error": err.Error()})
		}
		e.reopenOrder(order)
	}

	eventType := notificationFor(from, to)
	if eventType == "" {
		return
	}
	payload, err := json.Marshal(eventPayload{
		OrderID:           order.OrderID,
		MerchantID:        order.MerchantID,
		Currency:          order.Currency.String(),
		State:             to.String(),
		Address:           order.Address,
		RequestedAmount:   order.RequestedAmount.String(),
		ReceivedAmount:    order.ReceivedAmount.String(),
		ConfirmationsSeen: order.ConfirmationsSeen,
		TxReferences:      order.TxReferences,
		ExpiresAt:         order.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.log.Error("marshal notification payload", map[string]any{"order_id": order.OrderID, "error": err.Error()})
		return
	}
	if _, err := e.notifier.Enqueue(ctx, order.OrderID, order.MerchantID, seq, eventType, payload); err != nil {
		e.log.Error("enqueue notification", map[string]any{
			"order_id":   order.OrderID,
			"event_type": eventType,
			"error":      err.Error(),
		})
		return
	}
	observability.RecordNotificationEnqueued(eventType)
}

// nextOrderSeq returns the next per-order fact sequence, lazily priming the
// worker-local cache from the fact log.
func (e *Engine) nextOrderSeq(ctx context.Context, orderID string, seqs map[string]int64) int64 {
	n, ok := seqs[orderID]
	if !ok {
		facts, err := e.transitions.ListByOrder(ctx, orderID)
		if err != nil {
			e.log.Error("load fact history", map[string]any{"order_id": orderID, "error": err.Error()})
		}
		n = int64(len(facts))
	}
	n++
	seqs[orderID] = n
	return n
}

func reasonFor(from, to domain.OrderState) string {
	switch {
	case to == domain.OrderStateConfirmed:
		return domain.TransitionReasonPolicyMet
	case to == domain.OrderStateExpired || to == domain.OrderStateUnderpaidExpired:
		return domain.TransitionReasonExpired
	case to == domain.OrderStateCanceled:
		return domain.TransitionReasonCanceled
	case from == domain.OrderStateConfirmed:
		return domain.TransitionReasonPolicyReopened
	case to == domain.OrderStatePartiallyPaid:
		return domain.TransitionReasonFundsDetected
	default:
		return domain.TransitionReasonRetraction
	}
}

// notificationFor maps a visible transition to its merchant event type.
// Returns "" for audit-only moves, such as PARTIALLY_PAID back to PENDING
// after a retraction.
func notificationFor(from, to domain.OrderState) string {
	switch {
	case to == domain.OrderStateConfirmed:
		return domain.EventPaymentCompleted
	case to == domain.OrderStateExpired:
		return domain.EventPaymentExpired
	case to == domain.OrderStateUnderpaidExpired:
		return domain.EventPaymentUnderpaid
	case to == domain.OrderStateCanceled:
		return domain.EventPaymentCanceled
	case from == domain.OrderStateConfirmed:
		return domain.EventPaymentReopened
	case from == domain.OrderStatePending && to == domain.OrderStatePartiallyPaid:
		return domain.EventPaymentDetected
	default:
		return ""
	}
}

// eventPayload is the JSON body merchants receive. The HMAC signature covers
// these exact bytes, so the layout is part of the external contract.
type eventPayload struct {
	OrderID           string   `json:"order_id"`
	MerchantID        string   `json:"merchant_id"`
	Currency          string   `json:"currency"`
	State             string   `json:"state"`
	Address           string   `json:"address"`
	RequestedAmount   string   `json:"requested_amount"`
	ReceivedAmount    string   `json:"received_amount"`
	ConfirmationsSeen int64    `json:"confirmations_seen"`
	TxReferences      []string `json:"tx_references,omitempty"`
	ExpiresAt         string   `json:"expires_at"`
}
