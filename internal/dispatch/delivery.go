package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/observability"
)

// Webhook request headers.
const (
	HeaderSignature    = "X-Chainpay-Signature"
	HeaderAttempt      = "X-Chainpay-Attempt"
	HeaderNotification = "X-Chainpay-Notification"
)

// idleWake bounds how long a worker sleeps with nothing due.
const idleWake = time.Minute

// worker owns the order queues hashed to its partition. It is a small
// scheduler: the head of each order's queue is attempted when due, and a
// head waiting out its backoff never delays other orders.
func (d *Dispatcher) worker(ctx context.Context, inbox chan *domain.Notification) {
	queues := make(map[string][]*domain.Notification)
	timer := time.NewTimer(idleWake)
	defer timer.Stop()

	for {
		d.armTimer(timer, queues)
		select {
		case <-ctx.Done():
			return
		case n := <-inbox:
			enqueueLocal(queues, n)
		case <-timer.C:
			d.serviceDue(ctx, queues)
		}
	}
}

// enqueueLocal inserts the notification into its order's queue in seq order.
// Re-routed duplicates of an already queued notification are dropped.
func enqueueLocal(queues map[string][]*domain.Notification, n *domain.Notification) {
	q := queues[n.OrderID]
	for _, queued := range q {
		if queued.NotificationID == n.NotificationID {
			return
		}
	}
	i := len(q)
	for i > 0 && q[i-1].Seq > n.Seq {
		i--
	}
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = n
	queues[n.OrderID] = q
}

// serviceDue walks every order queue and attempts each due head. Successful
// heads unblock the next notification of the same order immediately; failed
// heads stay queued with a later NextRetryAt.
func (d *Dispatcher) serviceDue(ctx context.Context, queues map[string][]*domain.Notification) {
	now := d.now()
	for orderID, q := range queues {
		for len(q) > 0 && !q[0].NextRetryAt.After(now) {
			if !d.attempt(ctx, q[0]) {
				break
			}
			q = q[1:]
		}
		if len(q) == 0 {
			delete(queues, orderID)
		} else {
			queues[orderID] = q
		}
	}
}

// attempt performs one delivery try and updates the row's bookkeeping.
// Returns true when the notification leaves the queue, either delivered or
// dead-lettered.
func (d *Dispatcher) attempt(ctx context.Context, n *domain.Notification) bool {
	start := time.Now()
	err := d.deliver(ctx, n)
	elapsed := time.Since(start).Seconds()
	n.AttemptCount++

	if err == nil {
		observability.RecordWebhookAttempt("success", elapsed)
		now := d.now().UTC()
		n.DeliveryState = domain.DeliveryDelivered
		n.DeliveredAt = &now
		if uerr := d.store.Update(ctx, n); uerr != nil {
			d.log.Error("persist delivery", map[string]any{"notification_id": n.NotificationID, "error": uerr.Error()})
		}
		d.log.Info("notification delivered", map[string]any{
			"notification_id": n.NotificationID,
			"order_id":        n.OrderID,
			"event_type":      n.EventType,
			"attempts":        n.AttemptCount,
		})
		return true
	}

	observability.RecordWebhookAttempt("failure", elapsed)

	if n.AttemptCount >= d.maxAttempts {
		n.DeliveryState = domain.DeliveryDead
		if uerr := d.store.Update(ctx, n); uerr != nil {
			d.log.Error("persist dead-letter", map[string]any{"notification_id": n.NotificationID, "error": uerr.Error()})
		}
		observability.RecordNotificationDead()
		d.log.Warn("notification dead-lettered", map[string]any{
			"notification_id": n.NotificationID,
			"order_id":        n.OrderID,
			"event_type":      n.EventType,
			"attempts":        n.AttemptCount,
			"error":           err.Error(),
		})
		return true
	}

	n.DeliveryState = domain.DeliveryRetrying
	n.NextRetryAt = d.now().UTC().Add(d.backoff(n.AttemptCount))
	if uerr := d.store.Update(ctx, n); uerr != nil {
		d.log.Error("persist retry schedule", map[string]any{"notification_id": n.NotificationID, "error": uerr.Error()})
	}
	d.log.Warn("delivery failed, retry scheduled", map[string]any{
		"notification_id": n.NotificationID,
		"order_id":        n.OrderID,
		"attempt":         n.AttemptCount,
		"next_retry_at":   n.NextRetryAt.Format(time.RFC3339),
		"error":           err.Error(),
	})
	return false
}

// deliver POSTs the stored body to the merchant endpoint. Any transport
// error or non-2xx status is a failed attempt.
func (d *Dispatcher) deliver(ctx context.Context, n *domain.Notification) error {
	ep, err := d.endpoints.Get(ctx, n.MerchantID)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(n.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, n.Signature)
	req.Header.Set(HeaderAttempt, strconv.Itoa(n.AttemptCount+1))
	req.Header.Set(HeaderNotification, n.NotificationID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}

// backoff returns base * 2^(attempt-1) capped at max, with up to ±10%
// jitter so synchronized failures spread out.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.max {
			delay = d.max
			break
		}
	}
	if span := int64(delay / 10); span > 0 {
		delay += time.Duration(rand.Int63n(2*span+1) - span)
	}
	return delay
}

// armTimer schedules the next wake: the earliest due head, or idleWake when
// nothing is queued.
func (d *Dispatcher) armTimer(timer *time.Timer, queues map[string][]*domain.Notification) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	wake := idleWake
	now := d.now()
	for _, q := range queues {
		until := q[0].NextRetryAt.Sub(now)
		if until < 0 {
			until = 0
		}
		if until < wake {
			wake = until
		}
	}
	timer.Reset(wake)
}
