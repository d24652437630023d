// Package dispatch delivers merchant webhook notifications. Notifications
// are persisted before any delivery attempt, retried with capped exponential
// backoff, and dead-lettered instead of dropped once the attempt budget is
// spent. Delivery is serialized per order and parallel across orders.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/lifecycle"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/observability"
	"chainpay-engine/internal/storage"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultHTTPTimeout = 10 * time.Second
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 2 * time.Minute
	defaultMaxAttempts = 8
	defaultRescanEvery = 30 * time.Second
)

// ErrNotDead is returned by Redeliver for notifications that are not
// dead-lettered.
var ErrNotDead = errors.New("notification is not dead-lettered")

// Options configures a Dispatcher. Notifications and Endpoints are required.
type Options struct {
	Notifications storage.NotificationStore
	Endpoints     storage.MerchantEndpointStore

	// HTTPClient posts to merchant endpoints. Default: 10s timeout.
	HTTPClient *http.Client

	// Workers is the number of delivery partitions. Default 4.
	Workers int

	// QueueSize is the per-worker inbox depth. Default 256.
	QueueSize int

	// BaseDelay seeds the retry backoff: base * 2^(attempt-1), capped at
	// MaxDelay, with jitter. Defaults 1s / 2m.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts is the delivery budget before dead-lettering. Default 8.
	MaxAttempts int

	// RescanEvery bounds how long a notification that missed its inbox
	// signal waits before the durable queue is rescanned. Default 30s.
	RescanEvery time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	Logger logging.Logger
}

// Dispatcher owns the durable webhook delivery queue.
type Dispatcher struct {
	store     storage.NotificationStore
	endpoints storage.MerchantEndpointStore
	client    *http.Client

	base        time.Duration
	max         time.Duration
	maxAttempts int
	rescanEvery time.Duration

	workers int
	inboxes []chan *domain.Notification

	log logging.Logger
	now func() time.Time
}

var _ lifecycle.Notifier = (*Dispatcher)(nil)

// NewDispatcher builds a Dispatcher from opts. Call Run to start delivering.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RescanEvery <= 0 {
		opts.RescanEvery = defaultRescanEvery
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}

	d := &Dispatcher{
		store:       opts.Notifications,
		endpoints:   opts.Endpoints,
		client:      opts.HTTPClient,
		base:        opts.BaseDelay,
		max:         opts.MaxDelay,
		maxAttempts: opts.MaxAttempts,
		rescanEvery: opts.RescanEvery,
		workers:     opts.Workers,
		log:         opts.Logger,
		now:         opts.Clock,
	}
	d.inboxes = make([]chan *domain.Notification, d.workers)
	for i := range d.inboxes {
		d.inboxes[i] = make(chan *domain.Notification, opts.QueueSize)
	}
	return d
}

// deliveryBody is the wire envelope POSTed to merchant endpoints. The HMAC
// signature covers the marshaled envelope bytes exactly as stored.
type deliveryBody struct {
	NotificationID string          `json:"notification_id"`
	OrderID        string          `json:"order_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     string          `json:"occurred_at"`
	Payload        json.RawMessage `json:"payload"`
}

// Enqueue persists the notification, signs the delivery body with the
// merchant's webhook secret and signals the delivery loop. The signal is
// best-effort: a saturated inbox defers to the rescan, the row is already
// durable. Returns the stable notification id receivers deduplicate on.
func (d *Dispatcher) Enqueue(ctx context.Context, orderID, merchantID string, seq int64, eventType string, payload []byte) (string, error) {
	ep, err := d.endpoints.Get(ctx, merchantID)
	if err != nil {
		return "", fmt.Errorf("resolve merchant endpoint: %w", err)
	}

	now := d.now().UTC()
	n := &domain.Notification{
		NotificationID: uuid.NewString(),
		OrderID:        orderID,
		MerchantID:     merchantID,
		Seq:            seq,
		EventType:      eventType,
		DeliveryState:  domain.DeliveryPending,
		NextRetryAt:    now,
		CreatedAt:      now,
	}
	body, err := json.Marshal(deliveryBody{
		NotificationID: n.NotificationID,
		OrderID:        orderID,
		EventType:      eventType,
		OccurredAt:     now.Format(time.RFC3339Nano),
		Payload:        json.RawMessage(payload),
	})
	if err != nil {
		return "", fmt.Errorf("marshal delivery body: %w", err)
	}
	n.Payload = body
	n.Signature = Sign(ep.WebhookSecret, body)

	if err := d.store.Insert(ctx, n); err != nil {
		return "", fmt.Errorf("persist notification: %w", err)
	}

	d.signal(n)
	return n.NotificationID, nil
}

// Redeliver puts a dead notification back on the wire with a fresh attempt
// budget. Operator action for endpoints that recovered after exhaustion.
func (d *Dispatcher) Redeliver(ctx context.Context, notificationID string) error {
	n, err := d.store.GetByID(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.DeliveryState != domain.DeliveryDead {
		return fmt.Errorf("%w: %s is %s", ErrNotDead, notificationID, n.DeliveryState)
	}

	n.DeliveryState = domain.DeliveryPending
	n.AttemptCount = 0
	n.NextRetryAt = d.now().UTC()
	if err := d.store.Update(ctx, n); err != nil {
		return err
	}
	observability.RecordRedelivery()
	d.log.Info("notification redelivery requested", map[string]any{
		"notification_id": notificationID,
		"order_id":        n.OrderID,
	})

	d.signal(n)
	return nil
}

// Run delivers notifications until ctx ends. Undelivered rows are reloaded
// at startup and periodically thereafter, so a missed signal only delays a
// delivery, never loses it.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, inbox := range d.inboxes {
		wg.Add(1)
		go func(in chan *domain.Notification) {
			defer wg.Done()
			d.worker(ctx, in)
		}(inbox)
	}

	if err := d.requeueUndelivered(ctx); err != nil {
		d.log.Error("requeue undelivered notifications", map[string]any{"error": err.Error()})
	}

	rescan := time.NewTicker(d.rescanEvery)
	defer rescan.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-rescan.C:
			if err := d.requeueUndelivered(ctx); err != nil {
				d.log.Error("rescan undelivered notifications", map[string]any{"error": err.Error()})
			}
		}
	}
}

// requeueUndelivered routes every PENDING or RETRYING row to its partition.
// Workers deduplicate by notification id, so overlap with already queued
// work is harmless.
func (d *Dispatcher) requeueUndelivered(ctx context.Context) error {
	pending, err := d.store.ListUndelivered(ctx)
	if err != nil {
		return err
	}
	for _, n := range pending {
		select {
		case d.inboxes[d.partition(n.OrderID)] <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(pending) > 0 {
		d.log.Info("undelivered notifications queued", map[string]any{"count": len(pending)})
	}
	return nil
}

func (d *Dispatcher) signal(n *domain.Notification) {
	select {
	case d.inboxes[d.partition(n.OrderID)] <- n:
	default:
		d.log.Warn("dispatch inbox saturated, deferring to rescan", map[string]any{
			"notification_id": n.NotificationID,
			"order_id":        n.OrderID,
		})
	}
}

// partition maps an order id to its delivery worker. One partition per
// order keeps same-order deliveries in transition order.
func (d *Dispatcher) partition(orderID string) int {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(d.workers))
}
