// Package lifecycle drives payment orders through their state machine. One
// Engine consumes the merged observer event stream, partitions work by order
// id so every order has exactly one writer, and emits transition facts and
// merchant notifications as orders move.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/observability"
	"chainpay-engine/internal/policy"
	"chainpay-engine/internal/storage"
	"chainpay-engine/internal/wallet"
)

const (
	defaultWorkers       = 8
	defaultQueueSize     = 256
	defaultSweepInterval = 30 * time.Second
)

// Watcher registers order addresses with chain observers. Satisfied by
// observer.Registry.
type Watcher interface {
	Watch(currency domain.Currency, address string) error
	Unwatch(currency domain.Currency, address string) error
}

// Notifier enqueues a merchant notification for an externally visible
// transition. Satisfied by dispatch.Dispatcher. The returned id identifies
// the queued notification.
type Notifier interface {
	Enqueue(ctx context.Context, orderID, merchantID string, seq int64, eventType string, payload []byte) (string, error)
}

var validate = validator.New()

// CreateOrderRequest carries the merchant's parameters for a new order.
type CreateOrderRequest struct {
	MerchantID      string          `validate:"required"`
	Currency        domain.Currency `validate:"required"`
	RequestedAmount decimal.Decimal
	TTLSeconds      int64 `validate:"required,gt=0"`
}

// orderRef is the index entry the event pump resolves addresses through.
// A confirmed order keeps its entry with terminal set so post-confirmation
// retractions still reach the anomaly path.
type orderRef struct {
	orderID  string
	currency domain.Currency
	terminal bool
}

// Options configures an Engine. Stores, Wallet, Policy, Watcher, Notifier
// and Events are required; the rest default sensibly.
type Options struct {
	Orders      storage.OrderStore
	ChainEvents storage.ChainEventStore
	Transitions storage.TransitionStore

	Wallet   *wallet.Service
	Policy   *policy.Engine
	Watcher  Watcher
	Notifier Notifier

	// Events is the merged observer stream. The engine drains it until the
	// channel closes or the run context ends.
	Events <-chan domain.ChainEvent

	// Workers is the number of partitioned order writers. Default 8.
	Workers int

	// QueueSize is the per-worker inbox depth. Default 256.
	QueueSize int

	// SweepInterval is how often lapsed deadlines are swept. Expiry is also
	// evaluated lazily on every event touch. Default 30s.
	SweepInterval time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	Logger logging.Logger
}

// Engine owns the order state machine.
type Engine struct {
	orders      storage.OrderStore
	chainEvents storage.ChainEventStore
	transitions storage.TransitionStore

	wallet   *wallet.Service
	policy   *policy.Engine
	watcher  Watcher
	notifier Notifier

	events <-chan domain.ChainEvent
	log    logging.Logger
	now    func() time.Time

	workers   int
	queueSize int
	sweep     time.Duration
	inboxes   []chan task

	mu      sync.RWMutex
	byAddr  map[string]orderRef                     // currency|address -> ref
	active  map[domain.Currency]map[string]struct{} // non-terminal order ids per network
	heights map[domain.Currency]int64               // highest height seen per network
}

// NewEngine builds an Engine from opts. Call Run to start processing.
func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}

	e := &Engine{
		orders:      opts.Orders,
		chainEvents: opts.ChainEvents,
		transitions: opts.Transitions,
		wallet:      opts.Wallet,
		policy:      opts.Policy,
		watcher:     opts.Watcher,
		notifier:    opts.Notifier,
		events:      opts.Events,
		log:         opts.Logger,
		now:         opts.Clock,
		workers:     opts.Workers,
		queueSize:   opts.QueueSize,
		sweep:       opts.SweepInterval,
		byAddr:      make(map[string]orderRef),
		active:      make(map[domain.Currency]map[string]struct{}),
		heights:     make(map[domain.Currency]int64),
	}
	e.inboxes = make([]chan task, e.workers)
	for i := range e.inboxes {
		e.inboxes[i] = make(chan task, e.queueSize)
	}
	return e
}

// CreateOrder derives a fresh address, persists the order in PENDING and
// registers the address with the network observer. The derivation counter
// advances durably before the address is handed out, so a crash between the
// two burns an index instead of reusing one.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest("bad create order request", err)
	}
	if !req.Currency.IsValid() {
		return nil, invalidRequest(fmt.Sprintf("unsupported currency %q", req.Currency), nil)
	}
	if !e.policy.Covers(req.Currency) {
		return nil, invalidRequest(fmt.Sprintf("no finality policy for %s", req.Currency), nil)
	}
	if req.RequestedAmount.Sign() <= 0 {
		return nil, invalidRequest("requested amount must be positive", nil)
	}

	root, err := e.wallet.RootFor(ctx, req.MerchantID, req.Currency)
	if err != nil {
		if errors.Is(err, wallet.ErrRootNotFound) {
			return nil, invalidRequest(fmt.Sprintf("merchant %s has no wallet root for %s", req.MerchantID, req.Currency), err)
		}
		return nil, fmt.Errorf("resolve wallet root: %w", err)
	}

	addr, err := e.wallet.DeriveNextAddress(ctx, root.RootID)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	observability.RecordAddressDerived(req.Currency)

	now := e.now().UTC()
	order := &domain.Order{
		OrderID:         uuid.NewString(),
		MerchantID:      req.MerchantID,
		Currency:        req.Currency,
		RequestedAmount: req.RequestedAmount,
		AddressID:       addr.AddressID(),
		Address:         addr.Address,
		State:           domain.OrderStatePending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(req.TTLSeconds) * time.Second),
		ReceivedAmount:  decimal.Zero,
		UpdatedAt:       now,
	}

	if err := e.orders.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	// Index before watching: an event arriving the instant the observer
	// starts reporting must already resolve to the order row.
	e.trackOrder(order)
	if err := e.watcher.Watch(order.Currency, order.Address); err != nil {
		e.untrackOrder(order)
		return nil, fmt.Errorf("watch address: %w", err)
	}

	if _, err := e.transitions.Append(ctx, &domain.Transition{
		OrderID:        order.OrderID,
		OrderSeq:       1,
		MerchantID:     order.MerchantID,
		Currency:       order.Currency,
		FromState:      "",
		ToState:        domain.OrderStatePending,
		Reason:         domain.TransitionReasonOrderCreated,
		ReceivedAmount: decimal.Zero,
		OccurredAt:     now,
	}); err != nil {
		e.log.Error("append creation fact", map[string]any{"order_id": order.OrderID, "error": err.Error()})
	}

	observability.RecordOrderCreated()
	e.log.Info("order created", map[string]any{
		"order_id":    order.OrderID,
		"merchant_id": order.MerchantID,
		"currency":    order.Currency.String(),
		"amount":      order.RequestedAmount.String(),
		"address":     order.Address,
		"expires_at":  order.ExpiresAt.Format(time.RFC3339),
	})
	return order, nil
}

// GetOrder retrieves an order by id. Returns ErrOrderNotFound if it does
// not exist.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// CancelOrder moves a non-terminal order to CANCELED. The request is routed
// through the order's worker so it serializes with in-flight events; the
// engine must be running. Canceling a terminal order returns
// ErrInvalidTransition, a missing order ErrOrderNotFound.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	if _, err := e.GetOrder(ctx, orderID); err != nil {
		return err
	}
	reply := make(chan error, 1)
	t := task{kind: taskCancel, orderID: orderID, reply: reply}
	select {
	case e.inboxes[e.partition(orderID)] <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events, sweeps deadlines and serves cancellations until ctx
// ends. Active orders are re-watched before the first event is consumed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.resume(ctx); err != nil {
		return fmt.Errorf("resume active orders: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(inbox chan task) {
			defer wg.Done()
			e.worker(ctx, inbox)
		}(e.inboxes[i])
	}

	sweep := time.NewTicker(e.sweep)
	defer sweep.Stop()

	events := e.events
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.pump(ctx, ev)
		case <-sweep.C:
			e.sweepExpired(ctx)
		}
	}
}

// resume rebuilds the address index from storage and re-registers every
// active order with its observer.
func (e *Engine) resume(ctx context.Context) error {
	orders, err := e.orders.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		e.trackOrder(order)
		if err := e.watcher.Watch(order.Currency, order.Address); err != nil {
			return fmt.Errorf("rewatch %s: %w", order.Address, err)
		}
	}
	if len(orders) > 0 {
		e.log.Info("active orders rewatched", map[string]any{"count": len(orders)})
	}
	return nil
}

// pump routes one observer event. Height ticks fan out an evaluation to
// every active order on that network; transfers go to the owning order's
// worker. Events for unknown addresses are dropped.
func (e *Engine) pump(ctx context.Context, ev domain.ChainEvent) {
	if ev.HeightTick {
		e.noteHeight(ev.Currency, ev.BlockHeight)
		for _, orderID := range e.activeOrders(ev.Currency) {
			e.dispatch(ctx, task{kind: taskEvaluate, orderID: orderID})
		}
		return
	}

	if ev.BlockHeight > 0 {
		e.noteHeight(ev.Currency, ev.BlockHeight)
	}

	e.mu.RLock()
	ref, ok := e.byAddr[addrKey(ev.Currency, ev.ToAddress)]
	e.mu.RUnlock()
	if !ok {
		e.log.Debug("event for unwatched address", map[string]any{
			"currency": ev.Currency.String(),
			"address":  ev.ToAddress,
			"tx":       ev.NetworkTxID,
		})
		return
	}
	if ref.terminal && !ev.Retraction {
		e.log.Debug("credit for settled order dropped", map[string]any{
			"order_id": ref.orderID,
			"tx":       ev.NetworkTxID,
		})
		return
	}
	e.dispatch(ctx, task{kind: taskEvent, orderID: ref.orderID, event: ev})
}

// sweepExpired evaluates every order whose deadline has lapsed.
func (e *Engine) sweepExpired(ctx context.Context) {
	lapsed, err := e.orders.ListExpiredBefore(ctx, e.now())
	if err != nil {
		e.log.Error("expiry sweep", map[string]any{"error": err.Error()})
		return
	}
	for _, order := range lapsed {
		e.dispatch(ctx, task{kind: taskEvaluate, orderID: order.OrderID})
	}
}

func (e *Engine) dispatch(ctx context.Context, t task) {
	select {
	case e.inboxes[e.partition(t.orderID)] <- t:
	case <-ctx.Done():
	}
}

// trackOrder adds the order to the address index and the active set.
func (e *Engine) trackOrder(order *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byAddr[addrKey(order.Currency, order.Address)] = orderRef{
		orderID:  order.OrderID,
		currency: order.Currency,
		terminal: order.State.IsTerminal(),
	}
	if !order.State.IsTerminal() {
		if e.active[order.Currency] == nil {
			e.active[order.Currency] = make(map[string]struct{})
		}
		e.active[order.Currency][order.OrderID] = struct{}{}
	}
	observability.SetActiveOrders(e.activeCountLocked())
}

// untrackOrder removes the order from the index entirely.
func (e *Engine) untrackOrder(order *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byAddr, addrKey(order.Currency, order.Address))
	if set := e.active[order.Currency]; set != nil {
		delete(set, order.OrderID)
	}
	observability.SetActiveOrders(e.activeCountLocked())
}

// settleOrder removes the order from the active set once it reaches a
// terminal state. Confirmed orders keep their address index entry so a late
// retraction still finds them; other terminals release the address.
func (e *Engine) settleOrder(order *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set := e.active[order.Currency]; set != nil {
		delete(set, order.OrderID)
	}
	key := addrKey(order.Currency, order.Address)
	if order.State == domain.OrderStateConfirmed {
		ref := e.byAddr[key]
		ref.terminal = true
		e.byAddr[key] = ref
	} else {
		delete(e.byAddr, key)
	}
	observability.SetActiveOrders(e.activeCountLocked())
}

// reopenOrder puts a previously terminal order back into circulation.
func (e *Engine) reopenOrder(order *domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byAddr[addrKey(order.Currency, order.Address)] = orderRef{
		orderID:  order.OrderID,
		currency: order.Currency,
	}
	if e.active[order.Currency] == nil {
		e.active[order.Currency] = make(map[string]struct{})
	}
	e.active[order.Currency][order.OrderID] = struct{}{}
	observability.SetActiveOrders(e.activeCountLocked())
}

func (e *Engine) activeOrders(currency domain.Currency) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.active[currency]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, set := range e.active {
		n += len(set)
	}
	return n
}

// noteHeight advances the tracked height for a network. Heights never move
// backwards; a fork's shorter tip keeps the old frontier.
func (e *Engine) noteHeight(currency domain.Currency, height int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if height > e.heights[currency] {
		e.heights[currency] = height
		observability.SetObservedHeight(currency, height)
	}
}

func (e *Engine) heightOf(currency domain.Currency) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.heights[currency]
}

// EngineStats is a point-in-time view of the engine's working set.
type EngineStats struct {
	ActiveOrders int
	Heights      map[domain.Currency]int64
}

// Snapshot reports the current working set.
func (e *Engine) Snapshot() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	heights := make(map[domain.Currency]int64, len(e.heights))
	for c, h := range e.heights {
		heights[c] = h
	}
	return EngineStats{ActiveOrders: e.activeCountLocked(), Heights: heights}
}

func addrKey(currency domain.Currency, address string) string {
	return fmt.Sprintf("%s|%s", currency, address)
}
