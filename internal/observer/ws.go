package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultReconnectWait = 1 * time.Second
	defaultMaxReconnect  = 30 * time.Second
	wsWriteTimeout       = 10 * time.Second
)

// WSObserverOptions configures a push-gateway observer.
type WSObserverOptions struct {
	URL      string
	Currency domain.Currency

	// PingInterval keeps the connection alive through NATs. Default 30s.
	PingInterval time.Duration

	// ReconnectWait is the initial backoff after a dropped connection,
	// doubling up to MaxReconnectWait. Defaults 1s and 30s.
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration

	// DegradedAfter is how many consecutive connection failures flip
	// Healthy to false. Default 5.
	DegradedAfter int64

	Logger logging.Logger
}

// WSObserver receives transfers over a persistent websocket to a node
// gateway instead of polling. It subscribes per watched address and the
// gateway pushes transferNotification, transferRetraction and
// heightNotification messages. Dropped connections reconnect with backoff
// and resubscribe the whole watch set.
type WSObserver struct {
	url           string
	currency      domain.Currency
	ping          time.Duration
	reconnectWait time.Duration
	maxReconnect  time.Duration
	log           logging.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	watched   *watchSet
	health    *health
	events    chan domain.ChainEvent
	requestID atomic.Uint64
}

var _ Observer = (*WSObserver)(nil)

// NewWSObserver creates an observer speaking the push gateway protocol.
func NewWSObserver(opts WSObserverOptions) *WSObserver {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = defaultReconnectWait
	}
	if opts.MaxReconnectWait <= 0 {
		opts.MaxReconnectWait = defaultMaxReconnect
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = defaultDegradedAfter
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}

	return &WSObserver{
		url:           opts.URL,
		currency:      opts.Currency,
		ping:          opts.PingInterval,
		reconnectWait: opts.ReconnectWait,
		maxReconnect:  opts.MaxReconnectWait,
		log:           opts.Logger,
		watched:       newWatchSet(),
		health:        newHealth(opts.DegradedAfter),
		events:        make(chan domain.ChainEvent, eventBufferSize),
	}
}

// Currency identifies the network this observer serves.
func (o *WSObserver) Currency() domain.Currency { return o.currency }

// Watch subscribes an address. Safe before Run; the subscription is sent
// once connected. Idempotent.
func (o *WSObserver) Watch(address string) {
	o.watched.add(address)
	if err := o.send("subscribeAddress", wsAddressParams{Address: address}); err != nil {
		o.log.Debug("subscribe deferred to reconnect", map[string]any{
			"currency": o.currency.String(),
			"address":  address,
			"error":    err.Error(),
		})
	}
}

// Unwatch unsubscribes an address. Idempotent.
func (o *WSObserver) Unwatch(address string) {
	o.watched.remove(address)
	if err := o.send("unsubscribeAddress", wsAddressParams{Address: address}); err != nil {
		o.log.Debug("unsubscribe dropped", map[string]any{
			"currency": o.currency.String(),
			"address":  address,
			"error":    err.Error(),
		})
	}
}

// Events returns the stream of chain events.
func (o *WSObserver) Events() <-chan domain.ChainEvent { return o.events }

// Healthy reports whether the gateway connection is up.
func (o *WSObserver) Healthy() bool { return o.health.healthy() }

// Run connects to the gateway and consumes pushes until ctx is cancelled.
func (o *WSObserver) Run(ctx context.Context) error {
	defer close(o.events)

	if err := o.connect(ctx); err != nil {
		return fmt.Errorf("connect %s gateway: %w", o.currency, err)
	}
	defer o.closeConn()

	o.resubscribeAll()
	o.log.Info("ws observer connected", map[string]any{
		"currency": o.currency.String(),
		"url":      o.url,
	})

	go o.pingLoop(ctx)
	return o.readLoop(ctx)
}

func (o *WSObserver) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.url, nil)
	if err != nil {
		return err
	}
	o.connMu.Lock()
	o.conn = conn
	o.connMu.Unlock()
	return nil
}

func (o *WSObserver) closeConn() {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
}

func (o *WSObserver) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		o.connMu.Lock()
		conn := o.conn
		o.connMu.Unlock()
		if conn == nil {
			if err := o.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.health.fail()
			o.log.Warn("gateway connection lost", map[string]any{
				"currency": o.currency.String(),
				"error":    err.Error(),
			})
			if err := o.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		o.health.ok()
		o.handleMessage(ctx, data)
	}
}

// reconnect dials with exponential backoff until it succeeds or ctx ends,
// then replays every subscription.
func (o *WSObserver) reconnect(ctx context.Context) error {
	o.closeConn()

	wait := o.reconnectWait
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := o.connect(ctx); err != nil {
			o.health.fail()
			o.log.Warn("gateway reconnect failed", map[string]any{
				"currency": o.currency.String(),
				"error":    err.Error(),
			})
			wait *= 2
			if wait > o.maxReconnect {
				wait = o.maxReconnect
			}
			continue
		}

		o.resubscribeAll()
		o.log.Info("gateway reconnected", map[string]any{
			"currency": o.currency.String(),
		})
		return nil
	}
}

func (o *WSObserver) resubscribeAll() {
	addresses := o.watched.snapshot()
	for _, addr := range addresses {
		if err := o.send("subscribeAddress", wsAddressParams{Address: addr}); err != nil {
			o.log.Warn("resubscribe failed", map[string]any{
				"currency": o.currency.String(),
				"address":  addr,
				"error":    err.Error(),
			})
			return
		}
	}
	if len(addresses) > 0 {
		o.log.Info("subscriptions replayed", map[string]any{
			"currency": o.currency.String(),
			"count":    len(addresses),
		})
	}
}

func (o *WSObserver) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(o.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.connMu.Lock()
			conn := o.conn
			if conn != nil {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					o.log.Debug("ping failed", map[string]any{
						"currency": o.currency.String(),
						"error":    err.Error(),
					})
				}
			}
			o.connMu.Unlock()
		}
	}
}

func (o *WSObserver) send(method string, params any) error {
	o.connMu.Lock()
	defer o.connMu.Unlock()

	if o.conn == nil {
		return fmt.Errorf("not connected")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return o.conn.WriteJSON(wsEnvelope{
		ID:     o.requestID.Add(1),
		Method: method,
		Params: raw,
	})
}

func (o *WSObserver) handleMessage(ctx context.Context, data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		o.log.Warn("malformed gateway message", map[string]any{
			"currency": o.currency.String(),
			"error":    err.Error(),
		})
		return
	}

	switch env.Method {
	case "":
		// Request ack. Failures are logged; the watch set is the source
		// of truth and the next reconnect replays it.
		if env.Error != nil {
			o.log.Warn("gateway rejected request", map[string]any{
				"currency": o.currency.String(),
				"id":       env.ID,
				"error":    env.Error.Error(),
			})
		}
	case "transferNotification":
		o.handleTransfer(ctx, env.Params, false)
	case "transferRetraction":
		o.handleTransfer(ctx, env.Params, true)
	case "heightNotification":
		var p wsHeightParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			o.log.Warn("malformed height notification", map[string]any{
				"currency": o.currency.String(),
				"error":    err.Error(),
			})
			return
		}
		o.emit(ctx, domain.ChainEvent{
			Currency:    o.currency,
			BlockHeight: p.Height,
			HeightTick:  true,
			ObservedAt:  time.Now().UTC(),
		})
	default:
		o.log.Debug("unhandled gateway method", map[string]any{
			"currency": o.currency.String(),
			"method":   env.Method,
		})
	}
}

func (o *WSObserver) handleTransfer(ctx context.Context, raw json.RawMessage, retraction bool) {
	var p wsTransferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		o.log.Warn("malformed transfer notification", map[string]any{
			"currency": o.currency.String(),
			"error":    err.Error(),
		})
		return
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		o.log.Warn("unparseable transfer amount", map[string]any{
			"currency": o.currency.String(),
			"tx":       p.TxID,
			"amount":   p.Amount,
		})
		return
	}
	if amount.Sign() <= 0 {
		return
	}

	o.emit(ctx, domain.ChainEvent{
		Currency:    o.currency,
		NetworkTxID: p.TxID,
		ToAddress:   p.Address,
		Amount:      amount,
		BlockHeight: p.Height,
		ObservedAt:  time.Now().UTC(),
		Retraction:  retraction,
	})
}

func (o *WSObserver) emit(ctx context.Context, ev domain.ChainEvent) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}

type wsEnvelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type wsAddressParams struct {
	Address string `json:"address"`
}

type wsTransferParams struct {
	Address string `json:"address"`
	TxID    string `json:"txId"`
	Amount  string `json:"amount"`
	Height  int64  `json:"height"`
}

type wsHeightParams struct {
	Height int64 `json:"height"`
}
