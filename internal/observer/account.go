package observer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage"
)

// AccountObserverOptions configures an account-chain observer.
type AccountObserverOptions struct {
	Client   *RPCClient
	Cursors  storage.CursorStore
	Currency domain.Currency

	// PollInterval is how often the node head is checked. Default 10s.
	PollInterval time.Duration

	// ReorgWindow is how many processed blocks are remembered for fork
	// detection. Default 64.
	ReorgWindow int

	// BlockBatch caps blocks scanned per tick. Default 50.
	BlockBatch int

	// DegradedAfter is how many consecutive failed syncs flip Healthy to
	// false. Default 5.
	DegradedAfter int64

	Logger logging.Logger
}

// AccountObserver polls an account-based chain and credits watched addresses
// from plain value transfers. Quantities arrive as 0x-prefixed hex in the
// chain's smallest unit and are rescaled to the currency's main unit.
type AccountObserver struct {
	client   *RPCClient
	cursors  storage.CursorStore
	currency domain.Currency
	poll     time.Duration
	batch    int
	log      logging.Logger

	watchMu sync.RWMutex
	watched map[string]string // lowercase hex -> address as registered

	window *chainWindow
	health *health
	events chan domain.ChainEvent

	cursor   int64
	lastTick int64
}

var _ Observer = (*AccountObserver)(nil)

// NewAccountObserver creates an observer for an account-based chain.
func NewAccountObserver(opts AccountObserverOptions) *AccountObserver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReorgWindow <= 0 {
		opts.ReorgWindow = defaultReorgWindow
	}
	if opts.BlockBatch <= 0 {
		opts.BlockBatch = defaultBlockBatch
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = defaultDegradedAfter
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop{}
	}

	return &AccountObserver{
		client:   opts.Client,
		cursors:  opts.Cursors,
		currency: opts.Currency,
		poll:     opts.PollInterval,
		batch:    opts.BlockBatch,
		log:      opts.Logger,
		watched:  make(map[string]string),
		window:   newChainWindow(opts.ReorgWindow),
		health:   newHealth(opts.DegradedAfter),
		events:   make(chan domain.ChainEvent, eventBufferSize),
		cursor:   -1,
	}
}

// Currency identifies the network this observer serves.
func (o *AccountObserver) Currency() domain.Currency { return o.currency }

// Watch adds an address to the watch set. Hex addresses are matched
// case-insensitively; emitted events carry the address exactly as it was
// registered. Idempotent.
func (o *AccountObserver) Watch(address string) {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	o.watched[strings.ToLower(address)] = address
}

// Unwatch removes an address from the watch set. Idempotent.
func (o *AccountObserver) Unwatch(address string) {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	delete(o.watched, strings.ToLower(address))
}

// registeredForm returns the address as it was passed to Watch, or "" when
// the address is not watched.
func (o *AccountObserver) registeredForm(address string) string {
	o.watchMu.RLock()
	defer o.watchMu.RUnlock()
	return o.watched[strings.ToLower(address)]
}

// Events returns the stream of chain events.
func (o *AccountObserver) Events() <-chan domain.ChainEvent { return o.events }

// Healthy reports whether recent syncs succeeded.
func (o *AccountObserver) Healthy() bool { return o.health.healthy() }

// Run polls the node until ctx is cancelled.
func (o *AccountObserver) Run(ctx context.Context) error {
	defer close(o.events)

	if err := o.restoreCursor(ctx); err != nil {
		return fmt.Errorf("restore %s cursor: %w", o.currency, err)
	}

	o.log.Info("account observer started", map[string]any{
		"currency": o.currency.String(),
		"cursor":   o.cursor,
	})

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.sync(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.health.fail()
				o.log.Warn("account sync failed", map[string]any{
					"currency": o.currency.String(),
					"error":    err.Error(),
				})
				continue
			}
			o.health.ok()
		}
	}
}

func (o *AccountObserver) restoreCursor(ctx context.Context) error {
	cur, err := o.cursors.Get(ctx, o.currency)
	if err == nil {
		o.cursor = cur.Height
		o.window.add(cur.Height, cur.BlockHash, nil)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	head, err := o.blockNumber(ctx)
	if err != nil {
		return err
	}
	o.cursor = head - 1
	return nil
}

func (o *AccountObserver) sync(ctx context.Context) error {
	head, err := o.blockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}

	scanned := 0
	for h := o.cursor + 1; h <= head && scanned < o.batch; h++ {
		block, err := o.blockAt(ctx, h)
		if err != nil {
			return fmt.Errorf("get block %d: %w", h, err)
		}
		if block == nil {
			// Head answered above what the node serves yet; try next tick.
			break
		}

		if !o.window.linksTo(h, block.ParentHash) {
			return o.unwindFork(ctx, h-1)
		}

		credits := o.scanBlock(ctx, block, h)
		o.window.add(h, block.Hash, credits)
		o.cursor = h
		scanned++

		if err := o.checkpoint(ctx, h, block.Hash); err != nil {
			return fmt.Errorf("checkpoint height %d: %w", h, err)
		}
	}

	if o.cursor > o.lastTick {
		o.emit(ctx, domain.ChainEvent{
			Currency:    o.currency,
			BlockHeight: o.cursor,
			HeightTick:  true,
			ObservedAt:  time.Now().UTC(),
		})
		o.lastTick = o.cursor
	}
	return nil
}

func (o *AccountObserver) unwindFork(ctx context.Context, from int64) error {
	forkHeight, err := o.resolveFork(ctx, from)
	if err != nil {
		return fmt.Errorf("resolve fork below %d: %w", from, err)
	}

	orphaned := o.window.truncateAbove(forkHeight)
	retracted := 0
	for _, blk := range orphaned {
		for _, c := range blk.credits {
			o.emit(ctx, domain.ChainEvent{
				Currency:    o.currency,
				NetworkTxID: c.txID,
				ToAddress:   c.address,
				Amount:      c.amount,
				BlockHeight: blk.height,
				ObservedAt:  time.Now().UTC(),
				Retraction:  true,
			})
			retracted++
		}
	}

	o.log.Warn("chain reorg detected", map[string]any{
		"currency":    o.currency.String(),
		"fork_height": forkHeight,
		"depth":       from + 1 - forkHeight,
		"retractions": retracted,
	})

	o.cursor = forkHeight
	forkHash, _ := o.window.hashAt(forkHeight)
	return o.checkpoint(ctx, forkHeight, forkHash)
}

func (o *AccountObserver) resolveFork(ctx context.Context, from int64) (int64, error) {
	oldest, ok := o.window.oldest()
	if !ok {
		return from, nil
	}
	for h := from; h >= oldest; h-- {
		tracked, ok := o.window.hashAt(h)
		if !ok {
			return h, nil
		}
		header, err := o.headerAt(ctx, h)
		if err != nil {
			return 0, err
		}
		if header != nil && tracked == header.Hash {
			return h, nil
		}
	}
	return oldest - 1, nil
}

// scanBlock credits watched addresses from the block's plain transfers.
// Contract-internal transfers are invisible to this scan; a receiving
// address funded that way settles on a later direct transfer.
func (o *AccountObserver) scanBlock(ctx context.Context, block *accountBlock, height int64) []credit {
	var credits []credit
	for _, tx := range block.Transactions {
		if tx.To == "" {
			continue
		}
		to := o.registeredForm(tx.To)
		if to == "" {
			continue
		}
		amount, err := o.parseValue(tx.Value)
		if err != nil {
			o.log.Warn("unparseable transfer value", map[string]any{
				"currency": o.currency.String(),
				"tx":       tx.Hash,
				"value":    tx.Value,
			})
			continue
		}
		if amount.Sign() <= 0 {
			continue
		}

		o.emit(ctx, domain.ChainEvent{
			Currency:    o.currency,
			NetworkTxID: tx.Hash,
			ToAddress:   to,
			Amount:      amount,
			BlockHeight: height,
			ObservedAt:  time.Now().UTC(),
		})
		credits = append(credits, credit{txID: tx.Hash, address: to, amount: amount})
	}
	return credits
}

// parseValue rescales a hex quantity in the chain's smallest unit to the
// currency's main unit.
func (o *AccountObserver) parseValue(hexValue string) (decimal.Decimal, error) {
	raw, ok := new(big.Int).SetString(strings.TrimPrefix(hexValue, "0x"), 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid hex quantity %q", hexValue)
	}
	return decimal.NewFromBigInt(raw, -o.currency.Decimals()), nil
}

func (o *AccountObserver) checkpoint(ctx context.Context, height int64, hash string) error {
	return o.cursors.Put(ctx, &domain.ObserverCursor{
		Currency:  o.currency,
		Height:    height,
		BlockHash: hash,
		UpdatedAt: time.Now().UTC(),
	})
}

func (o *AccountObserver) emit(ctx context.Context, ev domain.ChainEvent) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}

type accountBlock struct {
	Hash         string      `json:"hash"`
	ParentHash   string      `json:"parentHash"`
	Number       string      `json:"number"`
	Transactions []accountTx `json:"transactions"`
}

type accountTx struct {
	Hash  string `json:"hash"`
	To    string `json:"to"`
	Value string `json:"value"`
}

type accountHeader struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
}

func (o *AccountObserver) blockNumber(ctx context.Context) (int64, error) {
	var hex string
	if err := o.client.Call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return parseHexHeight(hex)
}

func (o *AccountObserver) blockAt(ctx context.Context, height int64) (*accountBlock, error) {
	var blk *accountBlock
	if err := o.client.Call(ctx, "eth_getBlockByNumber", []any{hexHeight(height), true}, &blk); err != nil {
		return nil, err
	}
	return blk, nil
}

func (o *AccountObserver) headerAt(ctx context.Context, height int64) (*accountHeader, error) {
	var header *accountHeader
	if err := o.client.Call(ctx, "eth_getBlockByNumber", []any{hexHeight(height), false}, &header); err != nil {
		return nil, err
	}
	return header, nil
}

func hexHeight(height int64) string {
	return "0x" + strconv.FormatInt(height, 16)
}

func parseHexHeight(hex string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(hex, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex height %q: %w", hex, err)
	}
	return n, nil
}
