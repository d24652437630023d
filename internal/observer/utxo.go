package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage"
)

const (
	defaultPollInterval  = 10 * time.Second
	defaultReorgWindow   = 64
	defaultBlockBatch    = 50
	defaultDegradedAfter = 5
)

// UTXOObserverOptions configures a UTXO-chain observer.
type UTXOObserverOptions struct {
	Client   *RPCClient
	Cursors  storage.CursorStore
	Currency domain.Currency

	// PollInterval is how often the node tip is checked. Default 10s.
	PollInterval time.Duration

	// ReorgWindow is how many processed blocks are remembered for fork
	// detection. Default 64.
	ReorgWindow int

	// BlockBatch caps blocks scanned per tick so a long catch-up cannot
	// starve shutdown. Default 50.
	BlockBatch int

	// DegradedAfter is how many consecutive failed syncs flip Healthy to
	// false. Default 5.
	DegradedAfter int64

	Logger logging.Logger
}

// UTXOObserver scans whole blocks of an output-based chain and credits
// watched addresses from transaction outputs. Forks inside the reorg window
// are detected by parent-hash mismatch and unwound as retraction events.
type UTXOObserver struct {
	client   *RPCClient
	cursors  storage.CursorStore
	currency domain.Currency
	poll     time.Duration
	batch    int
	log      logging.Logger

	watched *watchSet
	window  *chainWindow
	health  *health
	events  chan domain.ChainEvent

	cursor   int64
	lastTick int64
}

var _ Observer = (*UTXOObserver)(nil)

// NewUTXOObserver creates an observer for an output-based chain.
func NewUTXOObserver(opts UTXOObserverOptions) *UTXOObserver {
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

	return &UTXOObserver{
		client:   opts.Client,
		cursors:  opts.Cursors,
		currency: opts.Currency,
		poll:     opts.PollInterval,
		batch:    opts.BlockBatch,
		log:      opts.Logger,
		watched:  newWatchSet(),
		window:   newChainWindow(opts.ReorgWindow),
		health:   newHealth(opts.DegradedAfter),
		events:   make(chan domain.ChainEvent, eventBufferSize),
		cursor:   -1,
	}
}

// Currency identifies the network this observer serves.
func (o *UTXOObserver) Currency() domain.Currency { return o.currency }

// Watch adds an address to the watch set. Idempotent.
func (o *UTXOObserver) Watch(address string) { o.watched.add(address) }

// Unwatch removes an address from the watch set. Idempotent.
func (o *UTXOObserver) Unwatch(address string) { o.watched.remove(address) }

// Events returns the stream of chain events.
func (o *UTXOObserver) Events() <-chan domain.ChainEvent { return o.events }

// Healthy reports whether recent syncs succeeded.
func (o *UTXOObserver) Healthy() bool { return o.health.healthy() }

// Run polls the node until ctx is cancelled.
func (o *UTXOObserver) Run(ctx context.Context) error {
	defer close(o.events)

	if err := o.restoreCursor(ctx); err != nil {
		return fmt.Errorf("restore %s cursor: %w", o.currency, err)
	}

	o.log.Info("utxo observer started", map[string]any{
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
				o.log.Warn("utxo sync failed", map[string]any{
					"currency": o.currency.String(),
					"error":    err.Error(),
				})
				continue
			}
			o.health.ok()
		}
	}
}

// restoreCursor resumes from the persisted scan position, or anchors at the
// current tip on a first run so history is never backfilled.
func (o *UTXOObserver) restoreCursor(ctx context.Context) error {
	cur, err := o.cursors.Get(ctx, o.currency)
	if err == nil {
		o.cursor = cur.Height
		o.window.add(cur.Height, cur.BlockHash, nil)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	tip, err := o.blockCount(ctx)
	if err != nil {
		return err
	}
	o.cursor = tip - 1
	return nil
}

// sync advances the cursor toward the node tip, scanning each new block for
// credits to watched addresses.
func (o *UTXOObserver) sync(ctx context.Context) error {
	tip, err := o.blockCount(ctx)
	if err != nil {
		return fmt.Errorf("get block count: %w", err)
	}

	scanned := 0
	for h := o.cursor + 1; h <= tip && scanned < o.batch; h++ {
		hash, err := o.blockHash(ctx, h)
		if err != nil {
			return fmt.Errorf("get block hash %d: %w", h, err)
		}
		block, err := o.block(ctx, hash)
		if err != nil {
			return fmt.Errorf("get block %s: %w", hash, err)
		}

		if !o.window.linksTo(h, block.PreviousHash) {
			return o.unwindFork(ctx, h-1)
		}

		credits := o.scanBlock(ctx, block)
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

// unwindFork walks back to the highest tracked block the node still agrees
// on, retracts every credit above it, and rewinds the cursor so the next
// tick rescans the replacement branch.
func (o *UTXOObserver) unwindFork(ctx context.Context, from int64) error {
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

// resolveFork finds the highest height at or below from where the tracked
// hash matches the node. When the divergence runs past the window, the
// oldest tracked height is abandoned too.
func (o *UTXOObserver) resolveFork(ctx context.Context, from int64) (int64, error) {
	oldest, ok := o.window.oldest()
	if !ok {
		return from, nil
	}
	for h := from; h >= oldest; h-- {
		tracked, ok := o.window.hashAt(h)
		if !ok {
			return h, nil
		}
		nodeHash, err := o.blockHash(ctx, h)
		if err != nil {
			return 0, err
		}
		if tracked == nodeHash {
			return h, nil
		}
	}
	return oldest - 1, nil
}

// scanBlock emits a transfer event for every output paying a watched address
// and returns the credits for reorg bookkeeping.
func (o *UTXOObserver) scanBlock(ctx context.Context, block *utxoBlock) []credit {
	var credits []credit
	for _, tx := range block.Tx {
		for _, out := range tx.Vout {
			addr := out.ScriptPubKey.Address
			if addr == "" || !o.watched.contains(addr) {
				continue
			}
			amount, err := decimal.NewFromString(out.Value.String())
			if err != nil {
				o.log.Warn("unparseable output value", map[string]any{
					"currency": o.currency.String(),
					"tx":       tx.TxID,
					"value":    out.Value.String(),
				})
				continue
			}
			if amount.Sign() <= 0 {
				continue
			}

			o.emit(ctx, domain.ChainEvent{
				Currency:    o.currency,
				NetworkTxID: tx.TxID,
				ToAddress:   addr,
				Amount:      amount,
				BlockHeight: block.Height,
				ObservedAt:  time.Now().UTC(),
			})
			credits = append(credits, credit{txID: tx.TxID, address: addr, amount: amount})
		}
	}
	return credits
}

func (o *UTXOObserver) checkpoint(ctx context.Context, height int64, hash string) error {
	return o.cursors.Put(ctx, &domain.ObserverCursor{
		Currency:  o.currency,
		Height:    height,
		BlockHash: hash,
		UpdatedAt: time.Now().UTC(),
	})
}

func (o *UTXOObserver) emit(ctx context.Context, ev domain.ChainEvent) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}

type utxoBlock struct {
	Hash         string   `json:"hash"`
	Height       int64    `json:"height"`
	PreviousHash string   `json:"previousblockhash"`
	Tx           []utxoTx `json:"tx"`
}

type utxoTx struct {
	TxID string     `json:"txid"`
	Vout []utxoVout `json:"vout"`
}

type utxoVout struct {
	Value        json.Number `json:"value"`
	ScriptPubKey utxoScript  `json:"scriptPubKey"`
}

type utxoScript struct {
	Address string `json:"address"`
}

func (o *UTXOObserver) blockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := o.client.Call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (o *UTXOObserver) blockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := o.client.Call(ctx, "getblockhash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// block fetches a block with full transaction detail (verbosity 2).
func (o *UTXOObserver) block(ctx context.Context, hash string) (*utxoBlock, error) {
	var blk utxoBlock
	if err := o.client.Call(ctx, "getblock", []any{hash, 2}, &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}
