// Package sim provides an in-process blockchain that implements the observer
// contract. Payments, block production and reorgs are driven by the caller,
// which makes confirmation and retraction flows reproducible without a node.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/observer"
)

type credit struct {
	txID    string
	address string
	amount  decimal.Decimal
	emitted bool
}

type block struct {
	height  int64
	credits []credit
}

// Chain is a manually driven chain for one currency. Pay queues a transfer,
// Mine produces blocks and emits events for watched addresses, Reorg orphans
// recent blocks and retracts whatever they credited.
type Chain struct {
	currency domain.Currency
	events   chan domain.ChainEvent
	healthy  atomic.Bool

	mu      sync.Mutex
	height  int64
	blocks  []block
	mempool []credit
	watched map[string]struct{}
	txSeq   int64
}

var _ observer.Observer = (*Chain)(nil)

// New creates a chain starting at height 0.
func New(currency domain.Currency) *Chain {
	return NewAt(currency, 0)
}

// NewAt creates a chain whose next mined block lands at startHeight+1.
func NewAt(currency domain.Currency, startHeight int64) *Chain {
	c := &Chain{
		currency: currency,
		events:   make(chan domain.ChainEvent, 1024),
		height:   startHeight,
		watched:  make(map[string]struct{}),
	}
	c.healthy.Store(true)
	return c
}

// Currency identifies the simulated network.
func (c *Chain) Currency() domain.Currency { return c.currency }

// Watch adds an address to the watch set. Idempotent.
func (c *Chain) Watch(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched[address] = struct{}{}
}

// Unwatch removes an address from the watch set. Idempotent.
func (c *Chain) Unwatch(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watched, address)
}

// Events returns the stream of chain events.
func (c *Chain) Events() <-chan domain.ChainEvent { return c.events }

// Healthy reports the simulated health flag.
func (c *Chain) Healthy() bool { return c.healthy.Load() }

// SetHealthy flips the health flag, for degraded-observer tests.
func (c *Chain) SetHealthy(v bool) { c.healthy.Store(v) }

// Run parks until ctx ends. Do not drive the chain after Run returns; the
// event channel is closed on the way out.
func (c *Chain) Run(ctx context.Context) error {
	<-ctx.Done()
	close(c.events)
	return ctx.Err()
}

// Height returns the current tip height.
func (c *Chain) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Pay queues a transfer to address in the mempool and returns its tx id. The
// transfer lands in the next mined block.
func (c *Chain) Pay(address string, amount decimal.Decimal) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txSeq++
	txID := fmt.Sprintf("sim-%s-%d", c.currency, c.txSeq)
	c.mempool = append(c.mempool, credit{txID: txID, address: address, amount: amount})
	return txID
}

// Mine produces n blocks. The first block includes the mempool; transfers to
// watched addresses are emitted, and every block is followed by a height
// tick.
func (c *Chain) Mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.height++
		blk := block{height: c.height, credits: c.mempool}
		c.mempool = nil

		for j := range blk.credits {
			cr := &blk.credits[j]
			if _, ok := c.watched[cr.address]; !ok {
				continue
			}
			cr.emitted = true
			c.events <- domain.ChainEvent{
				Currency:    c.currency,
				NetworkTxID: cr.txID,
				ToAddress:   cr.address,
				Amount:      cr.amount,
				BlockHeight: blk.height,
				ObservedAt:  time.Now().UTC(),
			}
		}
		c.blocks = append(c.blocks, blk)

		c.events <- domain.ChainEvent{
			Currency:    c.currency,
			BlockHeight: c.height,
			HeightTick:  true,
			ObservedAt:  time.Now().UTC(),
		}
	}
}

// Reorg orphans the last depth blocks, retracting every credit that was
// emitted from them, and mines empty replacements so the tip height is
// unchanged. Orphaned transfers are not re-included; call Pay again to land
// them on the new branch.
func (c *Chain) Reorg(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth <= 0 || len(c.blocks) == 0 {
		return
	}
	if depth > len(c.blocks) {
		depth = len(c.blocks)
	}

	cut := len(c.blocks) - depth
	orphaned := c.blocks[cut:]
	c.blocks = c.blocks[:cut]

	for i := len(orphaned) - 1; i >= 0; i-- {
		blk := orphaned[i]
		for _, cr := range blk.credits {
			if !cr.emitted {
				continue
			}
			c.events <- domain.ChainEvent{
				Currency:    c.currency,
				NetworkTxID: cr.txID,
				ToAddress:   cr.address,
				Amount:      cr.amount,
				BlockHeight: blk.height,
				ObservedAt:  time.Now().UTC(),
				Retraction:  true,
			}
		}
	}

	for _, blk := range orphaned {
		c.blocks = append(c.blocks, block{height: blk.height})
	}

	c.events <- domain.ChainEvent{
		Currency:    c.currency,
		BlockHeight: c.height,
		HeightTick:  true,
		ObservedAt:  time.Now().UTC(),
	}
}
