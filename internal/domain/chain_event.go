package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChainEvent is a fact reported by a chain observer. The engine treats the
// event stream as append-only, at-least-once and possibly retracted; events
// are never mutated after the fact.
// Deduplicated rows correspond to chain_events table in PostgreSQL.
type ChainEvent struct {
	Currency    Currency
	NetworkTxID string          // transaction id on the network; dedup key within an order
	ToAddress   string          // receiving address the funds landed on
	Amount      decimal.Decimal // value transferred to the address
	BlockHeight int64           // height of the block containing the tx
	ObservedAt  time.Time       // when the observer saw it
	Retraction  bool            // true when a reorg removed a previously reported tx

	// HeightTick marks a height-advance notice with no transfer attached.
	// Tick events carry only Currency and BlockHeight and are never stored.
	HeightTick bool
}

// Transfer reports whether the event describes an actual value movement
// (as opposed to a height tick).
func (e *ChainEvent) Transfer() bool {
	return !e.HeightTick
}
