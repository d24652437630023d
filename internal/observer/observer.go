package observer

import (
	"context"
	"sync"
	"sync/atomic"

	"chainpay-engine/internal/domain"
)

// eventBufferSize is the per-observer event channel buffer. Sends block when
// full; events are never dropped.
const eventBufferSize = 1024

// Observer watches a dynamic address set on one network and emits chain
// events. Implementations own their polling/subscription cadence; consumers
// never branch on network type.
type Observer interface {
	// Currency identifies the network this observer serves.
	Currency() domain.Currency

	// Watch adds an address to the watch set. Idempotent.
	Watch(address string)

	// Unwatch removes an address from the watch set. Idempotent.
	Unwatch(address string)

	// Events returns the stream of chain events. The channel is closed
	// when the observer stops.
	Events() <-chan domain.ChainEvent

	// Healthy reports whether the observer is keeping up with its network.
	// A degraded observer keeps retrying internally; order state is never
	// touched because of observer downtime.
	Healthy() bool

	// Run blocks, watching the network until ctx is cancelled.
	Run(ctx context.Context) error
}

// health counts consecutive failures and trips a degraded flag after a
// bounded run of them. Success resets the count.
type health struct {
	failures      atomic.Int64
	degradedAfter int64
}

func newHealth(degradedAfter int64) *health {
	if degradedAfter <= 0 {
		degradedAfter = 5
	}
	return &health{degradedAfter: degradedAfter}
}

func (h *health) ok() {
	h.failures.Store(0)
}

func (h *health) fail() {
	h.failures.Add(1)
}

func (h *health) healthy() bool {
	return h.failures.Load() < h.degradedAfter
}

// watchSet is the mutable address set shared by all observer variants.
type watchSet struct {
	mu   sync.RWMutex
	data map[string]struct{}
}

func newWatchSet() *watchSet {
	return &watchSet{data: make(map[string]struct{})}
}

func (w *watchSet) add(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data[address] = struct{}{}
}

func (w *watchSet) remove(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.data, address)
}

func (w *watchSet) contains(address string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.data[address]
	return ok
}

func (w *watchSet) snapshot() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.data))
	for a := range w.data {
		out = append(out, a)
	}
	return out
}
