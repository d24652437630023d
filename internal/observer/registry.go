package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
)

// ErrNoObserver is returned when no observer is registered for a currency.
var ErrNoObserver = errors.New("no observer for currency")

// Registry routes watch requests to per-network observers and fans their
// event streams into a single channel.
type Registry struct {
	observers map[domain.Currency]Observer
	events    chan domain.ChainEvent
	log       logging.Logger
}

// NewRegistry builds a registry over the given observers. Each currency may
// appear at most once.
func NewRegistry(log logging.Logger, observers ...Observer) (*Registry, error) {
	if log == nil {
		log = logging.Noop{}
	}
	r := &Registry{
		observers: make(map[domain.Currency]Observer, len(observers)),
		events:    make(chan domain.ChainEvent, eventBufferSize),
		log:       log,
	}
	for _, obs := range observers {
		if _, exists := r.observers[obs.Currency()]; exists {
			return nil, fmt.Errorf("duplicate observer for %s", obs.Currency())
		}
		r.observers[obs.Currency()] = obs
	}
	return r, nil
}

// Watch forwards an address to the currency's observer.
func (r *Registry) Watch(currency domain.Currency, address string) error {
	obs, ok := r.observers[currency]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoObserver, currency)
	}
	obs.Watch(address)
	return nil
}

// Unwatch forwards an address removal to the currency's observer.
func (r *Registry) Unwatch(currency domain.Currency, address string) error {
	obs, ok := r.observers[currency]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoObserver, currency)
	}
	obs.Unwatch(address)
	return nil
}

// Events returns the merged event stream. The channel stays open for the
// registry's lifetime; consume it until ctx passed to Run ends.
func (r *Registry) Events() <-chan domain.ChainEvent {
	return r.events
}

// Health reports per-currency observer health, for the status endpoint.
func (r *Registry) Health() map[domain.Currency]bool {
	out := make(map[domain.Currency]bool, len(r.observers))
	for c, obs := range r.observers {
		out[c] = obs.Healthy()
	}
	return out
}

// Run starts every observer plus a forwarder for its stream, and blocks
// until ctx is cancelled or an observer fails hard.
func (r *Registry) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(r.observers))

	for _, obs := range r.observers {
		obs := obs
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := obs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s observer: %w", obs.Currency(), err)
			}
		}()
		go func() {
			defer wg.Done()
			for ev := range obs.Events() {
				select {
				case r.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case err := <-errs:
		return err
	}
}
