package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/logging"
	"chainpay-engine/internal/storage"
)

const rootSeedBytes = 32

// counterRetries bounds retries when a concurrent process advanced the
// counter between our read and our increment.
const counterRetries = 8

// Service issues deterministic addresses from per-merchant wallet roots.
// Derivations for the same root are serialized; different roots proceed
// in parallel.
type Service struct {
	roots     storage.WalletRootStore
	addresses storage.DerivedAddressStore
	log       logging.Logger

	mu        sync.Mutex
	rootLocks map[string]*sync.Mutex
}

// Options configures the derivation service.
type Options struct {
	Roots     storage.WalletRootStore
	Addresses storage.DerivedAddressStore
	Logger    logging.Logger
}

// NewService creates a derivation service.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logging.Noop{}
	}
	return &Service{
		roots:     opts.Roots,
		addresses: opts.Addresses,
		log:       log,
		rootLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing one root's derivations.
func (s *Service) lockFor(rootID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.rootLocks[rootID]
	if !ok {
		l = &sync.Mutex{}
		s.rootLocks[rootID] = l
	}
	return l
}

// CreateRoot generates master key material for a merchant/currency pair.
// Returns storage.ErrDuplicateKey when the pair already has a root.
func (s *Service) CreateRoot(ctx context.Context, merchantID string, currency domain.Currency) (*domain.WalletRoot, error) {
	if merchantID == "" {
		return nil, storage.ErrInvalidInput
	}
	if !currency.IsValid() {
		return nil, ErrUnsupportedCurrency
	}

	seed := make([]byte, rootSeedBytes)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate root seed: %w", err)
	}

	root := &domain.WalletRoot{
		RootID:     uuid.NewString(),
		MerchantID: merchantID,
		Currency:   currency,
		Seed:       seed,
		NextIndex:  0,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.roots.Insert(ctx, root); err != nil {
		return nil, fmt.Errorf("insert wallet root: %w", err)
	}

	s.log.Info("wallet root created", map[string]any{
		"root_id":  root.RootID,
		"merchant": merchantID,
		"currency": currency.String(),
	})
	return root, nil
}

// GetRoot retrieves a root by id.
func (s *Service) GetRoot(ctx context.Context, rootID string) (*domain.WalletRoot, error) {
	root, err := s.roots.GetByID(ctx, rootID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRootNotFound
	}
	return root, err
}

// RootFor retrieves the root owning a merchant/currency pair.
func (s *Service) RootFor(ctx context.Context, merchantID string, currency domain.Currency) (*domain.WalletRoot, error) {
	root, err := s.roots.GetByMerchant(ctx, merchantID, currency)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRootNotFound
	}
	return root, err
}

// DeriveNextAddress atomically claims the root's next index and returns the
// address derived at it. The counter increment is durable before the address
// is handed out, so a crash can burn an index but never reuse one.
func (s *Service) DeriveNextAddress(ctx context.Context, rootID string) (*domain.DerivedAddress, error) {
	lock := s.lockFor(rootID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < counterRetries; attempt++ {
		root, err := s.roots.GetByID(ctx, rootID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRootNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load wallet root: %w", err)
		}

		index := root.NextIndex
		if index > MaxDerivationIndex {
			s.log.Error("derivation counter exhausted", map[string]any{
				"root_id": rootID,
				"index":   index,
			})
			return nil, ErrCounterExhausted
		}

		address, err := AddressAt(root, index)
		if err != nil {
			return nil, fmt.Errorf("derive address at %d: %w", index, err)
		}

		err = s.roots.IncrementCounter(ctx, rootID, index)
		if errors.Is(err, storage.ErrStaleCounter) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("advance derivation counter: %w", err)
		}

		derived := &domain.DerivedAddress{
			RootID:          rootID,
			DerivationIndex: index,
			Currency:        root.Currency,
			Address:         address,
			CreatedAt:       time.Now().UTC(),
		}
		if err := s.addresses.Insert(ctx, derived); err != nil {
			// Counter already advanced; the index is burned, never reused.
			return nil, fmt.Errorf("record derived address: %w", err)
		}

		s.log.Debug("address derived", map[string]any{
			"root_id":  rootID,
			"index":    index,
			"currency": root.Currency.String(),
		})
		return derived, nil
	}

	return nil, fmt.Errorf("claim derivation index for root %s: retries exhausted", rootID)
}
