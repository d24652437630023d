package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// WalletRootStore implements storage.WalletRootStore using PostgreSQL.
type WalletRootStore struct {
	pool *Pool
}

// NewWalletRootStore creates a new WalletRootStore.
func NewWalletRootStore(pool *Pool) *WalletRootStore {
	return &WalletRootStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WalletRootStore = (*WalletRootStore)(nil)

// Insert adds a new root. Returns ErrDuplicateKey if the root id or the
// (merchant_id, currency) pair already exists.
func (s *WalletRootStore) Insert(ctx context.Context, r *domain.WalletRoot) error {
	query := `
		INSERT INTO wallet_roots (
			root_id, merchant_id, currency, seed, next_index, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		r.RootID,
		r.MerchantID,
		string(r.Currency),
		r.Seed,
		int64(r.NextIndex),
		r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert wallet root: %w", err)
	}
	return nil
}

// GetByID retrieves a root by its ID. Returns ErrNotFound if not exists.
func (s *WalletRootStore) GetByID(ctx context.Context, rootID string) (*domain.WalletRoot, error) {
	query := `
		SELECT root_id, merchant_id, currency, seed, next_index, created_at
		FROM wallet_roots
		WHERE root_id = $1
	`

	row := s.pool.QueryRow(ctx, query, rootID)
	r, err := scanWalletRoot(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get wallet root by id: %w", err)
	}
	return r, nil
}

// GetByMerchant retrieves the root for a merchant/currency pair.
func (s *WalletRootStore) GetByMerchant(ctx context.Context, merchantID string, currency domain.Currency) (*domain.WalletRoot, error) {
	query := `
		SELECT root_id, merchant_id, currency, seed, next_index, created_at
		FROM wallet_roots
		WHERE merchant_id = $1 AND currency = $2
	`

	row := s.pool.QueryRow(ctx, query, merchantID, string(currency))
	r, err := scanWalletRoot(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get wallet root by merchant: %w", err)
	}
	return r, nil
}

// IncrementCounter durably advances the root's next index from the expected
// value to expected+1. The WHERE clause carries the optimistic check: zero
// rows updated means either a stale counter or a missing root.
func (s *WalletRootStore) IncrementCounter(ctx context.Context, rootID string, expected uint32) error {
	query := `
		UPDATE wallet_roots
		SET next_index = next_index + 1
		WHERE root_id = $1 AND next_index = $2
	`

	tag, err := s.pool.Exec(ctx, query, rootID, int64(expected))
	if err != nil {
		return fmt.Errorf("increment wallet root counter: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Disambiguate: the root may be gone entirely.
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM wallet_roots WHERE root_id = $1)`, rootID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check wallet root exists: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrStaleCounter
}

// scanWalletRoot scans a single row into a WalletRoot.
func scanWalletRoot(row pgx.Row) (*domain.WalletRoot, error) {
	var r domain.WalletRoot
	var currency string
	var nextIndex int64

	err := row.Scan(
		&r.RootID,
		&r.MerchantID,
		&currency,
		&r.Seed,
		&nextIndex,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Currency = domain.Currency(currency)
	r.NextIndex = uint32(nextIndex)
	return &r, nil
}
