package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/storage"
)

// DerivedAddressStore implements storage.DerivedAddressStore using PostgreSQL.
type DerivedAddressStore struct {
	pool *Pool
}

// NewDerivedAddressStore creates a new DerivedAddressStore.
func NewDerivedAddressStore(pool *Pool) *DerivedAddressStore {
	return &DerivedAddressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DerivedAddressStore = (*DerivedAddressStore)(nil)

// Insert adds a new address. Returns ErrDuplicateKey if
// (root_id, derivation_index) or the address string exists.
func (s *DerivedAddressStore) Insert(ctx context.Context, a *domain.DerivedAddress) error {
	query := `
		INSERT INTO derived_addresses (
			root_id, derivation_index, currency, address, created_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.pool.Exec(ctx, query,
		a.RootID,
		int64(a.DerivationIndex),
		string(a.Currency),
		a.Address,
		a.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert derived address: %w", err)
	}
	return nil
}

// GetByAddress retrieves by address string within a currency.
func (s *DerivedAddressStore) GetByAddress(ctx context.Context, currency domain.Currency, address string) (*domain.DerivedAddress, error) {
	query := `
		SELECT root_id, derivation_index, currency, address, created_at
		FROM derived_addresses
		WHERE currency = $1 AND address = $2
	`

	row := s.pool.QueryRow(ctx, query, string(currency), address)
	a, err := scanDerivedAddress(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get derived address: %w", err)
	}
	return a, nil
}

// GetByRoot retrieves all addresses derived from a root, ordered by index ASC.
func (s *DerivedAddressStore) GetByRoot(ctx context.Context, rootID string) ([]*domain.DerivedAddress, error) {
	query := `
		SELECT root_id, derivation_index, currency, address, created_at
		FROM derived_addresses
		WHERE root_id = $1
		ORDER BY derivation_index ASC
	`

	rows, err := s.pool.Query(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("get derived addresses by root: %w", err)
	}
	defer rows.Close()

	var addrs []*domain.DerivedAddress
	for rows.Next() {
		a, err := scanDerivedAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan derived address row: %w", err)
		}
		addrs = append(addrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate derived address rows: %w", err)
	}
	return addrs, nil
}

// scanDerivedAddress scans a single row into a DerivedAddress.
func scanDerivedAddress(row pgx.Row) (*domain.DerivedAddress, error) {
	var a domain.DerivedAddress
	var currency string
	var index int64

	err := row.Scan(
		&a.RootID,
		&index,
		&currency,
		&a.Address,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Currency = domain.Currency(currency)
	a.DerivationIndex = uint32(index)
	return &a, nil
}
