package domain

import (
	"fmt"
	"time"
)

// WalletRoot holds master key material for one merchant/currency pair.
// Created once, never regenerated; only the derivation counter advances.
// Corresponds to wallet_roots table in PostgreSQL.
type WalletRoot struct {
	RootID     string   // PRIMARY KEY, uuid
	MerchantID string   // owning merchant
	Currency   Currency // one root per merchant/currency
	Seed       []byte   // opaque master key material
	NextIndex  uint32   // next unused derivation index
	CreatedAt  time.Time
}

// DerivedAddress is an address generated from a wallet root at a fixed index.
// Immutable once created; (root_id, derivation_index) is never reused.
// Corresponds to derived_addresses table in PostgreSQL.
type DerivedAddress struct {
	RootID          string // owning wallet root
	DerivationIndex uint32 // index within the root
	Currency        Currency
	Address         string // network address string, globally unique per currency
	CreatedAt       time.Time
}

// AddressID returns the composite identifier used to link orders to addresses.
func (a *DerivedAddress) AddressID() string {
	return CompositeAddressID(a.RootID, a.DerivationIndex)
}

// CompositeAddressID builds the stable (root_id, derivation_index) key.
func CompositeAddressID(rootID string, index uint32) string {
	return fmt.Sprintf("%s|%d", rootID, index)
}
