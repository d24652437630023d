package wallet

import "errors"

// Derivation errors.
var (
	// ErrRootNotFound is returned when the wallet root does not exist.
	ErrRootNotFound = errors.New("wallet root not found")

	// ErrUnsupportedCurrency is returned for currencies without a derivation scheme.
	ErrUnsupportedCurrency = errors.New("unsupported currency")

	// ErrCounterExhausted is returned when a root's index space is used up.
	ErrCounterExhausted = errors.New("derivation counter exhausted")
)
