package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"

	"chainpay-engine/internal/domain"
)

// MaxDerivationIndex is the last usable index within a root. Indexes beyond
// it would collide with the hardened range convention.
const MaxDerivationIndex = 1<<31 - 1

// SLIP-44 coin types for the derivation path.
func coinType(currency domain.Currency) uint32 {
	switch currency {
	case domain.CurrencyBTC:
		return 0
	case domain.CurrencyETH:
		return 60
	case domain.CurrencySOL:
		return 501
	default:
		return 0
	}
}

// derivationPath builds the textual path the child material is keyed on.
func derivationPath(currency domain.Currency, index uint32) string {
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", coinType(currency), index)
}

// childMaterial derives 32 bytes of deterministic key material for a path.
// The full private key never leaves this package and is never persisted.
func childMaterial(seed []byte, path string) []byte {
	mac := hmac.New(sha512.New, seed)
	mac.Write([]byte(path))
	return mac.Sum(nil)[:32]
}

// AddressAt recomputes the address of a root at a fixed index. Pure: the same
// (seed, currency, index) always yields the same address, so per-address key
// storage is unnecessary.
func AddressAt(root *domain.WalletRoot, index uint32) (string, error) {
	if root == nil || len(root.Seed) == 0 {
		return "", ErrRootNotFound
	}
	if index > MaxDerivationIndex {
		return "", ErrCounterExhausted
	}

	material := childMaterial(root.Seed, derivationPath(root.Currency, index))

	switch root.Currency {
	case domain.CurrencyBTC:
		return btcAddress(root.Seed, material, root.Currency, index)
	case domain.CurrencyETH:
		return ethAddress(root.Seed, material, root.Currency, index)
	case domain.CurrencySOL:
		return solAddress(material)
	default:
		return "", ErrUnsupportedCurrency
	}
}

// secpKeyRetries bounds the rehash loop for material that falls outside the
// secp256k1 scalar range. One pass suffices in practice.
const secpKeyRetries = 10

// ethAddress derives an EVM account address from secp256k1 child material.
func ethAddress(seed, material []byte, currency domain.Currency, index uint32) (string, error) {
	for attempt := 0; attempt < secpKeyRetries; attempt++ {
		priv, err := crypto.ToECDSA(material)
		if err == nil {
			return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
		}
		// Out-of-range scalar: stretch deterministically and try again.
		material = childMaterial(seed, fmt.Sprintf("%s/retry/%d", derivationPath(currency, index), attempt))
	}
	return "", fmt.Errorf("derive secp256k1 key: material never entered scalar range")
}

// btcAddress derives a base58check P2PKH address (version 0x00) from
// secp256k1 child material.
func btcAddress(seed, material []byte, currency domain.Currency, index uint32) (string, error) {
	var compressed []byte
	for attempt := 0; attempt < secpKeyRetries; attempt++ {
		priv, err := crypto.ToECDSA(material)
		if err == nil {
			compressed = crypto.CompressPubkey(&priv.PublicKey)
			break
		}
		material = childMaterial(seed, fmt.Sprintf("%s/retry/%d", derivationPath(currency, index), attempt))
	}
	if compressed == nil {
		return "", fmt.Errorf("derive secp256k1 key: material never entered scalar range")
	}

	shaDigest := sha256.Sum256(compressed)
	ripeHasher := ripemd160.New()
	ripeHasher.Write(shaDigest[:])
	payload := append([]byte{0x00}, ripeHasher.Sum(nil)...)

	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(payload, second[:4]...)), nil
}

// solAddress derives an ed25519 account address from child material.
func solAddress(material []byte) (string, error) {
	priv := ed25519.NewKeyFromSeed(material)
	pub := priv.Public().(ed25519.PublicKey)
	if !isOnCurve(pub) {
		return "", fmt.Errorf("derive ed25519 key: public key not on curve")
	}
	return base58.Encode(pub), nil
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
