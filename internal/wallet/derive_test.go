package wallet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mr-tron/base58"

	"chainpay-engine/internal/domain"
)

func testRoot(currency domain.Currency) *domain.WalletRoot {
	return &domain.WalletRoot{
		RootID:     "root1",
		MerchantID: "m1",
		Currency:   currency,
		Seed:       bytes.Repeat([]byte{7}, 32),
	}
}

func TestAddressAt_Deterministic(t *testing.T) {
	for _, currency := range domain.Currencies() {
		root := testRoot(currency)

		first, err := AddressAt(root, 5)
		if err != nil {
			t.Fatalf("AddressAt(%s) failed: %v", currency, err)
		}
		second, err := AddressAt(root, 5)
		if err != nil {
			t.Fatalf("AddressAt(%s) failed: %v", currency, err)
		}

		if first != second {
			t.Errorf("%s: same index produced different addresses: %s != %s", currency, first, second)
		}
	}
}

func TestAddressAt_DistinctPerIndex(t *testing.T) {
	for _, currency := range domain.Currencies() {
		root := testRoot(currency)
		seen := make(map[string]uint32)

		for index := uint32(0); index < 50; index++ {
			addr, err := AddressAt(root, index)
			if err != nil {
				t.Fatalf("AddressAt(%s, %d) failed: %v", currency, index, err)
			}
			if prev, dup := seen[addr]; dup {
				t.Fatalf("%s: index %d and %d collided on %s", currency, prev, index, addr)
			}
			seen[addr] = index
		}
	}
}

func TestAddressAt_DistinctPerSeed(t *testing.T) {
	a := testRoot(domain.CurrencyETH)
	b := testRoot(domain.CurrencyETH)
	b.Seed = bytes.Repeat([]byte{8}, 32)

	addrA, err := AddressAt(a, 0)
	if err != nil {
		t.Fatalf("AddressAt failed: %v", err)
	}
	addrB, err := AddressAt(b, 0)
	if err != nil {
		t.Fatalf("AddressAt failed: %v", err)
	}

	if addrA == addrB {
		t.Errorf("Different seeds produced the same address: %s", addrA)
	}
}

func TestAddressAt_BTCFormat(t *testing.T) {
	addr, err := AddressAt(testRoot(domain.CurrencyBTC), 0)
	if err != nil {
		t.Fatalf("AddressAt failed: %v", err)
	}

	// Version byte 0x00 encodes as a leading '1' in base58check.
	if !strings.HasPrefix(addr, "1") {
		t.Errorf("Expected P2PKH address starting with 1, got %s", addr)
	}

	decoded, err := base58.Decode(addr)
	if err != nil {
		t.Fatalf("Address is not base58: %v", err)
	}
	// version + hash160 + checksum
	if len(decoded) != 1+20+4 {
		t.Errorf("Decoded length mismatch: got %d, want 25", len(decoded))
	}
}

func TestAddressAt_ETHFormat(t *testing.T) {
	addr, err := AddressAt(testRoot(domain.CurrencyETH), 0)
	if err != nil {
		t.Fatalf("AddressAt failed: %v", err)
	}

	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("Expected 0x-prefixed 20-byte hex address, got %s", addr)
	}
}

func TestAddressAt_SOLFormat(t *testing.T) {
	addr, err := AddressAt(testRoot(domain.CurrencySOL), 0)
	if err != nil {
		t.Fatalf("AddressAt failed: %v", err)
	}

	decoded, err := base58.Decode(addr)
	if err != nil {
		t.Fatalf("Address is not base58: %v", err)
	}
	if len(decoded) != 32 {
		t.Errorf("Decoded length mismatch: got %d, want 32", len(decoded))
	}
	if !isOnCurve(decoded) {
		t.Errorf("Derived point not on curve: %s", addr)
	}
}

func TestAddressAt_IndexExhaustion(t *testing.T) {
	_, err := AddressAt(testRoot(domain.CurrencyBTC), MaxDerivationIndex+1)
	if err != ErrCounterExhausted {
		t.Errorf("Expected ErrCounterExhausted, got %v", err)
	}
}
