// Package main derives receiving addresses offline from a wallet root seed.
// Used in recovery drills to check that addresses handed to merchants can be
// recomputed from the seed alone, without the engine or its database.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"chainpay-engine/internal/domain"
	"chainpay-engine/internal/wallet"
)

func main() {
	seedHex := flag.String("seed", "", "Wallet root seed, hex encoded (required)")
	currencyFlag := flag.String("currency", "", "Currency (BTC, ETH or SOL) (required)")
	index := flag.Uint("index", 0, "First derivation index")
	count := flag.Uint("count", 1, "Number of consecutive addresses to derive")

	flag.Parse()

	logger := log.New(os.Stderr, "[addrgen] ", log.LstdFlags)

	if *seedHex == "" {
		logger.Fatal("--seed is required")
	}
	if *currencyFlag == "" {
		logger.Fatal("--currency is required")
	}

	seed, err := hex.DecodeString(strings.TrimPrefix(*seedHex, "0x"))
	if err != nil {
		logger.Fatalf("--seed is not valid hex: %v", err)
	}
	if len(seed) < 16 {
		logger.Fatalf("--seed is too short: %d bytes, want at least 16", len(seed))
	}

	currency := domain.Currency(strings.ToUpper(*currencyFlag))
	if !currency.IsValid() {
		logger.Fatalf("--currency %q is not supported (BTC, ETH or SOL)", *currencyFlag)
	}

	if *count == 0 {
		logger.Fatal("--count must be at least 1")
	}
	if *index+*count-1 > wallet.MaxDerivationIndex {
		logger.Fatalf("index range [%d, %d] exceeds the maximum derivation index %d",
			*index, *index+*count-1, wallet.MaxDerivationIndex)
	}

	root := &domain.WalletRoot{Seed: seed, Currency: currency}

	fmt.Printf("%-8s %s\n", "INDEX", "ADDRESS")
	for i := uint(0); i < *count; i++ {
		idx := uint32(*index + i)
		address, err := wallet.AddressAt(root, idx)
		if err != nil {
			logger.Fatalf("derive index %d: %v", idx, err)
		}
		fmt.Printf("%-8d %s\n", idx, address)
	}
}
