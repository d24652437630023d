package domain

// Currency identifies a supported blockchain network.
type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyETH Currency = "ETH"
	CurrencySOL Currency = "SOL"
)

// String returns the string representation of Currency.
func (c Currency) String() string {
	return string(c)
}

// IsValid checks if the currency is a supported value.
func (c Currency) IsValid() bool {
	switch c {
	case CurrencyBTC, CurrencyETH, CurrencySOL:
		return true
	default:
		return false
	}
}

// Decimals returns the number of fractional digits native to the network.
func (c Currency) Decimals() int32 {
	switch c {
	case CurrencyBTC:
		return 8
	case CurrencyETH:
		return 18
	case CurrencySOL:
		return 9
	default:
		return 0
	}
}

// Currencies lists all supported currencies in a stable order.
func Currencies() []Currency {
	return []Currency{CurrencyBTC, CurrencyETH, CurrencySOL}
}
