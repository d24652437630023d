package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chainpay-engine/internal/domain"
)

// Rule is one currency's finality policy. Policy is data: supporting a new
// currency means adding a rule entry, not new control flow.
type Rule struct {
	Currency         domain.Currency `yaml:"currency"`
	MinConfirmations int64           `yaml:"min_confirmations"`
	// AllowUnconfirm permits dropping a CONFIRMED order back to
	// PARTIALLY_PAID on a deep reorg. Off by default: confirmation is a
	// promise once made, and deeper reorgs are recorded as anomalies.
	AllowUnconfirm bool `yaml:"allow_unconfirm"`
}

// Engine answers finality questions from per-currency rules.
type Engine struct {
	rules map[domain.Currency]Rule
}

// NewEngine builds an engine from rules. Unknown currencies, duplicates and
// negative depths are rejected at construction, not at runtime.
func NewEngine(rules []Rule) (*Engine, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("no policy rules configured")
	}

	m := make(map[domain.Currency]Rule, len(rules))
	for _, r := range rules {
		if !r.Currency.IsValid() {
			return nil, fmt.Errorf("policy rule for unknown currency %q", r.Currency)
		}
		if r.MinConfirmations < 0 {
			return nil, fmt.Errorf("policy rule for %s: negative min_confirmations %d", r.Currency, r.MinConfirmations)
		}
		if _, dup := m[r.Currency]; dup {
			return nil, fmt.Errorf("duplicate policy rule for %s", r.Currency)
		}
		m[r.Currency] = r
	}
	return &Engine{rules: m}, nil
}

// Default returns the compiled-in policy set.
func Default() *Engine {
	e, err := NewEngine([]Rule{
		{Currency: domain.CurrencyBTC, MinConfirmations: 2},
		{Currency: domain.CurrencyETH, MinConfirmations: 12},
		{Currency: domain.CurrencySOL, MinConfirmations: 32},
	})
	if err != nil {
		panic(err) // static rules, cannot fail
	}
	return e
}

// file is the on-disk policy document shape.
type file struct {
	Policies []Rule `yaml:"policies"`
}

// LoadFile reads a YAML policy document.
func LoadFile(path string) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var doc file
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewEngine(doc.Policies)
}

// Covers reports whether a rule exists for the currency.
func (e *Engine) Covers(currency domain.Currency) bool {
	_, ok := e.rules[currency]
	return ok
}

// MinConfirmations returns the required depth for a currency, 0 if uncovered.
func (e *Engine) MinConfirmations(currency domain.Currency) int64 {
	return e.rules[currency].MinConfirmations
}

// IsFinal reports whether a transaction at eventHeight has settled given the
// chain tip. Finality = currentHeight - eventHeight >= MinConfirmations.
// Uncovered currencies are never final.
func (e *Engine) IsFinal(eventHeight, currentHeight int64, currency domain.Currency) bool {
	r, ok := e.rules[currency]
	if !ok {
		return false
	}
	return currentHeight-eventHeight >= r.MinConfirmations
}

// AllowUnconfirm reports whether a deep reorg may revoke CONFIRMED.
func (e *Engine) AllowUnconfirm(currency domain.Currency) bool {
	return e.rules[currency].AllowUnconfirm
}
