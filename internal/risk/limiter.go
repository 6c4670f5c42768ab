// Package risk enforces exposure limits on book-mode order placement.
//
// Two caps apply: a per-market cap on one member's combined holdings and
// resting orders, and an aggregate cap across all markets. Both are
// economic guards — a rejected order causes no state change.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when an order would push a member's
	// exposure in a single market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when an order would push a member's
	// aggregate exposure across markets beyond the total maximum.
	ErrTotalLimitExceeded = errors.New("risk: total exposure limit exceeded")
)

// Limiter holds the exposure caps. Zero caps disable the corresponding check.
type Limiter struct {
	// MaxPerMarket caps quantity held plus resting in any single market.
	MaxPerMarket decimal.Decimal

	// MaxTotal caps the same sum across all markets.
	MaxTotal decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPerMarket, maxTotal decimal.Decimal) *Limiter {
	return &Limiter{MaxPerMarket: maxPerMarket, MaxTotal: maxTotal}
}

// Check validates whether adding delta exposure in the target market
// respects both caps. exposures maps market ID to the member's current
// exposure in that market.
func (l *Limiter) Check(targetMarket string, delta decimal.Decimal, exposures map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	newInMarket := exposures[targetMarket].Add(delta)
	if l.MaxPerMarket.IsPositive() && newInMarket.GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	if l.MaxTotal.IsPositive() {
		total := newInMarket
		for marketID, exp := range exposures {
			if marketID == targetMarket {
				continue
			}
			total = total.Add(exp)
		}
		if total.GreaterThan(l.MaxTotal) {
			return ErrTotalLimitExceeded
		}
	}

	return nil
}
