// Package symbol handles prediction-market ticker parsing, validation, and
// derivation of pool seed liquidity from prior probability estimates.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Supported market categories.
const (
	CategorySports   = "SPORTS"
	CategoryPolitics = "POLITICS"
	CategoryCrypto   = "CRYPTO"
	CategoryFinance  = "FINANCE"
	CategoryWeather  = "WEATHER"
)

var validCategories = map[string]bool{
	CategorySports:   true,
	CategoryPolitics: true,
	CategoryCrypto:   true,
	CategoryFinance:  true,
	CategoryWeather:  true,
}

// tickerRegex matches: PM-{category}-{slug}-{YYYYMMDD}
// Example: PM-POLITICS-election-winner-20261103
var tickerRegex = regexp.MustCompile(
	`^PM-([A-Z]+)-([a-z0-9][a-z0-9-]*)-(\d{8})$`,
)

var (
	ErrInvalidTicker   = errors.New("symbol: invalid ticker format")
	ErrInvalidCategory = errors.New("symbol: unsupported market category")
)

// Symbol represents a parsed market ticker.
type Symbol struct {
	Ticker     string    `json:"ticker"`
	Category   string    `json:"category"`
	Slug       string    `json:"slug"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// ParseTicker parses and validates a market ticker string.
// Format: PM-{category}-{slug}-{YYYYMMDD}
func ParseTicker(ticker string) (*Symbol, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected PM-{category}-{slug}-{YYYYMMDD})",
			ErrInvalidTicker, ticker)
	}

	category := matches[1]
	slug := matches[2]
	dateStr := matches[3]

	if !validCategories[category] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}

	expiry, err := time.Parse("20060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, dateStr)
	}

	return &Symbol{
		Ticker:     ticker,
		Category:   category,
		Slug:       slug,
		ExpiryDate: expiry,
	}, nil
}

// Cutoff returns the trading cutoff for the market: end of the expiry day
// in UTC. No swaps or orders are accepted past this instant.
func (s *Symbol) Cutoff() time.Time {
	return s.ExpiryDate.Add(24*time.Hour - time.Nanosecond)
}

// minSeed is the floor on derived pool seeds; below it the constant-product
// curve is too steep for meaningful trading.
var minSeed = decimal.NewFromInt(10)

// DeriveSeed computes the FPMM pool seed from a prior probability estimate
// and an expected-volume scale.
//
// Uncertainty is measured as the Bernoulli variance 4·p·(1−p), which peaks
// at even odds and vanishes near certainty: contested questions get deep
// pools, foregone conclusions get shallow ones.
func DeriveSeed(priorProbability, baseVolume decimal.Decimal) (decimal.Decimal, error) {
	if priorProbability.IsNegative() || priorProbability.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("symbol: prior probability %s outside [0,1]", priorProbability)
	}

	four := decimal.NewFromInt(4)
	variance := four.Mul(priorProbability).Mul(decimal.NewFromInt(1).Sub(priorProbability))

	seed := baseVolume.Mul(variance)
	if seed.LessThan(minSeed) {
		return minSeed, nil
	}
	return seed.Round(2), nil
}
