package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinLimits(t *testing.T) {
	l := NewLimiter(d(1000), d(5000))
	exposures := map[string]decimal.Decimal{"m1": d(500)}

	if err := l.Check("m1", d(400), exposures); err != nil {
		t.Errorf("expected trade within limits, got %v", err)
	}
}

func TestCheck_PerMarketLimit(t *testing.T) {
	l := NewLimiter(d(1000), d(5000))
	exposures := map[string]decimal.Decimal{"m1": d(900)}

	err := l.Check("m1", d(200), exposures)
	if !errors.Is(err, ErrMarketLimitExceeded) {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheck_TotalLimit(t *testing.T) {
	l := NewLimiter(d(1000), d(1500))
	exposures := map[string]decimal.Decimal{
		"m1": d(800),
		"m2": d(600),
	}

	err := l.Check("m1", d(150), exposures)
	if !errors.Is(err, ErrTotalLimitExceeded) {
		t.Errorf("expected ErrTotalLimitExceeded, got %v", err)
	}
}

func TestCheck_ZeroCapsDisable(t *testing.T) {
	l := NewLimiter(decimal.Zero, decimal.Zero)
	exposures := map[string]decimal.Decimal{"m1": d(1e9)}

	if err := l.Check("m1", d(1e9), exposures); err != nil {
		t.Errorf("zero caps must disable checks, got %v", err)
	}
}

func TestCheck_NilLimiter(t *testing.T) {
	var l *Limiter
	if err := l.Check("m1", d(100), nil); err != nil {
		t.Errorf("nil limiter must allow everything, got %v", err)
	}
}
