package fpmm

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func mustBuy(t *testing.T, yes, no, in, rate float64, outcome string) Quote {
	t.Helper()
	q, err := Buy(d(yes), d(no), d(yes).Mul(d(no)), d(in), d(rate), outcome)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	return q
}

func mustSell(t *testing.T, yes, no decimal.Decimal, shares decimal.Decimal, rate float64, outcome string) Quote {
	t.Helper()
	q, err := Sell(yes, no, yes.Mul(no), shares, d(rate), outcome)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	return q
}

// --- Price ---

func TestPrice_Balanced(t *testing.T) {
	p, err := Price(d(1000), d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.PYes.Equal(d(0.5)) || !p.PNo.Equal(d(0.5)) {
		t.Errorf("expected 0.5/0.5 on balanced pool, got %s/%s", p.PYes, p.PNo)
	}
}

func TestPrice_SumsToOneExactly(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		yes, no float64
	}{
		{1000, 1000},
		{909.91810738, 1099},
		{1, 999999},
		{3, 7},
		{123.456789, 0.00000001},
	}
	for _, tt := range tests {
		p, err := Price(d(tt.yes), d(tt.no))
		if err != nil {
			t.Fatalf("price(%v,%v): %v", tt.yes, tt.no, err)
		}
		if !p.PYes.Add(p.PNo).Equal(one) {
			t.Errorf("prices must sum to exactly 1: pYes=%s pNo=%s (y=%v n=%v)",
				p.PYes, p.PNo, tt.yes, tt.no)
		}
	}
}

func TestPrice_RejectsNonPositiveReserves(t *testing.T) {
	for _, tt := range [][2]float64{{0, 100}, {100, 0}, {-5, 100}, {100, -5}} {
		if _, err := Price(d(tt[0]), d(tt[1])); !errors.Is(err, ErrInvalidPoolState) {
			t.Errorf("expected ErrInvalidPoolState for reserves %v, got %v", tt, err)
		}
	}
}

// --- Buy ---

// The reference scenario: seed 1000/1000, 1% fee, buy 100 of YES.
func TestBuy_ReferenceScenario(t *testing.T) {
	q := mustBuy(t, 1000, 1000, 100, 0.01, OutcomeYes)

	if !q.Fee.Equal(d(1)) {
		t.Errorf("expected fee 1.0, got %s", q.Fee)
	}
	if q.AmountOut.LessThanOrEqual(d(189)) || q.AmountOut.GreaterThanOrEqual(d(190)) {
		t.Errorf("expected 189 < sharesOut < 190, got %s", q.AmountOut)
	}
	if !q.NoAfter.Equal(d(1099)) {
		t.Errorf("expected noAfter 1099, got %s", q.NoAfter)
	}
	if q.PriceAfter.PYes.LessThanOrEqual(d(0.5)) {
		t.Errorf("buying YES must raise pYes above 0.5, got %s", q.PriceAfter.PYes)
	}
}

func TestBuy_InvariantNeverDecreases(t *testing.T) {
	tests := []struct {
		name        string
		yes, no, in float64
		rate        float64
		outcome     string
	}{
		{"balanced yes", 1000, 1000, 100, 0.01, OutcomeYes},
		{"balanced no", 1000, 1000, 100, 0.01, OutcomeNo},
		{"skewed small", 300, 5000, 3.5, 0.02, OutcomeYes},
		{"skewed large", 5000, 300, 250, 0, OutcomeNo},
		{"zero fee", 700, 300, 42, 0, OutcomeYes},
		{"huge pool", 1e12, 1e12, 12345.6789, 0.005, OutcomeNo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := d(tt.yes).Mul(d(tt.no))
			q, err := Buy(d(tt.yes), d(tt.no), k, d(tt.in), d(tt.rate), tt.outcome)
			if err != nil {
				t.Fatalf("buy failed: %v", err)
			}
			kAfter := q.YesAfter.Mul(q.NoAfter)
			if kAfter.LessThan(k) {
				t.Errorf("invariant decreased: k=%s kAfter=%s", k, kAfter)
			}
			// Relative drift from rounding stays below 1e-10.
			drift := kAfter.Sub(k).Div(k)
			if drift.GreaterThan(d(1e-10)) {
				t.Errorf("rounding drift too large: %s", drift)
			}
		})
	}
}

func TestBuy_SymmetricOnBalancedPool(t *testing.T) {
	qYes := mustBuy(t, 1000, 1000, 100, 0.01, OutcomeYes)
	qNo := mustBuy(t, 1000, 1000, 100, 0.01, OutcomeNo)

	if !qYes.AmountOut.Equal(qNo.AmountOut) {
		t.Errorf("balanced pool must price YES and NO identically: %s vs %s",
			qYes.AmountOut, qNo.AmountOut)
	}
	if !qYes.Fee.Equal(qNo.Fee) {
		t.Errorf("fees must match: %s vs %s", qYes.Fee, qNo.Fee)
	}
}

func TestBuy_Validation(t *testing.T) {
	k := d(1000).Mul(d(1000))
	tests := []struct {
		name    string
		yes, no decimal.Decimal
		k       decimal.Decimal
		in      decimal.Decimal
		rate    decimal.Decimal
		outcome string
		want    error
	}{
		{"zero amount", d(1000), d(1000), k, d(0), d(0.01), OutcomeYes, ErrInvalidAmount},
		{"negative amount", d(1000), d(1000), k, d(-5), d(0.01), OutcomeYes, ErrInvalidAmount},
		{"stale k", d(1000), d(1000), d(999), d(100), d(0.01), OutcomeYes, ErrInvalidInvariant},
		{"fee rate one", d(1000), d(1000), k, d(100), d(1), OutcomeYes, ErrInvalidFeeRate},
		{"negative fee", d(1000), d(1000), k, d(100), d(-0.1), OutcomeYes, ErrInvalidFeeRate},
		{"bad outcome", d(1000), d(1000), k, d(100), d(0.01), "MAYBE", ErrInvalidOutcome},
		{"zero reserve", d(0), d(1000), d(0), d(100), d(0.01), OutcomeYes, ErrInvalidPoolState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Buy(tt.yes, tt.no, tt.k, tt.in, tt.rate, tt.outcome)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuy_DepletionGuard(t *testing.T) {
	// The fee consumes the whole input, leaving nothing to move the pool.
	yes, no := d(1e12), d(1e12)
	_, err := Buy(yes, no, yes.Mul(no), decimal.New(1, -8), d(0.5), OutcomeYes)
	if !errors.Is(err, ErrPoolDepleted) {
		t.Errorf("expected ErrPoolDepleted for dust trade, got %v", err)
	}
}

// --- Sell ---

func TestSell_InvariantNeverDecreases(t *testing.T) {
	tests := []struct {
		name             string
		yes, no, shares  float64
		rate             float64
		outcome          string
	}{
		{"balanced", 1000, 1000, 50, 0.01, OutcomeYes},
		{"skewed", 909.91810738, 1099, 100, 0.01, OutcomeYes},
		{"no side", 300, 700, 25, 0.02, OutcomeNo},
		{"zero fee", 500, 500, 10, 0, OutcomeNo},
		{"fractional reserves", 3232.88175303, 3679.14658665, 10.90707873, 0, OutcomeYes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := d(tt.yes).Mul(d(tt.no))
			q, err := Sell(d(tt.yes), d(tt.no), k, d(tt.shares), d(tt.rate), tt.outcome)
			if err != nil {
				t.Fatalf("sell failed: %v", err)
			}
			if q.YesAfter.Mul(q.NoAfter).LessThan(k) {
				t.Errorf("invariant decreased: k=%s after=%s", k, q.YesAfter.Mul(q.NoAfter))
			}
			if !q.AmountOut.IsPositive() {
				t.Errorf("expected positive payout, got %s", q.AmountOut)
			}
		})
	}
}

func TestSell_InvariantRandomizedSweep(t *testing.T) {
	// Seeded sweep over irregular reserves and share amounts. Hand-picked
	// round numbers tend to sit exactly on the rounding grid, which hides
	// directional rounding bugs in the root.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		yes := d(10 + rng.Float64()*9990).Round(8)
		no := d(10 + rng.Float64()*9990).Round(8)
		shares := d(0.01 + rng.Float64()*100).Round(8)
		outcome := OutcomeYes
		if rng.Intn(2) == 0 {
			outcome = OutcomeNo
		}

		k := yes.Mul(no)
		q, err := Sell(yes, no, k, shares, d(0), outcome)
		if errors.Is(err, ErrPoolDepleted) {
			continue
		}
		if err != nil {
			t.Fatalf("sell(%s, %s, %s, %s) failed: %v", yes, no, shares, outcome, err)
		}
		if after := q.YesAfter.Mul(q.NoAfter); after.LessThan(k) {
			t.Fatalf("invariant decreased for yes=%s no=%s shares=%s %s: k=%s after=%s (k-after=%s)",
				yes, no, shares, outcome, k, after, k.Sub(after))
		}
	}
}

func TestSell_ExtremeReserves(t *testing.T) {
	// Reserves near 10^24 must not lose precision through the sqrt.
	yes, _ := decimal.NewFromString("1000000000000000000000000")
	no, _ := decimal.NewFromString("900000000000000000000000")
	k := yes.Mul(no)
	q, err := Sell(yes, no, k, d(1e9), d(0.01), OutcomeYes)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if q.YesAfter.Mul(q.NoAfter).LessThan(k) {
		t.Errorf("invariant decreased on extreme reserves")
	}
}

func TestBuyThenSell_RoundTrip(t *testing.T) {
	in := d(100)
	q := mustBuy(t, 1000, 1000, 100, 0.01, OutcomeYes)

	back := mustSell(t, q.YesAfter, q.NoAfter, q.AmountOut, 0.01, OutcomeYes)

	// amountIn - collateralOut ≈ fee_buy + fee_sell, within small slippage.
	lost := in.Sub(back.AmountOut)
	fees := q.Fee.Add(back.Fee)
	diff := lost.Sub(fees).Abs()
	if diff.GreaterThan(d(0.001)) {
		t.Errorf("round trip mismatch: lost=%s fees=%s diff=%s", lost, fees, diff)
	}

	// And the pool must end no worse than it started.
	if back.YesAfter.Mul(back.NoAfter).LessThan(d(1000).Mul(d(1000))) {
		t.Errorf("invariant below seed after round trip")
	}
}

func TestSell_DepletionGuard(t *testing.T) {
	yes, no := d(1000), d(1000)
	_, err := Sell(yes, no, yes.Mul(no), decimal.New(1, -8), d(0), OutcomeYes)
	if !errors.Is(err, ErrPoolDepleted) {
		t.Errorf("expected ErrPoolDepleted for dust sell, got %v", err)
	}
}

// --- sqrtCeil ---

func TestSqrtCeil(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{4, 2},
		{2, 1.41421357},
		{1e12, 1e6},
		{0.25, 0.5},
	}
	for _, tt := range tests {
		got := sqrtCeil(d(tt.in))
		if got.Sub(d(tt.want)).Abs().GreaterThan(d(1e-8)) {
			t.Errorf("sqrtCeil(%v) = %s, want ~%v", tt.in, got, tt.want)
		}
		if got.Mul(got).LessThan(d(tt.in)) {
			t.Errorf("sqrtCeil(%v) = %s rounds down, must round up", tt.in, got)
		}
	}
}
