// Package fpmm implements the constant-product (fixed-product) market maker
// for binary prediction markets.
//
// The pool holds YES and NO share reserves whose product k must never
// decrease. Pricing follows directly from the reserves:
//
//	pYes = no / (yes + no)
//
// Rounding is asymmetric on purpose: fees and the reserve solve round up
// (toward the pool), trader-facing outputs round down. Any rounding dust is
// donated to the pool, so k can only drift upward.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The one square root (sell solve) runs on math/big at extended precision
// and is converted back to decimal immediately, so reserves up to ~10^24
// stay exact.
package fpmm

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPoolState is returned when a reserve is zero or negative.
	// A pool in this state is corrupted and must not continue trading.
	ErrInvalidPoolState = errors.New("fpmm: pool reserves must be strictly positive")

	// ErrInvalidInvariant is returned when the supplied k does not equal
	// the product of the supplied reserves.
	ErrInvalidInvariant = errors.New("fpmm: invariant k does not match reserves")

	// ErrInvalidAmount is returned for zero or negative trade amounts.
	ErrInvalidAmount = errors.New("fpmm: amount must be positive")

	// ErrInvalidFeeRate is returned when the fee rate is outside [0, 1).
	ErrInvalidFeeRate = errors.New("fpmm: fee rate must be in [0, 1)")

	// ErrInvalidOutcome is returned for an outcome other than YES or NO.
	ErrInvalidOutcome = errors.New("fpmm: outcome must be YES or NO")

	// ErrPoolDepleted is returned when a trade's output would be smaller
	// than one unit of precision. Guards against numerically meaningless
	// trades on tiny or extremely skewed pools.
	ErrPoolDepleted = errors.New("fpmm: trade output below minimum precision")
)

// Scale is the number of decimal places for share/price/collateral rounding.
var Scale int32 = 8

// MinOutput is one unit of precision at Scale; outputs below it are rejected.
var MinOutput = decimal.New(1, -Scale)

// Outcome sides accepted by Buy and Sell.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// PricePair holds the complementary outcome prices. PYes + PNo == 1 exactly:
// PYes is rounded, PNo is derived as its complement.
type PricePair struct {
	PYes decimal.Decimal `json:"p_yes"`
	PNo  decimal.Decimal `json:"p_no"`
}

// Quote is the result of a Buy or Sell computation. AmountOut is shares for
// buys and collateral for sells. Reserves and prices reflect the pool after
// the trade would execute.
type Quote struct {
	AmountOut  decimal.Decimal `json:"amount_out"`
	Fee        decimal.Decimal `json:"fee"`
	YesAfter   decimal.Decimal `json:"yes_after"`
	NoAfter    decimal.Decimal `json:"no_after"`
	PriceAfter PricePair       `json:"price_after"`
}

// Price returns the spot prices implied by the reserves.
func Price(yes, no decimal.Decimal) (PricePair, error) {
	if !yes.IsPositive() || !no.IsPositive() {
		return PricePair{}, ErrInvalidPoolState
	}
	pYes := no.DivRound(yes.Add(no), Scale)
	return PricePair{
		PYes: pYes,
		PNo:  decimal.NewFromInt(1).Sub(pYes),
	}, nil
}

// CheckInvariant verifies that k equals yes×no exactly. The executor always
// recomputes k from the loaded reserves; a mismatch here means a caller
// passed a stale or tampered value.
func CheckInvariant(yes, no, k decimal.Decimal) error {
	if !yes.Mul(no).Equal(k) {
		return ErrInvalidInvariant
	}
	return nil
}

// Buy computes the outcome shares received for collateralIn.
//
// The net amount (after fee) is credited symmetrically to both reserves,
// then the chosen reserve is reduced to restore the invariant:
//
//	other1  = other + net            (resting reserve)
//	chosen1 = chosen + net
//	chosenAfter = ceil(k / other1)   (in the pool's favor)
//	sharesOut   = chosen1 - chosenAfter
//
// Postcondition: yesAfter × noAfter >= k.
func Buy(yes, no, k, collateralIn, feeRate decimal.Decimal, outcome string) (Quote, error) {
	if err := validate(yes, no, k, collateralIn, feeRate, outcome); err != nil {
		return Quote{}, err
	}

	fee := collateralIn.Mul(feeRate).RoundCeil(Scale)
	net := collateralIn.Sub(fee)

	chosen, other := pick(yes, no, outcome)
	chosen1 := chosen.Add(net)
	other1 := other.Add(net)

	chosenAfter := divCeil(k, other1)
	sharesOut := chosen1.Sub(chosenAfter)

	if sharesOut.LessThan(MinOutput) {
		return Quote{}, ErrPoolDepleted
	}

	yesAfter, noAfter := unpick(chosenAfter, other1, outcome)
	priceAfter, err := Price(yesAfter, noAfter)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		AmountOut:  sharesOut,
		Fee:        fee,
		YesAfter:   yesAfter,
		NoAfter:    noAfter,
		PriceAfter: priceAfter,
	}, nil
}

// Sell computes the collateral received for returning sharesIn of the
// chosen outcome to the pool.
//
// The shares are added to the chosen reserve, then collateral x is
// withdrawn symmetrically from both reserves such that the invariant holds:
//
//	(chosen + sharesIn - x) × (other - x) = k
//
// which is the smaller root of the quadratic, computed at extended
// precision with the withdrawal rounded down. The fee is then taken from
// the gross payout.
func Sell(yes, no, k, sharesIn, feeRate decimal.Decimal, outcome string) (Quote, error) {
	if err := validate(yes, no, k, sharesIn, feeRate, outcome); err != nil {
		return Quote{}, err
	}

	chosen, other := pick(yes, no, outcome)
	chosen1 := chosen.Add(sharesIn)

	// x = (s - sqrt(s² - 4(chosen1·other - k))) / 2, s = chosen1 + other.
	// The discriminant equals (chosen1-other)² + 4k, so it is always positive.
	// The root rounds up so the withdrawal rounds down: taking out less
	// than the exact x leaves the reserve product at or above k.
	s := chosen1.Add(other)
	disc := s.Mul(s).Sub(chosen1.Mul(other).Sub(k).Mul(decimal.NewFromInt(4)))
	root := sqrtCeil(disc)
	gross := s.Sub(root).DivRound(decimal.NewFromInt(2), Scale+1).RoundFloor(Scale)

	// Verified like divCeil: step down until the remaining reserves keep
	// the invariant, absorbing any residual rounding in the root.
	for gross.IsPositive() && chosen1.Sub(gross).Mul(other.Sub(gross)).LessThan(k) {
		gross = gross.Sub(MinOutput)
	}

	fee := gross.Mul(feeRate).RoundCeil(Scale)
	out := gross.Sub(fee)

	if out.LessThan(MinOutput) {
		return Quote{}, ErrPoolDepleted
	}

	yesAfter, noAfter := unpick(chosen1.Sub(gross), other.Sub(gross), outcome)
	if !yesAfter.IsPositive() || !noAfter.IsPositive() {
		return Quote{}, ErrPoolDepleted
	}

	priceAfter, err := Price(yesAfter, noAfter)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		AmountOut:  out,
		Fee:        fee,
		YesAfter:   yesAfter,
		NoAfter:    noAfter,
		PriceAfter: priceAfter,
	}, nil
}

func validate(yes, no, k, amount, feeRate decimal.Decimal, outcome string) error {
	if !yes.IsPositive() || !no.IsPositive() {
		return ErrInvalidPoolState
	}
	if err := CheckInvariant(yes, no, k); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidFeeRate
	}
	if outcome != OutcomeYes && outcome != OutcomeNo {
		return ErrInvalidOutcome
	}
	return nil
}

// pick returns (chosen, other) reserves for the outcome.
func pick(yes, no decimal.Decimal, outcome string) (decimal.Decimal, decimal.Decimal) {
	if outcome == OutcomeYes {
		return yes, no
	}
	return no, yes
}

// unpick maps (chosen, other) back to (yes, no).
func unpick(chosen, other decimal.Decimal, outcome string) (decimal.Decimal, decimal.Decimal) {
	if outcome == OutcomeYes {
		return chosen, other
	}
	return other, chosen
}

// divCeil returns a/b rounded up to Scale, verified so the result times b
// is never below a. The verification step absorbs any truncation in the
// underlying division.
func divCeil(a, b decimal.Decimal) decimal.Decimal {
	q := a.DivRound(b, Scale+9).RoundCeil(Scale)
	if q.Mul(b).LessThan(a) {
		q = q.Add(MinOutput)
	}
	return q
}

// sqrtCeil computes the square root of d rounded up to Scale.
// Uses a 512-bit big.Float so reserves up to ~10^24 (discriminants ~10^48)
// lose no precision before the final rounding.
func sqrtCeil(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}

	f := new(big.Float).SetPrec(512)
	f.SetRat(d.Rat())
	r := new(big.Float).SetPrec(512).Sqrt(f)

	// Scale up, truncate to integer, scale back down.
	shift := new(big.Float).SetPrec(512).SetInt(
		new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Scale)), nil))
	r.Mul(r, shift)
	i, _ := r.Int(nil)

	out := decimal.NewFromBigInt(i, -Scale)

	// Truncation lands at or just below the true root; step up until
	// out² >= d.
	for out.Mul(out).LessThan(d) {
		out = out.Add(MinOutput)
	}
	return out
}
