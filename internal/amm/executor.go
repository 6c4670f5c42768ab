// Package amm wraps the constant-product math engine with persistence,
// balance checks, and slippage protection. Every swap is a single atomic
// commit: pool reserves, the member's share ledger, the balance movement,
// and the immutable swap record change together or not at all.
//
// All monetary values use shopspring/decimal — never float64 for money.
package amm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/fpmm"
	"github.com/outcomex/trading-engine/internal/metrics"
	"github.com/outcomex/trading-engine/internal/model"
	"github.com/outcomex/trading-engine/internal/store"
)

var (
	// ErrMarketNotAMM is returned when the market trades on the order book.
	ErrMarketNotAMM = errors.New("amm: market does not trade against the pool")

	// ErrMarketClosed is returned when the market or pool is not open for
	// trading.
	ErrMarketClosed = errors.New("amm: market is not open for trading")

	// ErrMarketExpired is returned for swaps after the market's cutoff.
	ErrMarketExpired = errors.New("amm: market cutoff has passed")

	// ErrSlippageExceeded is returned when the computed output falls below
	// the caller's minimum. Nothing is mutated.
	ErrSlippageExceeded = errors.New("amm: output below requested minimum")

	// ErrInsufficientBalance is returned when a buyer cannot cover amountIn.
	ErrInsufficientBalance = errors.New("amm: insufficient collateral balance")

	// ErrInsufficientShares is returned when a seller holds fewer shares
	// than amountIn.
	ErrInsufficientShares = errors.New("amm: insufficient shares held")

	// ErrInvalidAction is returned for an action other than BUY or SELL.
	ErrInvalidAction = errors.New("amm: action must be BUY or SELL")
)

// Executor owns swap execution for all AMM-mode markets.
type Executor struct {
	store store.Store
	now   func() time.Time
}

// NewExecutor creates a swap executor over the given store.
func NewExecutor(st store.Store) *Executor {
	return &Executor{store: st, now: time.Now}
}

// SwapResult is returned from a successful swap.
type SwapResult struct {
	SwapID     string          `json:"swap_id"`
	MarketID   string          `json:"market_id"`
	MemberID   string          `json:"member_id"`
	Action     string          `json:"action"`
	Outcome    string          `json:"outcome"`
	AmountIn   decimal.Decimal `json:"amount_in"`
	AmountOut  decimal.Decimal `json:"amount_out"`
	Fee        decimal.Decimal `json:"fee"`
	PriceAfter fpmm.PricePair  `json:"price_after"`
	Shares     decimal.Decimal `json:"shares"`     // member's holding after the swap
	CostBasis  decimal.Decimal `json:"cost_basis"` // member's cost basis after the swap
}

// Simulation is the read-only counterpart of SwapResult.
type Simulation struct {
	MarketID    string          `json:"market_id"`
	Action      string          `json:"action"`
	Outcome     string          `json:"outcome"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	Fee         decimal.Decimal `json:"fee"`
	PriceBefore fpmm.PricePair  `json:"price_before"`
	PriceAfter  fpmm.PricePair  `json:"price_after"`
}

// SeedPool creates the pool for an AMM market with equal reserves. The seed
// collateral backs the initial share pairs and is locked in the pool.
func (e *Executor) SeedPool(ctx context.Context, marketID string, seed, feeRate decimal.Decimal) (*model.MarketPool, error) {
	if !seed.IsPositive() {
		return nil, fpmm.ErrInvalidAmount
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fpmm.ErrInvalidFeeRate
	}
	pool := &model.MarketPool{
		MarketID:         marketID,
		YesShares:        seed,
		NoShares:         seed,
		FeeRate:          feeRate,
		CollateralLocked: seed,
		TotalVolume:      decimal.Zero,
		TotalFees:        decimal.Zero,
		Status:           model.PoolActive,
		Version:          1,
	}
	if err := e.store.CreatePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("seed pool: %w", err)
	}
	return pool, nil
}

// Swap executes a buy or sell against the market's pool.
//
// amountIn is collateral for buys and shares for sells. minOut, when
// positive, aborts the swap with ErrSlippageExceeded if the computed output
// is strictly below it. A stale pool version surfaces as
// store.ErrConcurrentModification with no state changed; retrying is the
// caller's responsibility.
func (e *Executor) Swap(ctx context.Context, marketID, memberID, action, outcome string, amountIn, minOut decimal.Decimal) (*SwapResult, error) {
	start := time.Now()

	pool, err := e.loadTradablePool(ctx, marketID)
	if err != nil {
		return nil, err
	}

	// k is always recomputed from the loaded reserves, never cached.
	k := pool.K()
	yesBefore, noBefore := pool.YesShares, pool.NoShares

	var (
		quote        fpmm.Quote
		shares       *model.UserShares
		balanceDelta decimal.Decimal
	)

	switch action {
	case model.ActionBuy:
		balance, err := e.store.GetBalance(ctx, memberID)
		if err != nil {
			return nil, fmt.Errorf("load balance: %w", err)
		}
		if balance.LessThan(amountIn) {
			return nil, ErrInsufficientBalance
		}

		quote, err = fpmm.Buy(pool.YesShares, pool.NoShares, k, amountIn, pool.FeeRate, outcome)
		if err != nil {
			return nil, err
		}
		if minOut.IsPositive() && quote.AmountOut.LessThan(minOut) {
			return nil, ErrSlippageExceeded
		}

		shares, err = e.loadOrInitShares(ctx, memberID, marketID, outcome)
		if err != nil {
			return nil, fmt.Errorf("load shares: %w", err)
		}
		shares.Shares = shares.Shares.Add(quote.AmountOut)
		// Cost basis is fee-inclusive: it tracks the collateral the member
		// paid in, not the net amount credited to the reserves.
		shares.CostBasis = shares.CostBasis.Add(amountIn)

		net := amountIn.Sub(quote.Fee)
		pool.CollateralLocked = pool.CollateralLocked.Add(net)
		pool.TotalVolume = pool.TotalVolume.Add(amountIn)
		balanceDelta = amountIn.Neg()

	case model.ActionSell:
		held, err := e.store.GetUserShares(ctx, memberID, marketID, outcome)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrInsufficientShares
			}
			return nil, fmt.Errorf("load shares: %w", err)
		}
		if held.Shares.LessThan(amountIn) {
			return nil, ErrInsufficientShares
		}

		quote, err = fpmm.Sell(pool.YesShares, pool.NoShares, k, amountIn, pool.FeeRate, outcome)
		if err != nil {
			return nil, err
		}
		if minOut.IsPositive() && quote.AmountOut.LessThan(minOut) {
			return nil, ErrSlippageExceeded
		}

		// Cost basis scales by the fraction of shares remaining.
		remaining := held.Shares.Sub(amountIn)
		if held.Shares.IsPositive() {
			held.CostBasis = held.CostBasis.Mul(remaining).DivRound(held.Shares, fpmm.Scale)
		}
		held.Shares = remaining
		shares = held

		gross := quote.AmountOut.Add(quote.Fee)
		pool.CollateralLocked = pool.CollateralLocked.Sub(gross)
		pool.TotalVolume = pool.TotalVolume.Add(gross)
		balanceDelta = quote.AmountOut

	default:
		return nil, ErrInvalidAction
	}

	expected := pool.Version
	pool.YesShares = quote.YesAfter
	pool.NoShares = quote.NoAfter
	pool.TotalFees = pool.TotalFees.Add(quote.Fee)

	record := &model.SwapRecord{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		MemberID:  memberID,
		Action:    action,
		Outcome:   outcome,
		AmountIn:  amountIn,
		AmountOut: quote.AmountOut,
		Fee:       quote.Fee,
		YesBefore: yesBefore,
		NoBefore:  noBefore,
		YesAfter:  quote.YesAfter,
		NoAfter:   quote.NoAfter,
		Timestamp: e.now().UTC(),
	}

	commit := store.SwapCommit{
		Pool:         pool,
		PoolExpected: expected,
		Shares:       shares,
		MemberID:     memberID,
		BalanceDelta: balanceDelta,
		Record:       record,
	}
	if err := e.store.CommitSwap(ctx, commit); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			metrics.ConflictsTotal.Inc()
		}
		return nil, err
	}

	metrics.SwapsTotal.WithLabelValues(action, outcome).Inc()
	metrics.SwapLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	slog.Info("swap executed",
		"swap_id", record.ID,
		"market", marketID,
		"member", memberID,
		"action", action,
		"outcome", outcome,
		"in", amountIn.String(),
		"out", quote.AmountOut.String(),
		"fee", quote.Fee.String(),
		"p_yes", quote.PriceAfter.PYes.String(),
	)

	return &SwapResult{
		SwapID:     record.ID,
		MarketID:   marketID,
		MemberID:   memberID,
		Action:     action,
		Outcome:    outcome,
		AmountIn:   amountIn,
		AmountOut:  quote.AmountOut,
		Fee:        quote.Fee,
		PriceAfter: quote.PriceAfter,
		Shares:     shares.Shares,
		CostBasis:  shares.CostBasis,
	}, nil
}

// Simulate runs the same math as Swap without mutating anything.
func (e *Executor) Simulate(ctx context.Context, marketID, action, outcome string, amountIn decimal.Decimal) (*Simulation, error) {
	pool, err := e.loadTradablePool(ctx, marketID)
	if err != nil {
		return nil, err
	}

	before, err := fpmm.Price(pool.YesShares, pool.NoShares)
	if err != nil {
		return nil, err
	}

	k := pool.K()
	var quote fpmm.Quote
	switch action {
	case model.ActionBuy:
		quote, err = fpmm.Buy(pool.YesShares, pool.NoShares, k, amountIn, pool.FeeRate, outcome)
	case model.ActionSell:
		quote, err = fpmm.Sell(pool.YesShares, pool.NoShares, k, amountIn, pool.FeeRate, outcome)
	default:
		return nil, ErrInvalidAction
	}
	if err != nil {
		return nil, err
	}

	return &Simulation{
		MarketID:    marketID,
		Action:      action,
		Outcome:     outcome,
		AmountIn:    amountIn,
		AmountOut:   quote.AmountOut,
		Fee:         quote.Fee,
		PriceBefore: before,
		PriceAfter:  quote.PriceAfter,
	}, nil
}

func (e *Executor) loadTradablePool(ctx context.Context, marketID string) (*model.MarketPool, error) {
	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.ExecutionMode != model.ModeAMM {
		return nil, ErrMarketNotAMM
	}
	if market.Status != model.MarketBetting {
		return nil, ErrMarketClosed
	}
	if e.now().After(market.CutoffAt) {
		return nil, ErrMarketExpired
	}

	pool, err := e.store.GetPool(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if pool.Status != model.PoolActive {
		return nil, ErrMarketClosed
	}
	return pool, nil
}

// loadOrInitShares returns the member's holding, or a fresh zero row only
// when none exists. Any other read failure propagates: initializing on a
// transient error would overwrite the real holding at commit.
func (e *Executor) loadOrInitShares(ctx context.Context, memberID, marketID, outcome string) (*model.UserShares, error) {
	sh, err := e.store.GetUserShares(ctx, memberID, marketID, outcome)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &model.UserShares{
				MemberID: memberID,
				MarketID: marketID,
				Outcome:  outcome,
			}, nil
		}
		return nil, err
	}
	return sh, nil
}
