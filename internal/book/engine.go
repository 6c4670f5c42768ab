package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/lock"
	"github.com/outcomex/trading-engine/internal/metrics"
	"github.com/outcomex/trading-engine/internal/model"
	"github.com/outcomex/trading-engine/internal/risk"
	"github.com/outcomex/trading-engine/internal/store"
)

var (
	// ErrMarketNotBook is returned when the market trades against the pool.
	ErrMarketNotBook = errors.New("book: market does not trade on the order book")

	// ErrMarketClosed is returned when the market is not open for trading.
	ErrMarketClosed = errors.New("book: market is not open for trading")

	// ErrMarketExpired is returned for orders submitted after the market's
	// cutoff. The book is never touched.
	ErrMarketExpired = errors.New("book: market cutoff has passed")

	// ErrInvalidSide is returned for a side other than YES or NO.
	ErrInvalidSide = errors.New("book: side must be YES or NO")

	// ErrInvalidType is returned for a type other than LIMIT or MARKET.
	ErrInvalidType = errors.New("book: type must be LIMIT or MARKET")

	// ErrInvalidPrice is returned for a limit price outside (0,1) or off
	// the price tick.
	ErrInvalidPrice = errors.New("book: price must be in (0,1) on a 0.01 tick")

	// ErrInvalidAmount is returned for a non-positive amount.
	ErrInvalidAmount = errors.New("book: amount must be positive")

	// ErrInsufficientBalance is returned when the member cannot cover the
	// order's collateral reservation.
	ErrInsufficientBalance = errors.New("book: insufficient collateral balance")

	// ErrNoLiquidity is returned when a market order meets an empty
	// opposing book. No state changes.
	ErrNoLiquidity = errors.New("book: no opposing liquidity")

	// ErrNotOrderOwner is returned when a member cancels someone else's order.
	ErrNotOrderOwner = errors.New("book: order belongs to another member")

	// ErrAlreadyFilled is returned when cancelling a fully filled order.
	ErrAlreadyFilled = errors.New("book: order already filled")

	// ErrAlreadyCancelled is returned when cancelling twice. Exactly one
	// refund ever exists per order.
	ErrAlreadyCancelled = errors.New("book: order already cancelled")
)

var one = decimal.NewFromInt(1)

// priceOnTick reports whether p sits on the 0.01 price grid.
func priceOnTick(p decimal.Decimal) bool {
	return p.Mul(decimal.NewFromInt(100)).IsInteger()
}

// Engine owns matching for all book-mode markets. Matching and
// cancellation for one market are serialized by a per-market lock; the
// resting book lives in memory and is rebuilt from open orders on first
// touch.
type Engine struct {
	store   store.Store
	limiter *risk.Limiter
	locks   *lock.Keyed
	now     func() time.Time

	mu    sync.Mutex
	books map[string]*marketBook
}

// NewEngine creates a matching engine over the given store. limiter may be
// nil to disable exposure limits.
func NewEngine(st store.Store, limiter *risk.Limiter) *Engine {
	return &Engine{
		store:   st,
		limiter: limiter,
		locks:   lock.NewKeyed(),
		now:     time.Now,
		books:   make(map[string]*marketBook),
	}
}

// OrderResult is returned from a successful order submission.
type OrderResult struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
}

// CancelResult is returned from a successful cancellation.
type CancelResult struct {
	OrderID        string          `json:"order_id"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
}

// fill pairs a resting maker with the quantity taken from it.
type fill struct {
	maker *model.Order
	qty   decimal.Decimal
}

// CreateOrder validates, matches, and persists one incoming order.
//
// LIMIT orders reserve price×amount of collateral and rest any unmatched
// remainder. MARKET orders are immediate-or-cancel: they fill what the
// opposing book offers and the remainder is cancelled; against an empty
// book they fail outright with ErrNoLiquidity and change nothing.
func (e *Engine) CreateOrder(ctx context.Context, marketID, memberID, typ, side string, price, amount decimal.Decimal) (*OrderResult, error) {
	if side != model.OutcomeYes && side != model.OutcomeNo {
		return nil, ErrInvalidSide
	}
	if typ != model.OrderTypeLimit && typ != model.OrderTypeMarket {
		return nil, ErrInvalidType
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if typ == model.OrderTypeLimit {
		if !price.IsPositive() || price.GreaterThanOrEqual(one) || !priceOnTick(price) {
			return nil, ErrInvalidPrice
		}
	}

	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.ExecutionMode != model.ModeBook {
		return nil, ErrMarketNotBook
	}
	if market.Status != model.MarketBetting {
		return nil, ErrMarketClosed
	}
	if e.now().After(market.CutoffAt) {
		return nil, ErrMarketExpired
	}

	release := e.locks.Acquire("market:" + marketID)
	defer release()

	mb, err := e.book(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if err := e.checkExposure(ctx, memberID, marketID, amount); err != nil {
		return nil, err
	}

	// LIMIT reserves at the limit price; MARKET reserves at the worst
	// possible price of 1. Unspent reservation nets out inside the commit.
	reserve := amount
	if typ == model.OrderTypeLimit {
		reserve = price.Mul(amount)
	}
	balance, err := e.store.GetBalance(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	if balance.LessThan(reserve) {
		return nil, ErrInsufficientBalance
	}

	// Effective crossing price: a market order crosses any resting bid.
	crossPrice := price
	if typ == model.OrderTypeMarket {
		crossPrice = one
	}

	opposing := mb.opposing(side)
	fills, remaining := collectFills(opposing, crossPrice, amount)

	if typ == model.OrderTypeMarket && len(fills) == 0 {
		return nil, ErrNoLiquidity
	}

	taker := &model.Order{
		ID:              uuid.New().String(),
		MarketID:        marketID,
		MemberID:        memberID,
		Side:            side,
		Type:            typ,
		Price:           price,
		Amount:          amount,
		RemainingAmount: remaining,
		CreatedAt:       e.now().UTC(),
		Version:         1,
	}
	switch {
	case remaining.IsZero():
		taker.Status = model.OrderFilled
	case typ == model.OrderTypeMarket:
		// IOC: the unfilled remainder is cancelled on the spot.
		taker.Status = model.OrderCancelled
	case len(fills) > 0:
		taker.Status = model.OrderPartial
	default:
		taker.Status = model.OrderOpen
	}

	commit, err := e.buildOrderCommit(ctx, mb, taker, fills)
	if err != nil {
		return nil, err
	}
	if err := e.store.CommitOrder(ctx, commit); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			metrics.ConflictsTotal.Inc()
		}
		return nil, err
	}

	e.applyFills(mb, fills)
	if taker.Status == model.OrderOpen || taker.Status == model.OrderPartial {
		resting := *taker
		mb.side(side).add(&resting)
	}

	filled := amount.Sub(remaining)
	metrics.OrdersTotal.WithLabelValues(typ, side).Inc()
	for range fills {
		metrics.MatchesTotal.Inc()
	}
	slog.Info("order processed",
		"order_id", taker.ID,
		"market", marketID,
		"member", memberID,
		"type", typ,
		"side", side,
		"price", price.String(),
		"filled", filled.String(),
		"remaining", remaining.String(),
		"status", taker.Status,
	)

	return &OrderResult{
		OrderID:         taker.ID,
		Status:          taker.Status,
		FilledAmount:    filled,
		RemainingAmount: remaining,
	}, nil
}

// CancelOrder cancels the unfilled remainder of an order and refunds its
// reserved collateral. The per-order lock makes concurrent cancellation
// single-winner: exactly one refund record ever exists.
func (e *Engine) CancelOrder(ctx context.Context, orderID, memberID string) (*CancelResult, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.MemberID != memberID {
		return nil, ErrNotOrderOwner
	}

	releaseMarket := e.locks.Acquire("market:" + o.MarketID)
	defer releaseMarket()
	releaseOrder := e.locks.Acquire("order:" + orderID)
	defer releaseOrder()

	// Reload under the lock; a concurrent cancel or fill may have won.
	o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case model.OrderFilled:
		return nil, ErrAlreadyFilled
	case model.OrderCancelled:
		return nil, ErrAlreadyCancelled
	}

	mb, err := e.book(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}

	refund := o.Price.Mul(o.RemainingAmount)
	expected := o.Version
	o.Status = model.OrderCancelled

	commit := store.CancelCommit{
		Order:         o,
		OrderExpected: expected,
		MemberID:      memberID,
		Refund:        refund,
		Record: &model.RefundRecord{
			ID:        uuid.New().String(),
			OrderID:   orderID,
			MarketID:  o.MarketID,
			MemberID:  memberID,
			Amount:    refund,
			Timestamp: e.now().UTC(),
		},
	}
	if err := e.store.CommitCancel(ctx, commit); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			metrics.ConflictsTotal.Inc()
		}
		return nil, err
	}

	mb.side(o.Side).remove(orderID, o.Price)

	metrics.RefundsTotal.Inc()
	slog.Info("order cancelled",
		"order_id", orderID,
		"market", o.MarketID,
		"member", memberID,
		"refund", refund.String(),
	)
	return &CancelResult{OrderID: orderID, RefundedAmount: refund}, nil
}

// Depth returns the total resting amount per side, for snapshots.
func (e *Engine) Depth(ctx context.Context, marketID string) (yes, no decimal.Decimal, err error) {
	release := e.locks.Acquire("market:" + marketID)
	defer release()

	mb, err := e.book(ctx, marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return mb.yes.depth(), mb.no.depth(), nil
}

// collectFills walks the opposing book best-price-first and returns the
// fills a taker at crossPrice would receive. Read-only: the book is not
// touched until the commit succeeds.
func collectFills(opposing *sideBook, crossPrice, amount decimal.Decimal) ([]fill, decimal.Decimal) {
	var fills []fill
	remaining := amount

	opposing.levels.Scan(func(lvl *level) bool {
		// Complementary pricing: cross while taker + maker >= 1.
		if crossPrice.Add(lvl.price).LessThan(one) {
			return false
		}
		for _, maker := range lvl.orders {
			if remaining.IsZero() {
				return false
			}
			q := decimal.Min(remaining, maker.RemainingAmount)
			fills = append(fills, fill{maker: maker, qty: q})
			remaining = remaining.Sub(q)
		}
		return !remaining.IsZero()
	})

	return fills, remaining
}

// buildOrderCommit assembles the atomic unit for one submission: maker
// updates, trades, position upserts, and balance deltas.
func (e *Engine) buildOrderCommit(ctx context.Context, mb *marketBook, taker *model.Order, fills []fill) (store.OrderCommit, error) {
	commit := store.OrderCommit{
		Taker:          taker,
		MakersExpected: make(map[string]int64),
		BalanceDeltas:  make(map[string]decimal.Decimal),
	}

	positions := make(map[string]*model.Position)
	loadPosition := func(memberID, side string) (*model.Position, error) {
		key := memberID + "|" + side
		if p, ok := positions[key]; ok {
			return p, nil
		}
		p, err := e.store.GetPosition(ctx, memberID, taker.MarketID, side)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			p = &model.Position{
				MemberID: memberID,
				MarketID: taker.MarketID,
				Side:     side,
			}
		}
		positions[key] = p
		return p, nil
	}

	takerCost := decimal.Zero
	now := e.now().UTC()

	for _, f := range fills {
		maker := f.maker

		updated := *maker
		commit.MakersExpected[maker.ID] = maker.Version
		updated.RemainingAmount = maker.RemainingAmount.Sub(f.qty)
		if updated.RemainingAmount.IsZero() {
			updated.Status = model.OrderFilled
		} else {
			updated.Status = model.OrderPartial
		}
		commit.Makers = append(commit.Makers, &updated)

		// Match price is the maker's price; the taker pays its complement.
		takerPrice := one.Sub(maker.Price)
		takerCost = takerCost.Add(takerPrice.Mul(f.qty))

		commit.Trades = append(commit.Trades, &model.Trade{
			ID:           uuid.New().String(),
			MarketID:     taker.MarketID,
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			Price:        maker.Price,
			Amount:       f.qty,
			Timestamp:    now,
		})

		tp, err := loadPosition(taker.MemberID, taker.Side)
		if err != nil {
			return store.OrderCommit{}, err
		}
		addToPosition(tp, f.qty, takerPrice)

		mp, err := loadPosition(maker.MemberID, maker.Side)
		if err != nil {
			return store.OrderCommit{}, err
		}
		addToPosition(mp, f.qty, maker.Price)
	}

	// The taker is debited its fill cost plus the reservation for any
	// resting remainder. Makers were debited at placement; their
	// reservation is consumed exactly by the fill.
	takerDelta := takerCost.Neg()
	if taker.Status == model.OrderOpen || taker.Status == model.OrderPartial {
		takerDelta = takerDelta.Sub(taker.Price.Mul(taker.RemainingAmount))
	}
	if !takerDelta.IsZero() {
		commit.BalanceDeltas[taker.MemberID] = takerDelta
	}

	for _, p := range positions {
		commit.Positions = append(commit.Positions, p)
	}
	return commit, nil
}

// addToPosition increments quantity and recomputes the weighted average price.
func addToPosition(p *model.Position, qty, price decimal.Decimal) {
	newQty := p.Quantity.Add(qty)
	p.AvgPrice = p.AvgPrice.Mul(p.Quantity).Add(price.Mul(qty)).DivRound(newQty, 8)
	p.Quantity = newQty
}

// applyFills mutates the in-memory book after a successful commit.
func (e *Engine) applyFills(mb *marketBook, fills []fill) {
	for _, f := range fills {
		maker := f.maker
		maker.RemainingAmount = maker.RemainingAmount.Sub(f.qty)
		maker.Version++
		if maker.RemainingAmount.IsZero() {
			maker.Status = model.OrderFilled
			mb.side(maker.Side).remove(maker.ID, maker.Price)
		} else {
			maker.Status = model.OrderPartial
		}
	}
}

// checkExposure applies the risk limiter over current positions and
// resting orders.
func (e *Engine) checkExposure(ctx context.Context, memberID, marketID string, amount decimal.Decimal) error {
	if e.limiter == nil {
		return nil
	}

	exposures := make(map[string]decimal.Decimal)
	positions, err := e.store.ListPositionsByMember(ctx, memberID)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		exposures[p.MarketID] = exposures[p.MarketID].Add(p.Quantity)
	}
	orders, err := e.store.ListOpenOrdersByMember(ctx, memberID)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	for _, o := range orders {
		exposures[o.MarketID] = exposures[o.MarketID].Add(o.RemainingAmount)
	}

	return e.limiter.Check(marketID, amount, exposures)
}

// book returns the in-memory book for a market, rebuilding it from open
// orders on first touch. Callers must hold the market lock.
func (e *Engine) book(ctx context.Context, marketID string) (*marketBook, error) {
	e.mu.Lock()
	mb, ok := e.books[marketID]
	if !ok {
		mb = newMarketBook()
		e.books[marketID] = mb
	}
	e.mu.Unlock()

	// The market lock serializes everything past this point, so the
	// rebuild runs at most once.
	if !mb.loaded {
		orders, err := e.store.ListOpenOrdersByMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		mb.load(orders)
		mb.loaded = true
	}
	return mb, nil
}
