// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution modes for a market. AMM markets trade against the
// constant-product pool; BOOK markets trade against the legacy limit
// order book. A market never switches mode after creation.
const (
	ModeAMM  = "AMM"
	ModeBook = "BOOK"
)

// Market lifecycle statuses.
const (
	MarketBetting           = "BETTING"
	MarketPaused            = "PAUSED"
	MarketSettlementPending = "SETTLEMENT_PENDING"
	MarketSettled           = "SETTLED"
)

// Outcome sides.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Swap actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Order types and statuses.
const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	OrderOpen      = "OPEN"
	OrderPartial   = "PARTIAL"
	OrderFilled    = "FILLED"
	OrderCancelled = "CANCELLED"
)

// Market is the lifecycle record for one binary question.
type Market struct {
	ID              string          `json:"id" db:"id"`
	Ticker          string          `json:"ticker" db:"ticker"`
	Question        string          `json:"question" db:"question"`
	ExecutionMode   string          `json:"execution_mode" db:"execution_mode"` // AMM or BOOK
	Status          string          `json:"status" db:"status"`
	CutoffAt        time.Time       `json:"cutoff_at" db:"cutoff_at"` // no orders/swaps accepted after this
	DisputeDeadline time.Time       `json:"dispute_deadline,omitempty" db:"dispute_deadline"`
	FinalResult     string          `json:"final_result,omitempty" db:"final_result"` // YES or NO once settlement begins
	EvidenceURL     string          `json:"evidence_url,omitempty" db:"evidence_url"`
	FeeRate         decimal.Decimal `json:"fee_rate" db:"fee_rate"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	Version         int64           `json:"version" db:"version"`
}

// Pool statuses.
const (
	PoolActive  = "ACTIVE"
	PoolPaused  = "PAUSED"
	PoolSettled = "SETTLED"
)

// MarketPool holds the constant-product reserves for an AMM-mode market.
// The invariant k = YesShares × NoShares is always recomputed from the
// reserves, never trusted from storage. Both reserves stay strictly
// positive; fees may only grow k, never shrink it.
type MarketPool struct {
	MarketID         string          `json:"market_id" db:"market_id"`
	YesShares        decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares         decimal.Decimal `json:"no_shares" db:"no_shares"`
	FeeRate          decimal.Decimal `json:"fee_rate" db:"fee_rate"` // 0 <= rate < 1
	CollateralLocked decimal.Decimal `json:"collateral_locked" db:"collateral_locked"`
	TotalVolume      decimal.Decimal `json:"total_volume" db:"total_volume"`
	TotalFees        decimal.Decimal `json:"total_fees" db:"total_fees"`
	Status           string          `json:"status" db:"status"` // ACTIVE, PAUSED, SETTLED
	Version          int64           `json:"version" db:"version"`
}

// K returns the current invariant, recomputed from the reserves.
func (p *MarketPool) K() decimal.Decimal {
	return p.YesShares.Mul(p.NoShares)
}

// UserShares tracks one member's holdings of one outcome in one AMM market.
// Buys increase shares and cost basis; sells scale the cost basis by the
// fraction of shares remaining; settlement zeroes it exactly once.
type UserShares struct {
	MemberID  string          `json:"member_id" db:"member_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	Settled   bool            `json:"settled" db:"settled"`
}

// Order is a resting or incoming book-mode order. Orders are bids for an
// outcome side: collateral price×amount is reserved on submission and
// released when the unfilled remainder is cancelled.
type Order struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	MemberID        string          `json:"member_id" db:"member_id"`
	Side            string          `json:"side" db:"side"` // YES or NO
	Type            string          `json:"type" db:"type"` // LIMIT or MARKET
	Price           decimal.Decimal `json:"price" db:"price"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" db:"remaining_amount"`
	Status          string          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	Version         int64           `json:"version" db:"version"`
}

// Position aggregates filled book-mode orders per member, market, and side.
// ReservedQuantity is held against pending sell-back requests and never
// exceeds Quantity.
type Position struct {
	MemberID         string          `json:"member_id" db:"member_id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	Side             string          `json:"side" db:"side"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	ReservedQuantity decimal.Decimal `json:"reserved_quantity" db:"reserved_quantity"`
	AvgPrice         decimal.Decimal `json:"avg_price" db:"avg_price"`
	Settled          bool            `json:"settled" db:"settled"`
	Version          int64           `json:"version" db:"version"`
}

// Trade is an immutable record of one book match. Never mutated or deleted.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	TakerOrderID string          `json:"taker_order_id" db:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id" db:"maker_order_id"`
	Price        decimal.Decimal `json:"price" db:"price"` // maker's price
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// SwapRecord is an immutable record of one AMM execution, including the
// pool reserves before and after. Never mutated or deleted.
type SwapRecord struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	MemberID  string          `json:"member_id" db:"member_id"`
	Action    string          `json:"action" db:"action"` // BUY or SELL
	Outcome   string          `json:"outcome" db:"outcome"`
	AmountIn  decimal.Decimal `json:"amount_in" db:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out" db:"amount_out"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	YesBefore decimal.Decimal `json:"yes_before" db:"yes_before"`
	NoBefore  decimal.Decimal `json:"no_before" db:"no_before"`
	YesAfter  decimal.Decimal `json:"yes_after" db:"yes_after"`
	NoAfter   decimal.Decimal `json:"no_after" db:"no_after"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// RefundRecord is an immutable record of one bet refund (cancellation or
// sell-back of a book order). Exactly one exists per refunded order.
type RefundRecord struct {
	ID        string          `json:"id" db:"id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	MemberID  string          `json:"member_id" db:"member_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// IdempotencyRecord stores the response of a completed idempotency-keyed
// request. Unique on (Key, MemberID, Endpoint); expires after ~24h.
type IdempotencyRecord struct {
	Key         string    `json:"key" db:"key"`
	MemberID    string    `json:"member_id" db:"member_id"`
	Endpoint    string    `json:"endpoint" db:"endpoint"`
	RequestHash string    `json:"request_hash" db:"request_hash"`
	Response    []byte    `json:"response" db:"response"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}
