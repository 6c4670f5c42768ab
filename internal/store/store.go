// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Mutations that must be all-or-nothing — a swap, a match, a cancellation,
// a settlement — are expressed as commit structs applied in one unit of
// work. Commits carry the version tokens observed at read time; a stale
// token fails the whole commit with ErrConcurrentModification and no
// partial state is ever visible.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConcurrentModification is returned when a commit carries a stale
	// version token. The commit had no effect; the caller may reload and
	// retry.
	ErrConcurrentModification = errors.New("store: concurrent modification")

	// ErrInsufficientFunds is returned when a commit would take a member
	// balance below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("store: duplicate")
)

// SwapCommit is the atomic unit for one AMM execution: the new pool state,
// the member's updated share row, the balance movement, and the immutable
// swap record.
type SwapCommit struct {
	Pool            *model.MarketPool
	PoolExpected    int64 // pool version observed at read time
	Shares          *model.UserShares
	MemberID        string
	BalanceDelta    decimal.Decimal // negative = debit
	Record          *model.SwapRecord
}

// OrderCommit is the atomic unit for one order submission: the taker order
// in its final state, every maker order it touched, the trades produced,
// the resulting positions, and all balance movements.
type OrderCommit struct {
	Taker          *model.Order
	Makers         []*model.Order
	MakersExpected map[string]int64 // order ID → version observed at read time
	Trades         []*model.Trade
	Positions      []*model.Position
	BalanceDeltas  map[string]decimal.Decimal // member ID → delta
}

// CancelCommit is the atomic unit for cancelling (refunding) an order.
type CancelCommit struct {
	Order         *model.Order
	OrderExpected int64
	MemberID      string
	Refund        decimal.Decimal
	Record        *model.RefundRecord
}

// SettlementCommit is the atomic unit for finalizing a market: the settled
// market and pool, every zeroed share row and position, and the payout
// credits. Applied exactly once.
type SettlementCommit struct {
	Market         *model.Market
	MarketExpected int64
	Pool           *model.MarketPool // nil for BOOK-mode markets
	PoolExpected   int64
	Shares         []*model.UserShares
	Positions      []*model.Position
	BalanceDeltas  map[string]decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarket writes the market, checking expected against the stored
	// version and bumping it on success.
	UpdateMarket(ctx context.Context, m *model.Market, expected int64) error

	// --- AMM pool ---

	CreatePool(ctx context.Context, p *model.MarketPool) error
	GetPool(ctx context.Context, marketID string) (*model.MarketPool, error)

	// --- Balances (ledger collaborator) ---

	GetBalance(ctx context.Context, memberID string) (decimal.Decimal, error)
	Deposit(ctx context.Context, memberID string, amount decimal.Decimal) error

	// --- Atomic commits ---

	CommitSwap(ctx context.Context, c SwapCommit) error
	CommitOrder(ctx context.Context, c OrderCommit) error
	CommitCancel(ctx context.Context, c CancelCommit) error
	CommitSettlement(ctx context.Context, c SettlementCommit) error

	// --- Shares / positions / orders ---

	GetUserShares(ctx context.Context, memberID, marketID, outcome string) (*model.UserShares, error)
	ListSharesByMarket(ctx context.Context, marketID string) ([]model.UserShares, error)
	ListSharesByMember(ctx context.Context, memberID string) ([]model.UserShares, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOpenOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error)
	ListOpenOrdersByMember(ctx context.Context, memberID string) ([]model.Order, error)

	GetPosition(ctx context.Context, memberID, marketID, side string) (*model.Position, error)
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	ListPositionsByMember(ctx context.Context, memberID string) ([]model.Position, error)

	// --- Immutable records ---

	ListSwapsByMarket(ctx context.Context, marketID string) ([]model.SwapRecord, error)
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	ListRefundsByOrder(ctx context.Context, orderID string) ([]model.RefundRecord, error)

	// --- Idempotency ---

	GetIdempotency(ctx context.Context, key, memberID, endpoint string) (*model.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error
}
