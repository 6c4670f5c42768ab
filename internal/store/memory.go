package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Every commit is applied under one lock, so commits are
// atomic and version checks are race-free.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	pools     map[string]*model.MarketPool
	balances  map[string]decimal.Decimal
	shares    map[string]*model.UserShares // member|market|outcome
	orders    map[string]*model.Order
	positions map[string]*model.Position // member|market|side
	swaps     []model.SwapRecord
	trades    []model.Trade
	refunds   []model.RefundRecord
	idem      map[string]*model.IdempotencyRecord // key|member|endpoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		pools:     make(map[string]*model.MarketPool),
		balances:  make(map[string]decimal.Decimal),
		shares:    make(map[string]*model.UserShares),
		orders:    make(map[string]*model.Order),
		positions: make(map[string]*model.Position),
		idem:      make(map[string]*model.IdempotencyRecord),
	}
}

func sharesKey(member, market, outcome string) string {
	return member + "|" + market + "|" + outcome
}

func positionKey(member, market, side string) string {
	return member + "|" + market + "|" + side
}

func idemKey(key, member, endpoint string) string {
	return key + "|" + member + "|" + endpoint
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrDuplicate)
	}
	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("ticker %s: %w", m.Ticker, ErrDuplicate)
		}
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, ticker string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == ticker {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("ticker %s: %w", ticker, ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMarketLocked(m, expected)
}

func (s *MemoryStore) updateMarketLocked(m *model.Market, expected int64) error {
	cur, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("market %s: %w", m.ID, ErrConcurrentModification)
	}
	cp := *m
	cp.Version = expected + 1
	s.markets[m.ID] = &cp
	return nil
}

// --- AMM pool ---

func (s *MemoryStore) CreatePool(_ context.Context, p *model.MarketPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.MarketID]; ok {
		return fmt.Errorf("pool %s: %w", p.MarketID, ErrDuplicate)
	}
	cp := *p
	s.pools[p.MarketID] = &cp
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, marketID string) (*model.MarketPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[marketID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", marketID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, memberID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[memberID], nil
}

func (s *MemoryStore) Deposit(_ context.Context, memberID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[memberID] = s.balances[memberID].Add(amount)
	return nil
}

// applyBalanceDeltasLocked validates every delta before applying any, so a
// shortfall leaves all balances untouched.
func (s *MemoryStore) applyBalanceDeltasLocked(deltas map[string]decimal.Decimal) error {
	for member, delta := range deltas {
		if s.balances[member].Add(delta).IsNegative() {
			return fmt.Errorf("member %s: %w", member, ErrInsufficientFunds)
		}
	}
	for member, delta := range deltas {
		s.balances[member] = s.balances[member].Add(delta)
	}
	return nil
}

// --- Atomic commits ---

func (s *MemoryStore) CommitSwap(_ context.Context, c SwapCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pools[c.Pool.MarketID]
	if !ok {
		return fmt.Errorf("pool %s: %w", c.Pool.MarketID, ErrNotFound)
	}
	if cur.Version != c.PoolExpected {
		return fmt.Errorf("pool %s: %w", c.Pool.MarketID, ErrConcurrentModification)
	}
	if err := s.applyBalanceDeltasLocked(map[string]decimal.Decimal{c.MemberID: c.BalanceDelta}); err != nil {
		return err
	}

	pool := *c.Pool
	pool.Version = c.PoolExpected + 1
	s.pools[pool.MarketID] = &pool

	sh := *c.Shares
	s.shares[sharesKey(sh.MemberID, sh.MarketID, sh.Outcome)] = &sh

	s.swaps = append(s.swaps, *c.Record)
	return nil
}

func (s *MemoryStore) CommitOrder(_ context.Context, c OrderCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, maker := range c.Makers {
		cur, ok := s.orders[maker.ID]
		if !ok {
			return fmt.Errorf("order %s: %w", maker.ID, ErrNotFound)
		}
		if cur.Version != c.MakersExpected[maker.ID] {
			return fmt.Errorf("order %s: %w", maker.ID, ErrConcurrentModification)
		}
	}
	if err := s.applyBalanceDeltasLocked(c.BalanceDeltas); err != nil {
		return err
	}

	taker := *c.Taker
	s.orders[taker.ID] = &taker

	for _, maker := range c.Makers {
		cp := *maker
		cp.Version = c.MakersExpected[maker.ID] + 1
		s.orders[cp.ID] = &cp
	}
	for _, tr := range c.Trades {
		s.trades = append(s.trades, *tr)
	}
	for _, p := range c.Positions {
		cp := *p
		cp.Version++
		s.positions[positionKey(cp.MemberID, cp.MarketID, cp.Side)] = &cp
	}
	return nil
}

func (s *MemoryStore) CommitCancel(_ context.Context, c CancelCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[c.Order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", c.Order.ID, ErrNotFound)
	}
	if cur.Version != c.OrderExpected {
		return fmt.Errorf("order %s: %w", c.Order.ID, ErrConcurrentModification)
	}
	if err := s.applyBalanceDeltasLocked(map[string]decimal.Decimal{c.MemberID: c.Refund}); err != nil {
		return err
	}

	cp := *c.Order
	cp.Version = c.OrderExpected + 1
	s.orders[cp.ID] = &cp

	s.refunds = append(s.refunds, *c.Record)
	return nil
}

func (s *MemoryStore) CommitSettlement(_ context.Context, c SettlementCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	curM, ok := s.markets[c.Market.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", c.Market.ID, ErrNotFound)
	}
	if curM.Version != c.MarketExpected {
		return fmt.Errorf("market %s: %w", c.Market.ID, ErrConcurrentModification)
	}
	if c.Pool != nil {
		curP, ok := s.pools[c.Pool.MarketID]
		if !ok {
			return fmt.Errorf("pool %s: %w", c.Pool.MarketID, ErrNotFound)
		}
		if curP.Version != c.PoolExpected {
			return fmt.Errorf("pool %s: %w", c.Pool.MarketID, ErrConcurrentModification)
		}
	}
	if err := s.applyBalanceDeltasLocked(c.BalanceDeltas); err != nil {
		return err
	}

	m := *c.Market
	m.Version = c.MarketExpected + 1
	s.markets[m.ID] = &m

	if c.Pool != nil {
		p := *c.Pool
		p.Version = c.PoolExpected + 1
		s.pools[p.MarketID] = &p
	}
	for _, sh := range c.Shares {
		cp := *sh
		s.shares[sharesKey(cp.MemberID, cp.MarketID, cp.Outcome)] = &cp
	}
	for _, pos := range c.Positions {
		cp := *pos
		cp.Version++
		s.positions[positionKey(cp.MemberID, cp.MarketID, cp.Side)] = &cp
	}
	return nil
}

// --- Shares / positions / orders ---

func (s *MemoryStore) GetUserShares(_ context.Context, memberID, marketID, outcome string) (*model.UserShares, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shares[sharesKey(memberID, marketID, outcome)]
	if !ok {
		return nil, fmt.Errorf("shares %s/%s/%s: %w", memberID, marketID, outcome, ErrNotFound)
	}
	cp := *sh
	return &cp, nil
}

func (s *MemoryStore) ListSharesByMarket(_ context.Context, marketID string) ([]model.UserShares, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.UserShares
	for _, sh := range s.shares {
		if sh.MarketID == marketID {
			out = append(out, *sh)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSharesByMember(_ context.Context, memberID string) ([]model.UserShares, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.UserShares
	for _, sh := range s.shares {
		if sh.MemberID == memberID {
			out = append(out, *sh)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOpenOrdersByMarket(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && (o.Status == model.OrderOpen || o.Status == model.OrderPartial) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenOrdersByMember(_ context.Context, memberID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.MemberID == memberID && (o.Status == model.OrderOpen || o.Status == model.OrderPartial) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, memberID, marketID, side string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(memberID, marketID, side)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", memberID, marketID, side, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByMember(_ context.Context, memberID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.MemberID == memberID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- Immutable records ---

func (s *MemoryStore) ListSwapsByMarket(_ context.Context, marketID string) ([]model.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SwapRecord
	for _, r := range s.swaps {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRefundsByOrder(_ context.Context, orderID string) ([]model.RefundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RefundRecord
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Idempotency ---

func (s *MemoryStore) GetIdempotency(_ context.Context, key, memberID, endpoint string) (*model.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idem[idemKey(key, memberID, endpoint)]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, fmt.Errorf("idempotency %s: %w", key, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutIdempotency(_ context.Context, rec *model.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.idem[idemKey(rec.Key, rec.MemberID, rec.Endpoint)] = &cp
	return nil
}
