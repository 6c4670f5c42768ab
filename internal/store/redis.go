package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Reads of hot rows (markets, pools) check Redis first then fall
// back to the primary; commits go to the primary and invalidate the cache.
// Idempotency records additionally live in Redis with a native TTL.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	// Try cache via ticker→marketID mapping.
	marketID, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the ticker→ID mapping.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, tickerKey(ticker), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetPool(ctx context.Context, marketID string) (*model.MarketPool, error) {
	data, err := s.rdb.Get(ctx, poolKey(marketID)).Bytes()
	if err == nil {
		var p model.MarketPool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, marketID)
	if err != nil {
		return nil, err
	}

	s.cachePool(ctx, p)
	return p, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market, expected int64) error {
	if err := s.primary.UpdateMarket(ctx, m, expected); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) CreatePool(ctx context.Context, p *model.MarketPool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cachePool(ctx, p)
	return nil
}

func (s *CachedStore) CommitSwap(ctx context.Context, c SwapCommit) error {
	if err := s.primary.CommitSwap(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(c.Pool.MarketID))
	return nil
}

func (s *CachedStore) CommitOrder(ctx context.Context, c OrderCommit) error {
	return s.primary.CommitOrder(ctx, c)
}

func (s *CachedStore) CommitCancel(ctx context.Context, c CancelCommit) error {
	return s.primary.CommitCancel(ctx, c)
}

func (s *CachedStore) CommitSettlement(ctx context.Context, c SettlementCommit) error {
	if err := s.primary.CommitSettlement(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(c.Market.ID))
	if c.Pool != nil {
		s.rdb.Del(ctx, poolKey(c.Pool.MarketID))
	}
	return nil
}

// --- Idempotency (Redis hot tier with native TTL) ---

func (s *CachedStore) GetIdempotency(ctx context.Context, key, memberID, endpoint string) (*model.IdempotencyRecord, error) {
	data, err := s.rdb.Get(ctx, cacheIdemKey(key, memberID, endpoint)).Bytes()
	if err == nil {
		var rec model.IdempotencyRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}
	return s.primary.GetIdempotency(ctx, key, memberID, endpoint)
}

func (s *CachedStore) PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	if err := s.primary.PutIdempotency(ctx, rec); err != nil {
		return err
	}
	if data, err := json.Marshal(rec); err == nil {
		ttl := time.Until(rec.ExpiresAt)
		if ttl > 0 {
			s.rdb.Set(ctx, cacheIdemKey(rec.Key, rec.MemberID, rec.Endpoint), data, ttl)
		}
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetBalance(ctx context.Context, memberID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, memberID)
}

func (s *CachedStore) Deposit(ctx context.Context, memberID string, amount decimal.Decimal) error {
	return s.primary.Deposit(ctx, memberID, amount)
}

func (s *CachedStore) GetUserShares(ctx context.Context, memberID, marketID, outcome string) (*model.UserShares, error) {
	return s.primary.GetUserShares(ctx, memberID, marketID, outcome)
}

func (s *CachedStore) ListSharesByMarket(ctx context.Context, marketID string) ([]model.UserShares, error) {
	return s.primary.ListSharesByMarket(ctx, marketID)
}

func (s *CachedStore) ListSharesByMember(ctx context.Context, memberID string) ([]model.UserShares, error) {
	return s.primary.ListSharesByMember(ctx, memberID)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.primary.ListOpenOrdersByMarket(ctx, marketID)
}

func (s *CachedStore) ListOpenOrdersByMember(ctx context.Context, memberID string) ([]model.Order, error) {
	return s.primary.ListOpenOrdersByMember(ctx, memberID)
}

func (s *CachedStore) GetPosition(ctx context.Context, memberID, marketID, side string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, memberID, marketID, side)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListPositionsByMember(ctx context.Context, memberID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMember(ctx, memberID)
}

func (s *CachedStore) ListSwapsByMarket(ctx context.Context, marketID string) ([]model.SwapRecord, error) {
	return s.primary.ListSwapsByMarket(ctx, marketID)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListRefundsByOrder(ctx context.Context, orderID string) ([]model.RefundRecord, error) {
	return s.primary.ListRefundsByOrder(ctx, orderID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) cachePool(ctx context.Context, p *model.MarketPool) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.MarketID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func tickerKey(t string) string  { return fmt.Sprintf("ticker:%s", t) }
func poolKey(id string) string   { return fmt.Sprintf("pool:%s", id) }

func cacheIdemKey(key, member, endpoint string) string {
	return fmt.Sprintf("idem:%s:%s:%s", key, member, endpoint)
}
