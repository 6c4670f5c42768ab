package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// commits run in a single transaction with version-checked updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Markets ---

const marketColumns = `id, ticker, question, execution_mode, status,
        cutoff_at, dispute_deadline, final_result, evidence_url,
        fee_rate::TEXT, created_at, version`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, ticker, question, execution_mode, status,
		                      cutoff_at, dispute_deadline, final_result, evidence_url,
		                      fee_rate, created_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11, $12)`,
		m.ID, m.Ticker, m.Question, m.ExecutionMode, m.Status,
		m.CutoffAt, m.DisputeDeadline, m.FinalResult, m.EvidenceURL,
		m.FeeRate.String(), m.CreatedAt, m.Version,
	)
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var feeRate string
	err := row.Scan(&m.ID, &m.Ticker, &m.Question, &m.ExecutionMode, &m.Status,
		&m.CutoffAt, &m.DisputeDeadline, &m.FinalResult, &m.EvidenceURL,
		&feeRate, &m.CreatedAt, &m.Version)
	if err != nil {
		return nil, err
	}
	m.FeeRate, _ = decimal.NewFromString(feeRate)
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "market "+id)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = $1`, ticker))
	if err != nil {
		return nil, notFound(err, "market ticker "+ticker)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market, expected int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = $2, dispute_deadline = $3, final_result = $4,
		     evidence_url = $5, version = $6
		 WHERE id = $1 AND version = $7`,
		m.ID, m.Status, m.DisputeDeadline, m.FinalResult,
		m.EvidenceURL, expected+1, expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrConcurrentModification)
	}
	m.Version = expected + 1
	return nil
}

// --- AMM pool ---

const poolColumns = `market_id, yes_shares::TEXT, no_shares::TEXT, fee_rate::TEXT,
        collateral_locked::TEXT, total_volume::TEXT, total_fees::TEXT,
        status, version`

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.MarketPool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (market_id, yes_shares, no_shares, fee_rate,
		                    collateral_locked, total_volume, total_fees, status, version)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC,
		         $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		p.MarketID, p.YesShares.String(), p.NoShares.String(), p.FeeRate.String(),
		p.CollateralLocked.String(), p.TotalVolume.String(), p.TotalFees.String(),
		p.Status, p.Version,
	)
	return err
}

func scanPool(row pgx.Row) (*model.MarketPool, error) {
	var p model.MarketPool
	var yes, no, fee, locked, volume, fees string
	err := row.Scan(&p.MarketID, &yes, &no, &fee,
		&locked, &volume, &fees, &p.Status, &p.Version)
	if err != nil {
		return nil, err
	}
	p.YesShares, _ = decimal.NewFromString(yes)
	p.NoShares, _ = decimal.NewFromString(no)
	p.FeeRate, _ = decimal.NewFromString(fee)
	p.CollateralLocked, _ = decimal.NewFromString(locked)
	p.TotalVolume, _ = decimal.NewFromString(volume)
	p.TotalFees, _ = decimal.NewFromString(fees)
	return &p, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, marketID string) (*model.MarketPool, error) {
	p, err := scanPool(s.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE market_id = $1`, marketID))
	if err != nil {
		return nil, notFound(err, "pool "+marketID)
	}
	return p, nil
}

func updatePoolTx(ctx context.Context, tx pgx.Tx, p *model.MarketPool, expected int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE pools
		 SET yes_shares = $2::NUMERIC, no_shares = $3::NUMERIC,
		     collateral_locked = $4::NUMERIC, total_volume = $5::NUMERIC,
		     total_fees = $6::NUMERIC, status = $7, version = $8
		 WHERE market_id = $1 AND version = $9`,
		p.MarketID, p.YesShares.String(), p.NoShares.String(),
		p.CollateralLocked.String(), p.TotalVolume.String(),
		p.TotalFees.String(), p.Status, expected+1, expected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", p.MarketID, ErrConcurrentModification)
	}
	return nil
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, memberID string) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE member_id = $1`, memberID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	bal, _ := decimal.NewFromString(amount)
	return bal, nil
}

func (s *PostgresStore) Deposit(ctx context.Context, memberID string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (member_id, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (member_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		memberID, amount.String(),
	)
	return err
}

// applyBalanceDeltaTx moves one member's balance inside a transaction.
// Debits require an existing row that stays non-negative.
func applyBalanceDeltaTx(ctx context.Context, tx pgx.Tx, memberID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	if delta.IsNegative() {
		tag, err := tx.Exec(ctx,
			`UPDATE balances SET amount = amount + $2::NUMERIC
			 WHERE member_id = $1 AND amount + $2::NUMERIC >= 0`,
			memberID, delta.String(),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("member %s: %w", memberID, ErrInsufficientFunds)
		}
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO balances (member_id, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (member_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		memberID, delta.String(),
	)
	return err
}

// --- Atomic commits ---

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CommitSwap(ctx context.Context, c SwapCommit) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := updatePoolTx(ctx, tx, c.Pool, c.PoolExpected); err != nil {
			return err
		}
		if err := applyBalanceDeltaTx(ctx, tx, c.MemberID, c.BalanceDelta); err != nil {
			return err
		}
		if err := upsertSharesTx(ctx, tx, c.Shares); err != nil {
			return err
		}

		r := c.Record
		_, err := tx.Exec(ctx,
			`INSERT INTO swaps (id, market_id, member_id, action, outcome,
			                    amount_in, amount_out, fee,
			                    yes_before, no_before, yes_after, no_after, timestamp)
			 VALUES ($1, $2, $3, $4, $5,
			         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
			r.ID, r.MarketID, r.MemberID, r.Action, r.Outcome,
			r.AmountIn.String(), r.AmountOut.String(), r.Fee.String(),
			r.YesBefore.String(), r.NoBefore.String(),
			r.YesAfter.String(), r.NoAfter.String(), r.Timestamp,
		)
		return err
	})
}

func (s *PostgresStore) CommitOrder(ctx context.Context, c OrderCommit) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for member, delta := range c.BalanceDeltas {
			if err := applyBalanceDeltaTx(ctx, tx, member, delta); err != nil {
				return err
			}
		}

		o := c.Taker
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, market_id, member_id, side, type,
			                     price, amount, remaining_amount, status, created_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
			o.ID, o.MarketID, o.MemberID, o.Side, o.Type,
			o.Price.String(), o.Amount.String(), o.RemainingAmount.String(),
			o.Status, o.CreatedAt, o.Version,
		)
		if err != nil {
			return err
		}

		for _, maker := range c.Makers {
			expected := c.MakersExpected[maker.ID]
			tag, err := tx.Exec(ctx,
				`UPDATE orders
				 SET remaining_amount = $2::NUMERIC, status = $3, version = $4
				 WHERE id = $1 AND version = $5`,
				maker.ID, maker.RemainingAmount.String(), maker.Status,
				expected+1, expected,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("order %s: %w", maker.ID, ErrConcurrentModification)
			}
		}

		for _, tr := range c.Trades {
			_, err := tx.Exec(ctx,
				`INSERT INTO trades (id, market_id, taker_order_id, maker_order_id,
				                     price, amount, timestamp)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
				tr.ID, tr.MarketID, tr.TakerOrderID, tr.MakerOrderID,
				tr.Price.String(), tr.Amount.String(), tr.Timestamp,
			)
			if err != nil {
				return err
			}
		}

		for _, p := range c.Positions {
			_, err := tx.Exec(ctx,
				`INSERT INTO positions (member_id, market_id, side,
				                        quantity, reserved_quantity, avg_price, settled, version)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, 1)
				 ON CONFLICT (member_id, market_id, side) DO UPDATE
				 SET quantity = EXCLUDED.quantity,
				     reserved_quantity = EXCLUDED.reserved_quantity,
				     avg_price = EXCLUDED.avg_price,
				     settled = EXCLUDED.settled,
				     version = positions.version + 1`,
				p.MemberID, p.MarketID, p.Side,
				p.Quantity.String(), p.ReservedQuantity.String(),
				p.AvgPrice.String(), p.Settled,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) CommitCancel(ctx context.Context, c CancelCommit) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		o := c.Order
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, version = $3
			 WHERE id = $1 AND version = $4`,
			o.ID, o.Status, c.OrderExpected+1, c.OrderExpected,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s: %w", o.ID, ErrConcurrentModification)
		}

		if err := applyBalanceDeltaTx(ctx, tx, c.MemberID, c.Refund); err != nil {
			return err
		}

		r := c.Record
		_, err = tx.Exec(ctx,
			`INSERT INTO refunds (id, order_id, market_id, member_id, amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
			r.ID, r.OrderID, r.MarketID, r.MemberID, r.Amount.String(), r.Timestamp,
		)
		return err
	})
}

func (s *PostgresStore) CommitSettlement(ctx context.Context, c SettlementCommit) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		m := c.Market
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET status = $2, version = $3
			 WHERE id = $1 AND version = $4`,
			m.ID, m.Status, c.MarketExpected+1, c.MarketExpected,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("market %s: %w", m.ID, ErrConcurrentModification)
		}

		if c.Pool != nil {
			if err := updatePoolTx(ctx, tx, c.Pool, c.PoolExpected); err != nil {
				return err
			}
		}

		for member, delta := range c.BalanceDeltas {
			if err := applyBalanceDeltaTx(ctx, tx, member, delta); err != nil {
				return err
			}
		}
		for _, sh := range c.Shares {
			if err := upsertSharesTx(ctx, tx, sh); err != nil {
				return err
			}
		}
		for _, p := range c.Positions {
			_, err := tx.Exec(ctx,
				`UPDATE positions
				 SET quantity = $4::NUMERIC, reserved_quantity = $5::NUMERIC,
				     settled = $6, version = positions.version + 1
				 WHERE member_id = $1 AND market_id = $2 AND side = $3`,
				p.MemberID, p.MarketID, p.Side,
				p.Quantity.String(), p.ReservedQuantity.String(), p.Settled,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Shares / positions / orders ---

func upsertSharesTx(ctx context.Context, tx pgx.Tx, sh *model.UserShares) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_shares (member_id, market_id, outcome, shares, cost_basis, settled)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (member_id, market_id, outcome) DO UPDATE
		 SET shares = EXCLUDED.shares,
		     cost_basis = EXCLUDED.cost_basis,
		     settled = EXCLUDED.settled`,
		sh.MemberID, sh.MarketID, sh.Outcome,
		sh.Shares.String(), sh.CostBasis.String(), sh.Settled,
	)
	return err
}

const sharesColumns = `member_id, market_id, outcome, shares::TEXT, cost_basis::TEXT, settled`

func scanShares(row pgx.Row) (*model.UserShares, error) {
	var sh model.UserShares
	var shares, basis string
	err := row.Scan(&sh.MemberID, &sh.MarketID, &sh.Outcome, &shares, &basis, &sh.Settled)
	if err != nil {
		return nil, err
	}
	sh.Shares, _ = decimal.NewFromString(shares)
	sh.CostBasis, _ = decimal.NewFromString(basis)
	return &sh, nil
}

func (s *PostgresStore) GetUserShares(ctx context.Context, memberID, marketID, outcome string) (*model.UserShares, error) {
	sh, err := scanShares(s.pool.QueryRow(ctx,
		`SELECT `+sharesColumns+` FROM user_shares
		 WHERE member_id = $1 AND market_id = $2 AND outcome = $3`,
		memberID, marketID, outcome))
	if err != nil {
		return nil, notFound(err, "shares "+memberID+"/"+marketID+"/"+outcome)
	}
	return sh, nil
}

func (s *PostgresStore) listShares(ctx context.Context, where string, arg any) ([]model.UserShares, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sharesColumns+` FROM user_shares WHERE `+where+` = $1`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UserShares
	for rows.Next() {
		sh, err := scanShares(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sh)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSharesByMarket(ctx context.Context, marketID string) ([]model.UserShares, error) {
	return s.listShares(ctx, "market_id", marketID)
}

func (s *PostgresStore) ListSharesByMember(ctx context.Context, memberID string) ([]model.UserShares, error) {
	return s.listShares(ctx, "member_id", memberID)
}

const orderColumns = `id, market_id, member_id, side, type,
        price::TEXT, amount::TEXT, remaining_amount::TEXT, status, created_at, version`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, amount, remaining string
	err := row.Scan(&o.ID, &o.MarketID, &o.MemberID, &o.Side, &o.Type,
		&price, &amount, &remaining, &o.Status, &o.CreatedAt, &o.Version)
	if err != nil {
		return nil, err
	}
	o.Price, _ = decimal.NewFromString(price)
	o.Amount, _ = decimal.NewFromString(amount)
	o.RemainingAmount, _ = decimal.NewFromString(remaining)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order "+id)
	}
	return o, nil
}

func (s *PostgresStore) listOpenOrders(ctx context.Context, where string, arg any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE `+where+` = $1 AND status IN ('OPEN', 'PARTIAL')
		 ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOpenOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.listOpenOrders(ctx, "market_id", marketID)
}

func (s *PostgresStore) ListOpenOrdersByMember(ctx context.Context, memberID string) ([]model.Order, error) {
	return s.listOpenOrders(ctx, "member_id", memberID)
}

const positionColumns = `member_id, market_id, side,
        quantity::TEXT, reserved_quantity::TEXT, avg_price::TEXT, settled, version`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, reserved, avg string
	err := row.Scan(&p.MemberID, &p.MarketID, &p.Side,
		&qty, &reserved, &avg, &p.Settled, &p.Version)
	if err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.ReservedQuantity, _ = decimal.NewFromString(reserved)
	p.AvgPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, memberID, marketID, side string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE member_id = $1 AND market_id = $2 AND side = $3`,
		memberID, marketID, side))
	if err != nil {
		return nil, notFound(err, "position "+memberID+"/"+marketID+"/"+side)
	}
	return p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, where string, arg any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE `+where+` = $1`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx, "market_id", marketID)
}

func (s *PostgresStore) ListPositionsByMember(ctx context.Context, memberID string) ([]model.Position, error) {
	return s.listPositions(ctx, "member_id", memberID)
}

// --- Immutable records ---

func (s *PostgresStore) ListSwapsByMarket(ctx context.Context, marketID string) ([]model.SwapRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, member_id, action, outcome,
		        amount_in::TEXT, amount_out::TEXT, fee::TEXT,
		        yes_before::TEXT, no_before::TEXT, yes_after::TEXT, no_after::TEXT,
		        timestamp
		 FROM swaps WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SwapRecord
	for rows.Next() {
		var r model.SwapRecord
		var in, amountOut, fee, yb, nb, ya, na string
		if err := rows.Scan(&r.ID, &r.MarketID, &r.MemberID, &r.Action, &r.Outcome,
			&in, &amountOut, &fee, &yb, &nb, &ya, &na, &r.Timestamp); err != nil {
			return nil, err
		}
		r.AmountIn, _ = decimal.NewFromString(in)
		r.AmountOut, _ = decimal.NewFromString(amountOut)
		r.Fee, _ = decimal.NewFromString(fee)
		r.YesBefore, _ = decimal.NewFromString(yb)
		r.NoBefore, _ = decimal.NewFromString(nb)
		r.YesAfter, _ = decimal.NewFromString(ya)
		r.NoAfter, _ = decimal.NewFromString(na)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, taker_order_id, maker_order_id,
		        price::TEXT, amount::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var tr model.Trade
		var price, amount string
		if err := rows.Scan(&tr.ID, &tr.MarketID, &tr.TakerOrderID, &tr.MakerOrderID,
			&price, &amount, &tr.Timestamp); err != nil {
			return nil, err
		}
		tr.Price, _ = decimal.NewFromString(price)
		tr.Amount, _ = decimal.NewFromString(amount)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRefundsByOrder(ctx context.Context, orderID string) ([]model.RefundRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, market_id, member_id, amount::TEXT, timestamp
		 FROM refunds WHERE order_id = $1 ORDER BY timestamp`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RefundRecord
	for rows.Next() {
		var r model.RefundRecord
		var amount string
		if err := rows.Scan(&r.ID, &r.OrderID, &r.MarketID, &r.MemberID,
			&amount, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Idempotency ---

func (s *PostgresStore) GetIdempotency(ctx context.Context, key, memberID, endpoint string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, member_id, endpoint, request_hash, response, expires_at
		 FROM idempotency_keys
		 WHERE key = $1 AND member_id = $2 AND endpoint = $3 AND expires_at > NOW()`,
		key, memberID, endpoint).
		Scan(&rec.Key, &rec.MemberID, &rec.Endpoint, &rec.RequestHash,
			&rec.Response, &rec.ExpiresAt)
	if err != nil {
		return nil, notFound(err, "idempotency "+key)
	}
	return &rec, nil
}

func (s *PostgresStore) PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, member_id, endpoint, request_hash, response, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key, member_id, endpoint) DO NOTHING`,
		rec.Key, rec.MemberID, rec.Endpoint, rec.RequestHash,
		rec.Response, rec.ExpiresAt,
	)
	return err
}
