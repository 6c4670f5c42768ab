// Package settle implements the two-phase settlement and payout service.
//
// A market settles in two steps: Initiate records the final result and
// opens a dispute window; Finalize, after the window elapses, pays every
// winning holder exactly once and freezes the market. Both transitions run
// under a per-market exclusive lock, so concurrent callers observe the
// terminal state and fail cleanly instead of racing.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/lock"
	"github.com/outcomex/trading-engine/internal/metrics"
	"github.com/outcomex/trading-engine/internal/model"
	"github.com/outcomex/trading-engine/internal/store"
)

var (
	// ErrInvalidResult is returned when the final result is not YES or NO.
	ErrInvalidResult = errors.New("settle: result must be YES or NO")

	// ErrAlreadySettling is returned when Initiate runs on a market whose
	// settlement is already pending.
	ErrAlreadySettling = errors.New("settle: settlement already initiated")

	// ErrAlreadySettled is returned when Initiate runs on a settled market.
	ErrAlreadySettled = errors.New("settle: market already settled")

	// ErrMarketNotOpen is returned when Initiate runs on a market that is
	// not in a betting-eligible state.
	ErrMarketNotOpen = errors.New("settle: market is not open for settlement")

	// ErrNotPending is returned when Finalize or Cancel runs on a market
	// whose settlement was never initiated.
	ErrNotPending = errors.New("settle: settlement not pending")

	// ErrAlreadyFinalized is returned by a second Finalize. The first
	// call's payouts stand; no balance is ever credited twice.
	ErrAlreadyFinalized = errors.New("settle: market already finalized")

	// ErrDisputeWindowOpen is returned when Finalize runs before the
	// dispute deadline without the override.
	ErrDisputeWindowOpen = errors.New("settle: dispute window still open")
)

// DefaultDisputeWindow is the delay between initiation and the earliest
// permitted finalization.
const DefaultDisputeWindow = 24 * time.Hour

// Service drives market settlement.
type Service struct {
	store         store.Store
	locks         *lock.Keyed
	disputeWindow time.Duration
	now           func() time.Time
}

// NewService creates a settlement service. disputeWindow <= 0 selects
// DefaultDisputeWindow.
func NewService(st store.Store, disputeWindow time.Duration) *Service {
	if disputeWindow <= 0 {
		disputeWindow = DefaultDisputeWindow
	}
	return &Service{
		store:         st,
		locks:         lock.NewKeyed(),
		disputeWindow: disputeWindow,
		now:           time.Now,
	}
}

// Result summarizes one finalization.
type Result struct {
	TotalWinners int             `json:"total_winners"`
	TotalPayout  decimal.Decimal `json:"total_payout"`
}

// Initiate records the final result and opens the dispute window. Allowed
// only from BETTING; performs no payouts.
func (s *Service) Initiate(ctx context.Context, marketID, finalResult, evidenceURL string) error {
	if finalResult != model.OutcomeYes && finalResult != model.OutcomeNo {
		return ErrInvalidResult
	}

	release := s.locks.Acquire("settle:" + marketID)
	defer release()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	switch m.Status {
	case model.MarketBetting:
	case model.MarketSettlementPending:
		return ErrAlreadySettling
	case model.MarketSettled:
		return ErrAlreadySettled
	default:
		return ErrMarketNotOpen
	}

	expected := m.Version
	m.Status = model.MarketSettlementPending
	m.FinalResult = finalResult
	m.EvidenceURL = evidenceURL
	m.DisputeDeadline = s.now().Add(s.disputeWindow).UTC()

	if err := s.store.UpdateMarket(ctx, m, expected); err != nil {
		return err
	}

	metrics.SettlementsTotal.WithLabelValues("initiate").Inc()
	slog.Info("settlement initiated",
		"market", marketID,
		"result", finalResult,
		"dispute_deadline", m.DisputeDeadline,
	)
	return nil
}

// Cancel reverts a pending settlement back to BETTING without touching
// balances. Only valid from SETTLEMENT_PENDING.
func (s *Service) Cancel(ctx context.Context, marketID string) error {
	release := s.locks.Acquire("settle:" + marketID)
	defer release()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if m.Status == model.MarketSettled {
		return ErrAlreadyFinalized
	}
	if m.Status != model.MarketSettlementPending {
		return ErrNotPending
	}

	expected := m.Version
	m.Status = model.MarketBetting
	m.FinalResult = ""
	m.EvidenceURL = ""
	m.DisputeDeadline = time.Time{}

	if err := s.store.UpdateMarket(ctx, m, expected); err != nil {
		return err
	}

	metrics.SettlementsTotal.WithLabelValues("cancel").Inc()
	slog.Info("settlement cancelled", "market", marketID)
	return nil
}

// Finalize pays winning holders and freezes the market, exactly once.
//
// AMM holders of the winning outcome receive shares × 1.0; book-mode
// holders of the winning side receive quantity × 1.0. Every share row and
// position is zeroed and marked settled in the same unit of work that
// credits balances, and pool collateralLocked drops by the AMM payout.
// A second call observes SETTLED and fails with ErrAlreadyFinalized.
func (s *Service) Finalize(ctx context.Context, marketID string, skipDeadlineCheck bool) (*Result, error) {
	release := s.locks.Acquire("settle:" + marketID)
	defer release()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.MarketSettled {
		return nil, ErrAlreadyFinalized
	}
	if m.Status != model.MarketSettlementPending {
		return nil, ErrNotPending
	}
	if !skipDeadlineCheck && s.now().Before(m.DisputeDeadline) {
		return nil, ErrDisputeWindowOpen
	}

	commit := store.SettlementCommit{
		MarketExpected: m.Version,
		BalanceDeltas:  make(map[string]decimal.Decimal),
	}
	res := &Result{TotalPayout: decimal.Zero}

	if m.ExecutionMode == model.ModeAMM {
		pool, err := s.store.GetPool(ctx, marketID)
		if err != nil {
			return nil, fmt.Errorf("load pool: %w", err)
		}

		shares, err := s.store.ListSharesByMarket(ctx, marketID)
		if err != nil {
			return nil, fmt.Errorf("load shares: %w", err)
		}
		ammPayout := decimal.Zero
		for i := range shares {
			sh := shares[i]
			if sh.Settled {
				continue
			}
			if sh.Outcome == m.FinalResult && sh.Shares.IsPositive() {
				payout := sh.Shares
				commit.BalanceDeltas[sh.MemberID] = commit.BalanceDeltas[sh.MemberID].Add(payout)
				ammPayout = ammPayout.Add(payout)
				res.TotalWinners++
			}
			sh.Shares = decimal.Zero
			sh.CostBasis = decimal.Zero
			sh.Settled = true
			commit.Shares = append(commit.Shares, &sh)
		}

		commit.PoolExpected = pool.Version
		pool.CollateralLocked = pool.CollateralLocked.Sub(ammPayout)
		pool.Status = model.PoolSettled
		commit.Pool = pool
		res.TotalPayout = res.TotalPayout.Add(ammPayout)
	} else {
		positions, err := s.store.ListPositionsByMarket(ctx, marketID)
		if err != nil {
			return nil, fmt.Errorf("load positions: %w", err)
		}
		for i := range positions {
			p := positions[i]
			if p.Settled {
				continue
			}
			if p.Side == m.FinalResult && p.Quantity.IsPositive() {
				payout := p.Quantity
				commit.BalanceDeltas[p.MemberID] = commit.BalanceDeltas[p.MemberID].Add(payout)
				res.TotalPayout = res.TotalPayout.Add(payout)
				res.TotalWinners++
			}
			p.Quantity = decimal.Zero
			p.ReservedQuantity = decimal.Zero
			p.Settled = true
			commit.Positions = append(commit.Positions, &p)
		}
	}

	m.Status = model.MarketSettled
	commit.Market = m

	if err := s.store.CommitSettlement(ctx, commit); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			metrics.ConflictsTotal.Inc()
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("finalize").Inc()
	slog.Info("settlement finalized",
		"market", marketID,
		"result", m.FinalResult,
		"winners", res.TotalWinners,
		"payout", res.TotalPayout.String(),
	)
	return res, nil
}
