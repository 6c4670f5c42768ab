// Package api provides the HTTP handlers for market management, swaps,
// order placement, settlement, and portfolio queries.
//
// Mutating endpoints accept an Idempotency-Key header; a replayed key with
// the same body returns the stored response without re-executing, and the
// same key with a different body is rejected.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/amm"
	"github.com/outcomex/trading-engine/internal/book"
	"github.com/outcomex/trading-engine/internal/fpmm"
	"github.com/outcomex/trading-engine/internal/idem"
	"github.com/outcomex/trading-engine/internal/model"
	"github.com/outcomex/trading-engine/internal/risk"
	"github.com/outcomex/trading-engine/internal/settle"
	"github.com/outcomex/trading-engine/internal/store"
	"github.com/outcomex/trading-engine/internal/symbol"
)

// Service wires the trading engines behind HTTP handlers.
type Service struct {
	store   store.Store
	amm     *amm.Executor
	book    *book.Engine
	settle  *settle.Service
	deduper *idem.Deduper
	wsHub   *WSHub // optional; nil disables broadcasting
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, ammExec *amm.Executor, bookEng *book.Engine, settleSvc *settle.Service, deduper *idem.Deduper, hub *WSHub) *Service {
	return &Service{
		store:   st,
		amm:     ammExec,
		book:    bookEng,
		settle:  settleSvc,
		deduper: deduper,
		wsHub:   hub,
	}
}

// Routes mounts all handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/pool", s.GetPool)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Get("/markets/{marketID}/book", s.GetBookDepth)

	r.Post("/swap", s.ExecuteSwap)
	r.Post("/swap/simulate", s.SimulateSwap)

	r.Post("/orders", s.CreateOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)

	r.Post("/markets/{marketID}/settlement/initiate", s.InitiateSettlement)
	r.Post("/markets/{marketID}/settlement/finalize", s.FinalizeSettlement)
	r.Post("/markets/{marketID}/settlement/cancel", s.CancelSettlement)

	r.Get("/portfolio/{memberID}", s.GetPortfolio)
	r.Post("/deposit", s.Deposit)
}

// --- Request types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Ticker        string          `json:"ticker"`         // PM-{category}-{slug}-{YYYYMMDD}
	Question      string          `json:"question"`
	ExecutionMode string          `json:"execution_mode"` // AMM or BOOK
	FeeRate       decimal.Decimal `json:"fee_rate"`
	Seed          decimal.Decimal `json:"seed"`           // AMM only; 0 → derived from prior
	Prior         decimal.Decimal `json:"prior"`          // prior P(YES), used when seed omitted
}

// SwapRequest is the JSON body for POST /swap and /swap/simulate.
type SwapRequest struct {
	MemberID string          `json:"member_id"`
	MarketID string          `json:"market_id"`
	Action   string          `json:"action"`  // BUY or SELL
	Outcome  string          `json:"outcome"` // YES or NO
	AmountIn decimal.Decimal `json:"amount_in"`
	MinOut   decimal.Decimal `json:"min_out"` // 0 disables the slippage guard
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	MemberID string          `json:"member_id"`
	MarketID string          `json:"market_id"`
	Type     string          `json:"type"` // LIMIT or MARKET
	Side     string          `json:"side"` // YES or NO
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}

// CancelRequest is the JSON body for POST /orders/{orderID}/cancel.
type CancelRequest struct {
	MemberID string `json:"member_id"`
}

// InitiateRequest is the JSON body for settlement initiation.
type InitiateRequest struct {
	FinalResult string `json:"final_result"` // YES or NO
	EvidenceURL string `json:"evidence_url"`
}

// FinalizeRequest is the JSON body for settlement finalization.
type FinalizeRequest struct {
	SkipDeadlineCheck bool `json:"skip_deadline_check"`
}

// DepositRequest is the JSON body for POST /deposit.
type DepositRequest struct {
	MemberID string          `json:"member_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// Portfolio aggregates one member's holdings across both execution modes.
type Portfolio struct {
	MemberID  string             `json:"member_id"`
	Balance   decimal.Decimal    `json:"balance"`
	Shares    []model.UserShares `json:"shares"`
	Positions []model.Position   `json:"positions"`
	Orders    []model.Order      `json:"open_orders"`
}

// --- Market handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	parsed, err := symbol.ParseTicker(req.Ticker)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ExecutionMode != model.ModeAMM && req.ExecutionMode != model.ModeBook {
		writeError(w, "execution_mode must be AMM or BOOK", http.StatusBadRequest)
		return
	}
	if req.FeeRate.IsNegative() || req.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		writeError(w, "fee_rate must be in [0,1)", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:            uuid.New().String(),
		Ticker:        req.Ticker,
		Question:      req.Question,
		ExecutionMode: req.ExecutionMode,
		Status:        model.MarketBetting,
		CutoffAt:      parsed.Cutoff(),
		FeeRate:       req.FeeRate,
		CreatedAt:     time.Now().UTC(),
		Version:       1,
	}

	ctx := r.Context()
	if err := s.store.CreateMarket(ctx, market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if req.ExecutionMode == model.ModeAMM {
		seed := req.Seed
		if !seed.IsPositive() {
			prior := req.Prior
			if prior.IsZero() {
				prior = decimal.NewFromFloat(0.5)
			}
			seed, err = symbol.DeriveSeed(prior, decimal.NewFromInt(1000))
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if _, err := s.amm.SeedPool(ctx, market.ID, seed, req.FeeRate); err != nil {
			writeError(w, err.Error(), httpStatus(err))
			return
		}
	}

	slog.Info("market created",
		"id", market.ID,
		"ticker", req.Ticker,
		"mode", req.ExecutionMode,
		"category", parsed.Category,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(market)
}

// GetMarket handles GET /api/v1/markets/{marketID}. A ticker works in
// place of an ID.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(market)
}

// ListMarkets handles GET /api/v1/markets, optionally filtered by
// ?status=<status>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price. AMM markets only.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	pool, err := s.store.GetPool(r.Context(), market.ID)
	if err != nil {
		writeError(w, "no pool for market", http.StatusNotFound)
		return
	}
	prices, err := fpmm.Price(pool.YesShares, pool.NoShares)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(prices)
}

// GetPool handles GET /api/v1/markets/{marketID}/pool.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	market, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	pool, err := s.store.GetPool(r.Context(), market.ID)
	if err != nil {
		writeError(w, "no pool for market", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pool)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history.
// Returns swap records for AMM markets and trades for book markets.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	market, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	ctx := r.Context()

	w.Header().Set("Content-Type", "application/json")
	if market.ExecutionMode == model.ModeAMM {
		swaps, err := s.store.ListSwapsByMarket(ctx, market.ID)
		if err != nil {
			writeError(w, "failed to get history", http.StatusInternalServerError)
			return
		}
		if swaps == nil {
			swaps = []model.SwapRecord{}
		}
		json.NewEncoder(w).Encode(swaps)
		return
	}

	trades, err := s.store.ListTradesByMarket(ctx, market.ID)
	if err != nil {
		writeError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	json.NewEncoder(w).Encode(trades)
}

// GetBookDepth handles GET /api/v1/markets/{marketID}/book.
func (s *Service) GetBookDepth(w http.ResponseWriter, r *http.Request) {
	market, err := s.findMarket(r)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	yes, no, err := s.book.Depth(r.Context(), market.ID)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"yes": yes,
		"no":  no,
	})
}

// --- Swap handlers ---

// ExecuteSwap handles POST /api/v1/swap.
func (s *Service) ExecuteSwap(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req SwapRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" {
		writeError(w, "member_id is required", http.StatusBadRequest)
		return
	}

	resp, replayed, err := s.deduper.Execute(r.Context(),
		r.Header.Get("Idempotency-Key"), req.MemberID, "swap", body,
		func() ([]byte, error) {
			res, err := s.amm.Swap(r.Context(), req.MarketID, req.MemberID,
				req.Action, req.Outcome, req.AmountIn, req.MinOut)
			if err != nil {
				return nil, err
			}
			s.broadcastSwap(res)
			return json.Marshal(res)
		})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Write(resp)
}

// SimulateSwap handles POST /api/v1/swap/simulate. Read-only, never keyed.
func (s *Service) SimulateSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sim, err := s.amm.Simulate(r.Context(), req.MarketID, req.Action, req.Outcome, req.AmountIn)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sim)
}

func (s *Service) broadcastSwap(res *amm.SwapResult) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:     "swap_executed",
		MarketID: res.MarketID,
		PriceYes: res.PriceAfter.PYes.String(),
		PriceNo:  res.PriceAfter.PNo.String(),
		Side:     res.Outcome,
		Amount:   res.AmountIn.String(),
	})
}

// --- Order handlers ---

// CreateOrder handles POST /api/v1/orders.
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req OrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" {
		writeError(w, "member_id is required", http.StatusBadRequest)
		return
	}

	resp, replayed, err := s.deduper.Execute(r.Context(),
		r.Header.Get("Idempotency-Key"), req.MemberID, "createOrder", body,
		func() ([]byte, error) {
			res, err := s.book.CreateOrder(r.Context(), req.MarketID, req.MemberID,
				req.Type, req.Side, req.Price, req.Amount)
			if err != nil {
				return nil, err
			}
			if s.wsHub != nil && res.FilledAmount.IsPositive() {
				s.wsHub.Broadcast(WSMessage{
					Type:     "order_matched",
					MarketID: req.MarketID,
					Side:     req.Side,
					Amount:   res.FilledAmount.String(),
					Price:    req.Price.String(),
				})
			}
			return json.Marshal(res)
		})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Write(resp)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req CancelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" {
		writeError(w, "member_id is required", http.StatusBadRequest)
		return
	}

	resp, replayed, err := s.deduper.Execute(r.Context(),
		r.Header.Get("Idempotency-Key"), req.MemberID, "cancelOrder:"+orderID, body,
		func() ([]byte, error) {
			res, err := s.book.CancelOrder(r.Context(), orderID, req.MemberID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(res)
		})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Write(resp)
}

// --- Settlement handlers ---

// InitiateSettlement handles POST /api/v1/markets/{marketID}/settlement/initiate.
func (s *Service) InitiateSettlement(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.settle.Initiate(r.Context(), marketID, req.FinalResult, req.EvidenceURL); err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "settlement_pending"})
}

// FinalizeSettlement handles POST /api/v1/markets/{marketID}/settlement/finalize.
func (s *Service) FinalizeSettlement(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req FinalizeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := s.settle.Finalize(r.Context(), marketID, req.SkipDeadlineCheck)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_settled",
			MarketID: marketID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// CancelSettlement handles POST /api/v1/markets/{marketID}/settlement/cancel.
func (s *Service) CancelSettlement(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	if err := s.settle.Cancel(r.Context(), marketID); err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "betting"})
}

// --- Portfolio / funding ---

// GetPortfolio handles GET /api/v1/portfolio/{memberID}.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	ctx := r.Context()

	bal, err := s.store.GetBalance(ctx, memberID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	shares, err := s.store.ListSharesByMember(ctx, memberID)
	if err != nil {
		writeError(w, "failed to load shares", http.StatusInternalServerError)
		return
	}
	positions, err := s.store.ListPositionsByMember(ctx, memberID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	orders, err := s.store.ListOpenOrdersByMember(ctx, memberID)
	if err != nil {
		writeError(w, "failed to load orders", http.StatusInternalServerError)
		return
	}

	if shares == nil {
		shares = []model.UserShares{}
	}
	if positions == nil {
		positions = []model.Position{}
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Portfolio{
		MemberID:  memberID,
		Balance:   bal,
		Shares:    shares,
		Positions: positions,
		Orders:    orders,
	})
}

// Deposit handles POST /api/v1/deposit. Collateral enters the system only
// through this endpoint.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" {
		writeError(w, "member_id is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	if err := s.store.Deposit(r.Context(), req.MemberID, req.Amount); err != nil {
		writeError(w, "deposit failed", http.StatusInternalServerError)
		return
	}

	bal, err := s.store.GetBalance(r.Context(), req.MemberID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"member_id": req.MemberID,
		"balance":   bal.String(),
	})
}

// findMarket resolves the {marketID} URL parameter as an ID first, then as
// a ticker.
func (s *Service) findMarket(r *http.Request) (*model.Market, error) {
	key := chi.URLParam(r, "marketID")
	m, err := s.store.GetMarket(r.Context(), key)
	if err == nil {
		return m, nil
	}
	return s.store.GetMarketByTicker(r.Context(), key)
}

// httpStatus maps engine errors onto HTTP status codes: validation → 400,
// lifecycle and economic rejections → 409, lost races → 409, missing rows
// → 404.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, fpmm.ErrInvalidAmount),
		errors.Is(err, fpmm.ErrInvalidFeeRate),
		errors.Is(err, fpmm.ErrInvalidOutcome),
		errors.Is(err, amm.ErrInvalidAction),
		errors.Is(err, book.ErrInvalidSide),
		errors.Is(err, book.ErrInvalidType),
		errors.Is(err, book.ErrInvalidPrice),
		errors.Is(err, book.ErrInvalidAmount),
		errors.Is(err, settle.ErrInvalidResult):
		return http.StatusBadRequest

	case errors.Is(err, idem.ErrKeyReused):
		return http.StatusUnprocessableEntity

	case errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, amm.ErrMarketNotAMM),
		errors.Is(err, amm.ErrMarketClosed),
		errors.Is(err, amm.ErrMarketExpired),
		errors.Is(err, amm.ErrSlippageExceeded),
		errors.Is(err, amm.ErrInsufficientBalance),
		errors.Is(err, amm.ErrInsufficientShares),
		errors.Is(err, fpmm.ErrPoolDepleted),
		errors.Is(err, book.ErrMarketNotBook),
		errors.Is(err, book.ErrMarketClosed),
		errors.Is(err, book.ErrMarketExpired),
		errors.Is(err, book.ErrInsufficientBalance),
		errors.Is(err, book.ErrNoLiquidity),
		errors.Is(err, risk.ErrMarketLimitExceeded),
		errors.Is(err, risk.ErrTotalLimitExceeded),
		errors.Is(err, book.ErrNotOrderOwner),
		errors.Is(err, book.ErrAlreadyFilled),
		errors.Is(err, book.ErrAlreadyCancelled),
		errors.Is(err, settle.ErrAlreadySettling),
		errors.Is(err, settle.ErrAlreadySettled),
		errors.Is(err, settle.ErrMarketNotOpen),
		errors.Is(err, settle.ErrNotPending),
		errors.Is(err, settle.ErrAlreadyFinalized),
		errors.Is(err, settle.ErrDisputeWindowOpen):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
