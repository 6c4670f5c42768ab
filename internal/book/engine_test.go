package book

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/trading-engine/internal/model"
	"github.com/outcomex/trading-engine/internal/risk"
	"github.com/outcomex/trading-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	store  *store.MemoryStore
	engine *Engine
	market string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	m := &model.Market{
		ID:            uuid.New().String(),
		Ticker:        "PM-SPORTS-title-fight-20261231",
		Question:      "Will the champion retain the title?",
		ExecutionMode: model.ModeBook,
		Status:        model.MarketBetting,
		CutoffAt:      time.Now().Add(24 * time.Hour),
		CreatedAt:     time.Now(),
		Version:       1,
	}
	if err := st.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return &fixture{store: st, engine: NewEngine(st, nil), market: m.ID}
}

func (f *fixture) fund(t *testing.T, member, amount string) {
	t.Helper()
	if err := f.store.Deposit(context.Background(), member, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, member string) decimal.Decimal {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), member)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (f *fixture) place(t *testing.T, member, typ, side, price, amount string) *OrderResult {
	t.Helper()
	res, err := f.engine.CreateOrder(context.Background(), f.market, member, typ, side, d(price), d(amount))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return res
}

func TestCreateOrder_LimitRestsAndReserves(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")

	res := f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")

	if res.Status != model.OrderOpen {
		t.Fatalf("status = %s, want OPEN", res.Status)
	}
	if !res.RemainingAmount.Equal(d("50")) {
		t.Fatalf("remaining = %s, want 50", res.RemainingAmount)
	}
	// 0.60 * 50 = 30 reserved.
	if got := f.balance(t, "alice"); !got.Equal(d("70")) {
		t.Fatalf("balance = %s, want 70", got)
	}
	yes, no, err := f.engine.Depth(context.Background(), f.market)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if !yes.Equal(d("50")) || !no.IsZero() {
		t.Fatalf("depth = %s/%s, want 50/0", yes, no)
	}
}

func TestCreateOrder_ComplementaryCross(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")
	f.fund(t, "bob", "100")

	f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")
	res := f.place(t, "bob", model.OrderTypeLimit, model.OutcomeNo, "0.40", "50")

	if res.Status != model.OrderFilled {
		t.Fatalf("taker status = %s, want FILLED", res.Status)
	}
	if !res.FilledAmount.Equal(d("50")) {
		t.Fatalf("filled = %s, want 50", res.FilledAmount)
	}

	// Maker paid 0.60*50 = 30 at placement; the fill consumes it exactly.
	if got := f.balance(t, "alice"); !got.Equal(d("70")) {
		t.Fatalf("maker balance = %s, want 70", got)
	}
	// Taker pays the complement: (1-0.60)*50 = 20.
	if got := f.balance(t, "bob"); !got.Equal(d("80")) {
		t.Fatalf("taker balance = %s, want 80", got)
	}

	trades, err := f.store.ListTradesByMarket(context.Background(), f.market)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if !trades[0].Price.Equal(d("0.60")) {
		t.Fatalf("trade price = %s, want maker's 0.60", trades[0].Price)
	}

	ap, err := f.store.GetPosition(context.Background(), "alice", f.market, model.OutcomeYes)
	if err != nil {
		t.Fatalf("alice position: %v", err)
	}
	if !ap.Quantity.Equal(d("50")) || !ap.AvgPrice.Equal(d("0.60")) {
		t.Fatalf("alice position = %s @ %s, want 50 @ 0.60", ap.Quantity, ap.AvgPrice)
	}
	bp, err := f.store.GetPosition(context.Background(), "bob", f.market, model.OutcomeNo)
	if err != nil {
		t.Fatalf("bob position: %v", err)
	}
	if !bp.Quantity.Equal(d("50")) || !bp.AvgPrice.Equal(d("0.4")) {
		t.Fatalf("bob position = %s @ %s, want 50 @ 0.4", bp.Quantity, bp.AvgPrice)
	}
}

func TestCreateOrder_NoCrossBelowComplement(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")
	f.fund(t, "bob", "100")

	f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")
	// 0.60 + 0.39 < 1: no cross, both rest.
	res := f.place(t, "bob", model.OrderTypeLimit, model.OutcomeNo, "0.39", "50")

	if res.Status != model.OrderOpen {
		t.Fatalf("status = %s, want OPEN", res.Status)
	}
	yes, no, _ := f.engine.Depth(context.Background(), f.market)
	if !yes.Equal(d("50")) || !no.Equal(d("50")) {
		t.Fatalf("depth = %s/%s, want 50/50", yes, no)
	}
}

func TestCreateOrder_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	for _, m := range []string{"m1", "m2", "m3", "taker"} {
		f.fund(t, m, "1000")
	}

	// m2 offers the best price, m1 and m3 tie at 0.55 with m1 first.
	f.place(t, "m1", model.OrderTypeLimit, model.OutcomeYes, "0.55", "10")
	f.place(t, "m2", model.OrderTypeLimit, model.OutcomeYes, "0.60", "10")
	f.place(t, "m3", model.OrderTypeLimit, model.OutcomeYes, "0.55", "10")

	res := f.place(t, "taker", model.OrderTypeLimit, model.OutcomeNo, "0.45", "25")
	if res.Status != model.OrderFilled {
		t.Fatalf("status = %s, want FILLED", res.Status)
	}

	trades, _ := f.store.ListTradesByMarket(context.Background(), f.market)
	if len(trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(trades))
	}
	wantPrices := []string{"0.60", "0.55", "0.55"}
	wantAmounts := []string{"10", "10", "5"}
	for i, tr := range trades {
		if !tr.Price.Equal(d(wantPrices[i])) {
			t.Errorf("trade %d price = %s, want %s", i, tr.Price, wantPrices[i])
		}
		if !tr.Amount.Equal(d(wantAmounts[i])) {
			t.Errorf("trade %d amount = %s, want %s", i, tr.Amount, wantAmounts[i])
		}
	}

	// m1 placed before m3 at the same price, so m1 fills fully.
	m1Pos, err := f.store.GetPosition(context.Background(), "m1", f.market, model.OutcomeYes)
	if err != nil {
		t.Fatalf("m1 position: %v", err)
	}
	if !m1Pos.Quantity.Equal(d("10")) {
		t.Fatalf("m1 filled %s, want 10", m1Pos.Quantity)
	}
	m3Pos, err := f.store.GetPosition(context.Background(), "m3", f.market, model.OutcomeYes)
	if err != nil {
		t.Fatalf("m3 position: %v", err)
	}
	if !m3Pos.Quantity.Equal(d("5")) {
		t.Fatalf("m3 filled %s, want 5", m3Pos.Quantity)
	}
}

func TestCreateOrder_MarketEmptyBook(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")

	_, err := f.engine.CreateOrder(context.Background(), f.market, "alice",
		model.OrderTypeMarket, model.OutcomeYes, decimal.Zero, d("10"))
	if !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("err = %v, want ErrNoLiquidity", err)
	}
	if got := f.balance(t, "alice"); !got.Equal(d("100")) {
		t.Fatalf("balance changed on rejected order: %s", got)
	}
}

func TestCreateOrder_MarketPartialFillIOC(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "maker", "100")
	f.fund(t, "taker", "100")

	f.place(t, "maker", model.OrderTypeLimit, model.OutcomeYes, "0.70", "30")
	res := f.place(t, "taker", model.OrderTypeMarket, model.OutcomeNo, "0", "50")

	if res.Status != model.OrderCancelled {
		t.Fatalf("status = %s, want CANCELLED (IOC remainder)", res.Status)
	}
	if !res.FilledAmount.Equal(d("30")) || !res.RemainingAmount.Equal(d("20")) {
		t.Fatalf("fill = %s/%s, want 30 filled, 20 remaining", res.FilledAmount, res.RemainingAmount)
	}
	// Only the filled part is paid for: (1-0.70)*30 = 9.
	if got := f.balance(t, "taker"); !got.Equal(d("91")) {
		t.Fatalf("taker balance = %s, want 91", got)
	}
	// Nothing rests from an IOC remainder.
	yes, no, _ := f.engine.Depth(context.Background(), f.market)
	if !yes.IsZero() || !no.IsZero() {
		t.Fatalf("depth = %s/%s, want empty", yes, no)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")

	cases := []struct {
		name   string
		typ    string
		side   string
		price  string
		amount string
		want   error
	}{
		{"bad side", model.OrderTypeLimit, "MAYBE", "0.50", "10", ErrInvalidSide},
		{"bad type", "STOP", model.OutcomeYes, "0.50", "10", ErrInvalidType},
		{"zero price", model.OrderTypeLimit, model.OutcomeYes, "0", "10", ErrInvalidPrice},
		{"price at one", model.OrderTypeLimit, model.OutcomeYes, "1", "10", ErrInvalidPrice},
		{"off tick", model.OrderTypeLimit, model.OutcomeYes, "0.505", "10", ErrInvalidPrice},
		{"zero amount", model.OrderTypeLimit, model.OutcomeYes, "0.50", "0", ErrInvalidAmount},
		{"negative amount", model.OrderTypeLimit, model.OutcomeYes, "0.50", "-5", ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateOrder(context.Background(), f.market, "alice",
				tc.typ, tc.side, d(tc.price), d(tc.amount))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if got := f.balance(t, "alice"); !got.Equal(d("100")) {
		t.Fatalf("balance changed on rejected orders: %s", got)
	}
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "10")

	// 0.60 * 20 = 12 > 10.
	_, err := f.engine.CreateOrder(context.Background(), f.market, "alice",
		model.OrderTypeLimit, model.OutcomeYes, d("0.60"), d("20"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestCreateOrder_ExpiredMarket(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")
	f.engine.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	_, err := f.engine.CreateOrder(context.Background(), f.market, "alice",
		model.OrderTypeLimit, model.OutcomeYes, d("0.50"), d("10"))
	if !errors.Is(err, ErrMarketExpired) {
		t.Fatalf("err = %v, want ErrMarketExpired", err)
	}
}

func TestCreateOrder_AMMMarketRejected(t *testing.T) {
	f := newFixture(t)
	m := &model.Market{
		ID:            uuid.New().String(),
		Ticker:        "PM-CRYPTO-btc-100k-20261231",
		ExecutionMode: model.ModeAMM,
		Status:        model.MarketBetting,
		CutoffAt:      time.Now().Add(24 * time.Hour),
		Version:       1,
	}
	if err := f.store.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	f.fund(t, "alice", "100")

	_, err := f.engine.CreateOrder(context.Background(), m.ID, "alice",
		model.OrderTypeLimit, model.OutcomeYes, d("0.50"), d("10"))
	if !errors.Is(err, ErrMarketNotBook) {
		t.Fatalf("err = %v, want ErrMarketNotBook", err)
	}
}

func TestCancelOrder_RefundsReserve(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")

	res := f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")
	if got := f.balance(t, "alice"); !got.Equal(d("70")) {
		t.Fatalf("balance after placement = %s, want 70", got)
	}

	cr, err := f.engine.CancelOrder(context.Background(), res.OrderID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cr.RefundedAmount.Equal(d("30")) {
		t.Fatalf("refund = %s, want 30", cr.RefundedAmount)
	}
	if got := f.balance(t, "alice"); !got.Equal(d("100")) {
		t.Fatalf("balance after cancel = %s, want 100", got)
	}

	yes, _, _ := f.engine.Depth(context.Background(), f.market)
	if !yes.IsZero() {
		t.Fatalf("order still resting after cancel")
	}

	refunds, err := f.store.ListRefundsByOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("list refunds: %v", err)
	}
	if len(refunds) != 1 {
		t.Fatalf("refund records = %d, want 1", len(refunds))
	}
}

func TestCancelOrder_PartialRefundsRemainder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")
	f.fund(t, "bob", "100")

	res := f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")
	f.place(t, "bob", model.OrderTypeLimit, model.OutcomeNo, "0.40", "20")

	cr, err := f.engine.CancelOrder(context.Background(), res.OrderID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 30 shares unfilled at 0.60 = 18 refunded.
	if !cr.RefundedAmount.Equal(d("18")) {
		t.Fatalf("refund = %s, want 18", cr.RefundedAmount)
	}
	// 100 - 30 reserved + 18 refunded = 88; 12 stays spent on the fill.
	if got := f.balance(t, "alice"); !got.Equal(d("88")) {
		t.Fatalf("balance = %s, want 88", got)
	}
}

func TestCancelOrder_Rejections(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")
	f.fund(t, "bob", "100")

	res := f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")

	if _, err := f.engine.CancelOrder(context.Background(), res.OrderID, "bob"); !errors.Is(err, ErrNotOrderOwner) {
		t.Fatalf("err = %v, want ErrNotOrderOwner", err)
	}

	if _, err := f.engine.CancelOrder(context.Background(), res.OrderID, "alice"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := f.engine.CancelOrder(context.Background(), res.OrderID, "alice"); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("err = %v, want ErrAlreadyCancelled", err)
	}

	// Fully filled orders cannot be cancelled.
	filled := f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "10")
	f.place(t, "bob", model.OrderTypeLimit, model.OutcomeNo, "0.40", "10")
	if _, err := f.engine.CancelOrder(context.Background(), filled.OrderID, "alice"); !errors.Is(err, ErrAlreadyFilled) {
		t.Fatalf("err = %v, want ErrAlreadyFilled", err)
	}
}

func TestCancelOrder_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")

	res := f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")

	const attempts = 10
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.CancelOrder(context.Background(), res.OrderID, "alice")
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyCancelled):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	// Exactly one refund, balance restored exactly once.
	refunds, _ := f.store.ListRefundsByOrder(context.Background(), res.OrderID)
	if len(refunds) != 1 {
		t.Fatalf("refund records = %d, want 1", len(refunds))
	}
	if got := f.balance(t, "alice"); !got.Equal(d("100")) {
		t.Fatalf("balance = %s, want 100", got)
	}
}

func TestCreateOrder_RiskLimit(t *testing.T) {
	f := newFixture(t)
	f.engine.limiter = &risk.Limiter{MaxPerMarket: d("40")}
	f.fund(t, "alice", "100")

	f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "30")

	_, err := f.engine.CreateOrder(context.Background(), f.market, "alice",
		model.OrderTypeLimit, model.OutcomeYes, d("0.60"), d("20"))
	if !errors.Is(err, risk.ErrMarketLimitExceeded) {
		t.Fatalf("err = %v, want ErrMarketLimitExceeded", err)
	}
}

func TestEngine_RebuildsBookFromStore(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")
	f.fund(t, "bob", "100")

	f.place(t, "alice", model.OrderTypeLimit, model.OutcomeYes, "0.60", "50")

	// A fresh engine over the same store sees the resting order.
	e2 := NewEngine(f.store, nil)
	res, err := e2.CreateOrder(context.Background(), f.market, "bob",
		model.OrderTypeLimit, model.OutcomeNo, d("0.40"), d("50"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.Status != model.OrderFilled {
		t.Fatalf("status = %s, want FILLED after rebuild", res.Status)
	}
}
