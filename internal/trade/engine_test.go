package trade

import (
	"errors"
	"testing"
	"time"

	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
)

// fakeClock advances manually so throttle windows are deterministic.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T, clock *fakeClock) *Engine {
	t.Helper()
	return NewEngine(Config{
		InitialCash: money.Cents(10000000), // $100,000
		Throttle:    time.Second,
		Now:         clock.Now,
	})
}

func buy(t *testing.T, e *Engine, clock *fakeClock, symbol string, qty int64, price money.Cents) *model.Trade {
	t.Helper()
	clock.Advance(2 * time.Second)
	tr, err := e.Execute(Request{
		Symbol: symbol, Side: model.Buy, Quantity: qty, Price: price, Kind: model.KindMarket,
	})
	if err != nil {
		t.Fatalf("buy %d %s @ %s: %v", qty, symbol, price, err)
	}
	return tr
}

func sell(t *testing.T, e *Engine, clock *fakeClock, symbol string, qty int64, price money.Cents) *model.Trade {
	t.Helper()
	clock.Advance(2 * time.Second)
	tr, err := e.Execute(Request{
		Symbol: symbol, Side: model.Sell, Quantity: qty, Price: price, Kind: model.KindMarket,
	})
	if err != nil {
		t.Fatalf("sell %d %s @ %s: %v", qty, symbol, price, err)
	}
	return tr
}

func TestBuyUpdatesPortfolio(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	tr := buy(t, e, clock, "AAPL", 10, money.Cents(10000)) // 10 @ $100

	if tr.Status != model.TradeExecuted {
		t.Fatalf("status = %s", tr.Status)
	}
	if tr.Total != 100000 {
		t.Errorf("total = %d, want 100000", tr.Total)
	}

	p := e.Portfolio()
	if p.Cash != 9900000 {
		t.Errorf("cash = %d, want 9900000", p.Cash)
	}
	pos := p.Positions["AAPL"]
	if pos.Shares != 10 || pos.AvgCost != 10000 {
		t.Errorf("position = %+v", pos)
	}
}

func TestBuyAveragesCost(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	buy(t, e, clock, "AAPL", 10, money.Cents(10000)) // 10 @ $100
	buy(t, e, clock, "AAPL", 15, money.Cents(15000)) // 15 @ $150

	pos := e.Portfolio().Positions["AAPL"]
	if pos.Shares != 25 {
		t.Errorf("shares = %d, want 25", pos.Shares)
	}
	// (10*10000 + 15*15000) / 25 = 13000
	if pos.AvgCost != 13000 {
		t.Errorf("avg cost = %d, want 13000", pos.AvgCost)
	}
}

func TestSellRealizesGain(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	buy(t, e, clock, "TSLA", 10, money.Cents(15000))  // 10 @ $150
	sell(t, e, clock, "TSLA", 10, money.Cents(18000)) // 10 @ $180

	p := e.Portfolio()
	// 10 * ($180 - $150) = $300
	if p.RealizedPL != 30000 {
		t.Errorf("realized P&L = %d, want 30000", p.RealizedPL)
	}
	// $100,000 - $1,500 + $1,800 = $100,300
	if p.Cash != 10030000 {
		t.Errorf("cash = %d, want 10030000", p.Cash)
	}
	if _, held := p.Positions["TSLA"]; held {
		t.Error("fully sold position should be removed")
	}
}

func TestPartialSellKeepsAvgCost(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	buy(t, e, clock, "MSFT", 20, money.Cents(20000))
	sell(t, e, clock, "MSFT", 5, money.Cents(25000))

	pos := e.Portfolio().Positions["MSFT"]
	if pos.Shares != 15 {
		t.Errorf("shares = %d, want 15", pos.Shares)
	}
	if pos.AvgCost != 20000 {
		t.Errorf("avg cost changed on sell: %d", pos.AvgCost)
	}
}

func TestInsufficientCashRejected(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	before := e.Portfolio()

	clock.Advance(2 * time.Second)
	_, err := e.Execute(Request{
		Symbol: "AAPL", Side: model.Buy, Quantity: 1000000, Price: money.Cents(10000),
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	after := e.Portfolio()
	if after.Cash != before.Cash || len(after.Positions) != 0 {
		t.Error("rejected trade mutated portfolio")
	}
	if len(e.TradeHistory()) != 0 {
		t.Error("rejected trade recorded in ledger")
	}
}

func TestInsufficientSharesRejected(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	buy(t, e, clock, "AAPL", 5, money.Cents(10000))

	clock.Advance(2 * time.Second)
	_, err := e.Execute(Request{
		Symbol: "AAPL", Side: model.Sell, Quantity: 10, Price: money.Cents(10000),
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if e.Portfolio().Positions["AAPL"].Shares != 5 {
		t.Error("rejected sell mutated position")
	}
}

func TestValidation(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	cases := []struct {
		name string
		req  Request
	}{
		{"bad symbol", Request{Symbol: "aapl", Side: model.Buy, Quantity: 1, Price: 100}},
		{"bad side", Request{Symbol: "AAPL", Side: "HOLD", Quantity: 1, Price: 100}},
		{"zero quantity", Request{Symbol: "AAPL", Side: model.Buy, Quantity: 0, Price: 100}},
		{"negative quantity", Request{Symbol: "AAPL", Side: model.Buy, Quantity: -5, Price: 100}},
		{"zero price", Request{Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: 0}},
		{"price above cap", Request{Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: MaxPrice + 1}},
		{"unknown position sell", Request{Symbol: "ZZZZ", Side: model.Sell, Quantity: 1, Price: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock.Advance(2 * time.Second)
			_, err := e.Execute(tc.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want ValidationError, got %v", err)
			}
		})
	}
}

func TestThrottle(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	buy(t, e, clock, "AAPL", 1, money.Cents(10000))

	clock.Advance(300 * time.Millisecond)
	_, err := e.Execute(Request{
		Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: money.Cents(10000),
	})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("want ErrThrottled, got %v", err)
	}
	var terr *ThrottledError
	if !errors.As(err, &terr) {
		t.Fatalf("want *ThrottledError, got %T", err)
	}
	if terr.Remaining != 700*time.Millisecond {
		t.Errorf("remaining = %s, want 700ms", terr.Remaining)
	}
	if !e.IsThrottled() {
		t.Error("IsThrottled should report true inside the window")
	}

	clock.Advance(700 * time.Millisecond)
	if e.IsThrottled() {
		t.Error("IsThrottled should report false once the window elapses")
	}
	if _, err := e.Execute(Request{
		Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: money.Cents(10000),
	}); err != nil {
		t.Fatalf("trade after window: %v", err)
	}
}

func TestThrottledRejectionNotRecorded(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	buy(t, e, clock, "AAPL", 1, money.Cents(10000))

	clock.Advance(100 * time.Millisecond)
	e.Execute(Request{Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: money.Cents(10000)})

	if n := len(e.TradeHistory()); n != 1 {
		t.Fatalf("ledger has %d entries, want 1", n)
	}
	// Rejection must not restart the throttle window.
	clock.Advance(900 * time.Millisecond)
	if e.IsThrottled() {
		t.Error("rejection restarted the throttle window")
	}
}

func TestBusyGuard(t *testing.T) {
	clock := newFakeClock()
	clock.Advance(2 * time.Second)

	var e *Engine
	var nested error
	fired := false
	// The clock is read inside the guarded section, so a nested call from
	// it observes the engine mid-execution.
	e = NewEngine(Config{
		Throttle: time.Second,
		Now: func() time.Time {
			if !fired {
				fired = true
				_, nested = e.Execute(Request{
					Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: money.Cents(10000),
				})
			}
			return clock.Now()
		},
	})

	if _, err := e.Execute(Request{
		Symbol: "AAPL", Side: model.Buy, Quantity: 1, Price: money.Cents(10000),
	}); err != nil {
		t.Fatalf("outer execute: %v", err)
	}
	if !errors.Is(nested, ErrBusy) {
		t.Fatalf("nested execute: want ErrBusy, got %v", nested)
	}
}

func TestLedgerOrderAndIDs(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	buy(t, e, clock, "AAPL", 1, money.Cents(10000))
	buy(t, e, clock, "MSFT", 2, money.Cents(20000))
	sell(t, e, clock, "AAPL", 1, money.Cents(11000))

	hist := e.TradeHistory()
	if len(hist) != 3 {
		t.Fatalf("ledger has %d entries, want 3", len(hist))
	}
	if hist[0].Symbol != "AAPL" || hist[1].Symbol != "MSFT" || hist[2].Side != model.Sell {
		t.Errorf("ledger out of order: %+v", hist)
	}
	seen := make(map[string]bool)
	for _, tr := range hist {
		if tr.ID == "" || seen[tr.ID] {
			t.Errorf("duplicate or empty trade id %q", tr.ID)
		}
		seen[tr.ID] = true
	}
}

func TestMetrics(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)

	buy(t, e, clock, "AAPL", 10, money.Cents(10000))  // $1,000
	sell(t, e, clock, "AAPL", 5, money.Cents(12000))  // realize 5*$20 = $100
	buy(t, e, clock, "MSFT", 2, money.Cents(30000))   // $600

	m, err := e.Metrics(map[string]money.Cents{
		"AAPL": money.Cents(11000),
		"MSFT": money.Cents(35000),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Unrealized: 5*(110-100) + 2*(350-300) = $50 + $100 = $150
	if m.UnrealizedPL != 15000 {
		t.Errorf("unrealized = %d, want 15000", m.UnrealizedPL)
	}
	if m.RealizedPL != 10000 {
		t.Errorf("realized = %d, want 10000", m.RealizedPL)
	}
	if m.TotalPL != 25000 {
		t.Errorf("total P&L = %d, want 25000", m.TotalPL)
	}
	// Cash: 100000 - 1000 + 600 - 600 = $99,000; holdings 5*$110 + 2*$350 = $1,250
	if m.TotalValue != 9900000+125000 {
		t.Errorf("total value = %d, want %d", m.TotalValue, 9900000+125000)
	}
	if got := m.TotalReturnPercent.String(); got != "0.25" {
		t.Errorf("return%% = %s, want 0.25", got)
	}
}

func TestMetricsMissingPriceFallsBackToAvgCost(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	buy(t, e, clock, "AAPL", 10, money.Cents(10000))

	m, err := e.Metrics(map[string]money.Cents{})
	if err != nil {
		t.Fatal(err)
	}
	if m.UnrealizedPL != 0 {
		t.Errorf("unrealized = %d, want 0 with avg-cost fallback", m.UnrealizedPL)
	}
	if m.TotalValue != 10000000 {
		t.Errorf("total value = %d, want 10000000", m.TotalValue)
	}
}

func TestLoadStateRoundTrip(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	buy(t, e, clock, "AAPL", 10, money.Cents(10000))
	sell(t, e, clock, "AAPL", 3, money.Cents(12000))

	snap := &model.StateSnapshot{
		Portfolio: e.Portfolio(),
		Trades:    e.TradeHistory(),
	}

	fresh := newTestEngine(t, clock)
	fresh.LoadState(snap)

	if got, want := fresh.Portfolio(), e.Portfolio(); got.Cash != want.Cash ||
		got.RealizedPL != want.RealizedPL ||
		got.Positions["AAPL"] != want.Positions["AAPL"] {
		t.Errorf("restored portfolio %+v != %+v", got, want)
	}
	if len(fresh.TradeHistory()) != 2 {
		t.Errorf("restored ledger has %d entries, want 2", len(fresh.TradeHistory()))
	}
}

func TestResetClampsInitialCash(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	buy(t, e, clock, "AAPL", 1, money.Cents(10000))

	cases := []struct {
		in   money.Cents
		want money.Cents
	}{
		{0, DefaultInitialCash},
		{money.Cents(500), MinInitialCash},
		{money.Cents(99999999999), MaxInitialCash},
		{money.Cents(5000000), money.Cents(5000000)},
	}
	for _, tc := range cases {
		e.Reset(tc.in)
		p := e.Portfolio()
		if p.Cash != tc.want || p.InitialCash != tc.want {
			t.Errorf("Reset(%d): cash = %d, want %d", tc.in, p.Cash, tc.want)
		}
		if len(p.Positions) != 0 || len(e.TradeHistory()) != 0 {
			t.Errorf("Reset(%d) left residual state", tc.in)
		}
	}
}

func TestPortfolioReturnsCopy(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, clock)
	buy(t, e, clock, "AAPL", 10, money.Cents(10000))

	p := e.Portfolio()
	p.Cash = 0
	p.Positions["AAPL"] = model.Position{Symbol: "AAPL", Shares: 999}

	if e.Portfolio().Cash == 0 {
		t.Error("mutating the returned portfolio leaked into the engine")
	}
	if e.Portfolio().Positions["AAPL"].Shares != 10 {
		t.Error("mutating the returned positions map leaked into the engine")
	}
}
