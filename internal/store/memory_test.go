package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
)

func testSnapshot() *model.StateSnapshot {
	return &model.StateSnapshot{
		Version: model.SnapshotVersion,
		SavedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Portfolio: model.Portfolio{
			Cash:        money.Cents(9900000),
			InitialCash: money.Cents(10000000),
			Positions: map[string]model.Position{
				"AAPL": {Symbol: "AAPL", Shares: 10, AvgCost: money.Cents(10000)},
			},
		},
		Trades: []model.Trade{
			{ID: "t1", Symbol: "AAPL", Side: model.Buy, Quantity: 10,
				Price: money.Cents(10000), Total: money.Cents(100000),
				Status: model.TradeExecuted},
		},
		Orders: model.OrdersSnapshot{
			Version: model.SnapshotVersion,
			Orders: []model.LimitOrder{
				{ID: "o1", Symbol: "AAPL", Side: model.Sell,
					LimitPrice: money.Cents(12000), Quantity: 5,
					Status: model.OrderPending},
			},
		},
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.LoadSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty store: want ErrNoSnapshot, got %v", err)
	}

	snap := testSnapshot()
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Portfolio.Cash != snap.Portfolio.Cash {
		t.Errorf("cash = %d, want %d", got.Portfolio.Cash, snap.Portfolio.Cash)
	}
	if got.Portfolio.Positions["AAPL"] != snap.Portfolio.Positions["AAPL"] {
		t.Errorf("position = %+v", got.Portfolio.Positions["AAPL"])
	}
	if len(got.Trades) != 1 || got.Trades[0].ID != "t1" {
		t.Errorf("trades = %+v", got.Trades)
	}
	if len(got.Orders.Orders) != 1 || got.Orders.Orders[0].ID != "o1" {
		t.Errorf("orders = %+v", got.Orders.Orders)
	}
}

func TestMemorySnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	snap := testSnapshot()
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not affect the stored snapshot.
	snap.Portfolio.Cash = 0
	snap.Portfolio.Positions["AAPL"] = model.Position{}
	snap.Trades[0].ID = "clobbered"

	got, _ := s.LoadSnapshot(ctx)
	if got.Portfolio.Cash != 9900000 {
		t.Error("stored snapshot shares portfolio with caller")
	}
	if got.Portfolio.Positions["AAPL"].Shares != 10 {
		t.Error("stored snapshot shares positions map with caller")
	}
	if got.Trades[0].ID != "t1" {
		t.Error("stored snapshot shares trades slice with caller")
	}

	// And mutating a loaded copy must not affect later loads.
	got.Portfolio.Positions["AAPL"] = model.Position{}
	again, _ := s.LoadSnapshot(ctx)
	if again.Portfolio.Positions["AAPL"].Shares != 10 {
		t.Error("loaded snapshots share state")
	}
}

func TestMemorySaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SaveSnapshot(ctx, testSnapshot())

	second := testSnapshot()
	second.Portfolio.Cash = money.Cents(1234)
	s.SaveSnapshot(ctx, second)

	got, _ := s.LoadSnapshot(ctx)
	if got.Portfolio.Cash != 1234 {
		t.Errorf("cash = %d, want latest save 1234", got.Portfolio.Cash)
	}
}

func TestMemoryTradeLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, id := range []string{"a", "b", "c"} {
		tr := &model.Trade{ID: id, Symbol: "AAPL", Side: model.Buy,
			Quantity: int64(i + 1), Status: model.TradeExecuted}
		if err := s.AppendTrade(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListTrades(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("trades = %+v", all)
	}

	// Bounded reads keep the newest entries, still oldest first.
	last2, _ := s.ListTrades(ctx, 2)
	if len(last2) != 2 || last2[0].ID != "b" || last2[1].ID != "c" {
		t.Fatalf("limited trades = %+v", last2)
	}
}
