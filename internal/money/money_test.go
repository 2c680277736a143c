package money_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-sim/internal/money"
)

func TestFromString(t *testing.T) {
	c, err := money.FromString("150.25")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if c != 15025 {
		t.Errorf("expected 15025 cents, got %d", c)
	}
	if c.String() != "150.25" {
		t.Errorf("round trip produced %s", c.String())
	}
}

func TestFromDecimal_RejectsSubCent(t *testing.T) {
	_, err := money.FromDecimal(decimal.NewFromFloat(0.001))
	if !errors.Is(err, money.ErrInexact) {
		t.Errorf("expected ErrInexact, got %v", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	_, err := money.Mul(money.MaxCents, 2)
	if !errors.Is(err, money.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestMul_Exact(t *testing.T) {
	got, err := money.Mul(15000, 10) // $150.00 × 10
	if err != nil {
		t.Fatalf("mul failed: %v", err)
	}
	if got != 150000 {
		t.Errorf("expected 150000, got %d", got)
	}
}

func TestWeightedAvg_ExactMean(t *testing.T) {
	// buy 10 @ $100 then 15 @ $150 ⇒ avg = $130.00 exactly.
	avg, err := money.WeightedAvg(10000, 10, 15000, 15)
	if err != nil {
		t.Fatalf("weighted avg failed: %v", err)
	}
	if avg != 13000 {
		t.Errorf("expected 13000 cents, got %d", avg)
	}
}

func TestWeightedAvg_FirstBuy(t *testing.T) {
	avg, err := money.WeightedAvg(0, 0, 14550, 7)
	if err != nil {
		t.Fatalf("weighted avg failed: %v", err)
	}
	if avg != 14550 {
		t.Errorf("first buy should set avg to price, got %d", avg)
	}
}

func TestWeightedAvg_RoundsHalfUp(t *testing.T) {
	// 1 @ $1.00 + 1 @ $1.01 ⇒ mean 100.5 cents, rounds up to 101.
	avg, err := money.WeightedAvg(100, 1, 101, 1)
	if err != nil {
		t.Fatalf("weighted avg failed: %v", err)
	}
	if avg != 101 {
		t.Errorf("expected half-up rounding to 101, got %d", avg)
	}

	// 1 @ $1.00 + 2 @ $1.01 ⇒ mean 100.67 cents, rounds to 101.
	avg, err = money.WeightedAvg(100, 1, 101, 2)
	if err != nil {
		t.Fatalf("weighted avg failed: %v", err)
	}
	if avg != 101 {
		t.Errorf("expected 101, got %d", avg)
	}

	// 2 @ $1.00 + 1 @ $1.01 ⇒ mean 100.33 cents, rounds to 100.
	avg, err = money.WeightedAvg(100, 2, 101, 1)
	if err != nil {
		t.Fatalf("weighted avg failed: %v", err)
	}
	if avg != 100 {
		t.Errorf("expected 100, got %d", avg)
	}
}

func TestWeightedAvg_NoDriftAcrossRepeatedBuys(t *testing.T) {
	// 100 identical buys at the same price must leave the average untouched.
	avg := money.Cents(13333)
	qty := int64(0)
	for i := 0; i < 100; i++ {
		next, err := money.WeightedAvg(avg, qty, 13333, 3)
		if err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
		avg = next
		qty += 3
	}
	if avg != 13333 {
		t.Errorf("average drifted to %d after repeated same-price buys", avg)
	}
}
