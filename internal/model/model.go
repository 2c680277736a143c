// Package model defines the core domain types shared across the simulator.
// All monetary values are integer cents (money.Cents) — never float64.
package model

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-sim/internal/money"
)

// Side of a trade or order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderKind distinguishes immediate trades from resting limit orders.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

// TradeStatus marks a ledger record as executed or failed.
type TradeStatus string

const (
	TradeExecuted TradeStatus = "EXECUTED"
	TradeFailed   TradeStatus = "FAILED"
)

// OrderStatus is the limit-order lifecycle state.
// Transitions: PENDING → TRIGGERED → {FILLED, FAILED}; PENDING → CANCELLED.
// FILLED, CANCELLED and FAILED are terminal and never re-entered.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderTriggered OrderStatus = "TRIGGERED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status is one no transition ever leaves.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// symbolRegex matches plain equity-style symbols: uppercase, 1-10 chars,
// optional dot classes (BRK.B).
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

// ValidSymbol reports whether s is a well-formed ticker symbol.
func ValidSymbol(s string) bool { return symbolRegex.MatchString(s) }

// Quote is a point-in-time snapshot of one symbol's simulated price state.
// Invariants after at least one tick: Bid < Price < Ask, Low ≤ Price ≤ High.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         money.Cents     `json:"price"`
	Bid           money.Cents     `json:"bid"`
	Ask           money.Cents     `json:"ask"`
	High          money.Cents     `json:"high"`
	Low           money.Cents     `json:"low"`
	PrevClose     money.Cents     `json:"prev_close"`
	Change        money.Cents     `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PricePoint is one historical sample in a symbol's bounded history.
type PricePoint struct {
	Price     money.Cents `json:"price"`
	Timestamp time.Time   `json:"timestamp"`
}

// Position is the holding in a single symbol: share count (positive while
// the position exists) and the weighted average cost per share.
type Position struct {
	Symbol  string      `json:"symbol"`
	Shares  int64       `json:"shares"`
	AvgCost money.Cents `json:"avg_cost"`
}

// Portfolio is the single account's cash, positions keyed by symbol,
// cumulative realized P&L, and the initial cash basis used for return
// percentages. A position is removed the instant its share count hits zero.
type Portfolio struct {
	Cash        money.Cents         `json:"cash"`
	Positions   map[string]Position `json:"positions"`
	RealizedPL  money.Cents         `json:"realized_pl"`
	InitialCash money.Cents         `json:"initial_cash"`
}

// Clone returns a deep copy so callers can never mutate engine state.
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Positions = make(map[string]Position, len(p.Positions))
	for sym, pos := range p.Positions {
		out.Positions[sym] = pos
	}
	return out
}

// Trade is an immutable ledger record. Once created it is never modified
// or deleted; exactly one exists per execution attempt that reached the
// ledger, whether it executed or failed.
type Trade struct {
	ID         string      `json:"id" db:"id"`
	Symbol     string      `json:"symbol" db:"symbol"`
	Side       Side        `json:"side" db:"side"`
	Kind       OrderKind   `json:"kind" db:"kind"`
	Quantity   int64       `json:"quantity" db:"quantity"`
	Price      money.Cents `json:"price" db:"price"`
	Total      money.Cents `json:"total" db:"total"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	ExecutedAt time.Time   `json:"executed_at" db:"executed_at"`
	Status     TradeStatus `json:"status" db:"status"`
	Error      string      `json:"error,omitempty" db:"error"`
}

// LimitOrder is a resting order owned exclusively by the order engine.
type LimitOrder struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	LimitPrice money.Cents `json:"limit_price"`
	Quantity   int64       `json:"quantity"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`

	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	ExecutedPrice money.Cents `json:"executed_price,omitempty"`
	ExecutedTotal money.Cents `json:"executed_total,omitempty"`
	TradeID       string      `json:"trade_id,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// PortfolioMetrics is the valuation summary computed against current prices.
type PortfolioMetrics struct {
	TotalValue         money.Cents     `json:"total_value"`
	RealizedPL         money.Cents     `json:"realized_pl"`
	UnrealizedPL       money.Cents     `json:"unrealized_pl"`
	TotalPL            money.Cents     `json:"total_pl"`
	TotalReturnPercent decimal.Decimal `json:"total_return_percent"`
	CashPercent        decimal.Decimal `json:"cash_percent"`
}

// SnapshotVersion tags exported payloads. Informal versioning only — the
// persisted layout is a plain structural snapshot, no binary framing.
const SnapshotVersion = "1"

// OrdersSnapshot is the order engine's export payload.
type OrdersSnapshot struct {
	Version string       `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Orders  []LimitOrder `json:"orders"`
}

// StateSnapshot is the full persisted-state layout consumed by the
// external persistence collaborator.
type StateSnapshot struct {
	Version   string         `json:"version"`
	SavedAt   time.Time      `json:"saved_at"`
	Portfolio Portfolio      `json:"portfolio"`
	Trades    []Trade        `json:"trades"`
	Orders    OrdersSnapshot `json:"orders"`
}
