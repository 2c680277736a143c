// Package trade owns the single-account portfolio and the immutable trade
// ledger, and exposes one atomic execution entry point.
//
// All monetary math is integer cents (see internal/money). Execution is
// serialized by a fail-fast guard: a second caller arriving while a trade
// is in flight gets ErrBusy immediately rather than queueing, and a
// configurable throttle enforces a minimum interval between executions.
package trade

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/market-sim/internal/metrics"
	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
)

// Price bounds accepted for any execution request.
const (
	MinPrice = money.Cents(1)         // $0.01
	MaxPrice = money.Cents(100000000) // $1,000,000.00
)

// Initial-cash clamp applied by Reset.
const (
	DefaultInitialCash = money.Cents(10000000)    // $100,000.00
	MinInitialCash     = money.Cents(10000)       // $100.00
	MaxInitialCash     = money.Cents(10000000000) // $100,000,000.00
)

// DefaultThrottle is the minimum interval between successive executions.
const DefaultThrottle = time.Second

var (
	// ErrBusy is returned when a trade is already executing. The portfolio
	// is untouched; callers are expected to retry.
	ErrBusy = errors.New("trade: execution already in progress")

	// ErrThrottled is the target for errors.Is on throttle rejections.
	ErrThrottled = errors.New("trade: throttled")
)

// ThrottledError reports how long the caller must wait before retrying.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("trade: throttled, retry in %s", e.Remaining)
}

// Unwrap lets errors.Is(err, ErrThrottled) match.
func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// ValidationError describes a rejected request: malformed fields or
// insufficient cash/shares. Always recoverable, never mutates state.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "trade: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Request describes a single execution attempt.
type Request struct {
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    money.Cents     `json:"price"`
	Kind     model.OrderKind `json:"kind"`
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	InitialCash money.Cents
	Throttle    time.Duration

	// Now is the clock used for throttling and timestamps; nil means
	// time.Now. Injected by tests.
	Now func() time.Time
}

// Engine is the trade execution and accounting engine.
type Engine struct {
	// execGuard serializes Execute with fail-fast TryLock semantics.
	execGuard sync.Mutex
	// mu guards all fields below for readers and loaders.
	mu sync.Mutex

	portfolio model.Portfolio
	ledger    []model.Trade
	throttle  time.Duration
	lastExec  time.Time
	now       func() time.Time
}

// NewEngine creates a trade engine holding a fresh portfolio.
func NewEngine(cfg Config) *Engine {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{throttle: cfg.Throttle, now: cfg.Now}
	e.resetLocked(cfg.InitialCash)
	return e
}

// Execute validates and atomically applies one trade against the portfolio.
//
// Rejection order: busy guard, throttle, validation. All three leave the
// portfolio untouched and record nothing. Once execution begins, the
// mutation is all-or-nothing; a fault during settlement rolls back and the
// attempt is recorded in the ledger as a failed trade, which is returned
// alongside the error.
func (e *Engine) Execute(req Request) (*model.Trade, error) {
	if !e.execGuard.TryLock() {
		metrics.TradeRejections.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	defer e.execGuard.Unlock()

	start := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastExec.IsZero() {
		if elapsed := start.Sub(e.lastExec); elapsed < e.throttle {
			metrics.TradeRejections.WithLabelValues("throttled").Inc()
			return nil, &ThrottledError{Remaining: e.throttle - elapsed}
		}
	}

	if err := e.validateLocked(req); err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	trade, err := e.settleLocked(req, start)
	e.lastExec = start
	e.ledger = append(e.ledger, *trade)
	metrics.TradesTotal.WithLabelValues(string(req.Side), string(trade.Status)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(e.now().Sub(start).Seconds())

	if err != nil {
		slog.Error("trade failed", "id", trade.ID, "symbol", req.Symbol, "err", err)
		return trade, err
	}
	slog.Info("trade executed",
		"id", trade.ID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity,
		"price", req.Price.String(),
		"total", trade.Total.String(),
	)
	return trade, nil
}

// validateLocked checks request shape and portfolio sufficiency without
// touching state.
func (e *Engine) validateLocked(req Request) error {
	if !model.ValidSymbol(req.Symbol) {
		return invalid("invalid symbol %q", req.Symbol)
	}
	if !req.Side.Valid() {
		return invalid("side must be BUY or SELL, got %q", req.Side)
	}
	if req.Quantity <= 0 {
		return invalid("quantity must be a positive integer, got %d", req.Quantity)
	}
	if req.Price < MinPrice || req.Price > MaxPrice {
		return invalid("price %s outside allowed range [%s, %s]",
			req.Price, MinPrice, MaxPrice)
	}

	total, err := money.Mul(req.Price, req.Quantity)
	if err != nil {
		return invalid("trade total overflows: %v", err)
	}

	switch req.Side {
	case model.Buy:
		if e.portfolio.Cash < total {
			return invalid("insufficient cash: need %s, have %s",
				total, e.portfolio.Cash)
		}
	case model.Sell:
		pos, ok := e.portfolio.Positions[req.Symbol]
		if !ok {
			return invalid("no position in %s", req.Symbol)
		}
		if pos.Shares < req.Quantity {
			return invalid("insufficient shares in %s: need %d, have %d",
				req.Symbol, req.Quantity, pos.Shares)
		}
	}
	return nil
}

// settleLocked applies the mutation all-or-nothing and builds the ledger
// record. Every new value is computed before anything is assigned, so a
// fault mid-computation leaves the portfolio exactly as it was.
func (e *Engine) settleLocked(req Request, at time.Time) (*model.Trade, error) {
	trade := &model.Trade{
		ID:        newTradeID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      req.Kind,
		Quantity:  req.Quantity,
		Price:     req.Price,
		CreatedAt: at,
	}

	total, err := money.Mul(req.Price, req.Quantity)
	if err != nil {
		return e.failLocked(trade, err), err
	}
	trade.Total = total

	switch req.Side {
	case model.Buy:
		newCash := e.portfolio.Cash - total
		pos, held := e.portfolio.Positions[req.Symbol]
		newAvg := req.Price
		newShares := req.Quantity
		if held {
			newAvg, err = money.WeightedAvg(pos.AvgCost, pos.Shares, req.Price, req.Quantity)
			if err != nil {
				return e.failLocked(trade, err), err
			}
			newShares = pos.Shares + req.Quantity
		}
		e.portfolio.Cash = newCash
		e.portfolio.Positions[req.Symbol] = model.Position{
			Symbol:  req.Symbol,
			Shares:  newShares,
			AvgCost: newAvg,
		}

	case model.Sell:
		pos := e.portfolio.Positions[req.Symbol]
		gain, err := money.Mul(req.Price-pos.AvgCost, req.Quantity)
		if err != nil {
			return e.failLocked(trade, err), err
		}
		newRealized, err := money.Add(e.portfolio.RealizedPL, gain)
		if err != nil {
			return e.failLocked(trade, err), err
		}
		newCash, err := money.Add(e.portfolio.Cash, total)
		if err != nil {
			return e.failLocked(trade, err), err
		}
		e.portfolio.RealizedPL = newRealized
		e.portfolio.Cash = newCash
		if pos.Shares == req.Quantity {
			// Empty positions are dropped; average cost is not retained.
			delete(e.portfolio.Positions, req.Symbol)
		} else {
			pos.Shares -= req.Quantity
			e.portfolio.Positions[req.Symbol] = pos
		}
	}

	trade.Status = model.TradeExecuted
	trade.ExecutedAt = e.now()
	return trade, nil
}

// failLocked marks the attempted trade failed for the ledger.
func (e *Engine) failLocked(trade *model.Trade, err error) *model.Trade {
	trade.Status = model.TradeFailed
	trade.ExecutedAt = e.now()
	trade.Error = err.Error()
	return trade
}

// newTradeID returns a time-ordered id with a random disambiguator.
// UUIDv7 keeps ids sortable under burst execution.
func newTradeID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsThrottled reports whether an execution right now would be rejected by
// the throttle.
func (e *Engine) IsThrottled() bool {
	return e.ThrottleRemaining() > 0
}

// ThrottleRemaining returns how long until the next execution is allowed.
func (e *Engine) ThrottleRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastExec.IsZero() {
		return 0
	}
	remaining := e.throttle - e.now().Sub(e.lastExec)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Portfolio returns a deep copy of the current portfolio.
func (e *Engine) Portfolio() model.Portfolio {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portfolio.Clone()
}

// TradeHistory returns a copy of the ledger, oldest first.
func (e *Engine) TradeHistory() []model.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Trade, len(e.ledger))
	copy(out, e.ledger)
	return out
}

// Metrics values the portfolio against the given current prices. A held
// symbol missing from prices falls back to its average cost, contributing
// zero unrealized P&L.
func (e *Engine) Metrics(prices map[string]money.Cents) (model.PortfolioMetrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.portfolio.Cash
	unrealized := money.Cents(0)
	for sym, pos := range e.portfolio.Positions {
		price, ok := prices[sym]
		if !ok {
			price = pos.AvgCost
		}
		value, err := money.Mul(price, pos.Shares)
		if err != nil {
			return model.PortfolioMetrics{}, err
		}
		total, err = money.Add(total, value)
		if err != nil {
			return model.PortfolioMetrics{}, err
		}
		gain, err := money.Mul(price-pos.AvgCost, pos.Shares)
		if err != nil {
			return model.PortfolioMetrics{}, err
		}
		unrealized, err = money.Add(unrealized, gain)
		if err != nil {
			return model.PortfolioMetrics{}, err
		}
	}

	totalPL, err := money.Add(e.portfolio.RealizedPL, unrealized)
	if err != nil {
		return model.PortfolioMetrics{}, err
	}

	m := model.PortfolioMetrics{
		TotalValue:   total,
		RealizedPL:   e.portfolio.RealizedPL,
		UnrealizedPL: unrealized,
		TotalPL:      totalPL,
	}
	if e.portfolio.InitialCash > 0 {
		m.TotalReturnPercent = totalPL.Decimal().
			Div(e.portfolio.InitialCash.Decimal()).
			Mul(hundred).Round(2)
	}
	if total > 0 {
		m.CashPercent = e.portfolio.Cash.Decimal().
			Div(total.Decimal()).
			Mul(hundred).Round(2)
	}
	return m, nil
}

var hundred = decimal.NewFromInt(100)

// LoadPortfolio replaces the portfolio wholesale from a snapshot.
// Trusted-input contract: no validation beyond shape.
func (e *Engine) LoadPortfolio(p model.Portfolio) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.portfolio = p.Clone()
	if e.portfolio.Positions == nil {
		e.portfolio.Positions = make(map[string]model.Position)
	}
}

// LoadTradeHistory replaces the ledger wholesale from a snapshot.
func (e *Engine) LoadTradeHistory(trades []model.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger = make([]model.Trade, len(trades))
	copy(e.ledger, trades)
}

// LoadState replaces both portfolio and ledger from a full snapshot.
func (e *Engine) LoadState(snap *model.StateSnapshot) {
	e.LoadPortfolio(snap.Portfolio)
	e.LoadTradeHistory(snap.Trades)
}

// Reset restores a fresh portfolio. initialCash is clamped to
// [MinInitialCash, MaxInitialCash]; zero selects DefaultInitialCash.
func (e *Engine) Reset(initialCash money.Cents) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked(initialCash)
}

func (e *Engine) resetLocked(initialCash money.Cents) {
	if initialCash == 0 {
		initialCash = DefaultInitialCash
	}
	if initialCash < MinInitialCash {
		initialCash = MinInitialCash
	}
	if initialCash > MaxInitialCash {
		initialCash = MaxInitialCash
	}
	e.portfolio = model.Portfolio{
		Cash:        initialCash,
		Positions:   make(map[string]model.Position),
		InitialCash: initialCash,
	}
	e.ledger = nil
	e.lastExec = time.Time{}
}
