// Package price simulates a continuously evolving market price per symbol
// and fans updates out to subscribers.
//
// The walk is geometric Brownian motion: each tick multiplies the price by
// exp((drift − σ²/2)·dt + σ·√dt·Z) with a standard-normal Z. The float math
// is quarantined to the step computation and quantized to integer cents
// before any state is stored.
package price

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/market-sim/internal/metrics"
	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
)

// Defaults for a 1-second tick simulation.
const (
	DefaultInterval     = time.Second
	DefaultDrift        = 0.0002
	DefaultVolatility   = 0.02
	DefaultSpread       = 0.001 // relative bid/ask spread, 10 bps
	DefaultInitialPrice = money.Cents(10000)

	// maxHistory caps each symbol's sample history; oldest evicted first.
	maxHistory = 500
)

// Handler receives a quote snapshot on every update of a subscribed symbol.
type Handler func(model.Quote)

// Config tunes the simulation. Zero values fall back to the defaults above.
type Config struct {
	Interval     time.Duration
	Drift        float64
	Volatility   float64
	Spread       float64
	InitialPrice money.Cents

	// Seed fixes the random walk for reproducible runs; 0 seeds from the
	// clock.
	Seed uint64
}

// state is the engine-owned mutable price state for one symbol.
type state struct {
	quote   model.Quote
	history []model.PricePoint
}

// Engine owns all per-symbol price state and the periodic driver.
// Subscriber callbacks run on the driver goroutine, in registration order,
// after the symbol's state is fully updated.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	rng     *rand.Rand
	running bool
	stop    chan struct{}

	states  map[string]*state
	subs    map[string][]*Subscription // registration order per symbol
	globals []*Subscription
	nextID  int64
}

// Subscription is the opaque handle returned by Subscribe.
type Subscription struct {
	engine    *Engine
	symbol    string // empty for global subscriptions
	id        int64
	fn        Handler
	cancelled bool
}

// Cancel releases the subscription. Calling it more than once is safe.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	metrics.QuoteSubscribers.Dec()
	if s.symbol == "" {
		s.engine.globals = removeSub(s.engine.globals, s.id)
		return
	}
	remaining := removeSub(s.engine.subs[s.symbol], s.id)
	if len(remaining) == 0 {
		delete(s.engine.subs, s.symbol)
	} else {
		s.engine.subs[s.symbol] = remaining
	}
}

func removeSub(subs []*Subscription, id int64) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// NewEngine creates a price engine. The driver is not started.
func NewEngine(cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Drift == 0 {
		cfg.Drift = DefaultDrift
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = DefaultVolatility
	}
	if cfg.Spread <= 0 {
		cfg.Spread = DefaultSpread
	}
	if cfg.InitialPrice <= 0 {
		cfg.InitialPrice = DefaultInitialPrice
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Engine{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		states: make(map[string]*state),
		subs:   make(map[string][]*Subscription),
	}
}

// Start launches the periodic driver. Starting an already-running engine is
// a no-op that logs a warning.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		slog.Warn("price driver already running")
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	go e.run(e.stop)
	slog.Info("price driver started", "interval", e.cfg.Interval)
}

// Stop halts future ticks. All price state and subscriptions survive.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	e.running = false
	close(e.stop)
	slog.Info("price driver stopped")
}

func (e *Engine) run(stop chan struct{}) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Subscribe registers fn for a symbol, lazily creating the symbol's price
// state at the initial reference price. Subscribers for one symbol are
// independent; cancelling one never affects the others.
func (e *Engine) Subscribe(symbol string, fn Handler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ensureStateLocked(symbol)
	sub := e.newSubLocked(symbol, fn)
	e.subs[symbol] = append(e.subs[symbol], sub)
	return sub
}

// SubscribeAll registers fn for every symbol's updates. Global subscribers
// run after the symbol's own subscribers on each update.
func (e *Engine) SubscribeAll(fn Handler) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := e.newSubLocked("", fn)
	e.globals = append(e.globals, sub)
	return sub
}

func (e *Engine) newSubLocked(symbol string, fn Handler) *Subscription {
	e.nextID++
	metrics.QuoteSubscribers.Inc()
	return &Subscription{engine: e, symbol: symbol, id: e.nextID, fn: fn}
}

func (e *Engine) ensureStateLocked(symbol string) *state {
	st, ok := e.states[symbol]
	if !ok {
		now := time.Now().UTC()
		p := e.cfg.InitialPrice
		bid, ask := e.spreadAround(p)
		st = &state{quote: model.Quote{
			Symbol:    symbol,
			Price:     p,
			Bid:       bid,
			Ask:       ask,
			High:      p,
			Low:       p,
			PrevClose: p,
			UpdatedAt: now,
		}}
		e.states[symbol] = st
	}
	return st
}

// Tick advances every symbol that has at least one subscriber by one
// simulation step and notifies subscribers. The periodic driver calls this
// once per interval; it can also be invoked directly for manual stepping.
func (e *Engine) Tick() {
	e.mu.Lock()
	type delivery struct {
		fns   []Handler
		quote model.Quote
	}
	var pending []delivery
	for symbol, subs := range e.subs {
		if len(subs) == 0 {
			continue
		}
		st := e.ensureStateLocked(symbol)
		e.advanceLocked(st, e.stepPrice(st.quote.Price))
		pending = append(pending, delivery{fns: e.handlersLocked(subs), quote: st.quote})
	}
	metrics.TicksTotal.Inc()
	e.mu.Unlock()

	for _, d := range pending {
		dispatch(d.fns, d.quote)
	}
}

// SetPrice overrides a symbol's market price directly and fans the update
// out exactly like a tick. Simulation control surface — lets tests and the
// operator API force a crossing instead of waiting out the random walk.
func (e *Engine) SetPrice(symbol string, p money.Cents) {
	if p < 1 {
		p = 1
	}
	e.mu.Lock()
	st := e.ensureStateLocked(symbol)
	e.advanceLocked(st, p)
	fns := e.handlersLocked(e.subs[symbol])
	quote := st.quote
	e.mu.Unlock()

	dispatch(fns, quote)
}

// handlersLocked snapshots the callbacks to run for one update: the
// symbol's subscribers in registration order, then the globals.
func (e *Engine) handlersLocked(subs []*Subscription) []Handler {
	fns := make([]Handler, 0, len(subs)+len(e.globals))
	for _, s := range subs {
		fns = append(fns, s.fn)
	}
	for _, s := range e.globals {
		fns = append(fns, s.fn)
	}
	return fns
}

// dispatch invokes callbacks outside the engine lock. A panicking callback
// is logged and isolated; it never halts the tick or other subscribers.
func dispatch(fns []Handler, q model.Quote) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.SubscriberPanics.Inc()
					slog.Error("price subscriber panicked", "symbol", q.Symbol, "panic", r)
				}
			}()
			fn(q)
		}()
	}
}

// stepPrice computes the next price via one GBM step, quantized to cents.
func (e *Engine) stepPrice(p money.Cents) money.Cents {
	const dt = 1.0
	z := e.rng.NormFloat64()
	factor := math.Exp((e.cfg.Drift-e.cfg.Volatility*e.cfg.Volatility/2)*dt +
		e.cfg.Volatility*math.Sqrt(dt)*z)
	next := money.Cents(math.Round(float64(p) * factor))
	if next < 1 {
		next = 1
	}
	return next
}

// advanceLocked applies a new price to a symbol's state: derives bid/ask,
// updates running extrema and change-vs-previous-close, and appends to the
// bounded history.
func (e *Engine) advanceLocked(st *state, p money.Cents) {
	now := time.Now().UTC()
	q := &st.quote
	q.Price = p
	q.Bid, q.Ask = e.spreadAround(p)
	if p > q.High {
		q.High = p
	}
	if p < q.Low {
		q.Low = p
	}
	q.Change = p - q.PrevClose
	q.ChangePercent = q.Change.Decimal().
		Div(q.PrevClose.Decimal()).
		Mul(hundred).
		Round(2)
	q.UpdatedAt = now

	st.history = append(st.history, model.PricePoint{Price: p, Timestamp: now})
	if len(st.history) > maxHistory {
		st.history = st.history[len(st.history)-maxHistory:]
	}
}

var hundred = decimal.NewFromInt(100)

// spreadAround derives bid and ask from the relative spread, guaranteeing
// bid < price < ask even after cent quantization.
func (e *Engine) spreadAround(p money.Cents) (bid, ask money.Cents) {
	half := money.Cents(math.Round(float64(p) * e.cfg.Spread / 2))
	if half < 1 {
		half = 1
	}
	bid = p - half
	if bid < 1 {
		bid = 1
	}
	if bid >= p {
		bid = p - 1
	}
	ask = p + half
	return bid, ask
}

// Price returns a copy of the current quote for a symbol.
func (e *Engine) Price(symbol string) (model.Quote, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		return model.Quote{}, false
	}
	return st.quote, true
}

// AllPrices returns a copy of every symbol's current quote.
func (e *Engine) AllPrices() map[string]model.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.Quote, len(e.states))
	for sym, st := range e.states {
		out[sym] = st.quote
	}
	return out
}

// History returns up to limit most recent samples for a symbol, oldest
// first. limit <= 0 returns the full history. Unknown symbols yield an
// empty slice, never an error.
func (e *Engine) History(symbol string, limit int) []model.PricePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		return []model.PricePoint{}
	}
	h := st.history
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	out := make([]model.PricePoint, len(h))
	copy(out, h)
	return out
}

// Status summarizes the engine for operators.
type Status struct {
	IsRunning          bool `json:"is_running"`
	ActiveSymbols      int  `json:"active_symbols"`
	Subscribers        int  `json:"subscribers"`
	TotalHistoryPoints int  `json:"total_history_points"`
}

// Status reports driver and subscription counts.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := len(e.globals)
	for _, list := range e.subs {
		subs += len(list)
	}
	points := 0
	for _, st := range e.states {
		points += len(st.history)
	}
	return Status{
		IsRunning:          e.running,
		ActiveSymbols:      len(e.states),
		Subscribers:        subs,
		TotalHistoryPoints: points,
	}
}

// Reset stops the driver and clears all price state, subscriptions, and
// history.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	for _, list := range e.subs {
		for _, s := range list {
			s.cancelled = true
			metrics.QuoteSubscribers.Dec()
		}
	}
	for _, s := range e.globals {
		s.cancelled = true
		metrics.QuoteSubscribers.Dec()
	}
	e.states = make(map[string]*state)
	e.subs = make(map[string][]*Subscription)
	e.globals = nil
}
