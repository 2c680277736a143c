// Package order maintains limit orders and translates price-crossing events
// into trade executions, exactly once per order.
//
// The engine subscribes to the price feed per symbol with reference-counted
// sharing: the first active order for a symbol opens the subscription, the
// last one to leave closes it. Trigger evaluation runs synchronously inside
// the price-update callback, so one price update causes at most one trigger
// pass per order.
package order

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papertrade/market-sim/internal/metrics"
	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
	"github.com/papertrade/market-sim/internal/price"
	"github.com/papertrade/market-sim/internal/trade"
)

// Executor is the slice of the trade engine the order engine invokes.
type Executor interface {
	Execute(req trade.Request) (*model.Trade, error)
	Portfolio() model.Portfolio
}

// Feed is the slice of the price engine the order engine subscribes to.
type Feed interface {
	Subscribe(symbol string, fn price.Handler) *price.Subscription
}

// PlaceRequest describes a new limit order.
type PlaceRequest struct {
	Symbol     string      `json:"symbol"`
	Side       model.Side  `json:"side"`
	LimitPrice money.Cents `json:"limit_price"`
	Quantity   int64       `json:"quantity"`
}

// Updates carries the fields ModifyOrder may change.
type Updates struct {
	LimitPrice *money.Cents `json:"limit_price,omitempty"`
	Quantity   *int64       `json:"quantity,omitempty"`
}

// Stats summarizes the order book for operators.
type Stats struct {
	Pending       int `json:"pending"`
	Triggered     int `json:"triggered"`
	Filled        int `json:"filled"`
	Cancelled     int `json:"cancelled"`
	Failed        int `json:"failed"`
	Subscriptions int `json:"subscriptions"`
}

// symbolSub is a reference-counted price subscription shared by all active
// orders on one symbol.
type symbolSub struct {
	sub   *price.Subscription
	count int
}

// Engine owns all limit-order records and the symbol subscription table.
type Engine struct {
	mu sync.Mutex

	feed Feed
	exec Executor

	active  map[string]*model.LimitOrder
	history []model.LimitOrder
	subs    map[string]*symbolSub
	now     func() time.Time
}

// NewEngine creates an order engine over the given feed and executor.
func NewEngine(feed Feed, exec Executor) *Engine {
	return &Engine{
		feed:   feed,
		exec:   exec,
		active: make(map[string]*model.LimitOrder),
		subs:   make(map[string]*symbolSub),
		now:    time.Now,
	}
}

// Place validates and creates a limit order in pending status, lazily
// opening the symbol's price subscription. Validation mirrors the trade
// engine's rules — obviously unexecutable orders are never created. On
// validation failure no order is created and nil is returned with the
// reason.
func (e *Engine) Place(req PlaceRequest) (*model.LimitOrder, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o := &model.LimitOrder{
		ID:         newOrderID(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		LimitPrice: req.LimitPrice,
		Quantity:   req.Quantity,
		Status:     model.OrderPending,
		CreatedAt:  e.now().UTC(),
	}
	e.active[o.ID] = o
	e.retainLocked(req.Symbol)
	metrics.ActiveOrders.Set(float64(len(e.active)))

	slog.Info("order placed",
		"id", o.ID,
		"symbol", o.Symbol,
		"side", o.Side,
		"limit", o.LimitPrice.String(),
		"qty", o.Quantity,
	)
	copy := *o
	return &copy, nil
}

func (e *Engine) validate(req PlaceRequest) error {
	if !model.ValidSymbol(req.Symbol) {
		return &trade.ValidationError{Reason: "invalid symbol " + req.Symbol}
	}
	if !req.Side.Valid() {
		return &trade.ValidationError{Reason: "side must be BUY or SELL"}
	}
	if req.Quantity <= 0 {
		return &trade.ValidationError{Reason: "quantity must be a positive integer"}
	}
	if req.LimitPrice < trade.MinPrice || req.LimitPrice > trade.MaxPrice {
		return &trade.ValidationError{Reason: "limit price outside allowed range"}
	}

	// Pre-flight sufficiency against the live portfolio, same rules the
	// trade engine applies at execution time.
	pf := e.exec.Portfolio()
	total, err := money.Mul(req.LimitPrice, req.Quantity)
	if err != nil {
		return &trade.ValidationError{Reason: "order total overflows"}
	}
	switch req.Side {
	case model.Buy:
		if pf.Cash < total {
			return &trade.ValidationError{Reason: "insufficient cash for order"}
		}
	case model.Sell:
		pos, ok := pf.Positions[req.Symbol]
		if !ok || pos.Shares < req.Quantity {
			return &trade.ValidationError{Reason: "insufficient shares for order"}
		}
	}
	return nil
}

// retainLocked bumps the symbol's subscription refcount, opening the feed
// subscription on the first reference.
func (e *Engine) retainLocked(symbol string) {
	if ss, ok := e.subs[symbol]; ok {
		ss.count++
		return
	}
	ss := &symbolSub{count: 1}
	ss.sub = e.feed.Subscribe(symbol, func(q model.Quote) {
		e.onQuote(q)
	})
	e.subs[symbol] = ss
}

// releaseLocked drops one reference; the last reference cancels the feed
// subscription.
func (e *Engine) releaseLocked(symbol string) {
	ss, ok := e.subs[symbol]
	if !ok {
		return
	}
	ss.count--
	if ss.count > 0 {
		return
	}
	delete(e.subs, symbol)
	ss.sub.Cancel()
}

// onQuote evaluates trigger conditions for every pending order on the
// quoted symbol. The status flip to triggered happens before the executor
// call, so a second update arriving during execution cannot re-trigger the
// same order. A triggered order that fails moves to history immediately and
// is never retried.
func (e *Engine) onQuote(q model.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var due []*model.LimitOrder
	for _, o := range e.active {
		if o.Symbol != q.Symbol || o.Status != model.OrderPending {
			continue
		}
		if crossed(o, q.Price) {
			due = append(due, o)
		}
	}
	// Oldest orders first, matching placement order.
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	for _, o := range due {
		now := e.now().UTC()
		o.Status = model.OrderTriggered
		o.TriggeredAt = &now

		t, err := e.exec.Execute(trade.Request{
			Symbol:   o.Symbol,
			Side:     o.Side,
			Quantity: o.Quantity,
			Price:    q.Price,
			Kind:     model.KindLimit,
		})
		if err != nil {
			o.Status = model.OrderFailed
			o.Error = err.Error()
			if t != nil {
				o.TradeID = t.ID
			}
			metrics.OrdersTriggered.WithLabelValues("failed").Inc()
			slog.Warn("order trigger failed", "id", o.ID, "symbol", o.Symbol, "err", err)
		} else {
			filledAt := e.now().UTC()
			o.Status = model.OrderFilled
			o.FilledAt = &filledAt
			o.ExecutedPrice = t.Price
			o.ExecutedTotal = t.Total
			o.TradeID = t.ID
			metrics.OrdersTriggered.WithLabelValues("filled").Inc()
			slog.Info("order filled", "id", o.ID, "symbol", o.Symbol, "trade", t.ID)
		}
		e.retireLocked(o)
	}
}

// crossed reports whether the market price satisfies the order's trigger:
// BUY at or below the limit, SELL at or above it.
func crossed(o *model.LimitOrder, market money.Cents) bool {
	if o.Side == model.Buy {
		return market <= o.LimitPrice
	}
	return market >= o.LimitPrice
}

// retireLocked moves a terminal order from the active set to history and
// drops its subscription reference.
func (e *Engine) retireLocked(o *model.LimitOrder) {
	delete(e.active, o.ID)
	e.history = append(e.history, *o)
	e.releaseLocked(o.Symbol)
	metrics.ActiveOrders.Set(float64(len(e.active)))
}

// Cancel cancels a pending order. Orders in any other state — including
// triggered ones mid-execution — are not cancellable; returns false with
// no mutation.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.active[id]
	if !ok || o.Status != model.OrderPending {
		return false
	}
	now := e.now().UTC()
	o.Status = model.OrderCancelled
	o.CancelledAt = &now
	e.retireLocked(o)
	slog.Info("order cancelled", "id", id, "symbol", o.Symbol)
	return true
}

// Modify updates limit price and/or quantity of a pending order,
// re-validating bounds with the same rules as placement. Portfolio
// sufficiency is deliberately not re-checked against the new values; an
// under-funded modification surfaces later as a failed trigger.
func (e *Engine) Modify(id string, updates Updates) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.active[id]
	if !ok || o.Status != model.OrderPending {
		return false
	}
	// Validate every changed field before applying any of them.
	if updates.LimitPrice != nil &&
		(*updates.LimitPrice < trade.MinPrice || *updates.LimitPrice > trade.MaxPrice) {
		return false
	}
	if updates.Quantity != nil && *updates.Quantity <= 0 {
		return false
	}
	if updates.LimitPrice != nil {
		o.LimitPrice = *updates.LimitPrice
	}
	if updates.Quantity != nil {
		o.Quantity = *updates.Quantity
	}
	return true
}

// ActiveOrders returns copies of all pending and triggered orders, oldest
// first.
func (e *Engine) ActiveOrders() []model.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeSliceLocked()
}

func (e *Engine) activeSliceLocked() []model.LimitOrder {
	out := make([]model.LimitOrder, 0, len(e.active))
	for _, o := range e.active {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrdersForSymbol returns the active orders for one symbol, oldest first.
func (e *Engine) OrdersForSymbol(symbol string) []model.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []model.LimitOrder{}
	for _, o := range e.active {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrderByID finds an order, checking the active set before history.
func (e *Engine) OrderByID(id string) (model.LimitOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.active[id]; ok {
		return *o, true
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i], true
		}
	}
	return model.LimitOrder{}, false
}

// OrderHistory returns up to limit terminal orders, most recent first.
// limit <= 0 returns everything.
func (e *Engine) OrderHistory(limit int) []model.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.LimitOrder, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// AllOrders returns every order, active first then history.
func (e *Engine) AllOrders() []model.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.activeSliceLocked()
	out = append(out, e.history...)
	return out
}

// OrdersByStatus filters all orders by status.
func (e *Engine) OrdersByStatus(status model.OrderStatus) []model.LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []model.LimitOrder{}
	for _, o := range e.activeSliceLocked() {
		if o.Status == status {
			out = append(out, o)
		}
	}
	for _, o := range e.history {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Stats returns counts by status plus the number of live symbol
// subscriptions.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	count := func(o *model.LimitOrder) {
		switch o.Status {
		case model.OrderPending:
			s.Pending++
		case model.OrderTriggered:
			s.Triggered++
		case model.OrderFilled:
			s.Filled++
		case model.OrderCancelled:
			s.Cancelled++
		case model.OrderFailed:
			s.Failed++
		}
	}
	for _, o := range e.active {
		count(o)
	}
	for i := range e.history {
		count(&e.history[i])
	}
	s.Subscriptions = len(e.subs)
	return s
}

// SerializeOrders exports every order as a versioned snapshot.
func (e *Engine) SerializeOrders() model.OrdersSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	orders := e.activeSliceLocked()
	orders = append(orders, e.history...)
	return model.OrdersSnapshot{
		Version: model.SnapshotVersion,
		SavedAt: e.now().UTC(),
		Orders:  orders,
	}
}

// LoadOrders replaces all order state from a snapshot, re-establishing
// price subscriptions for symbols with restored active orders. A
// structurally invalid snapshot is rejected wholesale and current state is
// kept.
func (e *Engine) LoadOrders(snap model.OrdersSnapshot) error {
	for i := range snap.Orders {
		o := &snap.Orders[i]
		if o.ID == "" || !model.ValidSymbol(o.Symbol) || !o.Side.Valid() {
			return &trade.ValidationError{Reason: "malformed order in snapshot"}
		}
		switch o.Status {
		case model.OrderPending, model.OrderTriggered,
			model.OrderFilled, model.OrderCancelled, model.OrderFailed:
		default:
			return &trade.ValidationError{Reason: "unknown order status " + string(o.Status)}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
	for _, o := range snap.Orders {
		if o.Status.Terminal() {
			e.history = append(e.history, o)
			continue
		}
		restored := o
		e.active[o.ID] = &restored
		e.retainLocked(o.Symbol)
	}
	metrics.ActiveOrders.Set(float64(len(e.active)))
	slog.Info("orders loaded", "active", len(e.active), "history", len(e.history))
	return nil
}

// Reset cancels all subscriptions and clears every order and counter.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
	metrics.ActiveOrders.Set(0)
}

func (e *Engine) clearLocked() {
	for _, ss := range e.subs {
		ss.sub.Cancel()
	}
	e.subs = make(map[string]*symbolSub)
	e.active = make(map[string]*model.LimitOrder)
	e.history = nil
}

// newOrderID returns a time-ordered order id; sorting ids recovers
// placement order.
func newOrderID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
