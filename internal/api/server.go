// Package api exposes the simulation engines over a local HTTP surface:
// price queries, trade execution, order management, portfolio views, and
// snapshot save/load against the persistence collaborator.
//
// This is a single-user control shell, not a market protocol. The engines
// never import this package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
	"github.com/papertrade/market-sim/internal/order"
	"github.com/papertrade/market-sim/internal/price"
	"github.com/papertrade/market-sim/internal/store"
	"github.com/papertrade/market-sim/internal/trade"
)

// Server wires the three engines and the snapshot store behind HTTP
// handlers.
type Server struct {
	prices *price.Engine
	trades *trade.Engine
	orders *order.Engine
	store  store.Store
	hub    *Hub // optional; nil disables broadcasting
}

// NewServer creates the HTTP layer. Pass nil for hub if WebSocket
// broadcasting is not needed. When a hub is given, every price update is
// relayed to it.
func NewServer(p *price.Engine, t *trade.Engine, o *order.Engine, st store.Store, hub *Hub) *Server {
	s := &Server{prices: p, trades: t, orders: o, store: st, hub: hub}
	if hub != nil {
		p.SubscribeAll(hub.BroadcastQuote)
	}
	return s
}

// Routes mounts all handlers on r under /api/v1.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/prices", s.listPrices)
		r.Get("/prices/status", s.priceStatus)
		r.Post("/prices/start", s.startPrices)
		r.Post("/prices/stop", s.stopPrices)
		r.Get("/prices/{symbol}", s.getPrice)
		r.Put("/prices/{symbol}", s.setPrice)
		r.Get("/prices/{symbol}/history", s.getHistory)

		r.Post("/trades", s.executeTrade)
		r.Get("/trades", s.listTrades)

		r.Get("/portfolio", s.getPortfolio)
		r.Get("/portfolio/metrics", s.getMetrics)
		r.Post("/portfolio/reset", s.resetPortfolio)

		r.Post("/orders", s.placeOrder)
		r.Get("/orders", s.listOrders)
		r.Get("/orders/history", s.orderHistory)
		r.Get("/orders/stats", s.orderStats)
		r.Get("/orders/{orderID}", s.getOrder)
		r.Patch("/orders/{orderID}", s.modifyOrder)
		r.Delete("/orders/{orderID}", s.cancelOrder)

		r.Post("/state/save", s.saveState)
		r.Post("/state/load", s.loadState)
	})
}

// --- Price handlers ---

func (s *Server) listPrices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.prices.AllPrices())
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	q, ok := s.prices.Price(symbol)
	if !ok {
		writeError(w, "no price for symbol "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// setPrice overrides a symbol's simulated price, fanning out like a tick.
func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var body struct {
		Price money.Cents `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Price < 1 {
		writeError(w, "price must be a positive cent amount", http.StatusBadRequest)
		return
	}
	s.prices.SetPrice(symbol, body.Price)
	q, _ := s.prices.Price(symbol)
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.prices.History(symbol, limit))
}

func (s *Server) priceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.prices.Status())
}

func (s *Server) startPrices(w http.ResponseWriter, _ *http.Request) {
	s.prices.Start()
	writeJSON(w, http.StatusOK, s.prices.Status())
}

func (s *Server) stopPrices(w http.ResponseWriter, _ *http.Request) {
	s.prices.Stop()
	writeJSON(w, http.StatusOK, s.prices.Status())
}

// --- Trade handlers ---

func (s *Server) executeTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindMarket
	}

	t, err := s.trades.Execute(req)
	if err != nil {
		var vErr *trade.ValidationError
		switch {
		case errors.Is(err, trade.ErrBusy):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, trade.ErrThrottled):
			writeError(w, err.Error(), http.StatusTooManyRequests)
		case errors.As(err, &vErr):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	s.recordTrade(r.Context(), t)
	writeJSON(w, http.StatusOK, t)
}

// recordTrade mirrors a ledger entry into the snapshot store and the hub.
// Both are best-effort: the in-memory ledger is authoritative.
func (s *Server) recordTrade(ctx context.Context, t *model.Trade) {
	if s.store != nil {
		if err := s.store.AppendTrade(ctx, t); err != nil {
			slog.Error("persist trade failed", "id", t.ID, "err", err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastTrade(*t)
	}
}

func (s *Server) listTrades(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trades.TradeHistory())
}

// --- Portfolio handlers ---

func (s *Server) getPortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.trades.Portfolio())
}

func (s *Server) getMetrics(w http.ResponseWriter, _ *http.Request) {
	current := make(map[string]money.Cents)
	for sym, q := range s.prices.AllPrices() {
		current[sym] = q.Price
	}
	m, err := s.trades.Metrics(current)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) resetPortfolio(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitialCash money.Cents `json:"initial_cash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.trades.Reset(body.InitialCash)
	writeJSON(w, http.StatusOK, s.trades.Portfolio())
}

// --- Order handlers ---

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	o, err := s.orders.Place(req)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		writeJSON(w, http.StatusOK, s.orders.OrdersForSymbol(symbol))
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		writeJSON(w, http.StatusOK, s.orders.OrdersByStatus(model.OrderStatus(status)))
		return
	}
	writeJSON(w, http.StatusOK, s.orders.ActiveOrders())
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.orders.OrderHistory(limit))
}

func (s *Server) orderStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orders.Stats())
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	o, ok := s.orders.OrderByID(id)
	if !ok {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) modifyOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	var updates order.Updates
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.orders.Modify(id, updates) {
		writeError(w, "order not modifiable", http.StatusConflict)
		return
	}
	o, _ := s.orders.OrderByID(id)
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	if !s.orders.Cancel(id) {
		writeError(w, "order not cancellable", http.StatusConflict)
		return
	}
	o, _ := s.orders.OrderByID(id)
	writeJSON(w, http.StatusOK, o)
}

// --- Snapshot handlers ---

func (s *Server) saveState(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, "no store configured", http.StatusServiceUnavailable)
		return
	}
	snap := &model.StateSnapshot{
		Version:   model.SnapshotVersion,
		SavedAt:   time.Now().UTC(),
		Portfolio: s.trades.Portfolio(),
		Trades:    s.trades.TradeHistory(),
		Orders:    s.orders.SerializeOrders(),
	}
	if err := s.store.SaveSnapshot(r.Context(), snap); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("state saved", "trades", len(snap.Trades), "orders", len(snap.Orders.Orders))
	writeJSON(w, http.StatusOK, map[string]string{"saved_at": snap.SavedAt.Format(time.RFC3339)})
}

func (s *Server) loadState(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, "no store configured", http.StatusServiceUnavailable)
		return
	}
	snap, err := s.store.LoadSnapshot(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNoSnapshot) {
			status = http.StatusNotFound
		}
		writeError(w, err.Error(), status)
		return
	}

	// Orders are validated first; a structurally invalid snapshot must not
	// leave the engines half-loaded.
	if err := s.orders.LoadOrders(snap.Orders); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.trades.LoadState(snap)
	slog.Info("state loaded", "saved_at", snap.SavedAt)
	writeJSON(w, http.StatusOK, map[string]string{"loaded_from": snap.SavedAt.Format(time.RFC3339)})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
