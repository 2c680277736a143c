package store

import (
	"context"
	"sync"

	"github.com/papertrade/market-sim/internal/model"
)

// MemoryStore implements Store with in-memory state. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot *model.StateSnapshot
	trades   []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *snap
	copy.Portfolio = snap.Portfolio.Clone()
	copy.Trades = append([]model.Trade(nil), snap.Trades...)
	copy.Orders.Orders = append([]model.LimitOrder(nil), snap.Orders.Orders...)
	s.snapshot = &copy
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	copy := *s.snapshot
	copy.Portfolio = s.snapshot.Portfolio.Clone()
	copy.Trades = append([]model.Trade(nil), s.snapshot.Trades...)
	copy.Orders.Orders = append([]model.LimitOrder(nil), s.snapshot.Orders.Orders...)
	return &copy, nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades
	if limit > 0 && limit < len(trades) {
		trades = trades[len(trades)-limit:]
	}
	out := make([]model.Trade, len(trades))
	copy(out, trades)
	return out, nil
}
