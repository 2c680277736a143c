package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/market-sim/internal/model"
)

const (
	snapshotKey = "sim:snapshot"
	tradesKey   = "sim:trades"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.StateSnapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.StateSnapshot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		var snap model.StateSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.AppendTrade(ctx, t); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, tradesKey)
	return nil
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	// Only the full list is cached; bounded reads pass through.
	if limit > 0 {
		return s.primary.ListTrades(ctx, limit)
	}

	data, err := s.rdb.Get(ctx, tradesKey).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTrades(ctx, 0)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey, data, s.ttl)
	}
	return trades, nil
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.StateSnapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey, data, s.ttl)
	}
}
