// Package store defines the persistence interface for simulator snapshots.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Persistence is an external collaborator: the engines never depend on it.
// The persisted layout is the plain structural snapshot from internal/model,
// versioned only by its informal version tag.
package store

import (
	"context"
	"errors"

	"github.com/papertrade/market-sim/internal/model"
)

// ErrNoSnapshot is returned by LoadSnapshot when nothing has been saved.
var ErrNoSnapshot = errors.New("store: no snapshot saved")

// Store is the persistence interface.
type Store interface {
	// SaveSnapshot persists the full engine state, replacing any previous
	// snapshot.
	SaveSnapshot(ctx context.Context, snap *model.StateSnapshot) error

	// LoadSnapshot returns the most recently saved snapshot.
	LoadSnapshot(ctx context.Context) (*model.StateSnapshot, error)

	// AppendTrade durably records one immutable ledger entry.
	AppendTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns recorded trades, oldest first. limit <= 0 returns
	// all of them.
	ListTrades(ctx context.Context, limit int) ([]model.Trade, error)
}
