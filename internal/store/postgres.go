package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/market-sim/internal/model"
	"github.com/papertrade/market-sim/internal/money"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The snapshot is kept as a single JSONB row; ledger entries get their own
// table with monetary columns as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.StateSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (slot, payload, saved_at)
		 VALUES ('current', $1, $2)
		 ON CONFLICT (slot) DO UPDATE SET payload = $1, saved_at = $2`,
		payload, snap.SavedAt,
	)
	return err
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.StateSnapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM snapshots WHERE slot = 'current'`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap model.StateSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, symbol, side, kind, quantity, price, total, created_at, executed_at, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		t.ID, t.Symbol, string(t.Side), string(t.Kind), t.Quantity,
		t.Price.Decimal().String(), t.Total.Decimal().String(),
		t.CreatedAt, t.ExecutedAt, string(t.Status), t.Error,
	)
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	q := `SELECT id, symbol, side, kind, quantity,
	             price::TEXT, total::TEXT,
	             created_at, executed_at, status, error
	      FROM trades ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		// Take the newest N, then re-sort oldest first below.
		q = `SELECT * FROM (
		        SELECT id, symbol, side, kind, quantity,
		               price::TEXT, total::TEXT,
		               created_at, executed_at, status, error
		        FROM trades ORDER BY created_at DESC LIMIT $1
		     ) latest ORDER BY created_at`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, kind, status, priceS, totalS string
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &kind, &t.Quantity,
			&priceS, &totalS,
			&t.CreatedAt, &t.ExecutedAt, &status, &t.Error); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Kind = model.OrderKind(kind)
		t.Status = model.TradeStatus(status)
		if t.Price, err = money.FromString(priceS); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		if t.Total, err = money.FromString(totalS); err != nil {
			return nil, fmt.Errorf("trade %s total: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
