package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"binfeed/internal/model"
)

// PostgresRepository implements the Repository interface on a pgx pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS book_ticks (
	id BIGSERIAL PRIMARY KEY,
	symbol VARCHAR(20) NOT NULL,
	bid NUMERIC(20, 8) NOT NULL,
	ask NUMERIC(20, 8) NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS book_ticks_symbol_received_at_idx
	ON book_ticks (symbol, received_at);

CREATE TABLE IF NOT EXISTS candles (
	symbol VARCHAR(20) NOT NULL,
	"interval" VARCHAR(8) NOT NULL,
	open_time BIGINT NOT NULL,
	open NUMERIC(20, 8) NOT NULL,
	high NUMERIC(20, 8) NOT NULL,
	low NUMERIC(20, 8) NOT NULL,
	close NUMERIC(20, 8) NOT NULL,
	volume NUMERIC(20, 8) NOT NULL,
	PRIMARY KEY (symbol, "interval", open_time)
);`

// Migrate creates the schema when it does not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RecordTick inserts one best bid/ask observation.
func (r *PostgresRepository) RecordTick(ctx context.Context, tick model.BookTick) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO book_ticks (symbol, bid, ask, received_at) VALUES ($1, $2, $3, $4)`,
		tick.Symbol, tick.Bid, tick.Ask, tick.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

// RecordCandles upserts a backfill batch. Re-fetching an overlapping window
// updates the stored rows instead of duplicating them.
func (r *PostgresRepository) RecordCandles(ctx context.Context, symbol, interval string, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(
			`INSERT INTO candles (symbol, "interval", open_time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, "interval", open_time) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume`,
			symbol, interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
		)
	}
	results := r.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range candles {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert candle: %w", err)
		}
	}
	return nil
}
