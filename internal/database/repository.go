package database

import (
	"context"

	"binfeed/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	RecordTick(ctx context.Context, tick model.BookTick) error
	RecordCandles(ctx context.Context, symbol, interval string, candles []model.Candle) error
}
