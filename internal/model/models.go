package model

import "time"

// BookTick represents a single best bid/ask update for a symbol.
type BookTick struct {
	ID         int64     `db:"id"`
	Symbol     string    `db:"symbol"`
	Bid        float64   `db:"bid"`
	Ask        float64   `db:"ask"`
	ReceivedAt time.Time `db:"received_at"`
}

// Candle represents one OHLCV bar as returned by the klines endpoint.
// OpenTime is milliseconds since the Unix epoch.
type Candle struct {
	OpenTime int64   `db:"open_time"`
	Open     float64 `db:"open"`
	High     float64 `db:"high"`
	Low      float64 `db:"low"`
	Close    float64 `db:"close"`
	Volume   float64 `db:"volume"`
}
