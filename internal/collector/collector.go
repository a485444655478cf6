package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"binfeed/internal/config"
	"binfeed/internal/database"
	"binfeed/internal/exchange"
	"binfeed/internal/metrics"
	"binfeed/internal/model"
)

// HistoryClient is the REST surface the collector consumes.
type HistoryClient interface {
	FetchKlines(ctx context.Context, symbol, interval string, market exchange.Market, limit int, timeout time.Duration) ([]model.Candle, error)
	FetchLastPrice(ctx context.Context, symbol string, market exchange.Market, timeout time.Duration) (float64, error)
}

// BookStream is the stream surface the collector consumes. One stream
// instance carries one symbol subscription.
type BookStream interface {
	Connect(symbol string, market exchange.Market)
	Events() <-chan exchange.StreamEvent
	Close() error
}

// Collector backfills candle history and records live book ticks for a set
// of symbols until its context is cancelled.
type Collector struct {
	logger  *slog.Logger
	rest    HistoryClient
	repo    database.Repository
	metrics *metrics.Metrics
	cfg     *config.Config
	market  exchange.Market

	newStream func() BookStream
}

// New creates a new Collector.
func New(logger *slog.Logger, rest HistoryClient, repo database.Repository, m *metrics.Metrics, cfg *config.Config, market exchange.Market) *Collector {
	return &Collector{
		logger:  logger,
		rest:    rest,
		repo:    repo,
		metrics: m,
		cfg:     cfg,
		market:  market,
		newStream: func() BookStream {
			return exchange.NewStreamClient(logger)
		},
	}
}

// Run records all given symbols, one stream per symbol, until ctx is
// cancelled or a symbol worker fails fatally.
func (c *Collector) Run(ctx context.Context, symbols []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			return c.runSymbol(ctx, symbol)
		})
	}
	return g.Wait()
}

// runSymbol backfills one symbol and then keeps a stream open for it,
// reconnecting with exponential backoff. The stream client itself never
// retries; that policy lives here.
func (c *Collector) runSymbol(ctx context.Context, symbol string) error {
	if err := c.backfill(ctx, symbol); err != nil {
		// Live ticks are still worth recording when history is unavailable.
		c.logger.Error("Collector: backfill failed", "symbol", symbol, "error", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Collector.ReconnectMin
	policy.MaxInterval = c.cfg.Collector.ReconnectMax
	policy.MaxElapsedTime = 0
	// NextBackOff starts from the interval Reset captured, not the field.
	policy.Reset()

	for {
		healthy, err := c.streamOnce(ctx, symbol)
		if err != nil {
			return err
		}
		if healthy {
			policy.Reset()
		}

		c.metrics.Reconnects.Inc()
		wait := policy.NextBackOff()
		c.logger.Info("Collector: reconnecting", "symbol", symbol, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// streamOnce runs a single stream session for symbol. It reports whether the
// connection reached Open before ending. The returned error is non-nil only
// when ctx was cancelled; teardown is then left to the deferred Close, which
// never writes to the events channel this loop has stopped draining.
func (c *Collector) streamOnce(ctx context.Context, symbol string) (bool, error) {
	stream := c.newStream()
	defer stream.Close()

	stream.Connect(symbol, c.market)

	healthy := false
	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()
		case ev := <-stream.Events():
			switch ev.Type {
			case exchange.EventConnected:
				healthy = true
				c.logger.Info("Collector: stream open", "symbol", symbol)
			case exchange.EventBookTicker:
				c.record(ctx, ev)
			case exchange.EventError:
				c.metrics.StreamErrors.Inc()
				c.logger.Error("Collector: stream error", "symbol", symbol, "message", ev.Message)
				return healthy, nil
			case exchange.EventDisconnected:
				c.logger.Info("Collector: stream ended", "symbol", symbol)
				return healthy, nil
			}
		}
	}
}

// record writes a single tick. Storage failures are counted and logged but
// do not stop the stream.
func (c *Collector) record(ctx context.Context, ev exchange.StreamEvent) {
	tick := model.BookTick{
		Symbol:     ev.Symbol,
		Bid:        ev.Bid,
		Ask:        ev.Ask,
		ReceivedAt: time.Now().UTC(),
	}
	if err := c.repo.RecordTick(ctx, tick); err != nil {
		c.metrics.StorageErrors.Inc()
		c.logger.Error("Collector: failed to record tick", "symbol", ev.Symbol, "error", err)
		return
	}
	c.metrics.TicksRecorded.WithLabelValues(ev.Symbol).Inc()
}

// backfill loads the most recent candles for symbol into storage and logs
// the current price as a progress marker.
func (c *Collector) backfill(ctx context.Context, symbol string) error {
	cc := c.cfg.Collector
	candles, err := c.rest.FetchKlines(ctx, symbol, cc.Interval, c.market, cc.BackfillLimit, cc.RequestTimeout)
	if err != nil {
		return err
	}
	if err := c.repo.RecordCandles(ctx, symbol, cc.Interval, candles); err != nil {
		c.metrics.StorageErrors.Inc()
		return err
	}
	c.metrics.CandlesBackfilled.WithLabelValues(symbol).Add(float64(len(candles)))

	last, err := c.rest.FetchLastPrice(ctx, symbol, c.market, cc.RequestTimeout)
	if err != nil {
		c.logger.Warn("Collector: last price unavailable", "symbol", symbol, "error", err)
		return nil
	}
	c.logger.Info("Collector: backfill complete", "symbol", symbol, "candles", len(candles), "lastPrice", last)
	return nil
}
