package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"binfeed/internal/collector"
	"binfeed/internal/config"
	"binfeed/internal/database"
	"binfeed/internal/exchange"
	"binfeed/internal/metrics"
	"binfeed/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "binfeed:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to config.yaml (empty searches the working directory)")
	pflag.Parse()

	// A local .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	logger.Info("binfeed starting", "venue", cfg.Market.Venue, "testnet", cfg.Market.Testnet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	market := exchange.MarketFor(cfg.Market.Venue == "futures", cfg.Market.Testnet)
	timeout := cfg.Collector.RequestTimeout

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	repo := &database.PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rest := exchange.NewRestClient(logger)

	creds := config.LoadCredentials()
	if creds.Present() {
		balance, err := rest.FetchUSDTBalance(ctx, creds.APIKey, creds.APISecret, market, timeout)
		if err != nil {
			logger.Warn("USDT balance unavailable", "error", err)
		} else {
			logger.Info("account ready", "usdtBalance", balance)
		}
	} else {
		logger.Info("no API credentials configured, recording public data only")
	}

	symbols, err := resolveSymbols(ctx, logger, rest, market, &cfg)
	if err != nil {
		return fmt.Errorf("resolve symbols: %w", err)
	}
	logger.Info("recording symbols", "symbols", symbols)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	coll := collector.New(logger, rest, repo, m, &cfg, market)
	srv := server.New(logger, cfg.HTTP.Addr, registry, func(ctx context.Context) error {
		_, err := rest.FetchServerTime(ctx, market, timeout)
		return err
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coll.Run(ctx, symbols) })
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("binfeed stopped")
	return nil
}

// resolveSymbols returns the configured symbols, or picks the busiest USDT
// markets by 24h quote volume when none are configured.
func resolveSymbols(ctx context.Context, logger *slog.Logger, rest *exchange.RestClient, market exchange.Market, cfg *config.Config) ([]string, error) {
	timeout := cfg.Collector.RequestTimeout

	if len(cfg.Market.Symbols) > 0 {
		symbols := make([]string, 0, len(cfg.Market.Symbols))
		for _, s := range cfg.Market.Symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) == 0 {
			return nil, errors.New("market.symbols contains no usable entries")
		}
		return symbols, nil
	}

	all, err := rest.FetchUSDTSymbols(ctx, market, timeout)
	if err != nil {
		return nil, err
	}
	volumes, err := rest.FetchQuoteVolumes(ctx, market, timeout)
	if err != nil {
		return nil, err
	}
	top := exchange.RankByQuoteVolume(all, volumes, cfg.Market.TopN)
	if len(top) == 0 {
		return nil, errors.New("exchange returned no tradable USDT symbols")
	}
	logger.Info("selected symbols by 24h quote volume", "topN", cfg.Market.TopN)
	return top, nil
}

// newLogger builds the process-wide JSON logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
