package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"binfeed/internal/model"
)

// Messages below are contractual: callers display them verbatim.
var (
	ErrMissingCredentials = errors.New("Missing API credentials")
	ErrNoUSDTBalance      = errors.New("USDT balance not found")
	ErrEmptySymbol        = errors.New("Symbol is empty.")
	ErrEmptyInterval      = errors.New("Interval is empty.")
	ErrInvalidJSON        = errors.New("Invalid JSON response")
	ErrUnexpectedResponse = errors.New("Unexpected Binance response")
	ErrUnexpectedKlines   = errors.New("Unexpected Binance kline response")
)

const (
	// minTimeout is the floor applied to every request deadline.
	minTimeout = time.Second

	minKlineLimit = 10
	maxKlineLimit = 1000
)

// RestClient talks to the Binance REST API across the four supported markets.
// Credentials are supplied per call and never stored.
type RestClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRestClient creates a new RestClient.
func NewRestClient(logger *slog.Logger) *RestClient {
	return &RestClient{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// sign returns the hex-encoded HMAC-SHA256 of query keyed by secret.
func sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery builds the timestamped query string Binance expects on
// authenticated endpoints, with the signature appended last.
func signedQuery(secret string) string {
	q := "timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	return q + "&signature=" + sign(q, secret)
}

// getJSON performs a GET against the market's REST origin and decodes the
// body. The API key, when given, travels only in the X-MBX-APIKEY header.
func (c *RestClient) getJSON(ctx context.Context, market Market, path, query, apiKey string, timeout time.Duration) (any, error) {
	if timeout < minTimeout {
		timeout = minTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqURL := market.RestBaseURL() + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", apiKey)
	}

	c.logger.Debug("RestClient: GET", "market", market.String(), "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out after %s", timeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out after %s", timeout)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bodySnippet(body))
		}
		return nil, ErrInvalidJSON
	}

	// Binance reports API-level failures as {"code": ..., "msg": ...}.
	if obj, ok := decoded.(map[string]any); ok {
		if rawMsg, found := obj["msg"]; found {
			msg, _ := rawMsg.(string)
			if msg == "" {
				msg = "Binance API error"
			}
			return nil, errors.New(msg)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bodySnippet(body))
	}
	return decoded, nil
}

// bodySnippet trims a response body for inclusion in error messages.
func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// FetchUSDTBalance returns the account's USDT balance on the given market.
// Futures accounts report wallet, margin and available balances; the first
// usable one wins. Spot accounts report the free amount.
func (c *RestClient) FetchUSDTBalance(ctx context.Context, apiKey, apiSecret string, market Market, timeout time.Duration) (float64, error) {
	apiKey = strings.TrimSpace(apiKey)
	apiSecret = strings.TrimSpace(apiSecret)
	if apiKey == "" || apiSecret == "" {
		return 0, ErrMissingCredentials
	}

	decoded, err := c.getJSON(ctx, market, market.accountPath(), signedQuery(apiSecret), apiKey, timeout)
	if err != nil {
		return 0, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return 0, ErrUnexpectedResponse
	}
	if market.IsFutures() {
		return futuresUSDTBalance(obj)
	}
	return spotUSDTBalance(obj)
}

func futuresUSDTBalance(obj map[string]any) (float64, error) {
	assets, ok := obj["assets"].([]any)
	if !ok {
		return 0, ErrUnexpectedResponse
	}
	for _, raw := range assets {
		entry, ok := raw.(map[string]any)
		if !ok || entry["asset"] != "USDT" {
			continue
		}
		for _, field := range []string{"walletBalance", "marginBalance", "availableBalance"} {
			if v, ok := asFloat(entry[field]); ok {
				return v, nil
			}
		}
	}
	return 0, ErrNoUSDTBalance
}

func spotUSDTBalance(obj map[string]any) (float64, error) {
	balances, ok := obj["balances"].([]any)
	if !ok {
		return 0, ErrUnexpectedResponse
	}
	for _, raw := range balances {
		entry, ok := raw.(map[string]any)
		if !ok || entry["asset"] != "USDT" {
			continue
		}
		if v, ok := asFloat(entry["free"]); ok {
			return v, nil
		}
	}
	return 0, ErrNoUSDTBalance
}

// VerifyCredentials checks that the key pair is accepted by the market's
// signed account endpoint. The payload itself is discarded.
func (c *RestClient) VerifyCredentials(ctx context.Context, apiKey, apiSecret string, market Market, timeout time.Duration) error {
	apiKey = strings.TrimSpace(apiKey)
	apiSecret = strings.TrimSpace(apiSecret)
	if apiKey == "" || apiSecret == "" {
		return ErrMissingCredentials
	}
	_, err := c.getJSON(ctx, market, market.accountPath(), signedQuery(apiSecret), apiKey, timeout)
	return err
}

// FetchUSDTSymbols returns the tradable USDT symbols on the market,
// deduplicated and sorted ascending.
func (c *RestClient) FetchUSDTSymbols(ctx context.Context, market Market, timeout time.Duration) ([]string, error) {
	decoded, err := c.getJSON(ctx, market, market.exchangeInfoPath(), "", "", timeout)
	if err != nil {
		return nil, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	rawSymbols, ok := obj["symbols"].([]any)
	if !ok {
		return nil, ErrUnexpectedResponse
	}

	seen := make(map[string]struct{}, len(rawSymbols))
	symbols := make([]string, 0, len(rawSymbols))
	for _, raw := range rawSymbols {
		entry, ok := raw.(map[string]any)
		if !ok || !tradableUSDT(entry, market.IsFutures()) {
			continue
		}
		name, _ := entry["symbol"].(string)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		symbols = append(symbols, name)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// tradableUSDT applies the listing filter: USDT quote, live (or about to go
// live) status, and for futures one of the supported contract types.
func tradableUSDT(entry map[string]any, futures bool) bool {
	if quote, _ := entry["quoteAsset"].(string); quote != "USDT" {
		return false
	}
	status, _ := entry["status"].(string)
	switch strings.ToUpper(status) {
	case "TRADING", "PENDING_TRADING":
	default:
		return false
	}
	if futures {
		contract, _ := entry["contractType"].(string)
		switch strings.ToUpper(contract) {
		case "PERPETUAL", "CURRENT_QUARTER", "NEXT_QUARTER":
		default:
			return false
		}
	}
	return true
}

// FetchKlines returns up to limit historical candles for symbol at the given
// interval. The limit is clamped to the range the exchange accepts. Rows that
// arrive in an unusable shape are skipped.
func (c *RestClient) FetchKlines(ctx context.Context, symbol, interval string, market Market, limit int, timeout time.Duration) ([]model.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return nil, ErrEmptyInterval
	}
	if limit < minKlineLimit {
		limit = minKlineLimit
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	decoded, err := c.getJSON(ctx, market, market.klinesPath(), query.Encode(), "", timeout)
	if err != nil {
		return nil, err
	}
	rows, ok := decoded.([]any)
	if !ok {
		return nil, ErrUnexpectedKlines
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, raw := range rows {
		if candle, ok := parseKlineRow(raw); ok {
			candles = append(candles, candle)
		}
	}
	if skipped := len(rows) - len(candles); skipped > 0 {
		c.logger.Debug("RestClient: skipped malformed kline rows", "symbol", symbol, "count", skipped)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("No candle data returned for %s (%s)", symbol, interval)
	}
	return candles, nil
}

// parseKlineRow decodes one kline row. Rows are fixed-position arrays:
// open time, open, high, low, close, volume, close time, ...
func parseKlineRow(raw any) (model.Candle, bool) {
	row, ok := raw.([]any)
	if !ok || len(row) < 6 {
		return model.Candle{}, false
	}
	openTime, ok := asInt(row[0])
	if !ok {
		return model.Candle{}, false
	}
	candle := model.Candle{OpenTime: openTime}
	for i, dst := range []*float64{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume} {
		v, ok := asFloat(row[i+1])
		if !ok {
			return model.Candle{}, false
		}
		*dst = v
	}
	return candle, true
}

// FetchLastPrice returns the most recent trade price for symbol.
func (c *RestClient) FetchLastPrice(ctx context.Context, symbol string, market Market, timeout time.Duration) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, ErrEmptySymbol
	}
	query := url.Values{}
	query.Set("symbol", symbol)

	decoded, err := c.getJSON(ctx, market, market.tickerPricePath(), query.Encode(), "", timeout)
	if err != nil {
		return 0, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return 0, ErrUnexpectedResponse
	}
	price, ok := asFloat(obj["price"])
	if !ok {
		return 0, ErrUnexpectedResponse
	}
	return price, nil
}

// FetchQuoteVolumes returns the rolling 24h quote volume per symbol. Symbols
// with a missing or malformed volume are kept with a zero value so callers
// can still rank them.
func (c *RestClient) FetchQuoteVolumes(ctx context.Context, market Market, timeout time.Duration) (map[string]float64, error) {
	decoded, err := c.getJSON(ctx, market, market.ticker24hPath(), "", "", timeout)
	if err != nil {
		return nil, err
	}
	rows, ok := decoded.([]any)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	volumes := make(map[string]float64, len(rows))
	for _, raw := range rows {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["symbol"].(string)
		if name == "" {
			continue
		}
		v, ok := asFloat(entry["quoteVolume"])
		if !ok {
			v = 0
		}
		volumes[name] = v
	}
	return volumes, nil
}

// RankByQuoteVolume orders symbols by descending 24h quote volume and keeps
// the top n. Symbols absent from volumes rank as zero; ties keep their
// original order. n <= 0 keeps everything.
func RankByQuoteVolume(symbols []string, volumes map[string]float64, n int) []string {
	ranked := make([]string, len(symbols))
	copy(ranked, symbols)
	sort.SliceStable(ranked, func(i, j int) bool {
		return volumes[ranked[i]] > volumes[ranked[j]]
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// FetchServerTime returns the exchange's clock. It doubles as a cheap
// connectivity probe.
func (c *RestClient) FetchServerTime(ctx context.Context, market Market, timeout time.Duration) (time.Time, error) {
	decoded, err := c.getJSON(ctx, market, market.serverTimePath(), "", "", timeout)
	if err != nil {
		return time.Time{}, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return time.Time{}, ErrUnexpectedResponse
	}
	ms, ok := asInt(obj["serverTime"])
	if !ok {
		return time.Time{}, ErrUnexpectedResponse
	}
	return time.UnixMilli(ms), nil
}
