package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(rt roundTripFunc) *RestClient {
	return &RestClient{
		httpClient: &http.Client{Transport: rt},
		logger:     testLogger(),
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestSign(t *testing.T) {
	// Known-answer vector from the Binance API documentation.
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	assert.Equal(t, want, sign(query, secret))
	assert.Equal(t, sign(query, secret), sign(query, secret))
	assert.NotEqual(t, sign(query, secret), sign(query, "anothersecret"))
}

func TestFetchUSDTBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("missing credentials make no request", func(t *testing.T) {
		calls := 0
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusOK, `{}`), nil
		})

		_, err := client.FetchUSDTBalance(ctx, "", "secret", FuturesLive, time.Second)
		assert.ErrorIs(t, err, ErrMissingCredentials)
		_, err = client.FetchUSDTBalance(ctx, "key", "", FuturesLive, time.Second)
		assert.ErrorIs(t, err, ErrMissingCredentials)
		_, err = client.FetchUSDTBalance(ctx, "   ", "secret", FuturesLive, time.Second)
		assert.ErrorIs(t, err, ErrMissingCredentials)
		assert.Equal(t, 0, calls)
	})

	t.Run("futures wallet balance", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, `{"assets":[
				{"asset":"BTC","walletBalance":"0.5"},
				{"asset":"USDT","walletBalance":"1234.56","marginBalance":"1200.00","availableBalance":"1100.00"}
			]}`), nil
		})

		balance, err := client.FetchUSDTBalance(ctx, "key", "secret", FuturesLive, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1234.56, balance)

		assert.Equal(t, "fapi.binance.com", got.URL.Host)
		assert.Equal(t, "/fapi/v2/account", got.URL.Path)
		assert.Equal(t, "key", got.Header.Get("X-MBX-APIKEY"))

		// The key never leaves the header; the query carries only the
		// timestamp and its signature.
		assert.True(t, strings.HasPrefix(got.URL.RawQuery, "timestamp="))
		assert.NotContains(t, got.URL.RawQuery, "key")
		ts := got.URL.Query().Get("timestamp")
		assert.Equal(t, sign("timestamp="+ts, "secret"), got.URL.Query().Get("signature"))
	})

	t.Run("futures falls back through balance fields", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"assets":[
				{"asset":"USDT","walletBalance":"oops","marginBalance":77.7}
			]}`), nil
		})
		balance, err := client.FetchUSDTBalance(ctx, "key", "secret", FuturesTestnet, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 77.7, balance)
	})

	t.Run("spot free balance", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, `{"balances":[
				{"asset":"BTC","free":"0.1","locked":"0"},
				{"asset":"USDT","free":"512.25","locked":"0"}
			]}`), nil
		})
		balance, err := client.FetchUSDTBalance(ctx, "key", "secret", SpotLive, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 512.25, balance)
		assert.Equal(t, "api.binance.com", got.URL.Host)
		assert.Equal(t, "/api/v3/account", got.URL.Path)
	})

	t.Run("no USDT entry", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"assets":[{"asset":"BTC","walletBalance":"0.5"}]}`), nil
		})
		_, err := client.FetchUSDTBalance(ctx, "key", "secret", FuturesLive, time.Second)
		assert.ErrorIs(t, err, ErrNoUSDTBalance)
	})

	t.Run("api error message is surfaced verbatim", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusUnauthorized, `{"code":-2014,"msg":"API-key format invalid."}`), nil
		})
		_, err := client.FetchUSDTBalance(ctx, "key", "secret", FuturesLive, time.Second)
		require.Error(t, err)
		assert.Equal(t, "API-key format invalid.", err.Error())
	})

	t.Run("non-json body", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `<html>maintenance</html>`), nil
		})
		_, err := client.FetchUSDTBalance(ctx, "key", "secret", SpotLive, time.Second)
		assert.ErrorIs(t, err, ErrInvalidJSON)
	})

	t.Run("wrong shape", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `[1,2,3]`), nil
		})
		_, err := client.FetchUSDTBalance(ctx, "key", "secret", SpotLive, time.Second)
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})

	t.Run("deadline surfaces as timeout", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: context.DeadlineExceeded}
		})
		_, err := client.FetchUSDTBalance(ctx, "key", "secret", FuturesLive, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})
}

func TestVerifyCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"assets":[]}`), nil
		})
		assert.NoError(t, client.VerifyCredentials(ctx, "key", "secret", FuturesLive, time.Second))
	})

	t.Run("rejected", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusUnauthorized, `{"code":-1022,"msg":"Signature for this request is not valid."}`), nil
		})
		err := client.VerifyCredentials(ctx, "key", "secret", SpotLive, time.Second)
		require.Error(t, err)
		assert.Equal(t, "Signature for this request is not valid.", err.Error())
	})

	t.Run("missing credentials", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			t.Fatal("no request expected")
			return nil, nil
		})
		assert.ErrorIs(t, client.VerifyCredentials(ctx, "", "", FuturesLive, time.Second), ErrMissingCredentials)
	})
}

func TestFetchUSDTSymbols(t *testing.T) {
	ctx := context.Background()
	payload := `{"symbols":[
		{"symbol":"ETHUSDT","status":"TRADING","quoteAsset":"USDT","contractType":"PERPETUAL"},
		{"symbol":"BTCUSDT","status":"TRADING","quoteAsset":"USDT","contractType":"PERPETUAL"},
		{"symbol":"ETHUSDT","status":"TRADING","quoteAsset":"USDT","contractType":"PERPETUAL"},
		{"symbol":"ETHBTC","status":"TRADING","quoteAsset":"BTC","contractType":"PERPETUAL"},
		{"symbol":"XRPUSDT","status":"BREAK","quoteAsset":"USDT","contractType":"PERPETUAL"},
		{"symbol":"DOGEUSDT","status":"pending_trading","quoteAsset":"USDT","contractType":"PERPETUAL"},
		{"symbol":"SOLUSDT","status":"TRADING","quoteAsset":"USDT","contractType":"perpetual"},
		{"symbol":"BTCUSDT_240927","status":"TRADING","quoteAsset":"USDT","contractType":"CURRENT_MONTH"}
	]}`

	t.Run("futures filters, dedupes and sorts", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, payload), nil
		})
		symbols, err := client.FetchUSDTSymbols(ctx, FuturesLive, time.Second)
		require.NoError(t, err)
		// Status and contract type match case-insensitively, like the
		// lowercase pending_trading and perpetual entries.
		assert.Equal(t, []string{"BTCUSDT", "DOGEUSDT", "ETHUSDT", "SOLUSDT"}, symbols)
		assert.Equal(t, "fapi.binance.com", got.URL.Host)
		assert.Equal(t, "/fapi/v1/exchangeInfo", got.URL.Path)
	})

	t.Run("spot ignores contract type", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, payload), nil
		})
		symbols, err := client.FetchUSDTSymbols(ctx, SpotTestnet, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT", "BTCUSDT_240927", "DOGEUSDT", "ETHUSDT", "SOLUSDT"}, symbols)
		assert.Equal(t, "testnet.binance.vision", got.URL.Host)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, payload), nil
		})
		first, err := client.FetchUSDTSymbols(ctx, FuturesLive, time.Second)
		require.NoError(t, err)
		second, err := client.FetchUSDTSymbols(ctx, FuturesLive, time.Second)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("wrong shape", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"timezone":"UTC"}`), nil
		})
		_, err := client.FetchUSDTSymbols(ctx, SpotLive, time.Second)
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})
}

func TestFetchKlines(t *testing.T) {
	ctx := context.Background()
	validRow := `[1700000000000,"60000.0","60100.0","59900.0","60050.0","123.45",1700000059999]`

	t.Run("clamps limit high", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, "["+validRow+"]"), nil
		})
		_, err := client.FetchKlines(ctx, "BTCUSDT", "1m", FuturesLive, 5000, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "1000", got.URL.Query().Get("limit"))
	})

	t.Run("clamps limit low", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, "["+validRow+"]"), nil
		})
		_, err := client.FetchKlines(ctx, "BTCUSDT", "1m", FuturesLive, 2, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "10", got.URL.Query().Get("limit"))
	})

	t.Run("normalizes the symbol", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, "["+validRow+"]"), nil
		})
		_, err := client.FetchKlines(ctx, "  btcusdt ", "1m", SpotLive, 300, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", got.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", got.URL.Query().Get("interval"))
		assert.Equal(t, "/api/v3/klines", got.URL.Path)
	})

	t.Run("empty symbol or interval makes no request", func(t *testing.T) {
		calls := 0
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(http.StatusOK, "[]"), nil
		})
		_, err := client.FetchKlines(ctx, "   ", "1m", SpotLive, 300, time.Second)
		assert.ErrorIs(t, err, ErrEmptySymbol)
		_, err = client.FetchKlines(ctx, "BTCUSDT", "", SpotLive, 300, time.Second)
		assert.ErrorIs(t, err, ErrEmptyInterval)
		assert.Equal(t, 0, calls)
	})

	t.Run("skips malformed rows", func(t *testing.T) {
		rows := `[
			[1700000000000,"100","110","90","105","10",1700000059999],
			[1700000060000,"105","115","100","110","11",1700000119999],
			[1700000120000,"110"],
			[1700000180000,"110","120","105","abc","13",1700000239999],
			[true,"115","125","110","120","14",1700000299999],
			[1700000300000,"120","130","115","125","15",1700000359999],
			[1700000360000,"125","135","120","130","16",1700000419999],
			[1700000420000,130,140,125,135,17,1700000479999],
			[1700000480000,"135","145","130","140","18",1700000539999],
			[1700000540000,"140","150","135","145","19",1700000599999]
		]`
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, rows), nil
		})
		candles, err := client.FetchKlines(ctx, "BTCUSDT", "1m", FuturesLive, 300, time.Second)
		require.NoError(t, err)
		require.Len(t, candles, 7)

		assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
		assert.Equal(t, 100.0, candles[0].Open)
		assert.Equal(t, 110.0, candles[0].High)
		assert.Equal(t, 90.0, candles[0].Low)
		assert.Equal(t, 105.0, candles[0].Close)
		assert.Equal(t, 10.0, candles[0].Volume)

		// The all-numeric row parses the same as the string-encoded ones.
		assert.Equal(t, int64(1700000420000), candles[4].OpenTime)
		assert.Equal(t, 130.0, candles[4].Open)
	})

	t.Run("no rows is an error naming symbol and interval", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `[]`), nil
		})
		_, err := client.FetchKlines(ctx, "btcusdt", "15m", FuturesLive, 300, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BTCUSDT")
		assert.Contains(t, err.Error(), "15m")
	})

	t.Run("wrong shape", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"klines":[]}`), nil
		})
		_, err := client.FetchKlines(ctx, "BTCUSDT", "1m", SpotLive, 300, time.Second)
		require.Error(t, err)
		// An object body carries no msg key here, so the shape error wins.
		assert.ErrorIs(t, err, ErrUnexpectedKlines)
	})
}

func TestFetchLastPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("string price", func(t *testing.T) {
		var got *http.Request
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			got = req
			return jsonResponse(http.StatusOK, `{"symbol":"BTCUSDT","price":"61234.50"}`), nil
		})
		price, err := client.FetchLastPrice(ctx, " btcusdt ", FuturesLive, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 61234.50, price)
		assert.Equal(t, "/fapi/v1/ticker/price", got.URL.Path)
		assert.Equal(t, "BTCUSDT", got.URL.Query().Get("symbol"))
	})

	t.Run("numeric price", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"symbol":"ETHUSDT","price":2345.75}`), nil
		})
		price, err := client.FetchLastPrice(ctx, "ETHUSDT", SpotLive, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2345.75, price)
	})

	t.Run("empty symbol makes no request", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			t.Fatal("no request expected")
			return nil, nil
		})
		_, err := client.FetchLastPrice(ctx, "  ", SpotLive, time.Second)
		assert.ErrorIs(t, err, ErrEmptySymbol)
	})
}

func TestFetchQuoteVolumes(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `[
			{"symbol":"BTCUSDT","quoteVolume":"100.5"},
			{"symbol":"ETHUSDT","quoteVolume":7.5},
			{"symbol":"BADUSDT","quoteVolume":"not-a-number"},
			{"lastPrice":"1.0"}
		]`), nil
	})
	volumes, err := client.FetchQuoteVolumes(context.Background(), FuturesLive, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"BTCUSDT": 100.5,
		"ETHUSDT": 7.5,
		"BADUSDT": 0,
	}, volumes)
}

func TestRankByQuoteVolume(t *testing.T) {
	symbols := []string{"ADAUSDT", "BTCUSDT", "DOGEUSDT", "ETHUSDT"}
	volumes := map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50}

	ranked := RankByQuoteVolume(symbols, volumes, 0)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "ADAUSDT", "DOGEUSDT"}, ranked)

	top := RankByQuoteVolume(symbols, volumes, 2)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, top)

	// The input slice stays untouched.
	assert.Equal(t, []string{"ADAUSDT", "BTCUSDT", "DOGEUSDT", "ETHUSDT"}, symbols)
}

func TestFetchServerTime(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"serverTime":1690000000000}`), nil
	})
	ts, err := client.FetchServerTime(context.Background(), SpotLive, time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1690000000000), ts)
}
