package exchange

// Market identifies one of the four Binance venues the clients can talk to.
type Market int

const (
	SpotLive Market = iota
	SpotTestnet
	FuturesLive
	FuturesTestnet
)

// MarketFor maps the (futures, testnet) flag pair onto a Market.
func MarketFor(futures, testnet bool) Market {
	switch {
	case futures && testnet:
		return FuturesTestnet
	case futures:
		return FuturesLive
	case testnet:
		return SpotTestnet
	default:
		return SpotLive
	}
}

type hostSet struct {
	rest   string
	stream string
}

// hosts is the single source of truth for venue addressing.
var hosts = map[Market]hostSet{
	SpotLive:       {rest: "https://api.binance.com", stream: "wss://stream.binance.com:9443/ws"},
	SpotTestnet:    {rest: "https://testnet.binance.vision", stream: "wss://testnet.binance.vision/ws"},
	FuturesLive:    {rest: "https://fapi.binance.com", stream: "wss://fstream.binance.com/ws"},
	FuturesTestnet: {rest: "https://testnet.binancefuture.com", stream: "wss://stream.binancefuture.com/ws"},
}

// RestBaseURL returns the REST API origin for the market.
func (m Market) RestBaseURL() string { return hosts[m].rest }

// StreamBaseURL returns the WebSocket origin for the market.
func (m Market) StreamBaseURL() string { return hosts[m].stream }

// IsFutures reports whether the market is a USDT-M futures venue.
func (m Market) IsFutures() bool { return m == FuturesLive || m == FuturesTestnet }

// IsTestnet reports whether the market is a test venue.
func (m Market) IsTestnet() bool { return m == SpotTestnet || m == FuturesTestnet }

func (m Market) String() string {
	switch m {
	case SpotLive:
		return "spot"
	case SpotTestnet:
		return "spot-testnet"
	case FuturesLive:
		return "futures"
	case FuturesTestnet:
		return "futures-testnet"
	default:
		return "unknown"
	}
}

func (m Market) accountPath() string {
	if m.IsFutures() {
		return "/fapi/v2/account"
	}
	return "/api/v3/account"
}

func (m Market) exchangeInfoPath() string {
	if m.IsFutures() {
		return "/fapi/v1/exchangeInfo"
	}
	return "/api/v3/exchangeInfo"
}

func (m Market) klinesPath() string {
	if m.IsFutures() {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}

func (m Market) tickerPricePath() string {
	if m.IsFutures() {
		return "/fapi/v1/ticker/price"
	}
	return "/api/v3/ticker/price"
}

func (m Market) ticker24hPath() string {
	if m.IsFutures() {
		return "/fapi/v1/ticker/24hr"
	}
	return "/api/v3/ticker/24hr"
}

func (m Market) serverTimePath() string {
	if m.IsFutures() {
		return "/fapi/v1/time"
	}
	return "/api/v3/time"
}
