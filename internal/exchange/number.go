package exchange

import "strconv"

// asFloat coerces a decoded JSON value into a float64. Binance encodes most
// numeric fields as strings, but some payloads carry plain numbers; both forms
// are accepted.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// asInt coerces a decoded JSON value into an int64, for millisecond timestamps.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
