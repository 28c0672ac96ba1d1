package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a stream of market data.
type EventType string

const (
	EventOrderBook EventType = "orderbook"
	EventTicker    EventType = "ticker"
	EventTrades    EventType = "trades"
)

// EventTypes lists every supported event type in a stable order.
var EventTypes = []EventType{EventOrderBook, EventTicker, EventTrades}

// ParseEventType validates s against the supported event types.
func ParseEventType(s string) (EventType, error) {
	et := EventType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range EventTypes {
		if et == known {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Common record keys.
const (
	KeyEvent     = "event"
	KeyExchange  = "exchange"
	KeyFetchTime = "fetch_time"
	KeyWriteTime = "write_time"
	KeyPair      = "pair"
	KeyMarket    = "market"
	KeyBids      = "bids"
	KeyAsks      = "asks"
	KeyTimestamp = "timestamp"
	KeyNonce     = "nonce"

	KeyBestBid     = "bestBid"
	KeyBestBidSize = "bestBidSize"
	KeyBestAsk     = "bestAsk"
	KeyBestAskSize = "bestAskSize"
	KeyLastPrice   = "lastPrice"

	KeyID     = "id"
	KeyAmount = "amount"
	KeyPrice  = "price"
	KeySide   = "side"
)

// Record is one normalized market data row. Order book snapshots and stream
// events share this shape so a single writer can buffer both.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []PriceLevel:
		return append([]PriceLevel(nil), t...)
	case [][]string:
		out := make([][]string, len(t))
		for i, row := range t {
			out[i] = append([]string(nil), row...)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case Record:
		return t.Clone()
	default:
		return v
	}
}

// Has reports whether key is present, even with a nil value.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the value of key rendered as a string, or "" when absent.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Float returns the numeric value of key. Strings are parsed as decimals.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := ParseDecimal(v.String())
		return f, err == nil
	case string:
		if v == "" {
			return 0, false
		}
		f, err := ParseDecimal(v)
		return f, err == nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	default:
		return 0, false
	}
}

// Int returns the integer value of key.
func (r Record) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		return int64(f), err == nil
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Time returns the time value of key.
func (r Record) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case int64:
		return time.UnixMilli(v).UTC(), true
	default:
		return time.Time{}, false
	}
}

// Levels returns the price levels stored under key.
func (r Record) Levels(key string) []PriceLevel {
	switch v := r[key].(type) {
	case []PriceLevel:
		return v
	case [][]string:
		levels, err := ParseLevels(v)
		if err != nil {
			return nil
		}
		return levels
	case []any:
		levels := make([]PriceLevel, 0, len(v))
		for _, item := range v {
			pair, ok := item.([]any)
			if !ok || len(pair) < 2 {
				continue
			}
			row := Record{"p": pair[0], "s": pair[1]}
			p, okp := row.Float("p")
			s, oks := row.Float("s")
			if okp && oks {
				levels = append(levels, PriceLevel{p, s})
			}
		}
		return levels
	default:
		return nil
	}
}

// TruncateLevels keeps at most limit levels of key, in place.
func (r Record) TruncateLevels(key string, limit int) {
	if limit <= 0 {
		return
	}
	switch v := r[key].(type) {
	case []PriceLevel:
		if len(v) > limit {
			r[key] = v[:limit]
		}
	case [][]string:
		if len(v) > limit {
			r[key] = v[:limit]
		}
	case []any:
		if len(v) > limit {
			r[key] = v[:limit]
		}
	}
}
