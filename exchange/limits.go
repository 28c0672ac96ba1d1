package exchange

import (
	"errors"
	"net/http"
	"strings"

	"datacollector/internal/metrics"
	"datacollector/logger"
)

type LimitKind string

const (
	LimitRate  LimitKind = "rate_limit"
	LimitIPBan LimitKind = "ip_ban"
)

// DetectLimit classifies err as a rate limit or an IP ban. Status codes are
// checked first, then the exchange specific wording of the message.
func DetectLimit(exchange string, err error) (LimitKind, bool) {
	if err == nil {
		return "", false
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case http.StatusTooManyRequests:
			return LimitRate, true
		case http.StatusTeapot:
			// binance answers 418 once an IP is auto banned
			return LimitIPBan, true
		}
	}

	msg := strings.ToLower(err.Error())
	mentionsIP := strings.Contains(msg, "ip")
	var rateLimit, ipBan bool
	switch strings.ToLower(exchange) {
	case "bybit":
		ipBan = strings.Contains(msg, "ip rate limit") || (mentionsIP && strings.Contains(msg, "ban"))
		rateLimit = !ipBan && (strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "too many visits"))
	case "bitvavo":
		ipBan = mentionsIP && (strings.Contains(msg, "ban") || strings.Contains(msg, "blocked"))
		rateLimit = strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
	default:
		ipBan = mentionsIP && strings.Contains(msg, "ban")
		rateLimit = strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
	}
	switch {
	case ipBan:
		return LimitIPBan, true
	case rateLimit:
		return LimitRate, true
	}
	return "", false
}

// ReportLimit records a rate limit hit for a failed request. Errors that are
// not limit related are ignored.
func ReportLimit(log *logger.Entry, exchange, pair string, err error) {
	kind, ok := DetectLimit(exchange, err)
	if !ok {
		return
	}
	metrics.RateLimited(exchange, string(kind))
	log.LogMetric("exchange", string(kind), int64(1), logger.Fields{"exchange": exchange, "pair": pair})
	entry := log.WithFields(logger.Fields{"exchange": exchange, "pair": pair, "kind": string(kind)})
	if kind == LimitIPBan {
		entry.Error("ip banned")
		return
	}
	entry.Warn("rate limit exceeded")
}
