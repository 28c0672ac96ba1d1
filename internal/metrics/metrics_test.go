package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	Init()
	Init()

	CycleDone("sync", nil)
	CycleDone("sync", errors.New("boom"))
	if got := testutil.ToFloat64(cycles.WithLabelValues("sync", "error")); got != 1 {
		t.Fatalf("error cycles = %v", got)
	}

	Flushed("ticker", "parquet_local", 5, nil)
	Flushed("ticker", "parquet_local", 3, errors.New("disk full"))
	if got := testutil.ToFloat64(rowsFlushed.WithLabelValues("ticker", "parquet_local")); got != 5 {
		t.Fatalf("rows flushed = %v", got)
	}
	if got := testutil.ToFloat64(flushes.WithLabelValues("ticker", "parquet_local", "error")); got != 1 {
		t.Fatalf("failed flushes = %v", got)
	}

	EventDropped("bitvavo", "orderbook")
	if got := testutil.ToFloat64(dropped.WithLabelValues("bitvavo", "orderbook")); got != 1 {
		t.Fatalf("dropped = %v", got)
	}

	RateLimited("binance", "ip_ban")
	if got := testutil.ToFloat64(rateLimits.WithLabelValues("binance", "ip_ban")); got != 1 {
		t.Fatalf("rate limit hits = %v", got)
	}
	UsedWeight("binance", "1m", 40)
	UsedWeight("binance", "1m", 12)
	if got := testutil.ToFloat64(usedWeight.WithLabelValues("binance", "1m")); got != 12 {
		t.Fatalf("used weight = %v", got)
	}
}
