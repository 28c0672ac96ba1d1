// Registers:
//
//	#datacollector_cycles_total
//	#datacollector_records_collected_total
//	#datacollector_stream_events_dropped_total
//	#datacollector_flushes_total
//	#datacollector_rows_flushed_total
//	#datacollector_reconnects_total
//	#datacollector_rate_limit_hits_total
//	#datacollector_exchange_used_weight
//	#go_* and process_* system metrics
//
// Serve exposes them on <addr>/metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datacollector/logger"
)

var (
	once sync.Once

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_cycles_total",
			Help: "Collector loop iterations by mode and outcome",
		},
		[]string{"mode", "status"},
	)
	collected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_records_collected_total",
			Help: "Records appended to the write buffer",
		},
		[]string{"event_type"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_stream_events_dropped_total",
			Help: "Stream events discarded for missing required keys",
		},
		[]string{"exchange", "event_type"},
	)
	flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_flushes_total",
			Help: "Write buffer flushes by sink and outcome",
		},
		[]string{"event_type", "sink", "status"},
	)
	rowsFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_rows_flushed_total",
			Help: "Rows persisted to a sink",
		},
		[]string{"event_type", "sink"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_reconnects_total",
			Help: "Streaming resubscriptions after a closed socket",
		},
		[]string{"exchange"},
	)
	rateLimits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datacollector_rate_limit_hits_total",
			Help: "Exchange responses signalling a rate limit or an IP ban",
		},
		[]string{"exchange", "kind"},
	)
	usedWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datacollector_exchange_used_weight",
			Help: "Request weight the exchange reports as used in the current window",
		},
		[]string{"exchange", "window"},
	)
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(cycles, collected, dropped, flushes, rowsFlushed, reconnects, rateLimits, usedWeight)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	log := logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info("serving prometheus metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
}

func CycleDone(mode string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	cycles.WithLabelValues(mode, status).Inc()
}

func RecordsCollected(eventType string, n int) {
	collected.WithLabelValues(eventType).Add(float64(n))
}

func EventDropped(exchange, eventType string) {
	dropped.WithLabelValues(exchange, eventType).Inc()
}

func Flushed(eventType, sink string, rows int, err error) {
	if err != nil {
		flushes.WithLabelValues(eventType, sink, "error").Inc()
		return
	}
	flushes.WithLabelValues(eventType, sink, "ok").Inc()
	rowsFlushed.WithLabelValues(eventType, sink).Add(float64(rows))
}

func Reconnected(exchange string) {
	reconnects.WithLabelValues(exchange).Inc()
}

func RateLimited(exchange, kind string) {
	rateLimits.WithLabelValues(exchange, kind).Inc()
}

func UsedWeight(exchange, window string, weight float64) {
	usedWeight.WithLabelValues(exchange, window).Set(weight)
}
