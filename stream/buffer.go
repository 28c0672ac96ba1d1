// Package stream buffers events pushed by exchange websocket callbacks until
// the collector drains them.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"datacollector/internal/metrics"
	"datacollector/logger"
	"datacollector/models"
)

const (
	DefaultLimit         = 20
	DefaultErrorCooldown = 60 * time.Second
)

// DefaultRequiredKeys lists the keys an event must carry to be buffered.
var DefaultRequiredKeys = map[models.EventType][]string{
	models.EventOrderBook: {models.KeyBids, models.KeyAsks, models.KeyMarket},
	models.EventTicker:    {models.KeyMarket},
	models.EventTrades:    {models.KeyID, models.KeyAmount, models.KeyPrice, models.KeyTimestamp, models.KeyMarket, models.KeySide},
}

// TickerNullKeys are filled with nil when a ticker update omits them.
var TickerNullKeys = []string{models.KeyBestBid, models.KeyBestBidSize, models.KeyBestAsk, models.KeyBestAskSize}

// ValidationError describes an event dropped for a missing key.
type ValidationError struct {
	Exchange  string
	EventType models.EventType
	Key       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s event missing required key %q", e.Exchange, e.EventType, e.Key)
}

// Liveness is the view of a socket the error callback needs.
type Liveness interface {
	IsSocketClosed() bool
	CheckReconnect()
}

type Options struct {
	Exchange      string
	EventType     models.EventType
	RequiredKeys  []string
	Limit         int
	ErrorCooldown time.Duration
	Now           func() time.Time
}

// Buffer is a double buffer for one event type of one exchange. Network
// callbacks append to the active slot while Extract swaps the slots and hands
// back a private copy of what was collected.
type Buffer struct {
	exchange  string
	eventType models.EventType
	required  []string
	limit     int
	cooldown  time.Duration
	now       func() time.Time
	log       *logger.Entry

	mu     sync.Mutex
	active []models.Record
	swap   []models.Record

	// serialises Extract and Clear so the swap slot is never reused while
	// it is being copied
	drainMu sync.Mutex
}

func NewBuffer(opts Options) *Buffer {
	b := &Buffer{
		exchange:  opts.Exchange,
		eventType: opts.EventType,
		required:  opts.RequiredKeys,
		limit:     opts.Limit,
		cooldown:  opts.ErrorCooldown,
		now:       opts.Now,
	}
	if b.required == nil {
		b.required = DefaultRequiredKeys[opts.EventType]
	}
	if b.limit <= 0 {
		b.limit = DefaultLimit
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultErrorCooldown
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.log = logger.GetLogger().WithComponent("stream_buffer").WithFields(logger.Fields{
		"exchange":   b.exchange,
		"event_type": string(b.eventType),
	})
	return b
}

func (b *Buffer) EventType() models.EventType { return b.eventType }

// Append validates rec, stamps it and adds it to the active slot. Invalid
// events are logged and dropped; Append reports whether rec was kept.
func (b *Buffer) Append(rec models.Record) bool {
	if err := b.validate(rec); err != nil {
		b.log.WithError(err).Warn("dropping stream event")
		metrics.EventDropped(b.exchange, string(b.eventType))
		logger.RecordDropped()
		return false
	}

	if !rec.Has(models.KeyEvent) {
		rec[models.KeyEvent] = string(b.eventType)
	}
	rec[models.KeyFetchTime] = b.now().UTC()
	rec[models.KeyExchange] = b.exchange

	switch b.eventType {
	case models.EventOrderBook:
		rec.TruncateLevels(models.KeyBids, b.limit)
		rec.TruncateLevels(models.KeyAsks, b.limit)
	case models.EventTicker:
		for _, key := range TickerNullKeys {
			if !rec.Has(key) {
				rec[key] = nil
			}
		}
	}

	b.mu.Lock()
	b.active = append(b.active, rec)
	b.mu.Unlock()
	return true
}

func (b *Buffer) validate(rec models.Record) error {
	for _, key := range b.required {
		if !rec.Has(key) {
			return &ValidationError{Exchange: b.exchange, EventType: b.eventType, Key: key}
		}
	}
	return nil
}

// Extract swaps the slots and returns a deep copy of everything appended since
// the previous call.
func (b *Buffer) Extract() []models.Record {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	b.active, b.swap = b.swap, b.active
	clear(b.active)
	b.active = b.active[:0]
	drained := b.swap
	b.mu.Unlock()

	out := make([]models.Record, len(drained))
	for i, rec := range drained {
		out[i] = rec.Clone()
	}
	return out
}

// Clear discards both slots.
func (b *Buffer) Clear() {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	clear(b.active)
	clear(b.swap)
	b.active = b.active[:0]
	b.swap = b.swap[:0]
	b.mu.Unlock()
}

// Len returns the number of events waiting in the active slot.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// OnError handles a transport failure: wait out the cooldown, then either
// leave a closed socket to the collector's reconnect pass or ask the
// connection to check itself.
func (b *Buffer) OnError(ctx context.Context, err error, conn Liveness) {
	b.log.WithError(err).Warn("stream transport error")

	timer := time.NewTimer(b.cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if conn.IsSocketClosed() {
		b.log.Info("socket closed, collector will open a new one")
		return
	}
	b.log.Info("socket still open, checking connection")
	conn.CheckReconnect()
}
