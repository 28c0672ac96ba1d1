// Package writer buffers collected records per event type and flushes them
// to a durable sink as partitioned columnar batches.
package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"datacollector/internal/metrics"
	"datacollector/logger"
	"datacollector/models"
)

// WriteTimeLayout is the hour granularity partition key stamped on every row.
const WriteTimeLayout = "20060102-15"

// PersistenceError wraps a sink failure. The batch stays buffered.
type PersistenceError struct {
	EventType models.EventType
	Sink      string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s batch to %s: %v", e.EventType, e.Sink, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Writer holds one slot of records per event type. Slots are created lazily
// and are only ever cleared, never replaced.
type Writer struct {
	sink       Sink
	bufferSize int
	log        *logger.Entry
	now        func() time.Time

	mu    sync.Mutex
	slots map[models.EventType][]models.Record
}

// NewWriter buffers up to bufferSize records per event type before the caller
// is told to flush them to sink.
func NewWriter(sink Sink, bufferSize int) *Writer {
	return &Writer{
		sink:       sink,
		bufferSize: bufferSize,
		log:        logger.GetLogger().WithComponent("writer").WithFields(logger.Fields{"sink": sink.Name()}),
		now:        time.Now,
		slots:      make(map[models.EventType][]models.Record),
	}
}

// Append extends the event type's slot. Capacity is not enforced here.
func (w *Writer) Append(records []models.Record, et models.EventType) {
	if len(records) == 0 {
		w.mu.Lock()
		if _, ok := w.slots[et]; !ok {
			w.slots[et] = nil
		}
		w.mu.Unlock()
		return
	}
	w.mu.Lock()
	w.slots[et] = append(w.slots[et], records...)
	w.mu.Unlock()

	metrics.RecordsCollected(string(et), len(records))
	logger.RecordCollected(string(et), len(records))
}

// IsBufferFull reports whether the slot holds at least bufferSize records.
func (w *Writer) IsBufferFull(et models.EventType) bool {
	return w.Len(et) >= w.bufferSize
}

func (w *Writer) Len(et models.EventType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots[et])
}

// EventTypes lists the slots created so far, sorted.
func (w *Writer) EventTypes() []models.EventType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.EventType, 0, len(w.slots))
	for et := range w.slots {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SaveAndRefresh stamps the buffered records with the current write time,
// persists them and empties the slot. An empty slot only logs a warning. A
// sink failure is returned as *PersistenceError and leaves the records in
// place.
func (w *Writer) SaveAndRefresh(ctx context.Context, et models.EventType) error {
	log := w.log.WithFields(logger.Fields{"event_type": string(et), "operation": "save_and_refresh"})

	w.mu.Lock()
	slot := w.slots[et]
	if len(slot) == 0 {
		w.mu.Unlock()
		log.Warn("no records to flush")
		return nil
	}
	writeTime := w.now().UTC().Format(WriteTimeLayout)
	batch := make([]models.Record, len(slot))
	for i, rec := range slot {
		rec[models.KeyWriteTime] = writeTime
		batch[i] = rec
	}
	w.mu.Unlock()

	start := time.Now()
	if err := w.sink.Write(ctx, et, batch); err != nil {
		metrics.Flushed(string(et), w.sink.Name(), 0, err)
		return &PersistenceError{EventType: et, Sink: w.sink.Name(), Err: err}
	}

	w.mu.Lock()
	slot = w.slots[et]
	n := len(batch)
	// records appended while the sink was writing stay queued
	remaining := copy(slot, slot[n:])
	clear(slot[remaining:])
	w.slots[et] = slot[:remaining]
	w.mu.Unlock()

	metrics.Flushed(string(et), w.sink.Name(), n, nil)
	logger.RecordFlushed(string(et), n)
	w.log.LogMetric("writer", "rows_flushed", n, logger.Fields{"event_type": string(et), "sink": w.sink.Name()})
	log.WithFields(logger.Fields{
		"rows":       n,
		"write_time": writeTime,
		"duration":   time.Since(start).String(),
	}).Info("flushed batch")
	return nil
}

// FlushAll flushes every slot, continuing past failures. It returns the first
// error.
func (w *Writer) FlushAll(ctx context.Context) error {
	var first error
	for _, et := range w.EventTypes() {
		if err := w.SaveAndRefresh(ctx, et); err != nil {
			w.log.WithError(err).WithFields(logger.Fields{"event_type": string(et)}).Error("flush failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Close releases the sink.
func (w *Writer) Close() error {
	return w.sink.Close()
}
