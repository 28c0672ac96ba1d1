package writer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"datacollector/models"
)

type fakeSink struct {
	mu      sync.Mutex
	batches map[models.EventType][][]models.Record
	fail    error
	closed  bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{batches: map[models.EventType][][]models.Record{}}
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Write(_ context.Context, et models.EventType, records []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches[et] = append(s.batches[et], append([]models.Record(nil), records...))
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func book(pair string) models.Record {
	return models.Record{
		models.KeyExchange:  "bitvavo",
		models.KeyPair:      pair,
		models.KeyBids:      []models.PriceLevel{{100, 1}},
		models.KeyAsks:      []models.PriceLevel{{101, 1}},
		models.KeyFetchTime: time.Unix(1700000000, 0).UTC(),
	}
}

func newTestWriter(sink Sink, size int) *Writer {
	w := NewWriter(sink, size)
	w.now = func() time.Time { return time.Date(2024, 3, 5, 13, 45, 0, 0, time.UTC) }
	return w
}

func TestIsBufferFull(t *testing.T) {
	w := newTestWriter(newFakeSink(), 2)
	if w.IsBufferFull(models.EventOrderBook) {
		t.Fatalf("empty buffer reported full")
	}
	w.Append([]models.Record{book("BTC-EUR")}, models.EventOrderBook)
	if w.IsBufferFull(models.EventOrderBook) {
		t.Fatalf("buffer with 1 of 2 reported full")
	}
	w.Append([]models.Record{book("ETH-EUR")}, models.EventOrderBook)
	if !w.IsBufferFull(models.EventOrderBook) {
		t.Fatalf("buffer with 2 of 2 not reported full")
	}
}

func TestSaveAndRefreshStampsAndClears(t *testing.T) {
	sink := newFakeSink()
	w := newTestWriter(sink, 2)
	w.Append([]models.Record{book("BTC-EUR"), book("ETH-EUR")}, models.EventOrderBook)

	if err := w.SaveAndRefresh(context.Background(), models.EventOrderBook); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if w.Len(models.EventOrderBook) != 0 {
		t.Fatalf("slot not cleared: %d", w.Len(models.EventOrderBook))
	}
	got := sink.batches[models.EventOrderBook]
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("unexpected batches: %v", got)
	}
	if wt := got[0][0].String(models.KeyWriteTime); wt != "20240305-13" {
		t.Errorf("write_time = %q", wt)
	}
	if got[0][1].String(models.KeyPair) != "ETH-EUR" {
		t.Errorf("order not preserved")
	}

	// an already emptied slot flushes as a no-op
	if err := w.SaveAndRefresh(context.Background(), models.EventOrderBook); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(sink.batches[models.EventOrderBook]) != 1 {
		t.Fatalf("empty flush reached the sink")
	}
}

func TestSaveAndRefreshKeepsSlotIdentity(t *testing.T) {
	w := newTestWriter(newFakeSink(), 10)
	w.Append([]models.Record{book("BTC-EUR"), book("ETH-EUR")}, models.EventOrderBook)
	before := cap(w.slots[models.EventOrderBook])

	if err := w.SaveAndRefresh(context.Background(), models.EventOrderBook); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := cap(w.slots[models.EventOrderBook]); got != before {
		t.Fatalf("slot reallocated: cap %d -> %d", before, got)
	}
}

func TestSaveAndRefreshFailureKeepsRecords(t *testing.T) {
	sink := newFakeSink()
	sink.fail = errors.New("disk full")
	w := newTestWriter(sink, 1)
	w.Append([]models.Record{book("BTC-EUR")}, models.EventOrderBook)

	err := w.SaveAndRefresh(context.Background(), models.EventOrderBook)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if perr.Sink != "fake" || perr.EventType != models.EventOrderBook {
		t.Errorf("unexpected error fields: %+v", perr)
	}
	if w.Len(models.EventOrderBook) != 1 {
		t.Fatalf("failed batch should stay buffered")
	}

	sink.fail = nil
	if err := w.SaveAndRefresh(context.Background(), models.EventOrderBook); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if w.Len(models.EventOrderBook) != 0 {
		t.Fatalf("slot not cleared after retry")
	}
}

func TestFlushAll(t *testing.T) {
	sink := newFakeSink()
	w := newTestWriter(sink, 10)
	w.Append([]models.Record{book("BTC-EUR")}, models.EventOrderBook)
	w.Append([]models.Record{{models.KeyExchange: "bitvavo", models.KeyMarket: "BTC-EUR"}}, models.EventTicker)
	w.Append(nil, models.EventTrades)

	if got := w.EventTypes(); len(got) != 3 {
		t.Fatalf("EventTypes() = %v", got)
	}
	if err := w.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if len(sink.batches[models.EventOrderBook]) != 1 || len(sink.batches[models.EventTicker]) != 1 {
		t.Fatalf("unexpected batches: %v", sink.batches)
	}
	if err := w.FlushAll(context.Background()); err != nil {
		t.Fatalf("second FlushAll: %v", err)
	}
	if err := w.Close(); err != nil || !sink.closed {
		t.Fatalf("close: %v", err)
	}
}

func TestSplitPartitions(t *testing.T) {
	recs := []models.Record{
		{models.KeyExchange: "bitvavo", models.KeyPair: "BTC-EUR", models.KeyWriteTime: "20240305-13"},
		{models.KeyExchange: "btcturk", models.KeyMarket: "BTCTRY", models.KeyWriteTime: "20240305-13"},
		{models.KeyExchange: "bitvavo", models.KeyPair: "ETH-EUR", models.KeyWriteTime: "20240305-13"},
	}
	parts := SplitPartitions(models.EventOrderBook, recs, []string{"exchange"})
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].Path != "orderbook/exchange=bitvavo/write_time=20240305-13" {
		t.Errorf("unexpected path %q", parts[0].Path)
	}
	if len(parts[0].Records) != 2 || parts[0].Records[1].String(models.KeyPair) != "ETH-EUR" {
		t.Errorf("unexpected records %v", parts[0].Records)
	}

	parts = SplitPartitions(models.EventTicker, recs[1:2], []string{"pair", "venue"})
	if want := "ticker/pair=BTCTRY/venue=unknown/write_time=20240305-13"; parts[0].Path != want {
		t.Errorf("path = %q, want %q", parts[0].Path, want)
	}
}

func TestRowsTickerNulls(t *testing.T) {
	rows, skipped, err := Rows(models.EventTicker, []models.Record{{
		models.KeyExchange:    "bitvavo",
		models.KeyMarket:      "BTC-EUR",
		models.KeyBestBid:     "100.5",
		models.KeyBestAsk:     nil,
		models.KeyBestBidSize: nil,
	}})
	if err != nil || skipped != 0 {
		t.Fatalf("rows: %v %d", err, skipped)
	}
	row := rows[0].(TickerRow)
	if row.BestBid == nil || *row.BestBid != 100.5 {
		t.Errorf("best bid = %v", row.BestBid)
	}
	if row.BestAsk != nil || row.LastPrice != nil {
		t.Errorf("missing prices should be null")
	}
	if row.Pair != "BTC-EUR" {
		t.Errorf("pair = %q", row.Pair)
	}
}

func TestRowsSkipsMalformedTrades(t *testing.T) {
	rows, skipped, err := Rows(models.EventTrades, []models.Record{
		{models.KeyID: "1", models.KeyPrice: "100", models.KeyAmount: "0.5", models.KeySide: "buy", models.KeyTimestamp: int64(1)},
		{models.KeyID: "2", models.KeyPrice: "n/a", models.KeyAmount: "0.5"},
	})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 1 || skipped != 1 {
		t.Fatalf("expected 1 row and 1 skipped, got %d %d", len(rows), skipped)
	}
}

func TestRowsOrderBookLevels(t *testing.T) {
	rows, _, err := Rows(models.EventOrderBook, []models.Record{book("BTC-EUR")})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	row := rows[0].(OrderBookRow)
	if len(row.Bids) != 1 || row.Bids[0] != (LevelRow{Price: 100, Size: 1}) || row.Timestamp != nil {
		t.Errorf("unexpected row %+v", row)
	}
	if len(row.Asks) != 1 || row.Asks[0].Price != 101 {
		t.Errorf("unexpected asks %+v", row.Asks)
	}
	if row.FetchTime != 1700000000000 {
		t.Errorf("fetch_time = %d", row.FetchTime)
	}
}

func TestEncodeParquet(t *testing.T) {
	rows, _, _ := Rows(models.EventOrderBook, []models.Record{book("BTC-EUR")})
	data, err := EncodeParquet(models.EventOrderBook, rows, "snappy")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) < 8 || !strings.HasPrefix(string(data), "PAR1") || !strings.HasSuffix(string(data), "PAR1") {
		t.Fatalf("not a parquet file")
	}
}

func TestLevelsReadBackAsDoubles(t *testing.T) {
	rec := book("BTC-EUR")
	rec[models.KeyBids] = []models.PriceLevel{{100.5, 1.25}, {99, 2}}
	rec[models.KeyAsks] = []models.PriceLevel{}
	rows, _, _ := Rows(models.EventOrderBook, []models.Record{rec})
	path := filepath.Join(t.TempDir(), "book.parquet")
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writeParquet(fw, models.EventOrderBook, rows, "snappy"); err != nil {
		t.Fatalf("write: %v", err)
	}
	fw.Close()

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(OrderBookRow), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()
	got := make([]OrderBookRow, 1)
	if err := pr.Read(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []LevelRow{{Price: 100.5, Size: 1.25}, {Price: 99, Size: 2}}
	if len(got[0].Bids) != len(want) {
		t.Fatalf("bids = %+v", got[0].Bids)
	}
	for i := range want {
		if got[0].Bids[i] != want[i] {
			t.Errorf("bid %d = %+v, want %+v", i, got[0].Bids[i], want[i])
		}
	}
	if len(got[0].Asks) != 0 {
		t.Errorf("asks = %+v", got[0].Asks)
	}
}
