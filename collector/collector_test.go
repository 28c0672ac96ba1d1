package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"datacollector/config"
	"datacollector/exchange"
	"datacollector/models"
	"datacollector/writer"
)

type fakeAdapter struct {
	name string

	mu         sync.Mutex
	fetchErrs  []error
	fetchCalls int32
	panicOnce  bool
	closed     bool
	subscribes int
	pending    map[models.EventType][]models.Record
	cleared    int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, closed: true, pending: map[models.EventType][]models.Record{}}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchOrderBook(_ context.Context, pair string, _ int) (models.OrderBookSnapshot, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	f.mu.Lock()
	if f.panicOnce {
		f.panicOnce = false
		f.mu.Unlock()
		panic("decoder blew up")
	}
	var err error
	if len(f.fetchErrs) > 0 {
		err = f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	return models.OrderBookSnapshot{
		Exchange: f.name,
		Pair:     pair,
		Bids:     []models.PriceLevel{{100, 1}},
		Asks:     []models.PriceLevel{{101, 1}},
	}, nil
}

func (f *fakeAdapter) FetchOrderBookAsync(ctx context.Context, pair string, limit int) <-chan exchange.FetchResult {
	return exchange.Async(ctx, func(ctx context.Context) (models.OrderBookSnapshot, error) {
		return f.FetchOrderBook(ctx, pair, limit)
	})
}

func (f *fakeAdapter) Subscribe(context.Context, []models.EventType, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.closed = false
	return nil
}

func (f *fakeAdapter) push(et models.EventType, rec models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[et] = append(f.pending[et], rec)
}

func (f *fakeAdapter) ExtractData() map[models.EventType][]models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = map[models.EventType][]models.Record{}
	return out
}

func (f *fakeAdapter) ClearData() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.pending = map[models.EventType][]models.Record{}
}

func (f *fakeAdapter) IsSocketClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAdapter) CloseSocket() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	batches map[models.EventType][][]models.Record
	fail    map[models.EventType]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: map[models.EventType][][]models.Record{}}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, et models.EventType, recs []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[et]; err != nil {
		return err
	}
	s.batches[et] = append(s.batches[et], append([]models.Record(nil), recs...))
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count(et models.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches[et] {
		n += len(b)
	}
	return n
}

func testConfig(mode config.Mode) config.CollectorConfig {
	cfg := config.Default().Collector
	cfg.CollectionMode = mode
	cfg.Pairs.Set("bitvavo", "BTC-EUR", "ETH-EUR")
	cfg.Pairs.Set("btcturk", "BTC-TRY")
	cfg.EventTypes.Set("bitvavo", "orderbook", "ticker")
	cfg.EventTypes.Set("btcturk", "orderbook")
	return cfg
}

func newTestCollector(t *testing.T, cfg config.CollectorConfig, bufferSize int) (*Collector, *recordingSink, *fakeAdapter, *fakeAdapter) {
	t.Helper()
	sink := newRecordingSink()
	bitvavo, btcturk := newFakeAdapter("bitvavo"), newFakeAdapter("btcturk")
	c, err := New(cfg, []exchange.Adapter{bitvavo, btcturk}, writer.NewWriter(sink, bufferSize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sink, bitvavo, btcturk
}

func TestNewValidatesExchangeSets(t *testing.T) {
	cfg := testConfig(config.ModeSync)
	adapters := []exchange.Adapter{newFakeAdapter("bitvavo"), newFakeAdapter("btcturk")}
	w := writer.NewWriter(newRecordingSink(), 10)
	if _, err := New(cfg, adapters, w); err != nil {
		t.Fatalf("matching sets rejected: %v", err)
	}

	cfg.EventTypes.Set("kraken", "orderbook")
	if _, err := New(cfg, adapters, w); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRequiresAdapterForEveryExchange(t *testing.T) {
	cfg := testConfig(config.ModeSync)
	_, err := New(cfg, []exchange.Adapter{newFakeAdapter("bitvavo")}, writer.NewWriter(newRecordingSink(), 10))
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRejectsInvalidMode(t *testing.T) {
	cfg := testConfig("polling")
	_, err := New(cfg, []exchange.Adapter{newFakeAdapter("bitvavo"), newFakeAdapter("btcturk")}, writer.NewWriter(newRecordingSink(), 10))
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSyncCycleSharesFetchTime(t *testing.T) {
	c, sink, _, _ := newTestCollector(t, testConfig(config.ModeSync), 3)
	fixed := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	if err := c.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	batches := sink.batches[models.EventOrderBook]
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("full buffer should flush 3 records, got %v", batches)
	}
	wantPairs := []string{"BTC-EUR", "ETH-EUR", "BTC-TRY"}
	for i, rec := range batches[0] {
		if got := rec.String(models.KeyPair); got != wantPairs[i] {
			t.Errorf("record %d pair = %s, want %s", i, got, wantPairs[i])
		}
		if ft, _ := rec.Time(models.KeyFetchTime); !ft.Equal(fixed) {
			t.Errorf("record %d fetch_time = %v", i, ft)
		}
		if !rec.Has(models.KeyTimestamp) {
			t.Errorf("record %d missing timestamp key", i)
		}
	}
}

func TestSyncCycleFailsOnFetchError(t *testing.T) {
	c, sink, _, btcturk := newTestCollector(t, testConfig(config.ModeSync), 1)
	btcturk.fetchErrs = []error{&exchange.TransportError{Exchange: "btcturk", Op: "fetch_orderbook", Err: errors.New("timeout")}}

	err := c.runCycle(context.Background())
	var terr *exchange.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if sink.count(models.EventOrderBook) != 0 {
		t.Fatalf("nothing should be written for a failed cycle")
	}
}

func TestAsyncRetriesThenSucceeds(t *testing.T) {
	c, _, _, btcturk := newTestCollector(t, testConfig(config.ModeAsync), 100)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		waits = append(waits, d)
		return true
	}
	btcturk.fetchErrs = []error{errors.New("first"), errors.New("second")}

	data, err := c.fetchAsyncWithRetry(context.Background())
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(data[models.EventOrderBook]) != 3 {
		t.Fatalf("unexpected data: %v", data)
	}
	if len(waits) != 2 || waits[0] != 5*time.Second {
		t.Fatalf("expected two 5s waits, got %v", waits)
	}
}

func TestAsyncGivesUpAfterThreeAttempts(t *testing.T) {
	c, _, _, btcturk := newTestCollector(t, testConfig(config.ModeAsync), 100)
	c.sleep = func(context.Context, time.Duration) bool { return true }
	last := errors.New("third")
	btcturk.fetchErrs = []error{errors.New("first"), errors.New("second"), last, nil}

	_, err := c.fetchAsyncWithRetry(context.Background())
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if n := atomic.LoadInt32(&btcturk.fetchCalls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestAsyncKeepsConfigurationOrder(t *testing.T) {
	c, _, _, _ := newTestCollector(t, testConfig(config.ModeAsync), 100)
	data, err := c.fetchAsync(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	recs := data[models.EventOrderBook]
	if len(recs) != 3 || recs[0].String(models.KeyPair) != "BTC-EUR" || recs[2].String(models.KeyExchange) != "btcturk" {
		t.Fatalf("unexpected order: %v", recs)
	}
}

func TestWebsocketDrainCadence(t *testing.T) {
	cfg := testConfig(config.ModeWebsocket)
	cfg.DrainEvery = 3
	c, _, bitvavo, btcturk := newTestCollector(t, cfg, 100)
	ctx := context.Background()

	if err := c.subscribeAll(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bitvavo.push(models.EventTicker, models.Record{models.KeyMarket: "BTC-EUR"})
	btcturk.push(models.EventOrderBook, models.Record{models.KeyMarket: "BTCTRY"})
	bitvavo.push(models.EventOrderBook, models.Record{models.KeyMarket: "BTC-EUR"})

	for i := 1; i <= 2; i++ {
		data, err := c.streamCycle(ctx)
		if err != nil || data != nil {
			t.Fatalf("cycle %d should not drain: %v %v", i, data, err)
		}
	}
	data, err := c.streamCycle(ctx)
	if err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	books := data[models.EventOrderBook]
	if len(books) != 2 || books[0].String(models.KeyMarket) != "BTC-EUR" {
		t.Fatalf("expected exchanges drained in configuration order, got %v", books)
	}
	if len(data[models.EventTicker]) != 1 {
		t.Fatalf("ticker not drained: %v", data)
	}
}

func TestWebsocketReconnectsClosedSockets(t *testing.T) {
	c, _, bitvavo, btcturk := newTestCollector(t, testConfig(config.ModeWebsocket), 100)
	ctx := context.Background()
	if err := c.subscribeAll(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = btcturk.CloseSocket()

	if _, err := c.streamCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if bitvavo.subscribes != 1 || btcturk.subscribes != 2 {
		t.Fatalf("only the closed socket should resubscribe: %d %d", bitvavo.subscribes, btcturk.subscribes)
	}
}

func TestRunRecoversAndCoolsDown(t *testing.T) {
	cfg := testConfig(config.ModeSync)
	c, sink, bitvavo, _ := newTestCollector(t, cfg, 100)
	bitvavo.panicOnce = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
			return false
		}
		return true
	}

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(waits) != 2 || waits[0] != cfg.ErrorCooldown || waits[1] != cfg.Sleep() {
		t.Fatalf("expected cooldown then regular sleep, got %v", waits)
	}
	if sink.count(models.EventOrderBook) != 3 {
		t.Fatalf("shutdown should flush the successful cycle, got %d", sink.count(models.EventOrderBook))
	}
}

func TestShutdownFlushesAndIsIdempotent(t *testing.T) {
	c, sink, bitvavo, btcturk := newTestCollector(t, testConfig(config.ModeWebsocket), 100)
	ctx := context.Background()
	if err := c.subscribeAll(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bitvavo.push(models.EventTicker, models.Record{models.KeyMarket: "BTC-EUR"})

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !bitvavo.IsSocketClosed() || !btcturk.IsSocketClosed() {
		t.Fatalf("sockets should be closed")
	}
	if sink.count(models.EventTicker) != 1 {
		t.Fatalf("pending stream data not flushed")
	}
	if bitvavo.cleared != 1 {
		t.Fatalf("stream state not cleared")
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if sink.count(models.EventTicker) != 1 || len(sink.batches[models.EventTicker]) != 1 {
		t.Fatalf("second shutdown should not write again")
	}
}

func TestRouteKeepsDrainedRecordsWhenAFlushFails(t *testing.T) {
	c, sink, _, _ := newTestCollector(t, testConfig(config.ModeWebsocket), 1)
	sink.fail = map[models.EventType]error{models.EventOrderBook: errors.New("disk full")}

	data := map[models.EventType][]models.Record{
		models.EventOrderBook: {{models.KeyExchange: "bitvavo", models.KeyPair: "BTC-EUR"}},
		models.EventTicker:    {{models.KeyExchange: "bitvavo", models.KeyMarket: "BTC-EUR"}},
	}
	err := c.route(context.Background(), data)
	var perr *writer.PersistenceError
	if !errors.As(err, &perr) || perr.EventType != models.EventOrderBook {
		t.Fatalf("expected orderbook persistence error, got %v", err)
	}
	if got := c.writer.Len(models.EventOrderBook); got != 1 {
		t.Fatalf("failed slot should keep its record, has %d", got)
	}
	if sink.count(models.EventTicker) != 1 || c.writer.Len(models.EventTicker) != 0 {
		t.Fatalf("ticker should be appended and flushed despite the orderbook failure")
	}
}
