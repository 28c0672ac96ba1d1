package bybit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"datacollector/config"
	"datacollector/exchange"
	"datacollector/logger"
	"datacollector/models"
	"datacollector/stream"
)

func newFakeBybit(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "spot" {
			http.Error(w, "bad category", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading"}]},"retExtInfo":{},"time":1700000000000}`))
	})
	mux.HandleFunc("/v5/market/orderbook", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{},"retExtInfo":{},"time":1700000000000}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["100","1"],["99","2"]],"a":[["101","1"]],"ts":1700000000123,"u":5},"retExtInfo":{},"time":1700000000000}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req subscribeRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if len(req.Args) == 0 {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe"}`))
			switch {
			case strings.HasPrefix(req.Args[0], "orderbook."):
				conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["100","1"],["99","2"],["98","3"]],"a":[["101","1"]],"u":10}}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[["100","0"]],"a":[],"u":11}}`))
			case strings.HasPrefix(req.Args[0], "publicTrade."):
				conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":3,"data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.01","p":"100.5","i":"t-1"}]}`))
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := NewAdapter(context.Background(), exchange.Options{
		Config: config.ExchangeConfig{
			BaseEndpoint:      srv.URL,
			WSEndpoint:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
			SubscribeInterval: time.Millisecond,
		},
		Limit: 2,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestFetchOrderBook(t *testing.T) {
	a := newTestAdapter(t, newFakeBybit(t))

	snap, err := a.FetchOrderBook(context.Background(), "BTC-USDT", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap.Bids) != 2 || snap.Bids[1] != (models.PriceLevel{99, 2}) {
		t.Fatalf("unexpected bids: %v", snap.Bids)
	}
	if snap.Timestamp == nil || *snap.Timestamp != 1700000000123 {
		t.Fatalf("unexpected timestamp: %v", snap.Timestamp)
	}

	if _, err := a.FetchOrderBook(context.Background(), "ETH-USDT", 2); !errors.Is(err, exchange.ErrLookup) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestBookDepth(t *testing.T) {
	cases := map[int]int{0: 200, 1: 1, 20: 50, 50: 50, 51: 200}
	for limit, want := range cases {
		if got := bookDepth(limit); got != want {
			t.Errorf("bookDepth(%d) = %d, want %d", limit, got, want)
		}
	}
}

func TestSubscribeRejectsUnknownEvent(t *testing.T) {
	a := newTestAdapter(t, newFakeBybit(t))
	err := a.Subscribe(context.Background(), []models.EventType{"candles"}, []string{"BTC-USDT"})
	var unsupported *exchange.UnsupportedEventError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedEventError, got %v", err)
	}
	if !a.IsSocketClosed() {
		t.Fatalf("no socket should be opened")
	}
}

func TestSubscribeAndExtract(t *testing.T) {
	a := newTestAdapter(t, newFakeBybit(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Subscribe(ctx, []models.EventType{models.EventOrderBook, models.EventTrades}, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	collected := map[models.EventType][]models.Record{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (len(collected[models.EventOrderBook]) < 2 || len(collected[models.EventTrades]) < 1) {
		for et, recs := range a.ExtractData() {
			collected[et] = append(collected[et], recs...)
		}
		time.Sleep(10 * time.Millisecond)
	}

	books := collected[models.EventOrderBook]
	if len(books) < 2 {
		t.Fatalf("expected snapshot and delta, got %d", len(books))
	}
	if got := books[1].Levels(models.KeyBids); len(got) != 2 || got[0] != (models.PriceLevel{99, 2}) {
		t.Fatalf("delta not applied: %v", got)
	}
	trades := collected[models.EventTrades]
	if len(trades) != 1 || trades[0].String(models.KeySide) != "buy" || trades[0].String(models.KeyID) != "t-1" {
		t.Fatalf("unexpected trades: %v", trades)
	}

	if err := a.CloseSocket(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.CloseSocket(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBookGapWaitsForSnapshot(t *testing.T) {
	a := &Adapter{
		Base:  &exchange.Base{Log: logger.GetLogger().WithComponent("test")},
		limit: 5,
		books: make(map[string]*exchange.LocalBook),
	}
	a.buffers = stream.NewSet(Name, stream.Options{Limit: 5})
	a.buffers.Ensure(models.EventOrderBook)

	a.handleMessage([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","1"]],"u":3}}`))
	a.handleMessage([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[["100","2"]],"a":[],"u":7}}`))
	a.handleMessage([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":3,"data":{"s":"BTCUSDT","b":[["100","3"]],"a":[],"u":8}}`))

	books := a.ExtractData()[models.EventOrderBook]
	if len(books) != 1 {
		t.Fatalf("only the snapshot should be emitted after a gap, got %d", len(books))
	}
}
