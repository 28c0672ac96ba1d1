package btcturk

import (
	"bytes"
	"context"
	"encoding/json"

	"datacollector/exchange"
	"datacollector/logger"
	"datacollector/models"
)

// websocket message types
const (
	typeSubscribe     = 151
	typeTickerPair    = 402
	typeTradeSingle   = 422
	typeOrderBookFull = 431
)

var channels = map[models.EventType]string{
	models.EventOrderBook: "orderbook",
	models.EventTicker:    "ticker",
	models.EventTrades:    "trade",
}

type subscribePayload struct {
	Type    int    `json:"type"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Join    bool   `json:"join"`
}

type bookEntry struct {
	Amount json.Number `json:"A"`
	Price  json.Number `json:"P"`
}

type fullBook struct {
	Pair string      `json:"PS"`
	Bids []bookEntry `json:"BO"`
	Asks []bookEntry `json:"AO"`
	Time json.Number `json:"CS"`
}

type tickerPair struct {
	Pair string      `json:"PS"`
	Bid  json.Number `json:"B"`
	Ask  json.Number `json:"A"`
	Last json.Number `json:"LA"`
	Date json.Number `json:"D"`
}

type trade struct {
	Pair   string      `json:"PS"`
	ID     string      `json:"I"`
	Amount json.Number `json:"A"`
	Price  json.Number `json:"P"`
	Date   json.Number `json:"D"`
	Side   int         `json:"S"`
}

// Subscribe joins the orderbook, ticker or trade channel of every pair over
// one connection.
func (a *Adapter) Subscribe(ctx context.Context, eventTypes []models.EventType, pairs []string) error {
	for _, et := range eventTypes {
		if _, ok := channels[et]; !ok {
			return &exchange.UnsupportedEventError{Exchange: Name, EventType: string(et)}
		}
	}
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		s, err := a.Pairs.Resolve(p)
		if err != nil {
			return err
		}
		symbols = append(symbols, s)
	}

	sock, err := a.ensureSocket(ctx)
	if err != nil {
		return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
	}

	for _, et := range eventTypes {
		a.buffers.Ensure(et)
		for _, s := range symbols {
			if err := a.throttle.Wait(ctx); err != nil {
				return err
			}
			msg := []interface{}{typeSubscribe, subscribePayload{Type: typeSubscribe, Channel: channels[et], Event: s, Join: true}}
			if err := sock.WriteJSON(msg); err != nil {
				return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
			}
			a.Log.WithFields(logger.Fields{"event_type": string(et), "pair": s}).Info("subscribed")
		}
	}
	return nil
}

func (a *Adapter) ensureSocket(ctx context.Context) (*exchange.Socket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.socket != nil && !a.socket.IsClosed() {
		return a.socket, nil
	}
	sock, err := exchange.DialSocket(ctx, a.wsURL, exchange.SocketOptions{
		ReadTimeout: a.opts.Config.ReadTimeout,
		OnMessage:   a.handleMessage,
		OnError:     a.onSocketError,
		Log:         a.Log,
	})
	if err != nil {
		return nil, err
	}
	a.socket = sock
	return sock, nil
}

func (a *Adapter) handleMessage(msg []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
		return
	}
	var kind int
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return
	}

	switch kind {
	case typeOrderBookFull:
		a.onBook(frame[1])
	case typeTickerPair:
		a.onTicker(frame[1])
	case typeTradeSingle:
		a.onTrade(frame[1])
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func levels(entries []bookEntry) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(entries))
	for _, e := range entries {
		p, err1 := models.ParseDecimal(e.Price.String())
		s, err2 := models.ParseDecimal(e.Amount.String())
		if err1 == nil && err2 == nil {
			out = append(out, models.PriceLevel{p, s})
		}
	}
	return out
}

func (a *Adapter) onBook(raw json.RawMessage) {
	buf := a.buffers.Get(models.EventOrderBook)
	if buf == nil {
		return
	}
	var b fullBook
	if err := decode(raw, &b); err != nil {
		a.Log.WithError(err).Warn("undecodable order book message")
		return
	}
	rec := models.Record{
		models.KeyMarket: b.Pair,
		models.KeyBids:   levels(b.Bids),
		models.KeyAsks:   levels(b.Asks),
	}
	if ts, err := b.Time.Int64(); err == nil {
		rec[models.KeyTimestamp] = ts
	}
	buf.Append(rec)
}

func (a *Adapter) onTicker(raw json.RawMessage) {
	buf := a.buffers.Get(models.EventTicker)
	if buf == nil {
		return
	}
	var t tickerPair
	if err := decode(raw, &t); err != nil {
		a.Log.WithError(err).Warn("undecodable ticker message")
		return
	}
	rec := models.Record{models.KeyMarket: t.Pair}
	setNumber(rec, models.KeyBestBid, t.Bid)
	setNumber(rec, models.KeyBestAsk, t.Ask)
	setNumber(rec, models.KeyLastPrice, t.Last)
	if ts, err := t.Date.Int64(); err == nil {
		rec[models.KeyTimestamp] = ts
	}
	buf.Append(rec)
}

func (a *Adapter) onTrade(raw json.RawMessage) {
	buf := a.buffers.Get(models.EventTrades)
	if buf == nil {
		return
	}
	var t trade
	if err := decode(raw, &t); err != nil {
		a.Log.WithError(err).Warn("undecodable trade message")
		return
	}
	side := "buy"
	if t.Side == 1 {
		side = "sell"
	}
	rec := models.Record{
		models.KeyMarket: t.Pair,
		models.KeyID:     t.ID,
		models.KeySide:   side,
	}
	setNumber(rec, models.KeyAmount, t.Amount)
	setNumber(rec, models.KeyPrice, t.Price)
	if ts, err := t.Date.Int64(); err == nil {
		rec[models.KeyTimestamp] = ts
	}
	buf.Append(rec)
}

func setNumber(rec models.Record, key string, n json.Number) {
	if n != "" {
		rec[key] = n.String()
	}
}

func (a *Adapter) onSocketError(ctx context.Context, err error) {
	if first := a.buffers.First(); first != nil {
		first.OnError(ctx, err, a)
	}
}

func (a *Adapter) ExtractData() map[models.EventType][]models.Record {
	return a.buffers.Extract()
}

func (a *Adapter) ClearData() {
	a.buffers.Clear()
}

func (a *Adapter) IsSocketClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.socket == nil || a.socket.IsClosed()
}

func (a *Adapter) CheckReconnect() {
	a.mu.Lock()
	sock := a.socket
	a.mu.Unlock()
	if sock != nil {
		sock.CheckReconnect()
	}
}

func (a *Adapter) CloseSocket() error {
	a.mu.Lock()
	sock := a.socket
	a.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}
