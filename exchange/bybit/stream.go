package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"datacollector/exchange"
	"datacollector/logger"
	"datacollector/models"
)

var pingMessage = []byte(`{"op":"ping"}`)

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type trade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

// bookDepth picks the smallest stream depth covering limit.
func bookDepth(limit int) int {
	switch {
	case limit == 1:
		return 1
	case limit > 0 && limit <= 50:
		return 50
	default:
		return 200
	}
}

func (a *Adapter) topic(et models.EventType, symbol string) (string, error) {
	switch et {
	case models.EventOrderBook:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth(a.limit), symbol), nil
	case models.EventTicker:
		return "tickers." + symbol, nil
	case models.EventTrades:
		return "publicTrade." + symbol, nil
	default:
		return "", &exchange.UnsupportedEventError{Exchange: Name, EventType: string(et)}
	}
}

// Subscribe sends one subscribe request per event type and pair over a
// single connection.
func (a *Adapter) Subscribe(ctx context.Context, eventTypes []models.EventType, pairs []string) error {
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		s, err := a.Pairs.Resolve(p)
		if err != nil {
			return err
		}
		symbols = append(symbols, s)
	}
	type sub struct {
		et    models.EventType
		topic string
	}
	var subs []sub
	for _, et := range eventTypes {
		for _, s := range symbols {
			topic, err := a.topic(et, s)
			if err != nil {
				return err
			}
			subs = append(subs, sub{et: et, topic: topic})
		}
	}

	sock, err := a.ensureSocket(ctx)
	if err != nil {
		return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
	}
	for _, s := range subs {
		a.buffers.Ensure(s.et)
		if err := a.throttle.Wait(ctx); err != nil {
			return err
		}
		if err := sock.WriteJSON(subscribeRequest{Op: "subscribe", Args: []string{s.topic}}); err != nil {
			return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
		}
		a.Log.WithFields(logger.Fields{"event_type": string(s.et), "topic": s.topic}).Info("subscribed")
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
		PingMessage: pingMessage,
		OnMessage:   a.handleMessage,
		OnError:     a.onSocketError,
		Log:         a.Log,
	})
	if err != nil {
		return nil, err
	}
	a.socket = sock
	a.books = make(map[string]*exchange.LocalBook)
	return sock, nil
}

func (a *Adapter) bookFor(symbol string) *exchange.LocalBook {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[symbol]
	if !ok {
		b = &exchange.LocalBook{}
		a.books[symbol] = b
	}
	return b
}

func (a *Adapter) handleMessage(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		a.Log.WithError(err).Warn("undecodable websocket message")
		return
	}

	switch {
	case env.Op != "":
		if env.Success != nil && !*env.Success {
			a.Log.WithFields(logger.Fields{"op": env.Op, "error": env.RetMsg}).Warn("websocket request rejected")
		}
	case strings.HasPrefix(env.Topic, "orderbook."):
		a.onBook(env)
	case strings.HasPrefix(env.Topic, "tickers."):
		a.onTicker(env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		a.onTrades(env)
	}
}

func (a *Adapter) onBook(env envelope) {
	var ob orderBook
	if err := json.Unmarshal(env.Data, &ob); err != nil {
		a.Log.WithError(err).Warn("undecodable book message")
		return
	}
	bids, err1 := models.ParseRawLevels(ob.Bids)
	asks, err2 := models.ParseRawLevels(ob.Asks)
	if err1 != nil || err2 != nil {
		a.Log.WithFields(logger.Fields{"symbol": ob.Symbol}).Warn("malformed book message")
		return
	}

	b := a.bookFor(ob.Symbol)
	// a delta with u=1 means the service restarted and is a full snapshot
	if env.Type == "snapshot" || ob.UpdateID == 1 {
		b.Reset(bids, asks, ob.UpdateID)
	} else if !b.Apply(bids, asks, ob.UpdateID) {
		a.Log.WithFields(logger.Fields{"symbol": ob.Symbol, "u": ob.UpdateID}).Warn("book sequence gap, waiting for snapshot")
		return
	}
	a.emitBook(ob.Symbol, env.Ts)
}

func (a *Adapter) emitBook(symbol string, ts int64) {
	buf := a.buffers.Get(models.EventOrderBook)
	if buf == nil {
		return
	}
	bids, asks, nonce := a.bookFor(symbol).Levels(a.limit)
	buf.Append(models.Record{
		models.KeyMarket:    symbol,
		models.KeyNonce:     nonce,
		models.KeyTimestamp: ts,
		models.KeyBids:      bids,
		models.KeyAsks:      asks,
	})
}

func (a *Adapter) onTicker(env envelope) {
	buf := a.buffers.Get(models.EventTicker)
	if buf == nil {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	var data models.Record
	if err := dec.Decode(&data); err != nil {
		a.Log.WithError(err).Warn("undecodable ticker")
		return
	}
	rec := models.Record{
		models.KeyEvent:     "ticker",
		models.KeyMarket:    data.String("symbol"),
		models.KeyTimestamp: env.Ts,
	}
	for src, dst := range map[string]string{
		"lastPrice": models.KeyLastPrice,
		"bid1Price": models.KeyBestBid,
		"bid1Size":  models.KeyBestBidSize,
		"ask1Price": models.KeyBestAsk,
		"ask1Size":  models.KeyBestAskSize,
	} {
		if data.Has(src) {
			rec[dst] = data.String(src)
		}
	}
	buf.Append(rec)
}

func (a *Adapter) onTrades(env envelope) {
	buf := a.buffers.Get(models.EventTrades)
	if buf == nil {
		return
	}
	var trades []trade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		a.Log.WithError(err).Warn("undecodable trades")
		return
	}
	for _, t := range trades {
		buf.Append(models.Record{
			models.KeyEvent:     "trade",
			models.KeyMarket:    t.Symbol,
			models.KeyID:        t.ID,
			models.KeyAmount:    t.Size,
			models.KeyPrice:     t.Price,
			models.KeyTimestamp: t.Time,
			models.KeySide:      strings.ToLower(t.Side),
		})
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
