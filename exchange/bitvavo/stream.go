package bitvavo

import (
	"bytes"
	"context"
	"encoding/json"

	"datacollector/exchange"
	"datacollector/logger"
	"datacollector/models"
)

var channels = map[models.EventType]string{
	models.EventOrderBook: "book",
	models.EventTicker:    "ticker",
	models.EventTrades:    "trades",
}

type subscribeRequest struct {
	Action   string           `json:"action"`
	Channels []channelRequest `json:"channels,omitempty"`
	Market   string           `json:"market,omitempty"`
}

type channelRequest struct {
	Name    string   `json:"name"`
	Markets []string `json:"markets"`
}

type envelope struct {
	Event     string            `json:"event"`
	Action    string            `json:"action"`
	Market    string            `json:"market"`
	Nonce     int64             `json:"nonce"`
	Bids      []json.RawMessage `json:"bids"`
	Asks      []json.RawMessage `json:"asks"`
	Response  json.RawMessage   `json:"response"`
	ErrorCode int               `json:"errorCode"`
	Error     string            `json:"error"`
}

// Subscribe streams every event type for every pair over one connection.
func (a *Adapter) Subscribe(ctx context.Context, eventTypes []models.EventType, pairs []string) error {
	for _, et := range eventTypes {
		if _, ok := channels[et]; !ok {
			return &exchange.UnsupportedEventError{Exchange: Name, EventType: string(et)}
		}
	}
	markets := make([]string, 0, len(pairs))
	for _, p := range pairs {
		m, err := a.Pairs.Resolve(p)
		if err != nil {
			return err
		}
		markets = append(markets, m)
	}

	sock, err := a.ensureSocket(ctx)
	if err != nil {
		return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
	}

	for _, et := range eventTypes {
		a.buffers.Ensure(et)
		for _, m := range markets {
			if err := a.throttle.Wait(ctx); err != nil {
				return err
			}
			req := subscribeRequest{Action: "subscribe", Channels: []channelRequest{{Name: channels[et], Markets: []string{m}}}}
			if err := sock.WriteJSON(req); err != nil {
				return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
			}
			if et == models.EventOrderBook {
				a.bookFor(m).Invalidate()
				if err := sock.WriteJSON(subscribeRequest{Action: "getBook", Market: m}); err != nil {
					return &exchange.TransportError{Exchange: Name, Op: "get_book", Err: err}
				}
			}
			a.Log.WithFields(logger.Fields{"event_type": string(et), "market": m}).Info("subscribed")
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
	a.books = make(map[string]*exchange.LocalBook)
	return sock, nil
}

func (a *Adapter) bookFor(market string) *exchange.LocalBook {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[market]
	if !ok {
		b = &exchange.LocalBook{}
		a.books[market] = b
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
	case env.ErrorCode != 0:
		a.Log.WithFields(logger.Fields{"error_code": env.ErrorCode, "error": env.Error}).Warn("websocket error message")
	case env.Action == "getBook":
		a.onBookSnapshot(env.Response)
	case env.Event == "book":
		a.onBookUpdate(env)
	case env.Event == "ticker":
		a.appendRaw(models.EventTicker, msg)
	case env.Event == "trade":
		a.appendRaw(models.EventTrades, msg)
	case env.Event == "subscribed":
		a.Log.Debug("subscription acknowledged")
	}
}

func (a *Adapter) onBookSnapshot(raw json.RawMessage) {
	var snap book
	if err := json.Unmarshal(raw, &snap); err != nil {
		a.Log.WithError(err).Warn("undecodable book snapshot")
		return
	}
	bids, err1 := models.ParseRawLevels(snap.Bids)
	asks, err2 := models.ParseRawLevels(snap.Asks)
	if err1 != nil || err2 != nil {
		a.Log.WithFields(logger.Fields{"market": snap.Market}).Warn("malformed book snapshot")
		return
	}
	a.bookFor(snap.Market).Reset(bids, asks, snap.Nonce)
	a.emitBook(snap.Market)
}

func (a *Adapter) onBookUpdate(env envelope) {
	bids, err1 := models.ParseRawLevels(env.Bids)
	asks, err2 := models.ParseRawLevels(env.Asks)
	if err1 != nil || err2 != nil {
		a.Log.WithFields(logger.Fields{"market": env.Market}).Warn("malformed book update")
		return
	}
	b := a.bookFor(env.Market)
	if !b.Apply(bids, asks, env.Nonce) {
		a.resync(env.Market)
		return
	}
	a.emitBook(env.Market)
}

// resync asks for a fresh snapshot after a nonce gap.
func (a *Adapter) resync(market string) {
	a.mu.Lock()
	sock := a.socket
	a.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.WriteJSON(subscribeRequest{Action: "getBook", Market: market}); err != nil {
		a.Log.WithError(err).WithFields(logger.Fields{"market": market}).Warn("failed to request book snapshot")
	}
}

func (a *Adapter) emitBook(market string) {
	buf := a.buffers.Get(models.EventOrderBook)
	if buf == nil {
		return
	}
	bids, asks, nonce := a.bookFor(market).Levels(a.limit)
	buf.Append(models.Record{
		models.KeyMarket: market,
		models.KeyNonce:  nonce,
		models.KeyBids:   bids,
		models.KeyAsks:   asks,
	})
}

func (a *Adapter) appendRaw(et models.EventType, msg []byte) {
	buf := a.buffers.Get(et)
	if buf == nil {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var rec models.Record
	if err := dec.Decode(&rec); err != nil {
		a.Log.WithError(err).Warn("undecodable stream event")
		return
	}
	buf.Append(rec)
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

// CheckReconnect closes the socket when it has gone silent.
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
