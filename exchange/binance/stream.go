package binance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"datacollector/exchange"
	"datacollector/logger"
	"datacollector/models"
)

const defaultReadTimeout = 90 * time.Second

// wsStream is one go-binance combined stream.
type wsStream struct {
	eventType models.EventType
	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

func (s *wsStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsStream) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// depthLevels maps a depth limit onto the partial book sizes Binance streams.
func depthLevels(limit int) string {
	switch {
	case limit > 0 && limit <= 5:
		return "5"
	case limit > 0 && limit <= 10:
		return "10"
	default:
		return "20"
	}
}

// Subscribe opens one combined stream per event type covering every pair.
func (a *Adapter) Subscribe(ctx context.Context, eventTypes []models.EventType, pairs []string) error {
	for _, et := range eventTypes {
		switch et {
		case models.EventOrderBook, models.EventTicker, models.EventTrades:
		default:
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

	if a.IsSocketClosed() {
		_ = a.CloseSocket()
	}
	a.lastEvent.Store(time.Now().UnixNano())

	errHandler := func(err error) {
		if first := a.buffers.First(); first != nil {
			go first.OnError(ctx, err, a)
		}
	}

	for _, et := range eventTypes {
		buf := a.buffers.Ensure(et)
		if err := a.throttle.Wait(ctx); err != nil {
			return err
		}

		var (
			done, stop chan struct{}
			err        error
		)
		switch et {
		case models.EventOrderBook:
			levels := make(map[string]string, len(symbols))
			for _, s := range symbols {
				levels[s] = depthLevels(a.limit)
			}
			done, stop, err = binance.WsCombinedPartialDepthServe(levels, func(ev *binance.WsPartialDepthEvent) {
				a.touch()
				buf.Append(depthRecord(ev))
			}, errHandler)
		case models.EventTicker:
			done, stop, err = binance.WsCombinedBookTickerServe(symbols, func(ev *binance.WsBookTickerEvent) {
				a.touch()
				buf.Append(bookTickerRecord(ev))
			}, errHandler)
		case models.EventTrades:
			done, stop, err = binance.WsCombinedTradeServe(symbols, func(ev *binance.WsCombinedTradeEvent) {
				a.touch()
				buf.Append(tradeRecord(&ev.Data))
			}, errHandler)
		}
		if err != nil {
			return &exchange.TransportError{Exchange: Name, Op: "subscribe", Err: err}
		}

		a.mu.Lock()
		a.streams = append(a.streams, &wsStream{eventType: et, done: done, stop: stop})
		a.mu.Unlock()
		a.Log.WithFields(logger.Fields{"event_type": string(et), "pairs": strings.Join(symbols, ",")}).Info("subscribed")
	}
	return nil
}

func (a *Adapter) touch() {
	a.lastEvent.Store(time.Now().UnixNano())
}

func levels(raw []binance.Bid) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		p, err1 := models.ParseDecimal(l.Price)
		q, err2 := models.ParseDecimal(l.Quantity)
		if err1 == nil && err2 == nil {
			out = append(out, models.PriceLevel{p, q})
		}
	}
	return out
}

func depthRecord(ev *binance.WsPartialDepthEvent) models.Record {
	asks := make([]binance.Bid, len(ev.Asks))
	for i, l := range ev.Asks {
		asks[i] = binance.Bid{Price: l.Price, Quantity: l.Quantity}
	}
	return models.Record{
		models.KeyMarket: ev.Symbol,
		models.KeyNonce:  ev.LastUpdateID,
		models.KeyBids:   levels(ev.Bids),
		models.KeyAsks:   levels(asks),
	}
}

func bookTickerRecord(ev *binance.WsBookTickerEvent) models.Record {
	return models.Record{
		models.KeyMarket:      ev.Symbol,
		models.KeyNonce:       ev.UpdateID,
		models.KeyBestBid:     ev.BestBidPrice,
		models.KeyBestBidSize: ev.BestBidQty,
		models.KeyBestAsk:     ev.BestAskPrice,
		models.KeyBestAskSize: ev.BestAskQty,
	}
}

func tradeRecord(ev *binance.WsTradeEvent) models.Record {
	side := "buy"
	if ev.IsBuyerMaker {
		side = "sell"
	}
	return models.Record{
		models.KeyEvent:     "trade",
		models.KeyMarket:    ev.Symbol,
		models.KeyID:        strconv.FormatInt(ev.TradeID, 10),
		models.KeyAmount:    ev.Quantity,
		models.KeyPrice:     ev.Price,
		models.KeyTimestamp: ev.TradeTime,
		models.KeySide:      side,
	}
}

func (a *Adapter) ExtractData() map[models.EventType][]models.Record {
	return a.buffers.Extract()
}

func (a *Adapter) ClearData() {
	a.buffers.Clear()
}

// IsSocketClosed reports true when nothing is subscribed or any stream ended.
func (a *Adapter) IsSocketClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.streams) == 0 {
		return true
	}
	for _, s := range a.streams {
		if s.closed() {
			return true
		}
	}
	return false
}

// CheckReconnect stops the streams when no event arrived within the read timeout.
func (a *Adapter) CheckReconnect() {
	timeout := a.opts.Config.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	if time.Since(time.Unix(0, a.lastEvent.Load())) > timeout {
		a.Log.Warn("binance streams stale, closing")
		_ = a.CloseSocket()
	}
}

func (a *Adapter) CloseSocket() error {
	a.mu.Lock()
	streams := a.streams
	a.streams = nil
	a.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	for _, s := range streams {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			a.Log.WithFields(logger.Fields{"event_type": string(s.eventType)}).Warn("timed out waiting for stream to stop")
		}
	}
	return nil
}
