// Package bybit adapts the Bybit v5 market API. REST calls go through the
// official bybit.go.api client, streams through a shared websocket.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"datacollector/exchange"
	"datacollector/models"
	"datacollector/stream"
)

const (
	Name = "bybit"

	defaultBaseEndpoint = "https://api.bybit.com"
	defaultWSEndpoint   = "wss://stream.bybit.com/v5/public/spot"
	defaultCategory     = "spot"
)

type instrument struct {
	Symbol    string `json:"symbol"`
	BaseCoin  string `json:"baseCoin"`
	QuoteCoin string `json:"quoteCoin"`
	Status    string `json:"status"`
}

type instrumentList struct {
	Category string       `json:"category"`
	List     []instrument `json:"list"`
}

type orderBook struct {
	Symbol   string            `json:"s"`
	Bids     []json.RawMessage `json:"b"`
	Asks     []json.RawMessage `json:"a"`
	Ts       int64             `json:"ts"`
	UpdateID int64             `json:"u"`
}

// Adapter talks to Bybit.
type Adapter struct {
	*exchange.Base

	client   *bybit.Client
	category string
	wsURL    string
	limit    int
	opts     exchange.Options

	buffers  *stream.Set
	throttle *exchange.Throttle

	mu     sync.Mutex
	socket *exchange.Socket
	books  map[string]*exchange.LocalBook
}

func New(ctx context.Context, opts exchange.Options) (exchange.Adapter, error) {
	return NewAdapter(ctx, opts)
}

func NewAdapter(ctx context.Context, opts exchange.Options) (*Adapter, error) {
	base, err := exchange.NewBase(exchange.Metadata{
		Name:         Name,
		ExchangeType: "CEX",
		Commission:   0.001,
		PairSep:      "",
		ExchangeFiat: "USDT",
	}, opts)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(opts.Config.BaseEndpoint, "/")
	if baseURL == "" {
		baseURL = defaultBaseEndpoint
	}
	client := bybit.NewBybitHttpClient(base.Credentials.PublicKey, base.Credentials.PrivateKey, bybit.WithBaseURL(baseURL))
	client.HTTPClient = base.HTTP

	a := &Adapter{
		Base:     base,
		client:   client,
		category: opts.Config.Category,
		wsURL:    opts.Config.WSEndpoint,
		limit:    opts.Limit,
		opts:     opts,
		throttle: exchange.NewThrottle(opts.Config.SubscribeInterval),
		buffers: stream.NewSet(Name, stream.Options{
			Limit:         opts.Limit,
			ErrorCooldown: opts.Config.ErrorCooldown,
		}),
		books: make(map[string]*exchange.LocalBook),
	}
	if a.category == "" {
		a.category = defaultCategory
	}
	if a.wsURL == "" {
		a.wsURL = defaultWSEndpoint
	}

	if err := exchange.RetryOnce(ctx, a.Log, "load_instruments", a.loadInstruments); err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "load_instruments", Err: err}
	}
	return a, nil
}

// result decodes the loosely typed Result of an SDK response into out.
func result(resp *bybit.ServerResponse, out interface{}) error {
	if resp == nil {
		return fmt.Errorf("empty response")
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func (a *Adapter) loadInstruments(ctx context.Context) error {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": a.category,
	}).GetInstrumentInfo(ctx)
	if err != nil {
		return err
	}
	var list instrumentList
	if err := result(resp, &list); err != nil {
		return err
	}
	for _, in := range list.List {
		a.Pairs.AddBaseQuote(in.Symbol, in.BaseCoin, in.QuoteCoin)
		a.Assets.Add(in.BaseCoin, in.BaseCoin)
		a.Assets.Add(in.QuoteCoin, in.QuoteCoin)
	}
	return nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, pair string, limit int) (models.OrderBookSnapshot, error) {
	symbol, err := a.Pairs.Resolve(pair)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	params := map[string]interface{}{
		"category": a.category,
		"symbol":   symbol,
	}
	if limit > 0 {
		params["limit"] = limit
	}

	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return models.OrderBookSnapshot{}, &exchange.TransportError{Exchange: Name, Op: "fetch_orderbook", Err: err}
	}
	var ob orderBook
	if err := result(resp, &ob); err != nil {
		return models.OrderBookSnapshot{}, &exchange.TransportError{Exchange: Name, Op: "fetch_orderbook", Err: err}
	}

	bids, err := models.ParseRawLevels(ob.Bids)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bybit %s bids: %w", symbol, err)
	}
	asks, err := models.ParseRawLevels(ob.Asks)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bybit %s asks: %w", symbol, err)
	}
	var ts *int64
	if ob.Ts > 0 {
		ts = &ob.Ts
	}
	return a.Snapshot(pair, bids, asks, ts), nil
}

func (a *Adapter) FetchOrderBookAsync(ctx context.Context, pair string, limit int) <-chan exchange.FetchResult {
	return exchange.Async(ctx, func(ctx context.Context) (models.OrderBookSnapshot, error) {
		return a.FetchOrderBook(ctx, pair, limit)
	})
}
