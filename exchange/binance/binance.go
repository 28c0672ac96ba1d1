// Package binance adapts the Binance spot API through go-binance.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	binance "github.com/adshao/go-binance/v2"

	"datacollector/exchange"
	"datacollector/models"
	"datacollector/stream"
)

const Name = "binance"

// Adapter talks to Binance spot.
type Adapter struct {
	*exchange.Base

	client *binance.Client
	limit  int
	opts   exchange.Options

	buffers  *stream.Set
	throttle *exchange.Throttle

	mu        sync.Mutex
	streams   []*wsStream
	lastEvent atomic.Int64
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

	client := binance.NewClient(base.Credentials.PublicKey, base.Credentials.PrivateKey)
	client.HTTPClient = withWeightTracking(base.HTTP, base.Log)
	if opts.Config.BaseEndpoint != "" {
		client.BaseURL = strings.TrimRight(opts.Config.BaseEndpoint, "/")
	}

	a := &Adapter{
		Base:     base,
		client:   client,
		limit:    opts.Limit,
		opts:     opts,
		throttle: exchange.NewThrottle(opts.Config.SubscribeInterval),
		buffers: stream.NewSet(Name, stream.Options{
			Limit:         opts.Limit,
			ErrorCooldown: opts.Config.ErrorCooldown,
		}),
	}

	if err := exchange.RetryOnce(ctx, a.Log, "load_exchange_info", a.loadExchangeInfo); err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "load_exchange_info", Err: err}
	}
	return a, nil
}

func (a *Adapter) loadExchangeInfo(ctx context.Context) error {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return err
	}
	for _, s := range info.Symbols {
		a.Pairs.AddBaseQuote(s.Symbol, s.BaseAsset, s.QuoteAsset)
		a.Assets.Add(s.BaseAsset, s.BaseAsset)
		a.Assets.Add(s.QuoteAsset, s.QuoteAsset)
	}
	return nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, pair string, limit int) (models.OrderBookSnapshot, error) {
	symbol, err := a.Pairs.Resolve(pair)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}

	svc := a.client.NewDepthService().Symbol(symbol)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return models.OrderBookSnapshot{}, &exchange.TransportError{Exchange: Name, Op: "fetch_orderbook", Err: err}
	}

	bids := make([][]string, len(res.Bids))
	for i, b := range res.Bids {
		bids[i] = []string{b.Price, b.Quantity}
	}
	asks := make([][]string, len(res.Asks))
	for i, ask := range res.Asks {
		asks[i] = []string{ask.Price, ask.Quantity}
	}
	bidLevels, err := models.ParseLevels(bids)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("binance %s bids: %w", symbol, err)
	}
	askLevels, err := models.ParseLevels(asks)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("binance %s asks: %w", symbol, err)
	}
	// spot depth carries lastUpdateId only
	return a.Snapshot(pair, bidLevels, askLevels, nil), nil
}

func (a *Adapter) FetchOrderBookAsync(ctx context.Context, pair string, limit int) <-chan exchange.FetchResult {
	return exchange.Async(ctx, func(ctx context.Context) (models.OrderBookSnapshot, error) {
		return a.FetchOrderBook(ctx, pair, limit)
	})
}

// FetchBalance returns the non-zero spot balances. It needs credentials.
func (a *Adapter) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	if err := a.RequireCredentials(); err != nil {
		return nil, err
	}
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "fetch_balance", Err: err}
	}
	out := make(map[string]exchange.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free, _ := models.ParseDecimal(b.Free)
		locked, _ := models.ParseDecimal(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[b.Asset] = exchange.Balance{Asset: b.Asset, Available: free, InOrder: locked}
	}
	return out, nil
}
