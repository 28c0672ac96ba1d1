// Package bitvavo adapts the Bitvavo REST and websocket APIs.
package bitvavo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"datacollector/exchange"
	"datacollector/models"
	"datacollector/stream"
)

const (
	Name = "bitvavo"

	defaultBaseEndpoint = "https://api.bitvavo.com/v2"
	defaultWSEndpoint   = "wss://ws.bitvavo.com/v2/"
	accessWindow        = "10000"
)

type market struct {
	Market string `json:"market"`
	Status string `json:"status"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

type asset struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

type book struct {
	Market string            `json:"market"`
	Nonce  int64             `json:"nonce"`
	Bids   []json.RawMessage `json:"bids"`
	Asks   []json.RawMessage `json:"asks"`
}

type balance struct {
	Symbol    string `json:"symbol"`
	Available string `json:"available"`
	InOrder   string `json:"inOrder"`
}

// Adapter talks to Bitvavo.
type Adapter struct {
	*exchange.Base

	baseURL string
	wsURL   string
	limit   int
	opts    exchange.Options

	buffers  *stream.Set
	throttle *exchange.Throttle

	mu     sync.Mutex
	socket *exchange.Socket
	books  map[string]*exchange.LocalBook
}

// New builds the adapter and loads the market and asset tables.
func New(ctx context.Context, opts exchange.Options) (exchange.Adapter, error) {
	return NewAdapter(ctx, opts)
}

func NewAdapter(ctx context.Context, opts exchange.Options) (*Adapter, error) {
	base, err := exchange.NewBase(exchange.Metadata{
		Name:         Name,
		ExchangeType: "CEX",
		Commission:   0.0025,
		PairSep:      "-",
		ExchangeFiat: "EUR",
	}, opts)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		Base:     base,
		baseURL:  strings.TrimRight(orDefault(opts.Config.BaseEndpoint, defaultBaseEndpoint), "/"),
		wsURL:    orDefault(opts.Config.WSEndpoint, defaultWSEndpoint),
		limit:    opts.Limit,
		opts:     opts,
		throttle: exchange.NewThrottle(opts.Config.SubscribeInterval),
		books:    make(map[string]*exchange.LocalBook),
		buffers: stream.NewSet(Name, stream.Options{
			Limit:         opts.Limit,
			ErrorCooldown: opts.Config.ErrorCooldown,
		}),
	}

	if err := exchange.RetryOnce(ctx, a.Log, "load_markets", a.loadMarkets); err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "load_markets", Err: err}
	}
	if err := exchange.RetryOnce(ctx, a.Log, "load_assets", a.loadAssets); err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "load_assets", Err: err}
	}
	return a, nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (a *Adapter) loadMarkets(ctx context.Context) error {
	var markets []market
	if err := exchange.GetJSON(ctx, a.HTTP, a.baseURL+"/markets", nil, &markets); err != nil {
		return err
	}
	for _, m := range markets {
		a.Pairs.AddBaseQuote(m.Market, m.Base, m.Quote)
	}
	return nil
}

func (a *Adapter) loadAssets(ctx context.Context) error {
	var assets []asset
	if err := exchange.GetJSON(ctx, a.HTTP, a.baseURL+"/assets", nil, &assets); err != nil {
		return err
	}
	for _, as := range assets {
		a.Assets.Add(as.Symbol, as.Name)
	}
	return nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, pair string, limit int) (models.OrderBookSnapshot, error) {
	symbol, err := a.Pairs.Resolve(pair)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}

	u := fmt.Sprintf("%s/%s/book", a.baseURL, url.PathEscape(symbol))
	if limit > 0 {
		u += "?depth=" + strconv.Itoa(limit)
	}
	var resp book
	if err := exchange.GetJSON(ctx, a.HTTP, u, nil, &resp); err != nil {
		return models.OrderBookSnapshot{}, &exchange.TransportError{Exchange: Name, Op: "fetch_orderbook", Err: err}
	}

	bids, err := models.ParseRawLevels(resp.Bids)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bitvavo %s bids: %w", symbol, err)
	}
	asks, err := models.ParseRawLevels(resp.Asks)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bitvavo %s asks: %w", symbol, err)
	}
	// the book endpoint reports a nonce, not a time
	return a.Snapshot(pair, bids, asks, nil), nil
}

func (a *Adapter) FetchOrderBookAsync(ctx context.Context, pair string, limit int) <-chan exchange.FetchResult {
	return exchange.Async(ctx, func(ctx context.Context) (models.OrderBookSnapshot, error) {
		return a.FetchOrderBook(ctx, pair, limit)
	})
}

// FetchBalance returns the account balances. It needs credentials.
func (a *Adapter) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	if err := a.RequireCredentials(); err != nil {
		return nil, err
	}

	endpoint := a.baseURL + "/balance"
	var rows []balance
	err := exchange.FetchJSON(ctx, a.HTTP, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		a.sign(req, time.Now())
		return req, nil
	}, &rows)
	if err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "fetch_balance", Err: err}
	}

	out := make(map[string]exchange.Balance, len(rows))
	for _, row := range rows {
		available, _ := models.ParseDecimal(row.Available)
		inOrder, _ := models.ParseDecimal(row.InOrder)
		out[row.Symbol] = exchange.Balance{Asset: row.Symbol, Available: available, InOrder: inOrder}
	}
	return out, nil
}

// sign adds the Bitvavo access headers: an HMAC-SHA256 over
// timestamp + method + path (+ body).
func (a *Adapter) sign(req *http.Request, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	path := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	mac := hmac.New(sha256.New, []byte(a.Credentials.PrivateKey))
	mac.Write([]byte(ts + req.Method + path))

	req.Header.Set("Bitvavo-Access-Key", a.Credentials.PublicKey)
	req.Header.Set("Bitvavo-Access-Signature", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Bitvavo-Access-Timestamp", ts)
	req.Header.Set("Bitvavo-Access-Window", accessWindow)
}
