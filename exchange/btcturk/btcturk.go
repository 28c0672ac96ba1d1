// Package btcturk adapts the BtcTurk REST and websocket APIs.
package btcturk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	Name = "btcturk"

	defaultBaseEndpoint = "https://api.btcturk.com"
	defaultWSEndpoint   = "wss://ws-feed-pro.btcturk.com"
)

type exchangeInfo struct {
	Data struct {
		Symbols []struct {
			Name           string `json:"name"`
			NameNormalized string `json:"nameNormalized"`
			Numerator      string `json:"numerator"`
			Denominator    string `json:"denominator"`
		} `json:"symbols"`
		Currencies []struct {
			Symbol string `json:"symbol"`
			Name   string `json:"name"`
		} `json:"currencies"`
	} `json:"data"`
}

type orderBookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Timestamp json.Number       `json:"timestamp"`
		Bids      []json.RawMessage `json:"bids"`
		Asks      []json.RawMessage `json:"asks"`
	} `json:"data"`
}

type balanceResponse struct {
	Data []struct {
		Asset   string `json:"asset"`
		Free    string `json:"free"`
		Locked  string `json:"locked"`
		Balance string `json:"balance"`
	} `json:"data"`
}

// Adapter talks to BtcTurk.
type Adapter struct {
	*exchange.Base

	baseURL string
	wsURL   string
	opts    exchange.Options

	buffers  *stream.Set
	throttle *exchange.Throttle

	mu     sync.Mutex
	socket *exchange.Socket
}

func New(ctx context.Context, opts exchange.Options) (exchange.Adapter, error) {
	return NewAdapter(ctx, opts)
}

func NewAdapter(ctx context.Context, opts exchange.Options) (*Adapter, error) {
	base, err := exchange.NewBase(exchange.Metadata{
		Name:         Name,
		ExchangeType: "CEX",
		Commission:   0.0009,
		PairSep:      "_",
		ExchangeFiat: "TRY",
	}, opts)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		Base:     base,
		baseURL:  strings.TrimRight(orDefault(opts.Config.BaseEndpoint, defaultBaseEndpoint), "/"),
		wsURL:    orDefault(opts.Config.WSEndpoint, defaultWSEndpoint),
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

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (a *Adapter) loadExchangeInfo(ctx context.Context) error {
	var info exchangeInfo
	if err := exchange.GetJSON(ctx, a.HTTP, a.baseURL+"/api/v2/server/exchangeinfo", nil, &info); err != nil {
		return err
	}
	for _, s := range info.Data.Symbols {
		a.Pairs.Add(s.Name, s.NameNormalized, s.Numerator+"_"+s.Denominator)
	}
	for _, c := range info.Data.Currencies {
		a.Assets.Add(c.Symbol, c.Name)
	}
	return nil
}

func (a *Adapter) FetchOrderBook(ctx context.Context, pair string, limit int) (models.OrderBookSnapshot, error) {
	symbol, err := a.Pairs.Resolve(pair)
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}

	q := url.Values{"pairSymbol": {symbol}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp orderBookResponse
	if err := exchange.GetJSON(ctx, a.HTTP, a.baseURL+"/api/v2/orderbook?"+q.Encode(), nil, &resp); err != nil {
		return models.OrderBookSnapshot{}, &exchange.TransportError{Exchange: Name, Op: "fetch_orderbook", Err: err}
	}

	bids, err := models.ParseRawLevels(resp.Data.Bids)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("btcturk %s bids: %w", symbol, err)
	}
	asks, err := models.ParseRawLevels(resp.Data.Asks)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("btcturk %s asks: %w", symbol, err)
	}

	var ts *int64
	if resp.Data.Timestamp != "" {
		if f, err := resp.Data.Timestamp.Float64(); err == nil {
			v := int64(f)
			ts = &v
		}
	}
	return a.Snapshot(pair, bids, asks, ts), nil
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

	endpoint := a.baseURL + "/api/v1/users/balances"
	var resp balanceResponse
	err := exchange.FetchJSON(ctx, a.HTTP, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if err := a.sign(req, time.Now()); err != nil {
			return nil, err
		}
		return req, nil
	}, &resp)
	if err != nil {
		return nil, &exchange.TransportError{Exchange: Name, Op: "fetch_balance", Err: err}
	}

	out := make(map[string]exchange.Balance, len(resp.Data))
	for _, row := range resp.Data {
		free, _ := models.ParseDecimal(row.Free)
		locked, _ := models.ParseDecimal(row.Locked)
		asset := strings.ToUpper(row.Asset)
		out[asset] = exchange.Balance{Asset: asset, Available: free, InOrder: locked}
	}
	return out, nil
}

// sign adds X-PCK, X-Stamp and X-Signature: base64(HMAC-SHA256(decoded
// private key, public key + stamp)).
func (a *Adapter) sign(req *http.Request, now time.Time) error {
	key, err := base64.StdEncoding.DecodeString(a.Credentials.PrivateKey)
	if err != nil {
		return fmt.Errorf("btcturk private key is not base64: %w", err)
	}
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(a.Credentials.PublicKey + stamp))

	req.Header.Set("X-PCK", a.Credentials.PublicKey)
	req.Header.Set("X-Stamp", stamp)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/json")
	return nil
}
