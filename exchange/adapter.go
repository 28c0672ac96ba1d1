// Package exchange defines the capability set every exchange adapter offers
// and the plumbing the adapters share.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"datacollector/config"
	"datacollector/logger"
	"datacollector/models"
)

// Adapter normalises one exchange's REST and websocket APIs.
type Adapter interface {
	Name() string

	// FetchOrderBook resolves pair and returns the current book. limit <= 0
	// uses the exchange default depth.
	FetchOrderBook(ctx context.Context, pair string, limit int) (models.OrderBookSnapshot, error)
	// FetchOrderBookAsync starts the same fetch in the background. The
	// channel receives exactly one result.
	FetchOrderBookAsync(ctx context.Context, pair string, limit int) <-chan FetchResult

	// Subscribe opens, or reuses, the adapter's streaming connection and
	// subscribes every pair to every event type.
	Subscribe(ctx context.Context, eventTypes []models.EventType, pairs []string) error
	// ExtractData drains the buffered stream events.
	ExtractData() map[models.EventType][]models.Record
	// ClearData drops buffered stream events.
	ClearData()
	IsSocketClosed() bool
	CloseSocket() error
}

// BalanceFetcher is implemented by adapters that can read account balances.
type BalanceFetcher interface {
	FetchBalance(ctx context.Context) (map[string]Balance, error)
}

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	InOrder   float64 `json:"in_order"`
}

type FetchResult struct {
	Snapshot models.OrderBookSnapshot
	Err      error
}

// Async runs fetch in a goroutine and delivers its result on the returned
// channel. A panic in fetch is delivered as an error carrying the stack.
func Async(ctx context.Context, fetch func(context.Context) (models.OrderBookSnapshot, error)) <-chan FetchResult {
	ch := make(chan FetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- FetchResult{Err: fmt.Errorf("panic in fetch: %v\n%s", r, debug.Stack())}
			}
		}()
		snap, err := fetch(ctx)
		ch <- FetchResult{Snapshot: snap, Err: err}
	}()
	return ch
}

// Metadata is the static description of an exchange, read once at startup.
type Metadata struct {
	Name         string
	ExchangeType string
	Commission   float64
	PairSep      string
	ExchangeFiat string
}

// Options configure an adapter constructor.
type Options struct {
	Config       config.ExchangeConfig
	Limit        int
	Authenticate bool
	HTTPClient   *http.Client
}

// Base carries what every adapter shares: metadata, credentials, market
// tables and an HTTP client.
type Base struct {
	Meta        Metadata
	Credentials Credentials
	Pairs       *PairTable
	Assets      *AssetTable
	HTTP        *http.Client
	Log         *logger.Entry
}

// NewBase prepares the shared adapter state. When opts.Authenticate is set
// missing credentials fail construction; otherwise they are only required by
// authenticated calls.
func NewBase(meta Metadata, opts Options) (*Base, error) {
	if opts.Config.PairSep != "" {
		meta.PairSep = opts.Config.PairSep
	}
	if opts.Config.ExchangeType != "" {
		meta.ExchangeType = opts.Config.ExchangeType
	}
	if opts.Config.ExchangeFiat != "" {
		meta.ExchangeFiat = opts.Config.ExchangeFiat
	}
	if opts.Config.Commission > 0 {
		meta.Commission = opts.Config.Commission
	}

	b := &Base{
		Meta:   meta,
		Pairs:  NewPairTable(meta.Name, meta.PairSep),
		Assets: NewAssetTable(meta.Name),
		HTTP:   opts.HTTPClient,
		Log:    logger.GetLogger().WithComponent("exchange").WithFields(logger.Fields{"exchange": meta.Name}),
	}
	if b.HTTP == nil {
		b.HTTP = NewHTTPClient(opts.Config.Timeout)
	}

	creds, err := LoadCredentials(meta.Name)
	if err != nil && opts.Authenticate {
		return nil, err
	}
	b.Credentials = creds
	return b, nil
}

func (b *Base) Name() string { return b.Meta.Name }

// RequireCredentials fails with MissingAPIKeyError when no keys are loaded.
func (b *Base) RequireCredentials() error {
	if b.Credentials.Empty() {
		return &MissingAPIKeyError{Exchange: b.Meta.Name}
	}
	return nil
}

// GetAsset looks up an asset listed by the exchange.
func (b *Base) GetAsset(symbol string) (string, error) {
	return b.Assets.Get(symbol)
}

// Snapshot builds an order book snapshot for the caller's pair name.
func (b *Base) Snapshot(pair string, bids, asks []models.PriceLevel, ts *int64) models.OrderBookSnapshot {
	return models.OrderBookSnapshot{
		Exchange:  b.Meta.Name,
		Pair:      pair,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
