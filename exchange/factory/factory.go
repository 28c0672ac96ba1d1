// Package factory maps exchange names onto adapter constructors.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"datacollector/config"
	"datacollector/exchange"
	"datacollector/exchange/binance"
	"datacollector/exchange/bitvavo"
	"datacollector/exchange/btcturk"
	"datacollector/exchange/bybit"
)

// Constructor builds an adapter and loads its market metadata.
type Constructor func(ctx context.Context, opts exchange.Options) (exchange.Adapter, error)

var registry = map[string]Constructor{
	binance.Name: binance.New,
	bitvavo.Name: bitvavo.New,
	btcturk.Name: btcturk.New,
	bybit.Name:   bybit.New,
}

// Supported lists the exchange names New accepts, sorted.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter registered under name.
func New(ctx context.Context, name string, opts exchange.Options) (exchange.Adapter, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported exchange %q (supported: %s)",
			config.ErrConfiguration, name, strings.Join(Supported(), ", "))
	}
	return ctor(ctx, opts)
}

// FromConfig builds one adapter per exchange named in the collector's pairs,
// in configuration order.
func FromConfig(ctx context.Context, cfg *config.Config) ([]exchange.Adapter, error) {
	names := cfg.Collector.Pairs.Names()
	adapters := make([]exchange.Adapter, 0, len(names))
	for _, name := range names {
		excfg := cfg.Exchanges[name]
		a, err := New(ctx, name, exchange.Options{
			Config:       excfg,
			Limit:        cfg.Collector.Limit,
			Authenticate: excfg.Authenticate,
		})
		if err != nil {
			for _, built := range adapters {
				_ = built.CloseSocket()
			}
			return nil, fmt.Errorf("build %s adapter: %w", name, err)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
