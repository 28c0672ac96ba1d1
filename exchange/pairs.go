package exchange

import (
	"strings"
)

// PairTable resolves user supplied pair names against the markets an
// exchange listed at startup. Lookups accept "-" or "_" as separator and
// ignore case.
type PairTable struct {
	exchange string
	sep      string
	names    map[string]string
	aliases  map[string]string
}

// NewPairTable builds a table whose canonical separator is sep ("" for
// exchanges such as binance whose symbols carry none).
func NewPairTable(exchange, sep string) *PairTable {
	return &PairTable{
		exchange: exchange,
		sep:      sep,
		names:    make(map[string]string),
		aliases:  make(map[string]string),
	}
}

// Add registers the exchange symbol plus any alternative spellings.
func (t *PairTable) Add(symbol string, aliases ...string) {
	t.names[strings.ToUpper(symbol)] = symbol
	t.aliases[stripSeparators(symbol)] = symbol
	for _, alias := range aliases {
		t.aliases[stripSeparators(alias)] = symbol
	}
}

// AddBaseQuote registers symbol under base+sep+quote and base+quote.
func (t *PairTable) AddBaseQuote(symbol, base, quote string) {
	t.Add(symbol, base+"-"+quote, base+"_"+quote)
}

// Resolve returns the exchange symbol for pair.
func (t *PairTable) Resolve(pair string) (string, error) {
	normalized := t.normalize(pair)
	if symbol, ok := t.names[normalized]; ok {
		return symbol, nil
	}
	if symbol, ok := t.aliases[stripSeparators(normalized)]; ok {
		return symbol, nil
	}
	return "", &PairNotFoundError{Exchange: t.exchange, Pair: pair}
}

func (t *PairTable) Len() int { return len(t.names) }

// Symbols lists the registered exchange symbols.
func (t *PairTable) Symbols() []string {
	out := make([]string, 0, len(t.names))
	for _, s := range t.names {
		out = append(out, s)
	}
	return out
}

func (t *PairTable) normalize(pair string) string {
	p := strings.ToUpper(strings.TrimSpace(pair))
	if t.sep == "" {
		return stripSeparators(p)
	}
	p = strings.ReplaceAll(p, "-", t.sep)
	return strings.ReplaceAll(p, "_", t.sep)
}

func stripSeparators(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", "_", "", "/", "").Replace(s))
}

// AssetTable holds the assets an exchange lists.
type AssetTable struct {
	exchange string
	assets   map[string]string
}

func NewAssetTable(exchange string) *AssetTable {
	return &AssetTable{exchange: exchange, assets: make(map[string]string)}
}

func (t *AssetTable) Add(symbol, name string) {
	t.assets[strings.ToUpper(symbol)] = name
}

// Get returns the display name of asset.
func (t *AssetTable) Get(asset string) (string, error) {
	if name, ok := t.assets[strings.ToUpper(strings.TrimSpace(asset))]; ok {
		return name, nil
	}
	return "", &AssetNotFoundError{Exchange: t.exchange, Asset: asset}
}

func (t *AssetTable) Len() int { return len(t.assets) }
