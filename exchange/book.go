package exchange

import (
	"sort"
	"sync"

	"datacollector/models"
)

// LocalBook is an order book rebuilt from a snapshot followed by incremental
// updates, for exchanges whose book stream only sends changes.
type LocalBook struct {
	mu       sync.Mutex
	bids     []models.PriceLevel // descending
	asks     []models.PriceLevel // ascending
	sequence int64
	ready    bool
}

// Reset replaces the whole book.
func (b *LocalBook) Reset(bids, asks []models.PriceLevel, sequence int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range asks {
		b.asks = upsert(b.asks, l, false)
	}
	b.sequence = sequence
	b.ready = true
}

// Apply merges an update. A zero size removes the level. It returns false
// when the book has no snapshot yet or sequence does not follow the last one,
// in which case the caller must resynchronise. A sequence of 0 skips the check.
func (b *LocalBook) Apply(bids, asks []models.PriceLevel, sequence int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return false
	}
	if sequence != 0 && b.sequence != 0 && sequence != b.sequence+1 {
		b.ready = false
		return false
	}
	for _, l := range bids {
		b.bids = upsert(b.bids, l, true)
	}
	for _, l := range asks {
		b.asks = upsert(b.asks, l, false)
	}
	if sequence != 0 {
		b.sequence = sequence
	}
	return true
}

// Invalidate drops readiness until the next Reset.
func (b *LocalBook) Invalidate() {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
}

// Ready reports whether a snapshot has been loaded since the last gap.
func (b *LocalBook) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Levels returns copies of the top limit levels of each side (all when limit <= 0).
func (b *LocalBook) Levels(limit int) (bids, asks []models.PriceLevel, sequence int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return top(b.bids, limit), top(b.asks, limit), b.sequence
}

func top(levels []models.PriceLevel, limit int) []models.PriceLevel {
	n := len(levels)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.PriceLevel(nil), levels[:n]...)
}

func upsert(levels []models.PriceLevel, l models.PriceLevel, descending bool) []models.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price() <= l.Price()
		}
		return levels[i].Price() >= l.Price()
	})
	found := i < len(levels) && levels[i].Price() == l.Price()
	switch {
	case l.Size() == 0 && found:
		return append(levels[:i], levels[i+1:]...)
	case l.Size() == 0:
		return levels
	case found:
		levels[i] = l
		return levels
	default:
		levels = append(levels, models.PriceLevel{})
		copy(levels[i+1:], levels[i:])
		levels[i] = l
		return levels
	}
}
