package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PriceLevel is a single [price, size] pair of an order book side.
type PriceLevel [2]float64

func (l PriceLevel) Price() float64 { return l[0] }

func (l PriceLevel) Size() float64 { return l[1] }

// OrderBookSnapshot is one order book fetched over REST. Bids are kept in the
// descending order and asks in the ascending order the exchange returned them.
type OrderBookSnapshot struct {
	Exchange  string       `json:"exchange"`
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp *int64       `json:"timestamp"`
	FetchTime time.Time    `json:"fetch_time"`
}

// WithFetchTime returns a copy of the snapshot stamped with t.
func (s OrderBookSnapshot) WithFetchTime(t time.Time) OrderBookSnapshot {
	s.FetchTime = t
	return s
}

// Record converts the snapshot into the uniform record shape stored by the writers.
func (s OrderBookSnapshot) Record() Record {
	rec := Record{
		KeyExchange:  s.Exchange,
		KeyPair:      s.Pair,
		KeyBids:      s.Bids,
		KeyAsks:      s.Asks,
		KeyTimestamp: nil,
		KeyFetchTime: s.FetchTime,
	}
	if s.Timestamp != nil {
		rec[KeyTimestamp] = *s.Timestamp
	}
	return rec
}

// ParseLevels converts [[price, size], ...] string pairs into float levels,
// keeping their order.
func ParseLevels(raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for i, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, size], got %d values", i, len(entry))
		}
		price, err := ParseDecimal(entry[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := ParseDecimal(entry[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		levels = append(levels, PriceLevel{price, size})
	}
	return levels, nil
}

// ParseRawLevels accepts the loosely typed level arrays found in JSON payloads,
// where each value may be a string or a number.
func ParseRawLevels(raw []json.RawMessage) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for i, item := range raw {
		var pair []json.Number
		if err := json.Unmarshal(item, &pair); err != nil {
			var strs []string
			if err2 := json.Unmarshal(item, &strs); err2 != nil {
				return nil, fmt.Errorf("level %d: %w", i, err)
			}
			pair = make([]json.Number, len(strs))
			for j, s := range strs {
				pair[j] = json.Number(s)
			}
		}
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, size], got %d values", i, len(pair))
		}
		price, err := ParseDecimal(pair[0].String())
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := ParseDecimal(pair[1].String())
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		levels = append(levels, PriceLevel{price, size})
	}
	return levels, nil
}
