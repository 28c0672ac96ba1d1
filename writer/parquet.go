package writer

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"datacollector/models"
)

// LevelRow is one [price, size] entry of an order book side.
type LevelRow struct {
	Price float64 `parquet:"name=price, type=DOUBLE"`
	Size  float64 `parquet:"name=size, type=DOUBLE"`
}

// OrderBookRow is one order book snapshot. Each side is a repeated group of
// levels kept in exchange order.
type OrderBookRow struct {
	Exchange  string     `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair      string     `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	Nonce     *int64     `parquet:"name=nonce, type=INT64, repetitiontype=OPTIONAL"`
	Timestamp *int64     `parquet:"name=timestamp, type=INT64, repetitiontype=OPTIONAL"`
	FetchTime int64      `parquet:"name=fetch_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WriteTime string     `parquet:"name=write_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bids      []LevelRow `parquet:"name=bids, repetitiontype=REPEATED"`
	Asks      []LevelRow `parquet:"name=asks, repetitiontype=REPEATED"`
}

// TickerRow is one ticker event. Prices an exchange did not send are null.
type TickerRow struct {
	Exchange    string   `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair        string   `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBid     *float64 `parquet:"name=best_bid, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestBidSize *float64 `parquet:"name=best_bid_size, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestAsk     *float64 `parquet:"name=best_ask, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestAskSize *float64 `parquet:"name=best_ask_size, type=DOUBLE, repetitiontype=OPTIONAL"`
	LastPrice   *float64 `parquet:"name=last_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	Timestamp   *int64   `parquet:"name=timestamp, type=INT64, repetitiontype=OPTIONAL"`
	FetchTime   int64    `parquet:"name=fetch_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WriteTime   string   `parquet:"name=write_time, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// TradeRow is one public trade.
type TradeRow struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair      string  `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID        string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	FetchTime int64   `parquet:"name=fetch_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WriteTime string  `parquet:"name=write_time, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// schemaFor returns the row prototype parquet-go derives the schema from.
func schemaFor(et models.EventType) (interface{}, error) {
	switch et {
	case models.EventOrderBook:
		return new(OrderBookRow), nil
	case models.EventTicker:
		return new(TickerRow), nil
	case models.EventTrades:
		return new(TradeRow), nil
	default:
		return nil, fmt.Errorf("no row schema for event type %q", et)
	}
}

func pair(rec models.Record) string {
	if p := rec.String(models.KeyPair); p != "" {
		return p
	}
	return rec.String(models.KeyMarket)
}

func fetchMillis(rec models.Record) int64 {
	if t, ok := rec.Time(models.KeyFetchTime); ok {
		return t.UnixMilli()
	}
	return 0
}

func optInt(rec models.Record, key string) *int64 {
	if v, ok := rec.Int(key); ok {
		return &v
	}
	return nil
}

func optFloat(rec models.Record, key string) *float64 {
	if v, ok := rec.Float(key); ok {
		return &v
	}
	return nil
}

func levelRows(levels []models.PriceLevel) []LevelRow {
	rows := make([]LevelRow, len(levels))
	for i, l := range levels {
		rows[i] = LevelRow{Price: l.Price(), Size: l.Size()}
	}
	return rows
}

// Rows converts records into parquet rows for et. Trades missing a numeric
// price or amount are skipped and counted.
func Rows(et models.EventType, records []models.Record) ([]interface{}, int, error) {
	rows := make([]interface{}, 0, len(records))
	skipped := 0
	for _, rec := range records {
		switch et {
		case models.EventOrderBook:
			rows = append(rows, OrderBookRow{
				Exchange:  rec.String(models.KeyExchange),
				Pair:      pair(rec),
				Nonce:     optInt(rec, models.KeyNonce),
				Timestamp: optInt(rec, models.KeyTimestamp),
				FetchTime: fetchMillis(rec),
				WriteTime: rec.String(models.KeyWriteTime),
				Bids:      levelRows(rec.Levels(models.KeyBids)),
				Asks:      levelRows(rec.Levels(models.KeyAsks)),
			})
		case models.EventTicker:
			rows = append(rows, TickerRow{
				Exchange:    rec.String(models.KeyExchange),
				Pair:        pair(rec),
				BestBid:     optFloat(rec, models.KeyBestBid),
				BestBidSize: optFloat(rec, models.KeyBestBidSize),
				BestAsk:     optFloat(rec, models.KeyBestAsk),
				BestAskSize: optFloat(rec, models.KeyBestAskSize),
				LastPrice:   optFloat(rec, models.KeyLastPrice),
				Timestamp:   optInt(rec, models.KeyTimestamp),
				FetchTime:   fetchMillis(rec),
				WriteTime:   rec.String(models.KeyWriteTime),
			})
		case models.EventTrades:
			price, okp := rec.Float(models.KeyPrice)
			amount, oka := rec.Float(models.KeyAmount)
			if !okp || !oka {
				skipped++
				continue
			}
			ts, _ := rec.Int(models.KeyTimestamp)
			rows = append(rows, TradeRow{
				Exchange:  rec.String(models.KeyExchange),
				Pair:      pair(rec),
				ID:        rec.String(models.KeyID),
				Price:     price,
				Amount:    amount,
				Side:      rec.String(models.KeySide),
				Timestamp: ts,
				FetchTime: fetchMillis(rec),
				WriteTime: rec.String(models.KeyWriteTime),
			})
		default:
			return nil, 0, fmt.Errorf("no row schema for event type %q", et)
		}
	}
	return rows, skipped, nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// writeParquet encodes rows into fw and finalises the file footer.
func writeParquet(fw source.ParquetFile, et models.EventType, rows []interface{}, compression string) error {
	schema, err := schemaFor(et)
	if err != nil {
		return err
	}
	pw, err := pqwriter.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}

// memoryFile is a write-only source.ParquetFile backed by a buffer.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buf: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buf.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buf.Bytes() }

// EncodeParquet renders rows as an in-memory parquet file.
func EncodeParquet(et models.EventType, rows []interface{}, compression string) ([]byte, error) {
	mf := newMemoryFile()
	if err := writeParquet(mf, et, rows, compression); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func fetchTimeOf(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}
