package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "datacollector/config"
	"datacollector/logger"
	"datacollector/models"
)

// dbConn is the part of pgxpool.Pool the sink uses.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

type tableSpec struct {
	columns []string
	ddl     string
}

var tableSpecs = map[models.EventType]tableSpec{
	models.EventOrderBook: {
		columns: []string{"exchange", "pair", "nonce", "timestamp", "fetch_time", "write_time", "bids", "asks"},
		ddl: `exchange TEXT NOT NULL, pair TEXT NOT NULL, nonce BIGINT, timestamp BIGINT,
fetch_time TIMESTAMPTZ NOT NULL, write_time TEXT NOT NULL, bids DOUBLE PRECISION[][] NOT NULL, asks DOUBLE PRECISION[][] NOT NULL`,
	},
	models.EventTicker: {
		columns: []string{"exchange", "pair", "best_bid", "best_bid_size", "best_ask", "best_ask_size", "last_price", "timestamp", "fetch_time", "write_time"},
		ddl: `exchange TEXT NOT NULL, pair TEXT NOT NULL, best_bid DOUBLE PRECISION, best_bid_size DOUBLE PRECISION,
best_ask DOUBLE PRECISION, best_ask_size DOUBLE PRECISION, last_price DOUBLE PRECISION, timestamp BIGINT,
fetch_time TIMESTAMPTZ NOT NULL, write_time TEXT NOT NULL`,
	},
	models.EventTrades: {
		columns: []string{"exchange", "pair", "id", "price", "amount", "side", "timestamp", "fetch_time", "write_time"},
		ddl: `exchange TEXT NOT NULL, pair TEXT NOT NULL, id TEXT NOT NULL, price DOUBLE PRECISION NOT NULL,
amount DOUBLE PRECISION NOT NULL, side TEXT NOT NULL, timestamp BIGINT NOT NULL,
fetch_time TIMESTAMPTZ NOT NULL, write_time TEXT NOT NULL`,
	},
}

// dbValues flattens a parquet row into COPY values in tableSpecs column order.
func dbValues(row interface{}) []any {
	switch r := row.(type) {
	case OrderBookRow:
		return []any{r.Exchange, r.Pair, r.Nonce, r.Timestamp, fetchTimeOf(r.FetchTime), r.WriteTime, levelArray(r.Bids), levelArray(r.Asks)}
	case TickerRow:
		return []any{r.Exchange, r.Pair, r.BestBid, r.BestBidSize, r.BestAsk, r.BestAskSize, r.LastPrice, r.Timestamp, fetchTimeOf(r.FetchTime), r.WriteTime}
	case TradeRow:
		return []any{r.Exchange, r.Pair, r.ID, r.Price, r.Amount, r.Side, r.Timestamp, fetchTimeOf(r.FetchTime), r.WriteTime}
	default:
		return nil
	}
}

// levelArray renders levels as a two dimensional float8 array.
func levelArray(levels []LevelRow) [][]float64 {
	out := make([][]float64, len(levels))
	for i, l := range levels {
		out[i] = []float64{l.Price, l.Size}
	}
	return out
}

// DBSink copies batches into one PostgreSQL table per event type, named
// <table_prefix><event_type>. Partitioning is left to the database.
type DBSink struct {
	conn   dbConn
	prefix string
	log    *logger.Entry

	mu      sync.Mutex
	created map[models.EventType]bool
}

func NewDBSink(ctx context.Context, cfg appconfig.DBWriterConfig) (*DBSink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newDBSink(pool, cfg.TablePrefix), nil
}

func newDBSink(conn dbConn, prefix string) *DBSink {
	return &DBSink{
		conn:    conn,
		prefix:  prefix,
		log:     logger.GetLogger().WithComponent("db_sink"),
		created: make(map[models.EventType]bool),
	}
}

func (s *DBSink) Name() string { return "db_aws" }

func (s *DBSink) table(et models.EventType) string {
	return s.prefix + string(et)
}

func (s *DBSink) ensureTable(ctx context.Context, et models.EventType, spec tableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[et] {
		return nil
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgx.Identifier{s.table(et)}.Sanitize(), spec.ddl)
	if _, err := s.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", s.table(et), err)
	}
	s.created[et] = true
	return nil
}

func (s *DBSink) Write(ctx context.Context, et models.EventType, records []models.Record) error {
	spec, ok := tableSpecs[et]
	if !ok {
		return fmt.Errorf("no table for event type %q", et)
	}
	if err := s.ensureTable(ctx, et, spec); err != nil {
		return err
	}

	rows, skipped, err := Rows(et, records)
	if err != nil {
		return err
	}
	if skipped > 0 {
		s.log.WithFields(logger.Fields{"event_type": string(et), "skipped": skipped}).Warn("skipped malformed records")
	}
	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, dbValues(row))
	}

	n, err := s.conn.CopyFrom(ctx, pgx.Identifier{s.table(et)}, spec.columns, pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", s.table(et), err)
	}
	s.log.WithFields(logger.Fields{"table": s.table(et), "rows": n}).Debug("copied rows")
	return nil
}

func (s *DBSink) Close() error {
	s.conn.Close()
	return nil
}
