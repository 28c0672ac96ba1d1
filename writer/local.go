package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"

	"datacollector/logger"
	"datacollector/models"
)

// LocalSink writes one parquet file per partition under a data directory.
type LocalSink struct {
	dir           string
	partitionCols []string
	compression   string
	log           *logger.Entry
}

func NewLocalSink(dir string, partitionCols []string, compression string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return &LocalSink{
		dir:           dir,
		partitionCols: partitionCols,
		compression:   compression,
		log:           logger.GetLogger().WithComponent("local_sink").WithFields(logger.Fields{"dir": dir}),
	}, nil
}

func (s *LocalSink) Name() string { return "parquet_local" }

func (s *LocalSink) Write(ctx context.Context, et models.EventType, records []models.Record) error {
	for _, part := range SplitPartitions(et, records, s.partitionCols) {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, skipped, err := Rows(et, part.Records)
		if err != nil {
			return err
		}
		if skipped > 0 {
			s.log.WithFields(logger.Fields{"event_type": string(et), "skipped": skipped}).Warn("skipped malformed records")
		}
		if len(rows) == 0 {
			continue
		}

		dir := filepath.Join(s.dir, filepath.FromSlash(part.Path))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create partition %s: %w", dir, err)
		}
		path := filepath.Join(dir, partFileName())
		if err := s.writeFile(path, et, rows); err != nil {
			return err
		}
		logger.LogDataFlow(s.log, string(et), path, len(rows), "parquet_rows")
	}
	return nil
}

func (s *LocalSink) writeFile(path string, et models.EventType, rows []interface{}) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := writeParquet(fw, et, rows, s.compression); err != nil {
		_ = fw.Close()
		_ = os.Remove(path)
		return err
	}
	return fw.Close()
}

func (s *LocalSink) Close() error { return nil }
