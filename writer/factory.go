package writer

import (
	"context"
	"fmt"

	"datacollector/config"
)

// New builds the sink selected by cfg.Type and wraps it in a Writer.
func New(ctx context.Context, cfg config.WriterConfig) (*Writer, error) {
	var (
		sink Sink
		err  error
	)
	switch cfg.Type {
	case config.WriterParquetLocal:
		sink, err = NewLocalSink(cfg.ParquetLocal.DataDirectory, cfg.PartitionCols, cfg.Compression)
	case config.WriterParquetS3:
		sink, err = NewS3Sink(ctx, cfg.ParquetS3, cfg.PartitionCols, cfg.Compression)
	case config.WriterDBAWS:
		sink, err = NewDBSink(ctx, cfg.DBAWS)
	default:
		return nil, fmt.Errorf("%w: unknown writer type %q", config.ErrConfiguration, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s sink: %w", cfg.Type, err)
	}
	return NewWriter(sink, cfg.BufferSize), nil
}
