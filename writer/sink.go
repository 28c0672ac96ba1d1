package writer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"datacollector/models"
)

// Sink persists one stamped batch of records.
type Sink interface {
	Name() string
	Write(ctx context.Context, et models.EventType, records []models.Record) error
	Close() error
}

const unknownPartition = "unknown"

// Partition is the subset of a batch sharing the same partition values.
type Partition struct {
	Path    string
	Records []models.Record
}

// partitionValue reads col from rec for use in a path segment.
func partitionValue(rec models.Record, col string) string {
	v := rec.String(col)
	if v == "" && col == models.KeyPair {
		v = rec.String(models.KeyMarket)
	}
	if v == "" {
		return unknownPartition
	}
	return strings.NewReplacer("/", "_", "=", "_").Replace(v)
}

// SplitPartitions groups records by the configured columns followed by
// write_time. Paths look like orderbook/exchange=bitvavo/write_time=20240101-13
// and are returned sorted; record order inside a partition is kept.
func SplitPartitions(et models.EventType, records []models.Record, cols []string) []Partition {
	index := map[string]int{}
	var parts []Partition
	for _, rec := range records {
		segments := make([]string, 0, len(cols)+2)
		segments = append(segments, string(et))
		for _, col := range cols {
			segments = append(segments, col+"="+partitionValue(rec, col))
		}
		segments = append(segments, models.KeyWriteTime+"="+partitionValue(rec, models.KeyWriteTime))
		p := path.Join(segments...)

		i, ok := index[p]
		if !ok {
			i = len(parts)
			index[p] = i
			parts = append(parts, Partition{Path: p})
		}
		parts[i].Records = append(parts[i].Records, rec)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Path < parts[j].Path })
	return parts
}

// partFileName returns a unique parquet file name inside a partition.
func partFileName() string {
	return fmt.Sprintf("part-%s.parquet", uuid.NewString())
}
