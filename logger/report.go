package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	collected   sync.Map // event type -> *int64
	flushed     sync.Map // event type -> *int64
	dropped     int64
)

func bump(m *sync.Map, key string, n int64) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), n)
}

func snapshot(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func recordWarn(component string)  { bump(&warnCounts, component, 1) }
func recordError(component string) { bump(&errorCounts, component, 1) }

// RecordCollected counts records handed to the writer for eventType.
func RecordCollected(eventType string, n int) {
	bump(&collected, eventType, int64(n))
}

// RecordFlushed counts rows persisted by a sink for eventType.
func RecordFlushed(eventType string, n int) {
	bump(&flushed, eventType, int64(n))
}

// RecordDropped counts stream events discarded by validation.
func RecordDropped() {
	atomic.AddInt64(&dropped, 1)
}

// StartReport logs system and throughput statistics every interval until ctx
// is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}

	collectedByType := snapshot(&collected)
	flushedByType := snapshot(&flushed)
	droppedCount := atomic.LoadInt64(&dropped)

	log.WithComponent("report").WithFields(Fields{
		"warns":       snapshot(&warnCounts),
		"errors":      snapshot(&errorCounts),
		"collected":   collectedByType,
		"flushed":     flushedByType,
		"dropped":     droppedCount,
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memMB),
	}).Info("runtime report")

	publishMetrics(ctx, []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("CollectedRecords"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sum(collectedByType)))},
		{MetricName: aws.String("FlushedRows"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sum(flushedByType)))},
		{MetricName: aws.String("DroppedEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(droppedCount))},
	})
}
