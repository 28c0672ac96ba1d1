// Package collector drives the exchange adapters on a fixed cadence and
// routes what they produce into the writer.
package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"datacollector/config"
	"datacollector/exchange"
	"datacollector/internal/metrics"
	"datacollector/logger"
	"datacollector/models"
	"datacollector/writer"
)

// Collector owns the adapters and the writer for the lifetime of the process.
type Collector struct {
	cfg      config.CollectorConfig
	mode     config.Mode
	order    []string
	adapters map[string]exchange.Adapter
	pairs    map[string][]string
	events   map[string][]models.EventType
	writer   *writer.Writer
	log      *logger.Entry

	cycle int
	now   func() time.Time
	// sleep waits for d or until ctx is done, reporting whether it slept fully.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New validates the configuration against the adapters. Every failure wraps
// config.ErrConfiguration.
func New(cfg config.CollectorConfig, adapters []exchange.Adapter, w *writer.Writer) (*Collector, error) {
	mode, err := config.ParseMode(string(cfg.CollectionMode))
	if err != nil {
		return nil, err
	}
	if err := config.CheckExchangeSets(cfg.Pairs.Names(), cfg.EventTypes.Names()); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: collector needs a writer", config.ErrConfiguration)
	}

	byName := make(map[string]exchange.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}

	c := &Collector{
		cfg:      cfg,
		mode:     mode,
		adapters: byName,
		pairs:    make(map[string][]string),
		events:   make(map[string][]models.EventType),
		writer:   w,
		log:      logger.GetLogger().WithComponent("collector").WithFields(logger.Fields{"mode": string(mode)}),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, name := range cfg.Pairs.Names() {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: exchange %q is configured but no adapter was created for it", config.ErrConfiguration, name)
		}
		c.order = append(c.order, name)
		c.pairs[name] = cfg.Pairs.Get(name)
		for _, raw := range cfg.EventTypes.Get(name) {
			et, err := models.ParseEventType(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", config.ErrConfiguration, name, err)
			}
			c.events[name] = append(c.events[name], et)
		}
	}
	if c.cfg.DrainEvery <= 0 {
		c.cfg.DrainEvery = 100
	}
	if c.cfg.AsyncAttempts <= 0 {
		c.cfg.AsyncAttempts = 3
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run loops until ctx is cancelled, then performs the shutdown sequence.
// Failed cycles are logged and followed by a cooldown; they never end the
// loop.
func (c *Collector) Run(ctx context.Context) error {
	c.log.WithFields(logger.Fields{"exchanges": c.order, "sleep": c.cfg.Sleep().String()}).Info("collector starting")

	if c.mode == config.ModeWebsocket {
		if err := c.subscribeAll(ctx); err != nil {
			c.log.WithError(err).Error("initial subscription failed, retrying on the next cycle")
		}
	}

	for ctx.Err() == nil {
		err := c.runCycle(ctx)
		metrics.CycleDone(string(c.mode), err)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.log.WithError(err).WithFields(logger.Fields{
				"operation": "cycle",
				"cycle":     c.cycle,
				"cooldown":  c.cfg.ErrorCooldown.String(),
			}).Error("collection cycle failed")
			if !c.sleep(ctx, c.cfg.ErrorCooldown) {
				break
			}
			if c.mode == config.ModeWebsocket {
				if err := c.reconnect(ctx); err != nil {
					c.log.WithError(err).Warn("reconnect after failure did not complete")
				}
			}
			continue
		}
		if !c.sleep(ctx, c.cfg.Sleep()) {
			break
		}
	}

	c.log.Info("shutdown requested")
	return c.Shutdown(context.WithoutCancel(ctx))
}

// runCycle performs one iteration. A panic is turned into an error carrying
// the stack.
func (c *Collector) runCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in collection cycle: %v\n%s", r, debug.Stack())
		}
	}()

	var data map[models.EventType][]models.Record
	switch c.mode {
	case config.ModeSync:
		data, err = c.fetchSync(ctx)
	case config.ModeAsync:
		data, err = c.fetchAsyncWithRetry(ctx)
	case config.ModeWebsocket:
		data, err = c.streamCycle(ctx)
	}
	if err != nil {
		return err
	}
	return c.route(ctx, data)
}

// fetchSync fetches every configured pair one after another and stamps the
// results with one shared fetch time.
func (c *Collector) fetchSync(ctx context.Context) (map[models.EventType][]models.Record, error) {
	var snaps []models.OrderBookSnapshot
	for _, name := range c.order {
		a := c.adapters[name]
		for _, pair := range c.pairs[name] {
			snap, err := a.FetchOrderBook(ctx, pair, c.cfg.Limit)
			if err != nil {
				exchange.ReportLimit(c.log, name, pair, err)
				return nil, fmt.Errorf("fetch %s %s: %w", name, pair, err)
			}
			snaps = append(snaps, snap)
		}
	}
	return c.wrapSnapshots(snaps), nil
}

// fetchAsync fans out every fetch at once. The first failure cancels the rest
// and fails the round.
func (c *Collector) fetchAsync(ctx context.Context) (map[models.EventType][]models.Record, error) {
	type job struct {
		adapter exchange.Adapter
		pair    string
	}
	var jobs []job
	for _, name := range c.order {
		for _, pair := range c.pairs[name] {
			jobs = append(jobs, job{adapter: c.adapters[name], pair: pair})
		}
	}

	snaps := make([]models.OrderBookSnapshot, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			select {
			case res := <-j.adapter.FetchOrderBookAsync(gctx, j.pair, c.cfg.Limit):
				if res.Err != nil {
					exchange.ReportLimit(c.log, j.adapter.Name(), j.pair, res.Err)
					return fmt.Errorf("fetch %s %s: %w", j.adapter.Name(), j.pair, res.Err)
				}
				snaps[i] = res.Snapshot
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c.wrapSnapshots(snaps), nil
}

// fetchAsyncWithRetry retries a failed round after AsyncRetryDelay, up to
// AsyncAttempts rounds in total, and returns the last error.
func (c *Collector) fetchAsyncWithRetry(ctx context.Context) (map[models.EventType][]models.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.AsyncAttempts; attempt++ {
		data, err := c.fetchAsync(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		c.log.WithError(err).WithFields(logger.Fields{
			"operation": "fetch_async",
			"attempt":   attempt,
			"attempts":  c.cfg.AsyncAttempts,
		}).Warn("async round failed")
		if attempt < c.cfg.AsyncAttempts && !c.sleep(ctx, c.cfg.AsyncRetryDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Collector) wrapSnapshots(snaps []models.OrderBookSnapshot) map[models.EventType][]models.Record {
	fetchTime := c.now().UTC()
	records := make([]models.Record, 0, len(snaps))
	for _, s := range snaps {
		records = append(records, s.WithFetchTime(fetchTime).Record())
	}
	return map[models.EventType][]models.Record{models.EventOrderBook: records}
}

// streamCycle reconnects closed sockets and drains the stream buffers every
// DrainEvery cycles. Other cycles return no data.
func (c *Collector) streamCycle(ctx context.Context) (map[models.EventType][]models.Record, error) {
	c.cycle++
	if err := c.reconnect(ctx); err != nil {
		return nil, err
	}
	if c.cycle%c.cfg.DrainEvery != 0 {
		return nil, nil
	}
	return c.drain(), nil
}

func (c *Collector) subscribeAll(ctx context.Context) error {
	for _, name := range c.order {
		if err := c.adapters[name].Subscribe(ctx, c.events[name], c.pairs[name]); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return nil
}

// reconnect resubscribes every adapter whose socket is closed.
func (c *Collector) reconnect(ctx context.Context) error {
	for _, name := range c.order {
		a := c.adapters[name]
		if !a.IsSocketClosed() {
			continue
		}
		c.log.WithFields(logger.Fields{"exchange": name, "operation": "reconnect"}).Warn("socket closed, resubscribing")
		if err := a.Subscribe(ctx, c.events[name], c.pairs[name]); err != nil {
			return fmt.Errorf("resubscribe %s: %w", name, err)
		}
		metrics.Reconnected(name)
	}
	return nil
}

// drain merges every adapter's buffered events, in configuration order.
func (c *Collector) drain() map[models.EventType][]models.Record {
	merged := make(map[models.EventType][]models.Record)
	for _, name := range c.order {
		for et, recs := range c.adapters[name].ExtractData() {
			merged[et] = append(merged[et], recs...)
		}
	}
	return merged
}

// route appends every event type's records before flushing any full buffer,
// so a failed flush never strands records already drained from the streams.
// The first flush error is returned after all full buffers were tried.
func (c *Collector) route(ctx context.Context, data map[models.EventType][]models.Record) error {
	ets := sortedEventTypes(data)
	for _, et := range ets {
		c.writer.Append(data[et], et)
	}
	var first error
	for _, et := range ets {
		if !c.writer.IsBufferFull(et) {
			continue
		}
		if err := c.writer.SaveAndRefresh(ctx, et); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func sortedEventTypes(data map[models.EventType][]models.Record) []models.EventType {
	out := make([]models.EventType, 0, len(data))
	for et := range data {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Shutdown closes the sockets, appends the remaining stream events and flushes
// every writer slot within ShutdownTimeout. Calling it again only flushes empty
// slots.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
	}

	if c.mode == config.ModeWebsocket {
		// sockets close first so nothing arrives after the final drain
		for _, name := range c.order {
			if err := c.adapters[name].CloseSocket(); err != nil {
				c.log.WithError(err).WithFields(logger.Fields{"exchange": name}).Warn("failed to close socket")
			}
		}
		data := c.drain()
		for _, et := range sortedEventTypes(data) {
			c.writer.Append(data[et], et)
		}
		for _, name := range c.order {
			c.adapters[name].ClearData()
		}
	}

	if err := c.writer.FlushAll(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	c.log.Info("collector stopped")
	return nil
}
