// Package crawlcache implements the Crawl Cache (spec.md section 4.5):
// crawl_table[host] -> Crawl, a monotonic-time-guarded add/delete handler
// run at concurrency 1 per partition, plus a periodic janitor that evicts
// stale entries. Grounded on the teacher's cassandra package write-through
// pattern (write the changelog, then apply) and on crawlcache.Cache's
// sibling internal/broker.Table abstraction.
package crawlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alecthomas/log4go"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/metrics"
	"github.com/caida/rsdos-crawler/internal/model"
	"github.com/caida/rsdos-crawler/internal/notify"
)

// Cache owns the crawl_table changelog and its concurrency-1 handler.
type Cache struct {
	client         broker.Publisher
	entries        *broker.Table[string, model.Crawl]
	cacheInterval  time.Duration
	retriesBackoff time.Duration
	metrics        *metrics.Registry
	notifier       notify.Notifier
}

// New constructs a Cache against client's crawl-change changelog. m and n
// are nil-safe: a nil Registry/Notifier simply skips instrumentation.
func New(client *broker.Client, cacheInterval, retriesBackoff time.Duration, m *metrics.Registry, n notify.Notifier) *Cache {
	return &Cache{
		client:         client,
		entries:        broker.NewTable[string, model.Crawl](client, broker.TopicCrawlChange, broker.StringCodec{}, broker.JSONCodec[model.Crawl]{}),
		cacheInterval:  cacheInterval,
		retriesBackoff: retriesBackoff,
		metrics:        m,
		notifier:       n,
	}
}

// Recover replays the crawl table's changelog.
func (c *Cache) Recover(ctx context.Context) error {
	return c.entries.Recover(ctx)
}

// Get implements crawler.CacheLookup: the scheduler's pre-fetch cache
// check.
func (c *Cache) Get(host string) (model.Crawl, bool) {
	return c.entries.Get(host)
}

// HandleChange is the crawl.change consumer (concurrency 1 per partition):
// add writes iff the incoming time is newer than the stored entry
// (monotonic); delete removes iff the stored entry's time equals the
// delete's time, per spec.md section 4.5.
func (c *Cache) HandleChange(ctx context.Context, rec broker.Record) error {
	action, fields, ok := broker.SplitMessageKey(string(rec.Key))
	if !ok || len(fields) < 1 {
		return fmt.Errorf("crawlcache: malformed crawl.change key %q", rec.Key)
	}
	host := fields[0]

	var incoming model.Crawl
	if err := json.Unmarshal(rec.Value, &incoming); err != nil {
		log4go.Warn("crawlcache: skipping unparseable crawl.change record for %v: %v", host, err)
		return nil
	}

	switch action {
	case broker.ActionAdd:
		return c.handleAdd(ctx, host, incoming)
	case broker.ActionDelete:
		return c.handleDelete(ctx, host, incoming)
	default:
		if c.metrics != nil {
			c.metrics.UnknownActions.Inc()
		}
		if c.notifier != nil {
			notify.UnknownAction(c.notifier, broker.TopicCrawlChange, string(action))
		}
		return fmt.Errorf("crawlcache: unknown action %q on crawl.change", action)
	}
}

func (c *Cache) handleAdd(ctx context.Context, host string, incoming model.Crawl) error {
	if existing, ok := c.entries.Get(host); ok && !incoming.Time.After(existing.Time) {
		return nil
	}
	if err := c.entries.Put(ctx, host, incoming); err != nil {
		return fmt.Errorf("crawlcache: updating %v: %w", host, err)
	}
	return nil
}

func (c *Cache) handleDelete(ctx context.Context, host string, incoming model.Crawl) error {
	existing, ok := c.entries.Get(host)
	if !ok || !existing.Time.Equal(incoming.Time) {
		return nil
	}
	if err := c.entries.Delete(ctx, host); err != nil {
		return fmt.Errorf("crawlcache: removing %v: %w", host, err)
	}
	return nil
}

// Janitor scans the cache and emits a delete for every entry that has
// aged out (spec.md section 4.5's periodic janitor, section 3's
// isValid()), run every interval until ctx is done.
func (c *Cache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweep(ctx); err != nil {
				log4go.Error("crawlcache: janitor sweep failed: %v", err)
			}
		}
	}
}

func (c *Cache) sweep(ctx context.Context) error {
	now := time.Now()
	for _, host := range c.entries.Keys() {
		entry, ok := c.entries.Get(host)
		if !ok || entry.Valid(now, c.cacheInterval, c.retriesBackoff) {
			continue
		}
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("crawlcache: encoding janitor delete for %v: %w", host, err)
		}
		key := broker.MessageKey(broker.ActionDelete, host)
		if err := c.client.Publish(ctx, broker.TopicCrawlChange, []byte(key), value); err != nil {
			return fmt.Errorf("crawlcache: publishing janitor delete for %v: %w", host, err)
		}
	}
	return nil
}
