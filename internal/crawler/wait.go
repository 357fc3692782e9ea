package crawler

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

// waitKeyCodec encodes/decodes model.WaitKey for the wait table's
// changelog, via the key's own String()/ParseWaitKey round trip.
type waitKeyCodec struct{}

func (waitKeyCodec) Encode(k model.WaitKey) ([]byte, error) {
	return []byte(k.String()), nil
}

func (waitKeyCodec) Decode(b []byte) (model.WaitKey, error) {
	return model.ParseWaitKey(string(b))
}

// LeaderChecker reports whether this process currently holds the
// designated leader partition, used to gate singleton cron/timer jobs.
// Satisfied by *broker.Client; extracted so tests can fake leadership
// without a live broker connection.
type LeaderChecker interface {
	IsLeader(topic string) bool
}

// WaitQueue implements spec.md section 4.4.2: the wait_crawl_table and its
// concurrency-1-per-partition add/delete handler, plus the leader-only
// periodic sweep. Grounded on dispatcher.go's delete-then-republish
// indirection for serializing churn through one partitioned agent.
type WaitQueue struct {
	client   broker.Publisher
	leader   LeaderChecker
	entries  *broker.Table[model.WaitKey, model.WaitEntry]
	metrics  *metrics.Registry
	notifier notify.Notifier
}

// NewWaitQueue constructs a WaitQueue against client's wait-crawl-change
// changelog. m and n are nil-safe: a nil Registry/Notifier simply skips
// instrumentation.
func NewWaitQueue(client *broker.Client, m *metrics.Registry, n notify.Notifier) *WaitQueue {
	return &WaitQueue{
		client:   client,
		leader:   client,
		entries:  broker.NewTable[model.WaitKey, model.WaitEntry](client, broker.TopicCrawlWaitChange, waitKeyCodec{}, broker.JSONCodec[model.WaitEntry]{}),
		metrics:  m,
		notifier: n,
	}
}

// Recover replays the wait table's changelog.
func (w *WaitQueue) Recover(ctx context.Context) error {
	return w.entries.Recover(ctx)
}

// HandleChange is the crawl.wait.change consumer (concurrency 1 per
// partition): add inserts or races in a fresher entry, delete removes on an
// exact latest_time match and republishes the Attack to crawl.get, per
// spec.md section 4.4.2.
func (w *WaitQueue) HandleChange(ctx context.Context, rec broker.Record) error {
	action, fields, ok := broker.SplitMessageKey(string(rec.Key))
	if !ok {
		return fmt.Errorf("crawler: malformed crawl.wait.change key %q", rec.Key)
	}

	var incoming model.WaitEntry
	if err := json.Unmarshal(rec.Value, &incoming); err != nil {
		log4go.Warn("crawler: skipping unparseable crawl.wait.change record: %v", err)
		return nil
	}
	key := model.WaitKey{IP: incoming.IP, StartTime: incoming.StartTime, Hosts: joinHostNames(incoming.Hosts)}
	if len(fields) >= 1 && fields[0] != key.IP {
		log4go.Warn("crawler: crawl.wait.change key ip %q does not match payload ip %q", fields[0], key.IP)
	}

	switch action {
	case broker.ActionAdd:
		return w.handleAdd(ctx, key, incoming)
	case broker.ActionDelete:
		return w.handleDelete(ctx, key, incoming)
	default:
		if w.metrics != nil {
			w.metrics.UnknownActions.Inc()
		}
		if w.notifier != nil {
			notify.UnknownAction(w.notifier, broker.TopicCrawlWaitChange, string(action))
		}
		return fmt.Errorf("crawler: unknown action %q on crawl.wait.change", action)
	}
}

// handleAdd implements spec.md section 4.4.2's insert/replace rule: a
// fresher arrival (by latest_time) replaces the existing entry; an older
// or equal one is dropped, so the earliest scheduled moment survives the
// race.
func (w *WaitQueue) handleAdd(ctx context.Context, key model.WaitKey, incoming model.WaitEntry) error {
	existing, ok := w.entries.Get(key)
	if ok && !incoming.Attack.LatestTime.After(existing.Attack.LatestTime) {
		return nil
	}
	if err := w.entries.Put(ctx, key, incoming); err != nil {
		return fmt.Errorf("crawler: updating wait entry for %v: %w", key, err)
	}
	return nil
}

// handleDelete removes the entry iff its latest_time matches the delete's
// snapshot (guarding against a race with a newer add), then republishes
// the Attack to crawl.get so the scheduler re-evaluates it.
func (w *WaitQueue) handleDelete(ctx context.Context, key model.WaitKey, incoming model.WaitEntry) error {
	existing, ok := w.entries.Get(key)
	if !ok || !existing.Attack.LatestTime.Equal(incoming.Attack.LatestTime) {
		return nil
	}
	if err := w.entries.Delete(ctx, key); err != nil {
		return fmt.Errorf("crawler: removing wait entry for %v: %w", key, err)
	}

	value, err := json.Marshal(existing.Attack)
	if err != nil {
		return fmt.Errorf("crawler: encoding attack for wait republish %v: %w", key, err)
	}
	pubKey := broker.MessageKey(broker.ActionAdd, existing.IP, existing.StartTime.String(), key.Hosts)
	if err := w.client.Publish(ctx, broker.TopicCrawlGet, []byte(pubKey), value); err != nil {
		return fmt.Errorf("crawler: republishing attack from wait queue %v: %w", key, err)
	}
	return nil
}

// Sweep implements the leader-only periodic wait_sweep (spec.md section
// 4.4.2): every entry whose next_crawl_time has arrived is sent a delete,
// which the HandleChange loop turns into a removal plus republish.
func (w *WaitQueue) Sweep(ctx context.Context) error {
	if !w.leader.IsLeader(broker.TopicAttackChange) {
		return nil
	}

	now := time.Now()
	for _, key := range w.entries.Keys() {
		entry, ok := w.entries.Get(key)
		if !ok || entry.NextCrawl.Time.After(now) {
			continue
		}
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("crawler: encoding wait entry %v for sweep: %w", key, err)
		}
		delKey := broker.MessageKey(broker.ActionDelete, entry.IP, entry.StartTime.String(), key.Hosts)
		if err := w.client.Publish(ctx, broker.TopicCrawlWaitChange, []byte(delKey), value); err != nil {
			return fmt.Errorf("crawler: publishing wait sweep delete for %v: %w", key, err)
		}
	}
	return nil
}

// RunSweeper runs Sweep every interval until ctx is done, matching the
// teacher's keep-alive goroutine shape in fetcher.go's FetchManager.Start.
func (w *WaitQueue) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				log4go.Error("crawler: wait sweep failed: %v", err)
			}
		}
	}
}
