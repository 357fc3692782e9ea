// Package dump implements the Dump Writer (spec.md section 4.6): a
// leader-only cron job that sweeps finalized attacks out of attack_table
// into gzip-compressed JSON artifacts under DUMP_DIR, plus a second
// leader-only timer that retires dump records older than
// RETENTION_INTERVAL. Grounded on internal/crawlcache's
// table-scan-then-publish-delete janitor shape and on the teacher's
// cassandra write-through pattern; the compressed-artifact write itself
// follows fetcher.go's manual-buffering, no-third-party-codec style since
// no archival/dump library appears anywhere in the retrieved corpus.
package dump

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/log4go"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/cronsched"
	"github.com/caida/rsdos-crawler/internal/metrics"
	"github.com/caida/rsdos-crawler/internal/model"
	"github.com/caida/rsdos-crawler/internal/notify"
	"github.com/caida/rsdos-crawler/internal/warc"
)

// AttackStore is the subset of *broker.Table[model.AttackKey, model.Attack]
// the dump writer needs: read the live attack table and tombstone entries
// it has finalized. Satisfied directly by *broker.Table, and by a fake in
// tests.
type AttackStore interface {
	Keys() []model.AttackKey
	Get(key model.AttackKey) (model.Attack, bool)
	Delete(ctx context.Context, key model.AttackKey) error
}

// LeaderChecker reports whether this process currently holds the
// designated leader partition, used to gate the singleton dump and
// retention jobs. Satisfied by *broker.Client.
type LeaderChecker interface {
	IsLeader(topic string) bool
}

// Writer owns the dump_table changelog and the two leader-only jobs that
// drive it.
type Writer struct {
	client  broker.Publisher
	attacks AttackStore
	dumps   *broker.Table[string, model.Dump]
	leader  LeaderChecker
	notify  notify.Notifier
	metrics *metrics.Registry

	dir            string
	compressLevel  int
	attackTTL      time.Duration
	retention      time.Duration
}

// New constructs a Writer. attacks is the merger's live attack table;
// client both publishes dump.change/attack.change records and backs the
// dump table's own changelog. m is nil-safe: a nil Registry simply skips
// instrumentation.
func New(client *broker.Client, attacks AttackStore, leader LeaderChecker, n notify.Notifier, dir string, compressLevel int, attackTTL, retention time.Duration, m *metrics.Registry) *Writer {
	return &Writer{
		client:        client,
		attacks:       attacks,
		dumps:         broker.NewTable[string, model.Dump](client, broker.TopicDumpChange, broker.StringCodec{}, broker.JSONCodec[model.Dump]{}),
		leader:        leader,
		notify:        n,
		metrics:       m,
		dir:           dir,
		compressLevel: compressLevel,
		attackTTL:     attackTTL,
		retention:     retention,
	}
}

// Recover replays the dump table's changelog.
func (w *Writer) Recover(ctx context.Context) error {
	return w.dumps.Recover(ctx)
}

// HandleChange is the dump.change consumer (concurrency 1 per partition):
// add writes iff the incoming time is newer than the stored record;
// delete removes iff the stored record's time matches exactly. Mirrors
// internal/crawlcache.Cache.HandleChange's add/delete shape.
func (w *Writer) HandleChange(ctx context.Context, rec broker.Record) error {
	action, fields, ok := broker.SplitMessageKey(string(rec.Key))
	if !ok || len(fields) < 1 {
		return fmt.Errorf("dump: malformed dump.change key %q", rec.Key)
	}
	name := fields[0]

	var incoming model.Dump
	if err := json.Unmarshal(rec.Value, &incoming); err != nil {
		log4go.Warn("dump: skipping unparseable dump.change record for %v: %v", name, err)
		return nil
	}

	switch action {
	case broker.ActionAdd:
		return w.handleAdd(ctx, name, incoming)
	case broker.ActionDelete:
		return w.handleDelete(ctx, name, incoming)
	default:
		if w.metrics != nil {
			w.metrics.UnknownActions.Inc()
		}
		if w.notify != nil {
			notify.UnknownAction(w.notify, broker.TopicDumpChange, string(action))
		}
		return fmt.Errorf("dump: unknown action %q on dump.change", action)
	}
}

func (w *Writer) handleAdd(ctx context.Context, name string, incoming model.Dump) error {
	if existing, ok := w.dumps.Get(name); ok && !incoming.Time.After(existing.Time) {
		return nil
	}
	if err := w.dumps.Put(ctx, name, incoming); err != nil {
		return fmt.Errorf("dump: recording %v: %w", name, err)
	}
	return nil
}

func (w *Writer) handleDelete(ctx context.Context, name string, incoming model.Dump) error {
	existing, ok := w.dumps.Get(name)
	if !ok || !existing.Time.Equal(incoming.Time) {
		return nil
	}
	if err := w.dumps.Delete(ctx, name); err != nil {
		return fmt.Errorf("dump: removing %v: %w", name, err)
	}
	return nil
}

// Fire runs one dump cycle (spec.md section 4.6 steps 1-4): leader-only,
// snapshots attack_table, finalizes every attack past its TTL into one
// compressed JSON artifact, and publishes a delete for each finalized
// attack plus an add recording the new dump. A write failure leaves the
// attacks in the table -- no deletes are emitted until the file lands on
// disk -- so the next cron firing retries (spec.md section 7).
func (w *Writer) Fire(ctx context.Context) error {
	if !w.leader.IsLeader(broker.TopicAttackChange) {
		return nil
	}

	now := time.Now()
	var finalized []model.Attack
	var keys []model.AttackKey

	for _, key := range w.attacks.Keys() {
		attack, ok := w.attacks.Get(key)
		if !ok {
			continue
		}
		if attack.TTL(now, w.attackTTL) > 0 {
			continue
		}

		decoded, err := decodeCrawls(attack)
		if err != nil {
			log4go.Error("dump: decoding crawls for %v/%v: %v", attack.IP, attack.StartTime, err)
			continue
		}
		finalized = append(finalized, decoded)
		keys = append(keys, key)
	}

	if len(finalized) == 0 {
		return nil
	}

	name := model.DumpName(now)
	file := model.DumpFile{Name: name, Time: model.NewTime(now), Attacks: finalized}
	if err := w.writeFile(name, file); err != nil {
		return fmt.Errorf("dump: writing %v: %w", name, err)
	}

	for _, key := range keys {
		if err := w.attacks.Delete(ctx, key); err != nil {
			log4go.Error("dump: publishing finalize-delete for %v/%v: %v", key.IP, key.StartTime, err)
			continue
		}
		if w.metrics != nil {
			w.metrics.AttacksExpired.Inc()
		}
	}

	record := model.Dump{Name: name, Time: model.NewTime(now)}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("dump: encoding dump record: %w", err)
	}
	msgKey := broker.MessageKey(broker.ActionAdd, name)
	if err := w.client.Publish(ctx, broker.TopicDumpChange, []byte(msgKey), value); err != nil {
		return fmt.Errorf("dump: publishing dump record: %w", err)
	}
	if w.metrics != nil {
		w.metrics.DumpsWritten.Inc()
	}

	hosts := map[string]struct{}{}
	crawls := 0
	for _, a := range finalized {
		for _, h := range a.Hosts {
			hosts[h] = struct{}{}
		}
		crawls += len(a.Crawls)
	}
	notify.DumpSuccess(w.notify, name, len(finalized), len(hosts), crawls)

	log4go.Info("dump: wrote %v (%d attacks, %d hosts, %d crawls)", name, len(finalized), len(hosts), crawls)
	return nil
}

// decodeCrawls returns a copy of attack with every Crawl.Record decoded
// from gzip+base64 into UTF-8 text, per spec.md section 4.6 step 2 and
// section 6's dump file schema (crawls[{..., record: utf-8 text}]).
func decodeCrawls(attack model.Attack) (model.Attack, error) {
	out := attack
	out.Crawls = make([]model.Crawl, len(attack.Crawls))
	for i, c := range attack.Crawls {
		text, err := warc.Decode(c.Record)
		if err != nil {
			return model.Attack{}, fmt.Errorf("decoding crawl %v@%v: %w", c.Host, c.Time, err)
		}
		c.Record = text
		out.Crawls[i] = c
	}
	return out, nil
}

func (w *Writer) writeFile(name string, file model.DumpFile) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating dump dir %v: %w", w.dir, err)
	}

	path := filepath.Join(w.dir, name+".json.gz")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %v: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewWriterLevel(f, w.compressLevel)
	if err != nil {
		return fmt.Errorf("building gzip writer at level %v: %w", w.compressLevel, err)
	}

	if err := json.NewEncoder(gz).Encode(file); err != nil {
		gz.Close()
		return fmt.Errorf("encoding json to %v: %w", path, err)
	}
	return gz.Close()
}

// RetentionSweep is the second periodic job (spec.md section 4.6 step 5):
// leader-only, emits deletes for dump records older than RETENTION_INTERVAL.
func (w *Writer) RetentionSweep(ctx context.Context) error {
	if !w.leader.IsLeader(broker.TopicAttackChange) {
		return nil
	}

	now := time.Now()
	for _, name := range w.dumps.Keys() {
		record, ok := w.dumps.Get(name)
		if !ok || record.Valid(now, w.retention) {
			continue
		}
		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("dump: encoding retention delete for %v: %w", name, err)
		}
		key := broker.MessageKey(broker.ActionDelete, name)
		if err := w.client.Publish(ctx, broker.TopicDumpChange, []byte(key), value); err != nil {
			return fmt.Errorf("dump: publishing retention delete for %v: %w", name, err)
		}
	}
	return nil
}

// RunDumpCron fires Fire on sched's schedule until stop is closed. Errors
// from Fire are logged, never propagated, since a single cron firing's
// failure must not take down the scheduler loop (the next firing retries).
func (w *Writer) RunDumpCron(ctx context.Context, sched cronsched.Schedule, stop <-chan struct{}) {
	cronsched.Run(sched, func(time.Time) {
		if err := w.Fire(ctx); err != nil {
			log4go.Error("dump: cron firing failed: %v", err)
		}
	}, stop)
}

// RunRetentionTimer runs RetentionSweep every interval until ctx is done.
func (w *Writer) RunRetentionTimer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RetentionSweep(ctx); err != nil {
				log4go.Error("dump: retention sweep failed: %v", err)
			}
		}
	}
}
