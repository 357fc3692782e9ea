package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alecthomas/log4go"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Codec converts a Table's keys or values to and from their changelog wire
// representation.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// Publisher is the subset of Client a Table needs to write its changelog.
// Extracted as an interface so tests can drive a Table's Put/Delete without
// a live broker connection.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Table is a changelog-backed key/value store: every Put/Delete is first
// published to the table's changelog Kafka topic, then applied to an in-memory map,
// giving every partition owner a replayable, crash-recoverable view of its
// share of the keyspace. This is the Go-generics equivalent of a Faust/Kafka
// Streams table, adapted to this repo's model types (Attack, HostGroup,
// Crawl, WaitEntry).
//
// The changelog topic is always topic+".log", distinct from topic itself.
// topic is the business topic a stage's Handler consumes (add/delete,
// action-keyed records it reasons about); the changelog is the table's own
// bare-keyed recovery log, mirroring the original Python source's separate
// change_*_topic/log_*_topic pair (doscrawler/attacks/topics.py). Publishing
// a Put/Delete onto the business topic itself would hand the Handler back
// an action-free key it can never parse, permanently wedging its consume
// loop on the table's own first write.
type Table[K comparable, V any] struct {
	mu             sync.RWMutex
	data           map[K]V
	pub            Publisher
	client         *Client // non-nil only when Recover will be used
	topic          string
	changelogTopic string
	keyC           Codec[K]
	valC           Codec[V]
}

// NewTable constructs a Table whose Handler consumes topic and whose
// changelog (written by Put/Delete, replayed by Recover) is topic+".log",
// via client.
func NewTable[K comparable, V any](client *Client, topic string, keyC Codec[K], valC Codec[V]) *Table[K, V] {
	return &Table[K, V]{
		data:           make(map[K]V),
		pub:            client,
		client:         client,
		topic:          topic,
		changelogTopic: topic + ".log",
		keyC:           keyC,
		valC:           valC,
	}
}

// NewTableWithPublisher constructs a Table against an arbitrary Publisher,
// for use in tests where dialing a real broker is undesirable. Recover is
// unavailable on a Table built this way.
func NewTableWithPublisher[K comparable, V any](pub Publisher, topic string, keyC Codec[K], valC Codec[V]) *Table[K, V] {
	return &Table[K, V]{
		data:           make(map[K]V),
		pub:            pub,
		topic:          topic,
		changelogTopic: topic + ".log",
		keyC:           keyC,
		valC:           valC,
	}
}

// Get returns the current value for key and whether it is present.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[key]
	return v, ok
}

// Keys returns a snapshot of every key currently held.
func (t *Table[K, V]) Keys() []K {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]K, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of entries currently held.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

// Put writes value to the changelog and, once acknowledged, applies it to
// the in-memory map. The changelog write happens before the local apply so
// a crash between the two leaves the table recoverable, never inconsistent
// with what downstream consumers of the changelog have seen.
func (t *Table[K, V]) Put(ctx context.Context, key K, value V) error {
	kb, err := t.keyC.Encode(key)
	if err != nil {
		return fmt.Errorf("broker: encoding table key: %w", err)
	}
	vb, err := t.valC.Encode(value)
	if err != nil {
		return fmt.Errorf("broker: encoding table value: %w", err)
	}
	if err := t.pub.Publish(ctx, t.changelogTopic, kb, vb); err != nil {
		return fmt.Errorf("broker: writing changelog %s: %w", t.changelogTopic, err)
	}

	t.mu.Lock()
	t.data[key] = value
	t.mu.Unlock()
	return nil
}

// Delete publishes a tombstone (nil value) for key and removes it locally.
func (t *Table[K, V]) Delete(ctx context.Context, key K) error {
	kb, err := t.keyC.Encode(key)
	if err != nil {
		return fmt.Errorf("broker: encoding table key: %w", err)
	}
	if err := t.pub.Publish(ctx, t.changelogTopic, kb, nil); err != nil {
		return fmt.Errorf("broker: writing tombstone %s: %w", t.changelogTopic, err)
	}

	t.mu.Lock()
	delete(t.data, key)
	t.mu.Unlock()
	return nil
}

// Recover rebuilds the in-memory map by replaying the changelog topic from
// its earliest offsets up to the log-end offsets observed at the start of
// the call. It is meant to run once, before a Table starts serving Get/Put
// traffic for its assigned partitions, mirroring the changelog-restore step
// of a Kafka Streams / Faust table recovery.
func (t *Table[K, V]) Recover(ctx context.Context) error {
	if t.client == nil {
		return fmt.Errorf("broker: Recover called on a table with no broker client")
	}
	ends, err := t.client.adm.ListEndOffsets(ctx, t.changelogTopic)
	if err != nil {
		return fmt.Errorf("broker: listing end offsets for %s: %w", t.changelogTopic, err)
	}
	targets := make(map[int32]int64)
	ends.Each(func(o kgo.ListedOffset) {
		if o.Err == nil {
			targets[o.Partition] = o.Offset
		}
	})

	remaining := make(map[int32]int64, len(targets))
	total := int64(0)
	for p, off := range targets {
		remaining[p] = off
		total += off
	}
	if total == 0 {
		log4go.Debug("broker: changelog %s is empty, nothing to recover", t.changelogTopic)
		return nil
	}

	recoverCl, err := kgo.NewClient(
		kgo.SeedBrokers(t.client.cfg.Brokers...),
		kgo.ClientID(t.client.cfg.ClientID+"-recover"),
		kgo.ConsumeTopics(t.changelogTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return fmt.Errorf("broker: dialing recovery client for %s: %w", t.changelogTopic, err)
	}
	defer recoverCl.Close()

	applied := 0
	for len(remaining) > 0 {
		fetches := recoverCl.PollFetches(ctx)
		if fetches.IsClientClosed() {
			break
		}

		var pollErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if pollErr == nil {
				pollErr = err
			}
		})
		if pollErr != nil {
			return fmt.Errorf("broker: recovering %s: %w", t.changelogTopic, pollErr)
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			if err := t.applyRecord(rec); err != nil {
				log4go.Error("broker: skipping unrecoverable changelog entry in %s: %v", t.changelogTopic, err)
			}
			applied++
			if want, ok := remaining[rec.Partition]; ok && rec.Offset+1 >= want {
				delete(remaining, rec.Partition)
			}
		})
	}

	log4go.Info("broker: recovered %v entries into table changelog %v (%v live keys)", applied, t.changelogTopic, t.Len())
	return nil
}

func (t *Table[K, V]) applyRecord(rec *kgo.Record) error {
	key, err := t.keyC.Decode(rec.Key)
	if err != nil {
		return fmt.Errorf("decoding key: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Value == nil {
		delete(t.data, key)
		return nil
	}
	val, err := t.valC.Decode(rec.Value)
	if err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	t.data[key] = val
	return nil
}
