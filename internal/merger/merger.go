// Package merger implements the Attack Merger (spec.md section 4.2): it
// decodes upstream attack vectors, forwards each as a synthetic
// single-vector Attack to the change-attack topic, and runs the
// change-attack handler that merges vectors into attack sessions within
// ATTACK_MERGE_INTERVAL.
//
// The fan-out decode/forward step runs with bounded concurrency
// (ATTACK_CONCURRENCY); the change-attack handler itself processes records
// one at a time per partition (broker.Client.Consume already delivers
// records to a single goroutine per call), which is what gives it the
// concurrency-1 serialization the spec requires for per-IP candidate
// decisions. The goroutine-per-fan-out-worker / channel-fed-queue shape
// here follows the teacher's dispatcher.go (generateRoutine fed by a
// channel from domainIterator).
package merger

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
	"github.com/caida/rsdos-crawler/internal/semaphore"
)

// Merger holds the tables and tunables the Attack Merger needs.
type Merger struct {
	client     broker.Publisher
	candidates *broker.Table[string, model.AttackCandidate]
	attacks    *broker.Table[model.AttackKey, model.Attack]

	decoder model.VectorDecoder

	mergeInterval time.Duration
	attackTTL     time.Duration
	limiter       *semaphore.Limiter

	metrics  *metrics.Registry
	notifier notify.Notifier
}

// New constructs a Merger. concurrency bounds the number of upstream
// vectors decoded and forwarded concurrently (ATTACK_CONCURRENCY). m and
// n are nil-safe: a nil Registry/Notifier simply skips instrumentation,
// which newTestMerger in merger_test.go relies on.
func New(client *broker.Client, decoder model.VectorDecoder, mergeInterval, attackTTL time.Duration, concurrency int, m *metrics.Registry, n notify.Notifier) *Merger {
	return &Merger{
		client:        client,
		candidates:    broker.NewTable[string, model.AttackCandidate](client, broker.TopicAttackCandidateChange, broker.StringCodec{}, broker.JSONCodec[model.AttackCandidate]{}),
		attacks:       broker.NewTable[model.AttackKey, model.Attack](client, broker.TopicAttackChange, attackKeyCodec{}, broker.JSONCodec[model.Attack]{}),
		decoder:       decoder,
		mergeInterval: mergeInterval,
		attackTTL:     attackTTL,
		limiter:       semaphore.NewLimiter(concurrency),
		metrics:       m,
		notifier:      n,
	}
}

// Recover replays both tables' changelogs before the merger starts
// consuming live traffic.
func (m *Merger) Recover(ctx context.Context) error {
	if err := m.candidates.Recover(ctx); err != nil {
		return fmt.Errorf("merger: recovering candidates: %w", err)
	}
	if err := m.attacks.Recover(ctx); err != nil {
		return fmt.Errorf("merger: recovering attacks: %w", err)
	}
	return nil
}

// Attacks exposes the attack table so the dump writer (internal/dump) can
// read its live in-memory view and publish deletes on finalized entries,
// without either package owning a second, divergent copy of attack_table.
func (m *Merger) Attacks() *broker.Table[model.AttackKey, model.Attack] {
	return m.attacks
}

// IngestBatch decodes one upstream message (a batch of wire-format attack
// vectors) and forwards each, concurrently up to ATTACK_CONCURRENCY, as an
// add to the change-attack topic. A decode failure for the whole batch is
// logged and skipped -- it never blocks the partition (spec.md section 7).
func (m *Merger) IngestBatch(ctx context.Context, batch []byte) {
	vectors, err := m.decoder.Decode(batch)
	if err != nil {
		log4go.Warn("merger: discarding unparseable vector batch: %v", err)
		return
	}

	for _, wire := range vectors {
		wire := wire
		m.limiter.Acquire()
		go func() {
			defer m.limiter.Release()
			if err := m.ingestOne(ctx, wire); err != nil {
				log4go.Error("merger: ingest failed: %v", err)
			}
		}()
	}
}

func (m *Merger) ingestOne(ctx context.Context, wire model.WireAttackVector) error {
	vec := model.NormalizeVector(wire)
	synthetic := model.Attack{
		IP:            vec.TargetIP,
		StartTime:     vec.StartTime,
		LatestTime:    vec.LatestTime,
		AttackVectors: []model.AttackVector{vec},
	}

	value, err := json.Marshal(synthetic)
	if err != nil {
		return fmt.Errorf("encoding synthetic attack: %w", err)
	}

	key := broker.MessageKey(broker.ActionAdd, vec.TargetIP, vec.StartTime.String())
	if err := m.client.Publish(ctx, broker.TopicAttackChange, []byte(key), value); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.AttacksIngested.Inc()
	}
	return nil
}

// HandleChange is the change-attack handler: it must be driven from a
// broker.Client.Consume loop so that records for a given partition are
// delivered to it one at a time.
func (m *Merger) HandleChange(ctx context.Context, rec broker.Record) error {
	action, fields, ok := broker.SplitMessageKey(string(rec.Key))
	if !ok || len(fields) != 2 {
		return fmt.Errorf("merger: malformed change-attack key %q", rec.Key)
	}
	ip, startStr := fields[0], fields[1]

	var incoming model.Attack
	if err := json.Unmarshal(rec.Value, &incoming); err != nil {
		log4go.Warn("merger: skipping unparseable change-attack record for %v: %v", ip, err)
		return nil
	}

	switch action {
	case broker.ActionAdd:
		return m.handleAdd(ctx, ip, incoming)
	case broker.ActionDelete:
		return m.handleDelete(ctx, ip, startStr, incoming)
	default:
		log4go.Error("merger: unknown action %q in change-attack key %q", action, rec.Key)
		if m.metrics != nil {
			m.metrics.UnknownActions.Inc()
		}
		if m.notifier != nil {
			notify.UnknownAction(m.notifier, broker.TopicAttackChange, string(action))
		}
		return nil
	}
}

func (m *Merger) handleAdd(ctx context.Context, ip string, incoming model.Attack) error {
	now := time.Now()
	if !model.AliveSoon(incoming.LatestTime, now, m.attackTTL) {
		log4go.Debug("merger: dropping not-alive-soon attack for %v", ip)
		return nil
	}

	effectiveStart := incoming.StartTime
	candidate, hasCandidate := m.candidates.Get(ip)

	switch {
	case hasCandidate && candidate.Mergeable(ip, incoming.StartTime, m.mergeInterval):
		mergedStart := candidate.StartTime
		if incoming.StartTime.Before(mergedStart) {
			mergedStart = incoming.StartTime
		}
		mergedLatest := candidate.LatestTime
		if incoming.LatestTime.After(mergedLatest) {
			mergedLatest = incoming.LatestTime
		}

		if candidate.StartTime.After(incoming.StartTime) {
			oldKey := model.AttackKey{IP: ip, StartTime: candidate.StartTime}
			if existing, ok := m.attacks.Get(oldKey); ok {
				newKey := model.AttackKey{IP: ip, StartTime: mergedStart}
				if err := m.attacks.Put(ctx, newKey, existing); err != nil {
					return fmt.Errorf("re-keying attack %v: %w", oldKey, err)
				}
				if err := m.attacks.Delete(ctx, oldKey); err != nil {
					return fmt.Errorf("removing re-keyed attack %v: %w", oldKey, err)
				}
			}
		}

		newCandidate := model.AttackCandidate{IP: ip, StartTime: mergedStart, LatestTime: mergedLatest}
		if err := m.candidates.Put(ctx, ip, newCandidate); err != nil {
			return fmt.Errorf("updating candidate for %v: %w", ip, err)
		}
		if err := m.forwardToHostResolution(ctx, ip, mergedStart, mergedLatest); err != nil {
			return err
		}
		effectiveStart = mergedStart
		if m.metrics != nil {
			m.metrics.AttacksMerged.Inc()
		}

	case hasCandidate && candidate.StartTime.After(incoming.LatestTime):
		log4go.Debug("merger: stale vector for %v cannot affect current candidate, leaving it untouched", ip)

	default:
		fresh := model.AttackCandidate{IP: ip, StartTime: incoming.StartTime, LatestTime: incoming.LatestTime}
		if err := m.candidates.Put(ctx, ip, fresh); err != nil {
			return fmt.Errorf("creating candidate for %v: %w", ip, err)
		}
		if err := m.forwardToHostResolution(ctx, ip, incoming.StartTime, incoming.LatestTime); err != nil {
			return err
		}
	}

	key := model.AttackKey{IP: ip, StartTime: effectiveStart}
	existing, exists := m.attacks.Get(key)
	result := incoming
	if exists {
		result = existing.Merge(incoming)
	}
	if err := m.attacks.Put(ctx, key, result); err != nil {
		return fmt.Errorf("writing attack %v: %w", key, err)
	}
	return nil
}

func (m *Merger) handleDelete(ctx context.Context, ip, startStr string, incoming model.Attack) error {
	if candidate, ok := m.candidates.Get(ip); ok && candidate.LatestTime.Equal(incoming.LatestTime) {
		if err := m.candidates.Delete(ctx, ip); err != nil {
			return fmt.Errorf("deleting candidate for %v: %w", ip, err)
		}
	}

	key, err := model.ParseAttackKey(ip + "/" + startStr)
	if err != nil {
		return fmt.Errorf("merger: malformed delete key ip=%v start=%v: %w", ip, startStr, err)
	}
	if existing, ok := m.attacks.Get(key); ok && existing.LatestTime.Equal(incoming.LatestTime) {
		if err := m.attacks.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting attack %v: %w", key, err)
		}
	}
	return nil
}

// forwardToHostResolution publishes the merged (or freshly created)
// candidate as an Attack to host.get, the Host Resolver's input topic.
func (m *Merger) forwardToHostResolution(ctx context.Context, ip string, start, latest model.Time) error {
	attack := model.Attack{IP: ip, StartTime: start, LatestTime: latest}
	value, err := json.Marshal(attack)
	if err != nil {
		return fmt.Errorf("encoding host-resolve forward: %w", err)
	}
	key := ip + "/" + start.String()
	if err := m.client.Publish(ctx, broker.TopicHostGet, []byte(key), value); err != nil {
		return fmt.Errorf("forwarding to host resolution: %w", err)
	}
	return nil
}
