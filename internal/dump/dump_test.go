package dump

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/model"
	"github.com/caida/rsdos-crawler/internal/warc"
)

type fakePublisher struct {
	published []fakeRecord
}

type fakeRecord struct {
	topic, key string
	value      []byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, key, value []byte) error {
	f.published = append(f.published, fakeRecord{topic: topic, key: string(key), value: append([]byte(nil), value...)})
	return nil
}

type fakeAttackStore struct {
	data    map[model.AttackKey]model.Attack
	deleted []model.AttackKey
}

func newFakeAttackStore() *fakeAttackStore {
	return &fakeAttackStore{data: make(map[model.AttackKey]model.Attack)}
}

func (f *fakeAttackStore) Keys() []model.AttackKey {
	keys := make([]model.AttackKey, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeAttackStore) Get(key model.AttackKey) (model.Attack, bool) {
	a, ok := f.data[key]
	return a, ok
}

func (f *fakeAttackStore) Delete(_ context.Context, key model.AttackKey) error {
	delete(f.data, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeLeader struct{ leader bool }

func (f fakeLeader) IsLeader(string) bool { return f.leader }

type fakeNotifier struct{ texts []string }

func (f *fakeNotifier) Notify(text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func mkAttack(t *testing.T, ip string, latest time.Time) model.Attack {
	t.Helper()
	record, err := warc.BuildPair(
		warc.Request{Method: "GET", URL: "http://evil.example.com/", Time: latest},
		&warc.Response{StatusLine: "HTTP/1.1 200 OK", Body: []byte("hi"), Time: latest},
		nil,
	)
	require.NoError(t, err)
	return model.Attack{
		IP:         ip,
		StartTime:  model.NewTime(latest.Add(-time.Minute)),
		LatestTime: model.NewTime(latest),
		Hosts:      []string{"evil.example.com"},
		Crawls:     []model.Crawl{{Host: "evil.example.com", Status: 200, Time: model.NewTime(latest), Record: record}},
	}
}

func newTestWriter(t *testing.T, dir string, leader bool) (*Writer, *fakePublisher, *fakeAttackStore) {
	t.Helper()
	pub := &fakePublisher{}
	attacks := newFakeAttackStore()
	w := &Writer{
		client:        pub,
		attacks:       attacks,
		dumps:         broker.NewTableWithPublisher[string, model.Dump](pub, broker.TopicDumpChange, broker.StringCodec{}, broker.JSONCodec[model.Dump]{}),
		leader:        fakeLeader{leader: leader},
		notify:        &fakeNotifier{},
		dir:           dir,
		compressLevel: 6,
		attackTTL:     time.Minute,
		retention:     24 * time.Hour,
	}
	return w, pub, attacks
}

func TestFireSkipsWhenNotLeader(t *testing.T) {
	dir := t.TempDir()
	w, _, attacks := newTestWriter(t, dir, false)
	attacks.data[model.AttackKey{IP: "1.2.3.4"}] = mkAttack(t, "1.2.3.4", time.Now().Add(-time.Hour))

	require.NoError(t, w.Fire(context.Background()))
	assert.Empty(t, attacks.deleted)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFireSkipsAttacksStillWithinTTL(t *testing.T) {
	dir := t.TempDir()
	w, _, attacks := newTestWriter(t, dir, true)
	attacks.data[model.AttackKey{IP: "1.2.3.4"}] = mkAttack(t, "1.2.3.4", time.Now())

	require.NoError(t, w.Fire(context.Background()))
	assert.Empty(t, attacks.deleted, "an attack still within attack_ttl must not be dumped yet")
}

func TestFireWritesDumpAndDeletesFinalizedAttacks(t *testing.T) {
	dir := t.TempDir()
	w, pub, attacks := newTestWriter(t, dir, true)
	key := model.AttackKey{IP: "1.2.3.4"}
	attacks.data[key] = mkAttack(t, "1.2.3.4", time.Now().Add(-time.Hour))

	require.NoError(t, w.Fire(context.Background()))

	require.Len(t, attacks.deleted, 1)
	assert.Equal(t, key, attacks.deleted[0])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "data-telescope-crawler-dos-")

	path := filepath.Join(dir, entries[0].Name())
	file, err := readDumpFile(t, path)
	require.NoError(t, err)
	require.Len(t, file.Attacks, 1)
	assert.Equal(t, "1.2.3.4", file.Attacks[0].IP)
	assert.Contains(t, file.Attacks[0].Crawls[0].Record, "WARC/1.1", "dumped crawl records must be decoded to plain WARC text")

	var sawDumpAdd bool
	for _, rec := range pub.published {
		if rec.topic == broker.TopicDumpChange {
			sawDumpAdd = true
		}
	}
	assert.True(t, sawDumpAdd)
}

func readDumpFile(t *testing.T, path string) (model.DumpFile, error) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		return model.DumpFile{}, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return model.DumpFile{}, err
	}
	defer gz.Close()
	var file model.DumpFile
	err = json.NewDecoder(gz).Decode(&file)
	return file, err
}

func TestRetentionSweepSkipsWhenNotLeader(t *testing.T) {
	w, pub, _ := newTestWriter(t, t.TempDir(), false)
	require.NoError(t, w.dumps.Put(context.Background(), "old-dump", model.Dump{Name: "old-dump", Time: model.NewTime(time.Now().Add(-48 * time.Hour))}))
	pub.published = nil

	require.NoError(t, w.RetentionSweep(context.Background()))
	assert.Empty(t, pub.published)
}

func TestRetentionSweepDeletesExpiredDumps(t *testing.T) {
	w, pub, _ := newTestWriter(t, t.TempDir(), true)
	require.NoError(t, w.dumps.Put(context.Background(), "old-dump", model.Dump{Name: "old-dump", Time: model.NewTime(time.Now().Add(-48 * time.Hour))}))
	pub.published = nil

	require.NoError(t, w.RetentionSweep(context.Background()))

	var sawDelete bool
	for _, rec := range pub.published {
		action, fields, ok := broker.SplitMessageKey(rec.key)
		if ok && action == broker.ActionDelete && len(fields) > 0 && fields[0] == "old-dump" {
			sawDelete = true
		}
	}
	assert.True(t, sawDelete)
}

func TestHandleChangeAddThenDeleteRoundTrips(t *testing.T) {
	w, _, _ := newTestWriter(t, t.TempDir(), true)
	now := time.Now()
	record := model.Dump{Name: "a-dump", Time: model.NewTime(now)}
	value, err := json.Marshal(record)
	require.NoError(t, err)

	key := []byte(broker.MessageKey(broker.ActionAdd, "a-dump"))
	require.NoError(t, w.HandleChange(context.Background(), broker.Record{Key: key, Value: value}))

	got, ok := w.dumps.Get("a-dump")
	require.True(t, ok)
	assert.True(t, got.Time.Equal(model.NewTime(now)))

	delKey := []byte(broker.MessageKey(broker.ActionDelete, "a-dump"))
	require.NoError(t, w.HandleChange(context.Background(), broker.Record{Key: delKey, Value: value}))
	_, ok = w.dumps.Get("a-dump")
	assert.False(t, ok)
}
