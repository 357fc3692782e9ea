package resolver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/model"
	"github.com/caida/rsdos-crawler/internal/semaphore"
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

type fakeDNSDB struct {
	domains map[string][]string
	err     error
	audited []string
}

func (f *fakeDNSDB) Lookup(_ context.Context, ip string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.domains[ip], nil
}

func (f *fakeDNSDB) RecordLookup(_ context.Context, ip string, _ time.Time, source string) error {
	f.audited = append(f.audited, ip+":"+source)
	return nil
}

func newTestResolver(t *testing.T, dnsdb DomainLookuper, reverse ReverseLookup) (*Resolver, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	r := &Resolver{
		client:        pub,
		hosts:         broker.NewTableWithPublisher[string, model.HostGroup](pub, broker.TopicHostChange, broker.StringCodec{}, broker.JSONCodec[model.HostGroup]{}),
		dnsdb:         dnsdb,
		reverse:       reverse,
		cacheInterval: time.Hour,
		hostMaxNum:    10,
		limiter:       semaphore.NewLimiter(4),
	}
	return r, pub
}

func TestResolvePrefersDNSDBOverReverse(t *testing.T) {
	db := &fakeDNSDB{domains: map[string][]string{"1.2.3.4": {"evil.example.com"}}}
	reverseCalled := false
	r, _ := newTestResolver(t, db, func(ctx context.Context, ip string) ([]string, error) {
		reverseCalled = true
		return []string{"other.example.com"}, nil
	})

	hg, err := r.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, []string{"evil.example.com"}, hg.Names)
	assert.False(t, reverseCalled)
	assert.Contains(t, db.audited, "1.2.3.4:dnsdb")
}

func TestResolveFallsBackToReverseDNS(t *testing.T) {
	db := &fakeDNSDB{domains: map[string][]string{}}
	r, _ := newTestResolver(t, db, func(ctx context.Context, ip string) ([]string, error) {
		return []string{"reverse.example.com"}, nil
	})

	hg, err := r.Resolve(context.Background(), "5.6.7.8")
	require.NoError(t, err)
	assert.Equal(t, []string{"reverse.example.com"}, hg.Names)
}

func TestResolveFallsBackToIPWhenBothEmpty(t *testing.T) {
	db := &fakeDNSDB{}
	r, _ := newTestResolver(t, db, func(ctx context.Context, ip string) ([]string, error) {
		return nil, nil
	})

	hg, err := r.Resolve(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, []string{"9.9.9.9"}, hg.Names)
}

func TestResolveReusesFreshCacheEntry(t *testing.T) {
	db := &fakeDNSDB{domains: map[string][]string{"1.1.1.1": {"first.example.com"}}}
	r, _ := newTestResolver(t, db, func(ctx context.Context, ip string) ([]string, error) { return nil, nil })

	_, err := r.Resolve(context.Background(), "1.1.1.1")
	require.NoError(t, err)

	db.domains["1.1.1.1"] = []string{"second.example.com"}
	hg, err := r.Resolve(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first.example.com"}, hg.Names, "fresh cache entry must be reused without re-querying")
}

func TestResolveSamplesDownOverHostMaxNum(t *testing.T) {
	names := []string{"a.com", "b.com", "c.com", "d.com", "e.com"}
	db := &fakeDNSDB{domains: map[string][]string{"1.2.3.4": names}}
	r, _ := newTestResolver(t, db, func(ctx context.Context, ip string) ([]string, error) { return nil, nil })
	r.hostMaxNum = 2

	hg, err := r.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, hg.Names, 2)
}

func TestHandleGetFansOutPerHost(t *testing.T) {
	db := &fakeDNSDB{domains: map[string][]string{"1.2.3.4": {"a.example.com", "b.example.com"}}}
	r, pub := newTestResolver(t, db, func(ctx context.Context, ip string) ([]string, error) { return nil, nil })

	start := model.NewTime(time.Now())
	incoming := model.Attack{IP: "1.2.3.4", StartTime: start, LatestTime: start}
	value, err := json.Marshal(incoming)
	require.NoError(t, err)

	require.NoError(t, r.HandleGet(context.Background(), broker.Record{Value: value}))

	crawlPublishes := 0
	for _, rec := range pub.published {
		if rec.topic == broker.TopicCrawlGet {
			crawlPublishes++
			var single model.Attack
			require.NoError(t, json.Unmarshal(rec.value, &single))
			assert.Len(t, single.Hosts, 1)
		}
	}
	assert.Equal(t, 2, crawlPublishes)
}
