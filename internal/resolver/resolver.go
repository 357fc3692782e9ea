// Package resolver implements the Host Resolver (spec.md section 4.3):
// resolve(ip) -> HostGroup, backed by a TTL-cached host table, the external
// DNS lookup database, and reverse DNS as a fallback. Grounded on the
// teacher's fetcher.go blacklist check (net-level DNS/IP inspection
// preceding a fetch) and on dispatcher.go's bounded-concurrency worker
// shape.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/alecthomas/log4go"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/metrics"
	"github.com/caida/rsdos-crawler/internal/model"
	"github.com/caida/rsdos-crawler/internal/semaphore"
)

// DomainLookuper is the subset of internal/dnsdb.Client the resolver needs:
// the common-crawl ip -> domains mapping plus its audit trail.
type DomainLookuper interface {
	Lookup(ctx context.Context, ip string) ([]string, error)
	RecordLookup(ctx context.Context, ip string, at time.Time, datasource string) error
}

// ReverseLookup resolves an IP to hostnames via reverse DNS. The default
// implementation wraps net.DefaultResolver.LookupAddr; tests substitute a
// fake.
type ReverseLookup func(ctx context.Context, ip string) ([]string, error)

// DefaultReverseLookup is net.DefaultResolver.LookupAddr, the
// gethostbyaddr-equivalent spec.md section 4.3 names.
func DefaultReverseLookup(ctx context.Context, ip string) ([]string, error) {
	return net.DefaultResolver.LookupAddr(ctx, ip)
}

const (
	sourceDNSDB      = "dnsdb"
	sourceReverseDNS = "reverse_dns"
	sourceFallback   = "fallback_ip"
)

// Resolver owns the host table and the two lookup sources.
type Resolver struct {
	client        broker.Publisher
	hosts         *broker.Table[string, model.HostGroup]
	dnsdb         DomainLookuper
	reverse       ReverseLookup
	cacheInterval time.Duration
	hostMaxNum    int
	limiter       *semaphore.Limiter
	metrics       *metrics.Registry
}

// New constructs a Resolver. concurrency bounds in-flight resolutions
// (HOST_CONCURRENCY). m is nil-safe: a nil Registry skips instrumentation.
func New(client *broker.Client, dnsdbClient DomainLookuper, cacheInterval time.Duration, hostMaxNum, concurrency int, m *metrics.Registry) *Resolver {
	return &Resolver{
		client:        client,
		hosts:         broker.NewTable[string, model.HostGroup](client, broker.TopicHostChange, broker.StringCodec{}, broker.JSONCodec[model.HostGroup]{}),
		dnsdb:         dnsdbClient,
		reverse:       DefaultReverseLookup,
		cacheInterval: cacheInterval,
		hostMaxNum:    hostMaxNum,
		limiter:       semaphore.NewLimiter(concurrency),
		metrics:       m,
	}
}

// Recover replays the host table's changelog.
func (r *Resolver) Recover(ctx context.Context) error {
	return r.hosts.Recover(ctx)
}

// Resolve implements spec.md section 4.3 steps 1-6 for a single ip.
func (r *Resolver) Resolve(ctx context.Context, ip string) (model.HostGroup, error) {
	now := time.Now()
	if hg, ok := r.hosts.Get(ip); ok && hg.Valid(now, r.cacheInterval) {
		if r.metrics != nil {
			r.metrics.HostsResolved.Inc()
		}
		return hg, nil
	}

	names, source := r.lookupNames(ctx, ip)
	if len(names) == 0 {
		names = []string{ip}
		source = sourceFallback
	}
	names = model.SampleHosts(ip, names, r.hostMaxNum)

	if err := r.dnsdb.RecordLookup(ctx, ip, now, source); err != nil {
		log4go.Debug("resolver: best-effort lookup audit failed for %v: %v", ip, err)
	}

	hg := model.HostGroup{IP: ip, Names: names, Time: model.NewTime(now)}
	if err := r.hosts.Put(ctx, ip, hg); err != nil {
		return model.HostGroup{}, fmt.Errorf("resolver: updating host table for %v: %w", ip, err)
	}
	if r.metrics != nil {
		r.metrics.HostsResolved.Inc()
	}
	return hg, nil
}

// lookupNames tries the DNS DB, then reverse DNS, stopping at the first
// non-empty result (spec.md section 4.3 step 2). Errors from either source
// are logged and treated as an empty result, per spec.md section 7.
func (r *Resolver) lookupNames(ctx context.Context, ip string) ([]string, string) {
	domains, err := r.dnsdb.Lookup(ctx, ip)
	if err != nil {
		log4go.Debug("resolver: dns db lookup failed for %v: %v", ip, err)
	} else if len(domains) > 0 {
		return domains, sourceDNSDB
	}

	names, err := r.reverse(ctx, ip)
	if err != nil {
		log4go.Debug("resolver: reverse dns lookup failed for %v: %v", ip, err)
		return nil, sourceReverseDNS
	}
	return names, sourceReverseDNS
}

// HandleGet is the host.get consumer: for each Attack forwarded by the
// merger, resolve ip's hosts (bounded by HOST_CONCURRENCY) and fan out a
// single-host Attack variant per resolved name to the crawl scheduler's
// input topic, crawl.get.
func (r *Resolver) HandleGet(ctx context.Context, rec broker.Record) error {
	var incoming model.Attack
	if err := json.Unmarshal(rec.Value, &incoming); err != nil {
		log4go.Warn("resolver: skipping unparseable host.get record: %v", err)
		return nil
	}

	r.limiter.Acquire()
	defer r.limiter.Release()

	hg, err := r.Resolve(ctx, incoming.IP)
	if err != nil {
		return fmt.Errorf("resolver: resolving %v: %w", incoming.IP, err)
	}

	for _, host := range hg.Names {
		single := model.Attack{
			IP:         incoming.IP,
			StartTime:  incoming.StartTime,
			LatestTime: incoming.LatestTime,
			Hosts:      []string{host},
		}
		value, err := json.Marshal(single)
		if err != nil {
			return fmt.Errorf("resolver: encoding single-host attack for %v/%v: %w", incoming.IP, host, err)
		}
		key := fmt.Sprintf("%s/%s/%s", incoming.IP, incoming.StartTime.String(), host)
		if err := r.client.Publish(ctx, broker.TopicCrawlGet, []byte(key), value); err != nil {
			return fmt.Errorf("resolver: forwarding %v/%v to crawl scheduler: %w", incoming.IP, host, err)
		}
	}
	return nil
}
