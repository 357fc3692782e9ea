package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alecthomas/log4go"

	"github.com/caida/rsdos-crawler/internal/broker"
	"github.com/caida/rsdos-crawler/internal/metrics"
	"github.com/caida/rsdos-crawler/internal/model"
	"github.com/caida/rsdos-crawler/internal/semaphore"
)

// crawlType classifies the kind of crawl next_crawl selects, per spec.md
// section 4.4 step 1.
type crawlType string

const (
	typeCrawl      crawlType = "crawl"
	typeRetryFirst crawlType = "retry-first"
	typeRetry      crawlType = "retry"
	typeRepeat     crawlType = "repeat"
)

// CacheLookup is the subset of internal/crawlcache.Cache the scheduler
// consults before performing a fresh HTTP fetch for a host.
type CacheLookup interface {
	Get(host string) (model.Crawl, bool)
}

// Scheduler implements the Crawl Scheduler (spec.md section 4.4):
// next_crawl classification, crawl-cache consultation, and fan-out to the
// HTTP fetcher. Grounded on dispatcher.go's bounded-worker shape, adapted
// to the explicit CRAWL_CONCURRENCY limit spec.md names.
type Scheduler struct {
	client  broker.Publisher
	fetcher *Fetcher
	cache   CacheLookup
	limiter *semaphore.Limiter
	metrics *metrics.Registry

	retries            int
	retriesBackoff     time.Duration
	repeatInterval     time.Duration
	crawlCacheInterval time.Duration
	attackTTL          time.Duration
}

// NewScheduler constructs a Scheduler. concurrency bounds in-flight crawls
// (CRAWL_CONCURRENCY). m is nil-safe: a nil Registry skips instrumentation.
func NewScheduler(client broker.Publisher, fetcher *Fetcher, cache CacheLookup, retries int, retriesBackoff, repeatInterval, crawlCacheInterval, attackTTL time.Duration, concurrency int, m *metrics.Registry) *Scheduler {
	return &Scheduler{
		client:             client,
		fetcher:            fetcher,
		cache:              cache,
		limiter:            semaphore.NewLimiter(concurrency),
		metrics:            m,
		retries:            retries,
		retriesBackoff:     retriesBackoff,
		repeatInterval:     repeatInterval,
		crawlCacheInterval: crawlCacheInterval,
		attackTTL:          attackTTL,
	}
}

// HandleGet is the crawl.get consumer: one single-host Attack variant
// forwarded by the resolver, processed with bounded concurrency
// (CRAWL_CONCURRENCY).
func (s *Scheduler) HandleGet(ctx context.Context, rec broker.Record) error {
	var attack model.Attack
	if err := json.Unmarshal(rec.Value, &attack); err != nil {
		log4go.Warn("crawler: skipping unparseable crawl.get record: %v", err)
		return nil
	}

	s.limiter.Acquire()
	defer s.limiter.Release()

	return s.enqueue(ctx, attack)
}

// enqueue implements spec.md section 4.4 steps 1-5 for one Attack.
func (s *Scheduler) enqueue(ctx context.Context, attack model.Attack) error {
	now := time.Now()
	next, typ, ok := nextCrawl(attack, now, s.retries, s.retriesBackoff, s.repeatInterval, s.attackTTL)
	if !ok {
		log4go.Debug("crawler: dropping enqueue for %v/%v, no future crawl within ttl", attack.IP, attack.StartTime)
		return nil
	}

	if typ == typeRepeat {
		attack.Crawls = nil
	}

	for _, host := range attack.Hosts {
		if cached, hit := s.cache.Get(host); hit && cached.Valid(now, s.crawlCacheInterval, s.retriesBackoff) {
			attack.Crawls = model.MergeCrawls(attack.Crawls, []model.Crawl{cached})
			if s.metrics != nil {
				s.metrics.CrawlCacheHits.Inc()
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.CrawlsAttempted.Inc()
		}
		crawl := s.fetcher.Fetch(ctx, host)
		attack.Crawls = model.MergeCrawls(attack.Crawls, []model.Crawl{crawl})
		if crawl.Success() {
			if s.metrics != nil {
				s.metrics.CrawlsSucceeded.Inc()
			}
			value, err := json.Marshal(crawl)
			if err != nil {
				return fmt.Errorf("crawler: encoding crawl cache entry for %v: %w", host, err)
			}
			key := broker.MessageKey(broker.ActionAdd, host)
			if err := s.client.Publish(ctx, broker.TopicCrawlChange, []byte(key), value); err != nil {
				return fmt.Errorf("crawler: publishing crawl cache entry for %v: %w", host, err)
			}
		}
	}

	attackValue, err := json.Marshal(attack)
	if err != nil {
		return fmt.Errorf("crawler: encoding attack %v/%v: %w", attack.IP, attack.StartTime, err)
	}
	attackKey := broker.MessageKey(broker.ActionAdd, attack.IP, attack.StartTime.String())
	if err := s.client.Publish(ctx, broker.TopicAttackChange, []byte(attackKey), attackValue); err != nil {
		return fmt.Errorf("crawler: publishing enriched attack %v/%v: %w", attack.IP, attack.StartTime, err)
	}

	wait := model.WaitEntry{
		IP:        attack.IP,
		StartTime: attack.StartTime,
		Hosts:     attack.Hosts,
		Attack:    attack,
		NextCrawl: next,
	}
	waitValue, err := json.Marshal(wait)
	if err != nil {
		return fmt.Errorf("crawler: encoding wait entry for %v/%v: %w", attack.IP, attack.StartTime, err)
	}
	waitKey := broker.MessageKey(broker.ActionAdd, attack.IP, attack.StartTime.String(), joinHostNames(attack.Hosts))
	if err := s.client.Publish(ctx, broker.TopicCrawlWaitChange, []byte(waitKey), waitValue); err != nil {
		return fmt.Errorf("crawler: publishing wait entry for %v/%v: %w", attack.IP, attack.StartTime, err)
	}
	return nil
}

// joinHostNames matches model.WaitKey.Hosts's encoding so a WaitEntry's
// message key and its table key agree.
func joinHostNames(hosts []string) string {
	return strings.Join(hosts, ",")
}

// nextCrawl computes (next_time, next_type) for attack per spec.md section
// 4.4 step 1. ok is false when the computed moment falls outside the
// attack's remaining TTL (latest_time + attackTTL <= next), meaning the
// attack expires first and no future crawl should be scheduled.
func nextCrawl(attack model.Attack, now time.Time, retries int, retriesBackoff, repeatInterval, attackTTL time.Duration) (model.Time, crawlType, bool) {
	hosts := attack.Hosts
	n := minCrawlCount(attack.Crawls, hosts)

	var next model.Time
	var typ crawlType
	switch {
	case n == 0:
		next, typ = attack.StartTime, typeCrawl
	case !anyHostFailed(attack.Crawls, hosts):
		next, typ = earliestCrawlTime(attack.Crawls, hosts).Add(repeatInterval), typeRepeat
	case n <= retries:
		typ = typeRetry
		if n == 1 {
			typ = typeRetryFirst
		}
		backoff := time.Duration(math.Pow(2, float64(n-1))) * retriesBackoff
		next = latestCrawlTime(attack.Crawls, hosts).Add(backoff)
	default:
		next, typ = earliestCrawlTime(attack.Crawls, hosts).Add(repeatInterval), typeRepeat
	}

	if attack.TTL(next.Time, attackTTL) <= 0 {
		return model.Time{}, "", false
	}
	return next, typ, true
}

// minCrawlCount returns min_{h in hosts} of the number of crawls recorded
// against h.
func minCrawlCount(crawls []model.Crawl, hosts []string) int {
	min := -1
	for _, h := range hosts {
		count := 0
		for _, c := range crawls {
			if c.Host == h {
				count++
			}
		}
		if min == -1 || count < min {
			min = count
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// latestForHost returns the most recent crawl recorded against host, if
// any.
func latestForHost(crawls []model.Crawl, host string) (model.Crawl, bool) {
	var latest model.Crawl
	found := false
	for _, c := range crawls {
		if c.Host != host {
			continue
		}
		if !found || c.Time.After(latest.Time) {
			latest = c
			found = true
		}
	}
	return latest, found
}

// anyHostFailed reports whether any host in hosts' most recent crawl
// failed (status <= 0).
func anyHostFailed(crawls []model.Crawl, hosts []string) bool {
	for _, h := range hosts {
		latest, ok := latestForHost(crawls, h)
		if ok && !latest.Success() {
			return true
		}
	}
	return false
}

// earliestCrawlTime returns the earliest crawl time recorded against any
// host in hosts -- the moment the current measurement round began.
func earliestCrawlTime(crawls []model.Crawl, hosts []string) model.Time {
	var earliest model.Time
	found := false
	inHosts := hostSet(hosts)
	for _, c := range crawls {
		if !inHosts[c.Host] {
			continue
		}
		if !found || c.Time.Before(earliest) {
			earliest = c.Time
			found = true
		}
	}
	return earliest
}

// latestCrawlTime returns the latest of each host's most recent crawl time.
func latestCrawlTime(crawls []model.Crawl, hosts []string) model.Time {
	var latest model.Time
	found := false
	for _, h := range hosts {
		l, ok := latestForHost(crawls, h)
		if !ok {
			continue
		}
		if !found || l.Time.After(latest) {
			latest = l.Time
			found = true
		}
	}
	return latest
}

func hostSet(hosts []string) map[string]bool {
	set := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		set[h] = true
	}
	return set
}
