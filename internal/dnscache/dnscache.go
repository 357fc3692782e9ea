// Package dnscache implements a Dial function that caches DNS resolutions
// for a bounded time, used to back the crawl fetcher's HTTP transport so
// that repeated crawls of the same host within HOST_CACHE_INTERVAL don't
// re-resolve.
package dnscache

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Dial wraps the given dial function with caching of DNS resolutions. When a
// host:port is found in the cache and still fresh, it calls the provided
// wrappedDial with the previously resolved address instead of performing a
// new DNS lookup. Failures are cached too, for the same ttl, so a host that
// is currently unreachable doesn't cause a fresh lookup on every retry.
//
// If wrappedDial is nil, net.Dial is used.
func Dial(wrappedDial func(network, addr string) (net.Conn, error), maxEntries int, ttl time.Duration) (func(network, addr string) (net.Conn, error), error) {
	if wrappedDial == nil {
		wrappedDial = net.Dial
	}
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	c := &dnsCache{
		wrappedDial: wrappedDial,
		cache:       cache,
		ttl:         ttl,
	}
	return c.cachingDial, nil
}

type dnsCache struct {
	wrappedDial func(network, address string) (net.Conn, error)
	cache       *lru.Cache
	ttl         time.Duration
	mu          sync.RWMutex
}

type hostrecord struct {
	ipaddr      string
	blacklisted bool
	err         error
	lastQuery   time.Time
}

func (c *dnsCache) cachingDial(network, addr string) (net.Conn, error) {
	mapEntryName := network + addr
	c.mu.RLock()
	if entry, ok := c.cache.Get(mapEntryName); ok {
		record := entry.(hostrecord)
		if time.Since(record.lastQuery) > c.ttl {
			c.mu.RUnlock()
			return c.cacheHost(network, addr)
		}
		if record.blacklisted {
			returnErr := record.err
			c.mu.RUnlock()
			return nil, returnErr
		}
		resolvedAddr := record.ipaddr
		c.mu.RUnlock()
		return c.wrappedDial(network, resolvedAddr)
	}
	c.mu.RUnlock()
	return c.cacheHost(network, addr)
}

// cacheHost performs a fresh dial/resolve and caches the result, overwriting
// any previous entry for this network:addr pair.
func (c *dnsCache) cacheHost(network, addr string) (net.Conn, error) {
	mapEntryName := network + addr
	newConn, err := c.wrappedDial(network, addr)
	queryTime := time.Now()
	c.mu.Lock()
	if err != nil {
		c.cache.Add(mapEntryName, hostrecord{
			blacklisted: true,
			err:         err,
			lastQuery:   queryTime,
		})
		c.mu.Unlock()
		return nil, err
	}
	remoteipaddr := newConn.RemoteAddr().String()
	c.cache.Add(mapEntryName, hostrecord{
		ipaddr:    remoteipaddr,
		lastQuery: queryTime,
	})
	c.mu.Unlock()
	return newConn, nil
}

// get returns the hostrecord associated with network:addr, if any. Exposed
// for tests.
func (c *dnsCache) get(network, addr string) (hostrecord, bool) {
	key := network + addr
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache.Get(key)
	if v == nil {
		return hostrecord{}, ok
	}
	return v.(hostrecord), ok
}
