// Package metrics exposes rsdos-crawler's operational counters over HTTP:
// broker client metrics via franz-go's kprom plugin, plus domain counters
// for each stateful handler, registered against a single
// prometheus.Registry and served by a small gorilla/mux HTTP server.
// Grounded on the teacher's console package: Routes() []Route registered
// against a mux.Router is the same shape this package's Server uses,
// repurposed from a link-browsing UI into a health/metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/plugin/kprom"
)

// Registry is the process-wide metrics registry every component
// registers its collectors against.
type Registry struct {
	reg *prometheus.Registry

	AttacksIngested   prometheus.Counter
	AttacksMerged     prometheus.Counter
	AttacksExpired    prometheus.Counter
	HostsResolved     prometheus.Counter
	CrawlsAttempted   prometheus.Counter
	CrawlsSucceeded   prometheus.Counter
	CrawlCacheHits    prometheus.Counter
	DumpsWritten      prometheus.Counter
	UnknownActions    prometheus.Counter

	Broker *kprom.Metrics
}

// New builds a Registry with every domain counter registered under
// namespace, plus a franz-go kprom.Metrics instance for broker-client
// counters (bytes/requests/errors per broker, per spec.md section 5's
// resource model).
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Registry{
		reg:             reg,
		AttacksIngested: counter("attacks_ingested_total", "Attack vectors ingested by the merger."),
		AttacksMerged:   counter("attacks_merged_total", "Attack vectors merged into an existing candidate."),
		AttacksExpired:  counter("attacks_expired_total", "Attacks swept out of the attack table by the dump writer."),
		HostsResolved:   counter("hosts_resolved_total", "IPs resolved to a host group."),
		CrawlsAttempted: counter("crawls_attempted_total", "HTTP fetches attempted by the crawl scheduler."),
		CrawlsSucceeded: counter("crawls_succeeded_total", "HTTP fetches that received a response."),
		CrawlCacheHits:  counter("crawl_cache_hits_total", "Crawls served from the crawl cache instead of fetching."),
		DumpsWritten:    counter("dumps_written_total", "Dump artifacts written to DUMP_DIR."),
		UnknownActions:  counter("unknown_actions_total", "Records observed with an unrecognized action (programming error)."),
		Broker:          kprom.NewMetrics(namespace+"_broker", kprom.Registerer(reg)),
	}
}

// Registerer exposes the underlying prometheus.Registerer for components
// (e.g. a custom collector) that need to register directly.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying prometheus.Gatherer for the HTTP
// handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
