package model

import (
	"fmt"
	"strings"
	"time"
)

// Crawl is one HTTP fetch attempt against one host, stored as a gzipped,
// base64-encoded WARC record pair. See spec.md section 3.
type Crawl struct {
	Host   string `json:"host"`
	Status int    `json:"status"`
	Time   Time   `json:"time"`
	Record string `json:"record"`
}

// Key is the composite de-duplication key for a Crawl: (host, time).
func (c Crawl) Key() CrawlKey {
	return CrawlKey{Host: c.Host, Time: c.Time}
}

// Success reports whether this crawl received an HTTP response.
func (c Crawl) Success() bool {
	return c.Status > 0
}

// Valid reports whether this cached Crawl is still fresh enough to reuse:
// successes live cacheInterval, failures live retriesBackoff (so a cached
// failure doesn't short-circuit the retry schedule).
func (c Crawl) Valid(now time.Time, cacheInterval, retriesBackoff time.Duration) bool {
	ttl := retriesBackoff
	if c.Success() {
		ttl = cacheInterval
	}
	return c.Time.Time.Add(ttl).After(now)
}

// WaitEntry represents an Attack deferred until its next scheduled crawl
// moment. One exists per (ip, start_time, hosts) triple.
type WaitEntry struct {
	IP         string  `json:"ip"`
	StartTime  Time    `json:"start_time"`
	Hosts      []string `json:"hosts"`
	Attack     Attack  `json:"attack"`
	NextCrawl  Time    `json:"next_crawl_time"`
}

// WaitKey identifies a WaitEntry.
type WaitKey struct {
	IP        string
	StartTime Time
	Hosts     string // hosts joined with "," for use as a map/struct key
}

func (w WaitEntry) Key() WaitKey {
	return WaitKey{IP: w.IP, StartTime: w.StartTime, Hosts: joinHosts(w.Hosts)}
}

// String renders the key as it appears in the wait table's codec:
// "ip/start_time/comma,joined,hosts".
func (k WaitKey) String() string {
	return k.IP + "/" + k.StartTime.String() + "/" + k.Hosts
}

// ParseWaitKey reverses WaitKey.String(). Hosts never contains "/", so a
// 3-way split on the first two occurrences is unambiguous.
func ParseWaitKey(s string) (WaitKey, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return WaitKey{}, fmt.Errorf("model: malformed wait key %q", s)
	}
	t, err := time.Parse(microTimeLayout, parts[1])
	if err != nil {
		return WaitKey{}, fmt.Errorf("model: parsing wait key time %q: %w", parts[1], err)
	}
	return WaitKey{IP: parts[0], StartTime: NewTime(t), Hosts: parts[2]}, nil
}

func joinHosts(hosts []string) string {
	out := ""
	for i, h := range hosts {
		if i > 0 {
			out += ","
		}
		out += h
	}
	return out
}

// Dump is a periodic, compressed JSON artifact containing finalized
// Attacks.
type Dump struct {
	Name  string `json:"name"`
	Time  Time   `json:"time"`
}

// Valid reports whether this Dump record is still within its retention
// window.
func (d Dump) Valid(now time.Time, retention time.Duration) bool {
	return d.Time.Time.Add(retention).After(now)
}

// DumpFile is the payload written to DUMP_DIR/{name}.json.gz: the
// finalized attacks swept out of the attack table by one cron firing.
type DumpFile struct {
	Name    string   `json:"name"`
	Time    Time     `json:"time"`
	Attacks []Attack `json:"attacks"`
}

// DumpName formats the dump file's base name from the firing time, per
// spec.md section 3: data-telescope-crawler-dos-YYYYMMDDHHMM.
func DumpName(t time.Time) string {
	return "data-telescope-crawler-dos-" + t.UTC().Format("200601021504")
}
