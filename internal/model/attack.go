package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Attack is a mutable session aggregating one or more AttackVectors
// targeting the same IP within a merge window, plus the hosts resolved for
// that IP and the crawls performed against them. See spec.md section 3.
type Attack struct {
	IP            string         `json:"ip"`
	StartTime     Time           `json:"start_time"`
	LatestTime    Time           `json:"latest_time"`
	AttackVectors []AttackVector `json:"attack_vectors"`
	Hosts         []string       `json:"hosts"`
	Crawls        []Crawl        `json:"crawls"`
}

// Key identifies an Attack in the attack table: ip/start_time.
type AttackKey struct {
	IP        string
	StartTime Time
}

func (a Attack) Key() AttackKey {
	return AttackKey{IP: a.IP, StartTime: a.StartTime}
}

// String renders the key as it appears in a change-attack message key's
// fields: "ip/start_time".
func (k AttackKey) String() string {
	return k.IP + "/" + k.StartTime.String()
}

// ParseAttackKey reverses AttackKey.String(). The IP never contains a "/",
// so splitting on the first occurrence is unambiguous.
func ParseAttackKey(s string) (AttackKey, error) {
	ip, rest, ok := strings.Cut(s, "/")
	if !ok {
		return AttackKey{}, fmt.Errorf("model: malformed attack key %q", s)
	}
	t, err := time.Parse(microTimeLayout, rest)
	if err != nil {
		return AttackKey{}, fmt.Errorf("model: parsing attack key time %q: %w", rest, err)
	}
	return AttackKey{IP: ip, StartTime: NewTime(t)}, nil
}

// TTL returns the time remaining for which this Attack is actively tracked,
// evaluated at `now`: latest_time + ttl - now.
func (a Attack) TTL(now time.Time, ttl time.Duration) time.Duration {
	return a.LatestTime.Time.Add(ttl).Sub(now)
}

// Alive reports whether the Attack's TTL, evaluated now, is still positive.
func (a Attack) Alive(now time.Time, ttl time.Duration) bool {
	return a.TTL(now, ttl) > 0
}

// AliveSoon reports whether the Attack will still be alive 5 seconds from
// now -- the "alive-soon" guard used by the Attack Merger's add path
// (spec.md section 4.2) to avoid chasing an Attack that is about to expire.
func AliveSoon(latest Time, now time.Time, ttl time.Duration) bool {
	return latest.Time.Add(ttl).Sub(now.Add(5*time.Second)) > 0
}

// MergeVectors unions the new vectors into the existing set, de-duplicated
// by VectorKey, and returns the result sorted by start_time (the order the
// dump file requires, spec.md section 6).
func MergeVectors(existing, incoming []AttackVector) []AttackVector {
	seen := make(map[VectorKey]AttackVector, len(existing)+len(incoming))
	for _, v := range existing {
		seen[v.Key()] = v
	}
	for _, v := range incoming {
		if _, ok := seen[v.Key()]; !ok {
			seen[v.Key()] = v
		}
	}
	out := make([]AttackVector, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// MergeHosts unions two host-name sets, de-duplicated, sorted for
// deterministic output.
func MergeHosts(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, h := range existing {
		seen[h] = struct{}{}
	}
	for _, h := range incoming {
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// CrawlKey identifies a Crawl in an Attack's crawl set: (host, time).
type CrawlKey struct {
	Host string
	Time Time
}

// MergeCrawls unions two crawl sets, de-duplicated by (host, time), sorted
// by time (the order the dump file requires).
func MergeCrawls(existing, incoming []Crawl) []Crawl {
	seen := make(map[CrawlKey]Crawl, len(existing)+len(incoming))
	for _, c := range existing {
		seen[c.Key()] = c
	}
	for _, c := range incoming {
		if _, ok := seen[c.Key()]; !ok {
			seen[c.Key()] = c
		}
	}
	out := make([]Crawl, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Merge returns a copy of a with b's vectors, hosts, and crawls unioned in,
// and start/latest time widened to cover both. It does not mutate a or b.
func (a Attack) Merge(b Attack) Attack {
	start := a.StartTime
	if b.StartTime.Before(start) {
		start = b.StartTime
	}
	latest := a.LatestTime
	if b.LatestTime.After(latest) {
		latest = b.LatestTime
	}
	return Attack{
		IP:            a.IP,
		StartTime:     start,
		LatestTime:    latest,
		AttackVectors: MergeVectors(a.AttackVectors, b.AttackVectors),
		Hosts:         MergeHosts(a.Hosts, b.Hosts),
		Crawls:        MergeCrawls(a.Crawls, b.Crawls),
	}
}

// AttackCandidate is the currently-open merge window for an IP: at most one
// exists per IP at a time (spec.md section 3).
type AttackCandidate struct {
	IP         string `json:"ip"`
	StartTime  Time   `json:"start_time"`
	LatestTime Time   `json:"latest_time"`
}

// Mergeable reports whether a new vector's window can be absorbed into this
// candidate: same IP and the vector's start_time within mergeInterval of the
// candidate's latest_time (symmetric difference).
func (c AttackCandidate) Mergeable(ip string, vectorStart Time, mergeInterval time.Duration) bool {
	if c.IP != ip {
		return false
	}
	diff := c.LatestTime.Sub(vectorStart)
	if diff < 0 {
		diff = -diff
	}
	return diff <= mergeInterval
}
