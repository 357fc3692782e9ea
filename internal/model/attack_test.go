package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTime(t *testing.T, s string) Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return NewTime(parsed)
}

// TestRoundTrip covers testable property 7: encode(Attack) -> decode(Attack)
// is the identity on all fields, including microsecond timestamps.
func TestRoundTrip(t *testing.T) {
	base := mkTime(t, "2026-01-02T03:04:05Z")
	a := Attack{
		IP:         "1.2.3.4",
		StartTime:  NewTime(base.Time.Add(123 * time.Microsecond)),
		LatestTime: NewTime(base.Time.Add(456789 * time.Microsecond)),
		AttackVectors: []AttackVector{
			{TargetIP: "1.2.3.4", StartTime: base, LatestTime: base, PacketCnt: 10},
		},
		Hosts: []string{"a.example.com", "b.example.com"},
		Crawls: []Crawl{
			{Host: "a.example.com", Status: 200, Time: base, Record: "cmVjb3Jk"},
		},
	}

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var out Attack
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, a, out)
}

// TestMergeAdjacent covers scenario S1: two vectors within
// ATTACK_MERGE_INTERVAL of one another appear in one Attack.
func TestMergeAdjacent(t *testing.T) {
	t0 := mkTime(t, "2026-01-01T00:00:00Z")
	v1 := AttackVector{TargetIP: "1.2.3.4", StartTime: t0, LatestTime: t0.Add(5 * time.Second)}
	v2 := AttackVector{TargetIP: "1.2.3.4", StartTime: t0.Add(10 * time.Second), LatestTime: t0.Add(20 * time.Second)}

	mergeInterval := 15 * time.Second
	cand := AttackCandidate{IP: "1.2.3.4", StartTime: v1.StartTime, LatestTime: v1.LatestTime}
	assert.True(t, cand.Mergeable("1.2.3.4", v2.StartTime, mergeInterval))

	a1 := Attack{IP: "1.2.3.4", StartTime: v1.StartTime, LatestTime: v1.LatestTime, AttackVectors: []AttackVector{v1}}
	a2 := Attack{IP: "1.2.3.4", StartTime: v2.StartTime, LatestTime: v2.LatestTime, AttackVectors: []AttackVector{v2}}
	merged := a1.Merge(a2)

	assert.Equal(t, t0, merged.StartTime)
	assert.Equal(t, t0.Add(20*time.Second), merged.LatestTime)
	assert.Len(t, merged.AttackVectors, 2)
}

// TestNoMerge covers scenario S2: vectors separated by more than the merge
// interval at every boundary do not merge.
func TestNoMerge(t *testing.T) {
	t0 := mkTime(t, "2026-01-01T00:00:00Z")
	cand := AttackCandidate{IP: "1.2.3.4", StartTime: t0, LatestTime: t0.Add(5 * time.Second)}
	v2Start := t0.Add(40 * time.Second)

	assert.False(t, cand.Mergeable("1.2.3.4", v2Start, 15*time.Second))
}

func TestAttackTTL(t *testing.T) {
	t0 := mkTime(t, "2026-01-01T00:00:00Z")
	a := Attack{IP: "1.2.3.4", LatestTime: t0}
	ttl := 240 * time.Second

	assert.True(t, a.Alive(t0.Time.Add(100*time.Second), ttl))
	assert.False(t, a.Alive(t0.Time.Add(300*time.Second), ttl))
}

func TestMergeVectorsDedupesByCompositeKey(t *testing.T) {
	t0 := mkTime(t, "2026-01-01T00:00:00Z")
	v := AttackVector{TargetIP: "1.2.3.4", StartTime: t0, LatestTime: t0.Add(time.Second), PacketCnt: 1}
	vDup := v
	vDup.PacketCnt = 999 // later arrival of "the same" vector key should not override

	out := MergeVectors([]AttackVector{v}, []AttackVector{vDup})
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].PacketCnt)
}

func TestSampleHostsDeterministic(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}
	first := SampleHosts("1.2.3.4", names, 10)
	second := SampleHosts("1.2.3.4", names, 10)

	assert.Equal(t, first, second)
	assert.Len(t, first, 10)
}

func TestSampleHostsUnderCapReturnsAll(t *testing.T) {
	names := []string{"a", "b"}
	out := SampleHosts("1.2.3.4", names, 10)
	assert.ElementsMatch(t, names, out)
}
