package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func newTestTable() *Table[string, int] {
	return NewTable[string, int](nil, "test-changelog", StringCodec{}, JSONCodec[int]{})
}

func TestTableApplyRecordPutAndTombstone(t *testing.T) {
	tbl := newTestTable()

	require.NoError(t, tbl.applyRecord(&kgo.Record{Key: []byte("1.2.3.4"), Value: []byte("42")}))
	v, ok := tbl.Get("1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	require.NoError(t, tbl.applyRecord(&kgo.Record{Key: []byte("1.2.3.4"), Value: nil}))
	_, ok = tbl.Get("1.2.3.4")
	assert.False(t, ok)
}

func TestTableKeysAndLen(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.applyRecord(&kgo.Record{Key: []byte("a"), Value: []byte("1")}))
	require.NoError(t, tbl.applyRecord(&kgo.Record{Key: []byte("b"), Value: []byte("2")}))

	assert.Equal(t, 2, tbl.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, tbl.Keys())
}

func TestTableApplyRecordBadValueIsRejected(t *testing.T) {
	tbl := newTestTable()
	err := tbl.applyRecord(&kgo.Record{Key: []byte("a"), Value: []byte("not-json")})
	assert.Error(t, err)
	_, ok := tbl.Get("a")
	assert.False(t, ok)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec[[]string]{}
	b, err := c.Encode([]string{"x", "y"})
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, out)
}

func TestStringCodecRoundTrip(t *testing.T) {
	c := StringCodec{}
	b, err := c.Encode("1.2.3.4")
	require.NoError(t, err)
	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", out)
}

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

// TestTablePublishesChangelogOnASeparateTopic guards against a table
// writing its changelog onto the very business topic a stage's Handler
// consumes: a Put/Delete there would hand the Handler back a bare,
// action-free key it can never parse, wedging the consume loop on the
// table's own first write (see internal/broker/topic.go).
func TestTablePublishesChangelogOnASeparateTopic(t *testing.T) {
	pub := &fakePublisher{}
	tbl := NewTableWithPublisher[string, int](pub, "crawl.change", StringCodec{}, JSONCodec[int]{})

	require.NoError(t, tbl.Put(context.Background(), "a", 1))
	require.Len(t, pub.published, 1)
	assert.Equal(t, "crawl.change.log", pub.published[0].topic)
	assert.NotEqual(t, "crawl.change", pub.published[0].topic)

	require.NoError(t, tbl.Delete(context.Background(), "a"))
	require.Len(t, pub.published, 2)
	assert.Equal(t, "crawl.change.log", pub.published[1].topic)
}
