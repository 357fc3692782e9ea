package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caida/rsdos-crawler/internal/warc"
)

func TestParseHeaderLines(t *testing.T) {
	h := parseHeaderLines([]string{"User-Agent: rsdos-crawler", "malformed", "Accept: */*"})
	assert.Equal(t, "rsdos-crawler", h.Get("User-Agent"))
	assert.Equal(t, "*/*", h.Get("Accept"))
}

func TestFillReadBufferWithinLimitReturnsWhole(t *testing.T) {
	body, truncated, err := fillReadBuffer(strings.NewReader("hello world"), 1024)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "hello world", string(body))
}

func TestFillReadBufferTruncatesPastLimit(t *testing.T) {
	data := strings.Repeat("a", 100*1024)
	body, truncated, err := fillReadBuffer(strings.NewReader(data), 50*1024)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.True(t, int64(len(body)) <= 50*1024-readChunkBytes)
}

func TestFetchSuccessBuildsWarcRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, err := NewFetcher(nil, 2*time.Second, 2*1024*1024, time.Minute, 4)
	require.NoError(t, err)

	host := strings.TrimPrefix(srv.URL, "http://")
	crawl := f.Fetch(context.Background(), host)
	assert.Equal(t, http.StatusOK, crawl.Status)
	assert.Equal(t, host, crawl.Host)
	assert.True(t, crawl.Success())

	decoded, err := warc.Decode(crawl.Record)
	require.NoError(t, err)
	assert.Contains(t, decoded, "WARC/1.1")
	assert.Contains(t, decoded, "WARC-Type: response")
}

func TestFetchTransportErrorYieldsStatusNegativeOne(t *testing.T) {
	f, err := NewFetcher(nil, 200*time.Millisecond, 2*1024*1024, time.Minute, 4)
	require.NoError(t, err)

	crawl := f.Fetch(context.Background(), "127.0.0.1:1")
	assert.Equal(t, -1, crawl.Status)
	assert.False(t, crawl.Success())

	decoded, err := warc.Decode(crawl.Record)
	require.NoError(t, err)
	assert.Contains(t, decoded, "WARC-Type: metadata")
}
