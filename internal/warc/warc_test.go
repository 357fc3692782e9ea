package warc

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPairResponseRoundTrips(t *testing.T) {
	req := Request{
		Method:  "GET",
		URL:     "http://example.com/",
		Headers: http.Header{"User-Agent": []string{"rsdos-crawler"}},
		IP:      "1.2.3.4",
		Time:    time.Now(),
	}
	resp := &Response{
		StatusLine: "HTTP/1.1 200 OK",
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("<html>hello</html>"),
		Time:       time.Now(),
	}

	record, err := BuildPair(req, resp, nil)
	require.NoError(t, err)
	require.NotEmpty(t, record)

	decoded, err := Decode(record)
	require.NoError(t, err)
	assert.Contains(t, decoded, "WARC/1.1")
	assert.Contains(t, decoded, "WARC-IP-Address: 1.2.3.4")
	assert.Contains(t, decoded, "WARC-Type: request")
	assert.Contains(t, decoded, "WARC-Type: response")
	assert.Contains(t, decoded, "<html>hello</html>")
	assert.Contains(t, decoded, "WARC-Concurrent-To")
}

func TestBuildPairTruncatedMarksHeader(t *testing.T) {
	req := Request{Method: "GET", URL: "http://example.com/", IP: "1.2.3.4", Time: time.Now()}
	resp := &Response{
		StatusLine: "HTTP/1.1 200 OK",
		Body:       []byte(strings.Repeat("a", 100)),
		Truncated:  true,
		Time:       time.Now(),
	}

	record, err := BuildPair(req, resp, nil)
	require.NoError(t, err)

	decoded, err := Decode(record)
	require.NoError(t, err)
	assert.Contains(t, decoded, "WARC-Truncated: true")
}

func TestBuildPairTransportError(t *testing.T) {
	req := Request{Method: "GET", URL: "http://example.com/", IP: "1.2.3.4", Time: time.Now()}
	terr := &TransportError{Error: "dial_error", ErrorDesc: "connection refused", Time: time.Now()}

	record, err := BuildPair(req, nil, terr)
	require.NoError(t, err)

	decoded, err := Decode(record)
	require.NoError(t, err)
	assert.Contains(t, decoded, "WARC-Type: metadata")
	assert.Contains(t, decoded, `"error":"dial_error"`)
	assert.Contains(t, decoded, `"error_desc":"connection refused"`)
}

func TestBuildPairRequiresResponseOrError(t *testing.T) {
	req := Request{Method: "GET", URL: "http://example.com/"}
	_, err := BuildPair(req, nil, nil)
	assert.Error(t, err)
}
