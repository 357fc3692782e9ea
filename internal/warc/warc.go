// Package warc builds WARC 1.1 request/response/metadata record pairs for
// one crawl attempt and gzip+base64-encodes them for storage in a
// model.Crawl record. No WARC-writing library appears anywhere in the
// retrieved corpus (see DESIGN.md); this is a small, hand-rolled writer
// following the teacher's low-level, manual-buffering I/O style
// (fetcher.go's fillReadBuffer).
package warc

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

const warcVersion = "WARC/1.1"

// Request describes the outgoing HTTP request for one crawl attempt.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	IP      string
	Time    time.Time
}

// Response describes a successfully received HTTP response, already read
// into memory and possibly truncated.
type Response struct {
	StatusLine string
	Headers    http.Header
	Body       []byte
	Truncated  bool
	Time       time.Time
}

// TransportError describes a fetch that never produced an HTTP response.
type TransportError struct {
	Error     string
	ErrorDesc string
	Time      time.Time
}

// newRecordID returns a urn:uuid WARC-Record-ID. crypto/rand is used rather
// than a UUID library since no UUID package appears in the retrieved
// corpus's domain dependencies and the teacher itself only ever consumes
// gocql.UUID (tied to Cassandra), not a general-purpose one.
func newRecordID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("<urn:uuid:%x-%x-%x-%x-%x>", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func warcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func writeHeader(buf *bytes.Buffer, recordType, recordID, concurrentTo, ip string, truncated bool, date time.Time, contentType string, contentLength int) {
	buf.WriteString(warcVersion)
	buf.WriteString("\r\n")
	fmt.Fprintf(buf, "WARC-Type: %s\r\n", recordType)
	fmt.Fprintf(buf, "WARC-Record-ID: %s\r\n", recordID)
	fmt.Fprintf(buf, "WARC-Date: %s\r\n", warcDate(date))
	if concurrentTo != "" {
		fmt.Fprintf(buf, "WARC-Concurrent-To: %s\r\n", concurrentTo)
	}
	if ip != "" {
		fmt.Fprintf(buf, "WARC-IP-Address: %s\r\n", ip)
	}
	if truncated {
		buf.WriteString("WARC-Truncated: true\r\n")
	}
	fmt.Fprintf(buf, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(buf, "Content-Length: %d\r\n", contentLength)
	buf.WriteString("\r\n")
}

// BuildPair renders the request record and either a response or metadata
// record (on transport failure) as one WARC 1.1 stream, gzip-compresses
// it, and base64-encodes the result for storage in model.Crawl.Record.
//
// Exactly one of resp or terr should be non-nil.
func BuildPair(req Request, resp *Response, terr *TransportError) (string, error) {
	reqID := newRecordID()
	respID := newRecordID()

	var reqBody bytes.Buffer
	fmt.Fprintf(&reqBody, "%s %s HTTP/1.1\r\n", req.Method, req.URL)
	for k, vs := range req.Headers {
		for _, v := range vs {
			fmt.Fprintf(&reqBody, "%s: %s\r\n", k, v)
		}
	}
	reqBody.WriteString("\r\n")

	var out bytes.Buffer
	writeHeader(&out, "request", reqID, respID, req.IP, false, req.Time, "application/http; msgtype=request", reqBody.Len())
	out.Write(reqBody.Bytes())
	out.WriteString("\r\n\r\n")

	switch {
	case resp != nil:
		var respBody bytes.Buffer
		respBody.WriteString(resp.StatusLine)
		respBody.WriteString("\r\n")
		for k, vs := range resp.Headers {
			for _, v := range vs {
				fmt.Fprintf(&respBody, "%s: %s\r\n", k, v)
			}
		}
		respBody.WriteString("\r\n")
		respBody.Write(resp.Body)

		writeHeader(&out, "response", respID, reqID, req.IP, resp.Truncated, resp.Time, "application/http; msgtype=response", respBody.Len())
		out.Write(respBody.Bytes())
		out.WriteString("\r\n\r\n")
	case terr != nil:
		meta := fmt.Sprintf(`{"error":%q,"error_desc":%q}`, terr.Error, terr.ErrorDesc)
		writeHeader(&out, "metadata", respID, reqID, req.IP, false, terr.Time, "application/json", len(meta))
		out.WriteString(meta)
		out.WriteString("\r\n\r\n")
	default:
		return "", fmt.Errorf("warc: BuildPair requires a Response or a TransportError")
	}

	return gzipBase64(out.Bytes())
}

func gzipBase64(data []byte) (string, error) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gz.Bytes()), nil
}

// Decode reverses BuildPair's encoding, returning the UTF-8 text of the
// WARC pair with best-effort replacement of invalid bytes -- used by the
// dump writer (spec.md section 4.6 step 2).
func Decode(record string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(record)
	if err != nil {
		return "", fmt.Errorf("warc: decoding base64: %w", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("warc: decoding gzip: %w", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("warc: reading gzip stream: %w", err)
	}
	// best-effort replacement of invalid UTF-8, per spec.md section 4.6 step 2
	return string(bytes.ToValidUTF8(body, []byte("�"))), nil
}
