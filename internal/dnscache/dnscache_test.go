package dnscache

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialCachesSuccess(t *testing.T) {
	calls := 0
	var addrs []string
	fake := func(network, addr string) (net.Conn, error) {
		calls++
		addrs = append(addrs, addr)
		client, server := net.Pipe()
		go func() { server.Close() }()
		return client, nil
	}

	dial, err := Dial(fake, 10, time.Minute)
	require.NoError(t, err)

	conn1, err := dial("tcp", "example.com:80")
	require.NoError(t, err)
	conn1.Close()

	conn2, err := dial("tcp", "example.com:80")
	require.NoError(t, err)
	conn2.Close()

	assert.Equal(t, 2, calls, "every dial opens a new connection")
	// net.Pipe's remote address renders as "pipe"
	assert.Equal(t, []string{"example.com:80", "pipe"}, addrs, "second dial should reuse the cached resolution")
}

func TestDialExpiresAfterTTL(t *testing.T) {
	calls := 0
	fake := func(network, addr string) (net.Conn, error) {
		calls++
		client, server := net.Pipe()
		go func() { server.Close() }()
		return client, nil
	}

	dial, err := Dial(fake, 10, time.Millisecond)
	require.NoError(t, err)

	conn1, err := dial("tcp", "example.com:80")
	require.NoError(t, err)
	conn1.Close()

	time.Sleep(5 * time.Millisecond)

	conn2, err := dial("tcp", "example.com:80")
	require.NoError(t, err)
	conn2.Close()

	assert.Equal(t, 2, calls, "dial should refresh once the ttl has elapsed")
}

func TestDialCachesFailure(t *testing.T) {
	calls := 0
	wantErr := fmt.Errorf("boom")
	fake := func(network, addr string) (net.Conn, error) {
		calls++
		return nil, wantErr
	}

	dial, err := Dial(fake, 10, time.Minute)
	require.NoError(t, err)

	_, err1 := dial("tcp", "bad.example.com:80")
	require.Error(t, err1)
	_, err2 := dial("tcp", "bad.example.com:80")
	require.Error(t, err2)

	assert.Equal(t, 1, calls, "failed resolution should be cached too")
}
