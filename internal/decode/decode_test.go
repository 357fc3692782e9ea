package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDecodesBatch(t *testing.T) {
	batch := []byte(`[{"target_ip": 16909060, "start_time_sec": 1, "start_time_usec": 0}]`)
	vectors, err := JSON{}.Decode(batch)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, uint32(16909060), vectors[0].TargetIP)
}

func TestJSONRejectsMalformedBatch(t *testing.T) {
	_, err := JSON{}.Decode([]byte("not json"))
	assert.Error(t, err)
}
