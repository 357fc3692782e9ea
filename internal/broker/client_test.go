package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsExactlyOnceWithoutTransactionalID(t *testing.T) {
	_, err := New(ClientConfig{
		Brokers:             []string{"localhost:9092"},
		ClientID:            "test",
		ProcessingGuarantee: ExactlyOnce,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TransactionalID")
}

func TestNewRejectsUnknownProcessingGuarantee(t *testing.T) {
	_, err := New(ClientConfig{
		Brokers:             []string{"localhost:9092"},
		ClientID:            "test",
		ProcessingGuarantee: "sometimes",
	})
	require.Error(t, err)
}

func TestNewAcceptsAtLeastOnceWithoutDialing(t *testing.T) {
	// kgo.NewClient only seeds broker addresses; it does not dial until
	// the first produce/consume, so this succeeds even with no broker
	// listening on localhost.
	c, err := New(ClientConfig{
		Brokers:             []string{"localhost:9092"},
		ClientID:            "test",
		ProcessingGuarantee: AtLeastOnce,
	})
	require.NoError(t, err)
	defer c.Close()
	assert.NotNil(t, c.Raw())
	assert.NotNil(t, c.Admin())
}
