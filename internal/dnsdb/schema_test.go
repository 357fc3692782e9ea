package dnsdb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSchemaSubstitutesKeyspaceAndReplication(t *testing.T) {
	out, err := renderSchema(ClientConfig{Keyspace: "rsdos_test", ReplicationFactor: 3})
	require.NoError(t, err)

	assert.Contains(t, out, "CREATE KEYSPACE rsdos_test")
	assert.Contains(t, out, "'replication_factor': 3")
	assert.Contains(t, out, "rsdos_test.ip_domains")
	assert.Contains(t, out, "rsdos_test.lookup_count")
}

func TestRenderSchemaDefaultsReplicationFactor(t *testing.T) {
	out, err := renderSchema(ClientConfig{Keyspace: "rsdos_test"})
	require.NoError(t, err)
	assert.Contains(t, out, "'replication_factor': 1")
}

func TestRenderSchemaStatementsAreSemicolonSeparated(t *testing.T) {
	out, err := renderSchema(ClientConfig{Keyspace: "rsdos_test", ReplicationFactor: 1})
	require.NoError(t, err)

	stmts := 0
	for _, s := range strings.Split(out, ";") {
		if strings.TrimSpace(s) != "" {
			stmts++
		}
	}
	assert.Equal(t, 3, stmts) // keyspace + 2 tables
}
