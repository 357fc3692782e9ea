package dnsdb

// schemaTemplate is the CQL for the DNS lookup database this crawler treats
// as an external collaborator: a common-crawl-style ip -> domains mapping,
// plus a lookup_count audit table recording every query made against it.
// Templated the same way the teacher templates its schema.go, so the
// keyspace and replication factor can be set for testing.
const schemaTemplate string = `-- Schema for the rsdos-crawler DNS lookup database
CREATE KEYSPACE {{.Keyspace}}
WITH REPLICATION = { 'class': 'SimpleStrategy', 'replication_factor': {{.ReplicationFactor}} };

-- ip_domains is the common-crawl-derived ip -> domains mapping consulted by
-- the Host Resolver before falling back to reverse DNS.
CREATE TABLE {{.Keyspace}}.ip_domains (
	ip text PRIMARY KEY,
	domains set<text>
);

-- lookup_count is a best-effort audit trail of every host-resolution
-- lookup performed, recording which data source answered it.
CREATE TABLE {{.Keyspace}}.lookup_count (
	ip text,
	looked_up_at timestamp,
	datasource text,
	PRIMARY KEY (ip, looked_up_at)
) WITH CLUSTERING ORDER BY (looked_up_at DESC);
`

// schemaParams is the template input for schemaTemplate.
type schemaParams struct {
	Keyspace          string
	ReplicationFactor int
}
