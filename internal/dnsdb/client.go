// Package dnsdb wraps the external DNS lookup database the Host Resolver
// consults before falling back to reverse DNS (spec.md section 4.3): a
// common-crawl-style ip -> domains mapping, plus a best-effort lookup_count
// audit table. Grounded on the teacher's cassandra package (datastore.go's
// session setup, schema.go's templated CQL, helpers.go's GetConfig), with
// its general-purpose web-crawl schema replaced by this domain's two
// tables.
package dnsdb

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/gocql/gocql"
)

// ClientConfig configures a Client's Cassandra session.
type ClientConfig struct {
	Hosts             []string
	Keyspace          string
	Timeout           time.Duration
	ReplicationFactor int
}

// Client is a single-writer Cassandra client for the DNS lookup database,
// matching spec.md section 5's "one DB connection to the DNS lookup store
// (single-writer for lookup_count)" resource note.
type Client struct {
	cfg ClientConfig
	db  *gocql.Session
}

func clusterConfig(cfg ClientConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Timeout = cfg.Timeout
	return cluster
}

// New dials the configured Cassandra cluster.
func New(cfg ClientConfig) (*Client, error) {
	db, err := clusterConfig(cfg).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("dnsdb: creating cassandra session: %w", err)
	}
	return &Client{cfg: cfg, db: db}, nil
}

// Close closes the underlying Cassandra session.
func (c *Client) Close() {
	c.db.Close()
}

// renderSchema executes schemaTemplate against cfg, the same
// template/bytes.Buffer pattern the teacher's schema.go uses.
func renderSchema(cfg ClientConfig) (string, error) {
	t, err := template.New("dnsdb-schema").Parse(schemaTemplate)
	if err != nil {
		return "", fmt.Errorf("dnsdb: parsing schema template: %w", err)
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, schemaParams{Keyspace: cfg.Keyspace, ReplicationFactor: replication}); err != nil {
		return "", fmt.Errorf("dnsdb: rendering schema template: %w", err)
	}
	return buf.String(), nil
}

// CreateSchema creates the keyspace and tables for cfg's cluster. Intended
// for the CLI's `schema` subcommand, not for runtime use.
func CreateSchema(cfg ClientConfig) error {
	bootstrap := clusterConfig(cfg)
	bootstrap.Keyspace = ""
	db, err := bootstrap.CreateSession()
	if err != nil {
		return fmt.Errorf("dnsdb: connecting to create schema: %w", err)
	}
	defer db.Close()

	schema, err := renderSchema(cfg)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := db.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("dnsdb: executing schema statement: %w\nstatement:\n%v", err, stmt)
		}
	}
	return nil
}

// Lookup queries ip_domains for ip, returning its known domain names. An
// empty, non-error result means the source had nothing to offer; per
// spec.md section 7 the resolver treats that as "no names from this
// source" and moves on rather than treating it as failure.
func (c *Client) Lookup(ctx context.Context, ip string) ([]string, error) {
	var domains []string
	err := c.db.Query(`SELECT domains FROM ip_domains WHERE ip = ?`, ip).WithContext(ctx).Scan(&domains)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dnsdb: looking up %v: %w", ip, err)
	}
	return domains, nil
}

// RecordLookup inserts a best-effort audit row into lookup_count. Failures
// are the caller's to log-and-ignore (spec.md section 7 treats DNS/DB
// errors as non-fatal).
func (c *Client) RecordLookup(ctx context.Context, ip string, at time.Time, datasource string) error {
	err := c.db.Query(`INSERT INTO lookup_count (ip, looked_up_at, datasource) VALUES (?, ?, ?)`,
		ip, at, datasource).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("dnsdb: recording lookup for %v: %w", ip, err)
	}
	return nil
}
