// Package config defines the flattened configuration record for
// rsdos-crawler, following the teacher's WalkerConfig pattern: a plain
// struct populated from YAML, with every scalar field overridable by an
// environment variable named after its YAML key, upper-cased with an
// RSDOS_ prefix. crawl_request_header and the cassandra and metrics blocks
// are read from the file only. See SPEC_FULL.md section 6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/log4go"
	"gopkg.in/yaml.v2"
)

// Config is the configuration instance the rest of rsdos-crawler reads.
// Populated by Load.
var Config RsdosConfig

// Name is the path to the YAML config file to read. Relative or absolute.
var Name = "rsdos-crawler.yaml"

// RsdosConfig defines every tunable named in spec.md section 9. Durations
// are stored as parseable strings (matching the teacher's HttpTimeout
// convention) and exposed through accessor methods below.
type RsdosConfig struct {
	Broker              string `yaml:"broker"`
	Store               string `yaml:"store"`
	ProcessingGuarantee string `yaml:"processing_guarantee"`
	TopicPartitions     int    `yaml:"topic_partitions"`
	UpstreamTopic       string `yaml:"upstream_topic"`

	AttackMergeInterval string `yaml:"attack_merge_interval"`
	AttackTTL           string `yaml:"attack_ttl"`
	AttackConcurrency   int    `yaml:"attack_concurrency"`

	HostCacheInterval string `yaml:"host_cache_interval"`
	HostConcurrency   int    `yaml:"host_concurrency"`
	HostMaxNum        int    `yaml:"host_max_num"`
	HostCleanTimer    string `yaml:"host_clean_timer"`

	CrawlConcurrency     int      `yaml:"crawl_concurrency"`
	CrawlRetries         int      `yaml:"crawl_retries"`
	CrawlRetriesBackoff  string   `yaml:"crawl_retries_backoff"`
	CrawlRepeatInterval  string   `yaml:"crawl_repeat_interval"`
	CrawlRequestHeader   []string `yaml:"crawl_request_header"`
	CrawlRequestTimeout  string   `yaml:"crawl_request_timeout"`
	CrawlBodyMaxBytes    int64    `yaml:"crawl_body_max_bytes"`
	CrawlCacheInterval   string   `yaml:"crawl_cache_interval"`
	CrawlGetWaitTimer    string   `yaml:"crawl_get_wait_timer"`
	CrawlCleanTimer      string   `yaml:"crawl_clean_timer"`

	RetentionInterval string `yaml:"retention_interval"`

	DumpCron           string `yaml:"dump_cron"`
	DumpDir            string `yaml:"dump_dir"`
	DumpCompressLevel  int    `yaml:"dump_compress_level"`
	DumpCleanTimer     string `yaml:"dump_clean_timer"`

	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`

	Cassandra struct {
		Hosts    []string `yaml:"hosts"`
		Keyspace string   `yaml:"keyspace"`
		Timeout  string   `yaml:"timeout"`
	} `yaml:"cassandra"`

	Metrics struct {
		Port      int    `yaml:"port"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// SetDefaults resets Config to its documented defaults, regardless of any
// previously loaded file.
func SetDefaults() {
	Config = RsdosConfig{
		Broker:              "memory://",
		Store:               "memory://",
		ProcessingGuarantee: "at_least_once",
		TopicPartitions:     8,
		UpstreamTopic:       "attack_vector",

		AttackMergeInterval: "15s",
		AttackTTL:           "240s",
		AttackConcurrency:   10,

		HostCacheInterval: "86400s",
		HostConcurrency:   10,
		HostMaxNum:        10,
		HostCleanTimer:    "300s",

		CrawlConcurrency:    20,
		CrawlRetries:        3,
		CrawlRetriesBackoff: "5s",
		CrawlRepeatInterval: "60s",
		CrawlRequestHeader:  []string{"User-Agent: rsdos-crawler (+https://www.caida.org/projects/rsdos/)"},
		CrawlRequestTimeout: "10s",
		CrawlBodyMaxBytes:   2 * 1024 * 1024,
		CrawlCacheInterval:  "3600s",
		CrawlGetWaitTimer:   "5s",
		CrawlCleanTimer:     "300s",

		RetentionInterval: "604800s",

		DumpCron:          "*/10 * * * *",
		DumpDir:           "dumps",
		DumpCompressLevel: 6,
		DumpCleanTimer:    "3600s",
	}
	Config.Cassandra.Hosts = []string{"localhost"}
	Config.Cassandra.Keyspace = "rsdos_crawler"
	Config.Cassandra.Timeout = "2s"
	Config.Metrics.Port = 9090
	Config.Metrics.Namespace = "rsdos_crawler"
}

// Load reads Name as YAML into Config (starting from defaults), then
// applies RSDOS_-prefixed environment overrides, then validates.
func Load() error {
	SetDefaults()

	data, err := os.ReadFile(Name)
	if err != nil {
		if os.IsNotExist(err) {
			log4go.Info("Did not find config file %v, continuing with defaults", Name)
		} else {
			return fmt.Errorf("reading config file %v: %w", Name, err)
		}
	} else {
		Config.CrawlRequestHeader = nil // see NOTE below on sequence fields
		if err := yaml.Unmarshal(data, &Config); err != nil {
			return fmt.Errorf("unmarshaling yaml from %v: %w", Name, err)
		}
		// NOTE: like the teacher's go-yaml usage, Unmarshal appends to
		// slices rather than overwriting, so a nil'd-out default that
		// wasn't present in the file must be restored here.
		if len(Config.CrawlRequestHeader) == 0 {
			Config.CrawlRequestHeader = []string{"User-Agent: rsdos-crawler (+https://www.caida.org/projects/rsdos/)"}
		}
	}

	applyEnvOverrides(&Config)

	if err := assertInvariants(); err != nil {
		return err
	}
	log4go.Info("Loaded config file %v", Name)
	return nil
}

// envPrefix is prepended to a field's upper-cased yaml tag to form its
// override variable name, e.g. ATTACK_TTL -> RSDOS_ATTACK_TTL.
const envPrefix = "RSDOS_"

func applyEnvOverrides(cfg *RsdosConfig) {
	overrideString(&cfg.Broker, "BROKER")
	overrideString(&cfg.Store, "STORE")
	overrideString(&cfg.ProcessingGuarantee, "PROCESSING_GUARANTEE")
	overrideInt(&cfg.TopicPartitions, "TOPIC_PARTITIONS")
	overrideString(&cfg.UpstreamTopic, "UPSTREAM_TOPIC")

	overrideString(&cfg.AttackMergeInterval, "ATTACK_MERGE_INTERVAL")
	overrideString(&cfg.AttackTTL, "ATTACK_TTL")
	overrideInt(&cfg.AttackConcurrency, "ATTACK_CONCURRENCY")

	overrideString(&cfg.HostCacheInterval, "HOST_CACHE_INTERVAL")
	overrideInt(&cfg.HostConcurrency, "HOST_CONCURRENCY")
	overrideInt(&cfg.HostMaxNum, "HOST_MAX_NUM")
	overrideString(&cfg.HostCleanTimer, "HOST_CLEAN_TIMER")

	overrideInt(&cfg.CrawlConcurrency, "CRAWL_CONCURRENCY")
	overrideInt(&cfg.CrawlRetries, "CRAWL_RETRIES")
	overrideString(&cfg.CrawlRetriesBackoff, "CRAWL_RETRIES_BACKOFF")
	overrideString(&cfg.CrawlRepeatInterval, "CRAWL_REPEAT_INTERVAL")
	overrideString(&cfg.CrawlRequestTimeout, "CRAWL_REQUEST_TIMEOUT")
	overrideInt64(&cfg.CrawlBodyMaxBytes, "CRAWL_BODY_MAX_BYTES")
	overrideString(&cfg.CrawlCacheInterval, "CRAWL_CACHE_INTERVAL")
	overrideString(&cfg.CrawlGetWaitTimer, "CRAWL_GET_WAIT_TIMER")
	overrideString(&cfg.CrawlCleanTimer, "CRAWL_CLEAN_TIMER")

	overrideString(&cfg.RetentionInterval, "RETENTION_INTERVAL")

	overrideString(&cfg.DumpCron, "DUMP_CRON")
	overrideString(&cfg.DumpDir, "DUMP_DIR")
	overrideInt(&cfg.DumpCompressLevel, "DUMP_COMPRESS_LEVEL")
	overrideString(&cfg.DumpCleanTimer, "DUMP_CLEAN_TIMER")

	overrideString(&cfg.SlackToken, "SLACK_TOKEN")
	overrideString(&cfg.SlackChannel, "SLACK_CHANNEL")
}

func overrideString(dst *string, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = v
	}
}

func overrideInt(dst *int, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log4go.Warn("Ignoring invalid %v%v=%v: %v", envPrefix, name, v, err)
		}
	}
}

func overrideInt64(dst *int64, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		} else {
			log4go.Warn("Ignoring invalid %v%v=%v: %v", envPrefix, name, v, err)
		}
	}
}

func assertInvariants() error {
	var errs []string

	durationFields := map[string]string{
		"attack_merge_interval":  Config.AttackMergeInterval,
		"attack_ttl":             Config.AttackTTL,
		"host_cache_interval":    Config.HostCacheInterval,
		"host_clean_timer":       Config.HostCleanTimer,
		"crawl_retries_backoff":  Config.CrawlRetriesBackoff,
		"crawl_repeat_interval":  Config.CrawlRepeatInterval,
		"crawl_request_timeout":  Config.CrawlRequestTimeout,
		"crawl_cache_interval":   Config.CrawlCacheInterval,
		"crawl_get_wait_timer":   Config.CrawlGetWaitTimer,
		"crawl_clean_timer":      Config.CrawlCleanTimer,
		"retention_interval":     Config.RetentionInterval,
		"dump_clean_timer":       Config.DumpCleanTimer,
	}
	for name, value := range durationFields {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Sprintf("%v: failed to parse duration %q: %v", name, value, err))
		}
	}

	if Config.CrawlRetries < 0 {
		errs = append(errs, "crawl_retries must be >= 0")
	}
	if Config.HostMaxNum < 1 {
		errs = append(errs, "host_max_num must be >= 1")
	}
	if Config.TopicPartitions < 1 {
		errs = append(errs, "topic_partitions must be >= 1")
	}
	if Config.ProcessingGuarantee != "at_least_once" && Config.ProcessingGuarantee != "exactly_once" {
		errs = append(errs, "processing_guarantee must be at_least_once or exactly_once")
	}

	if len(errs) > 0 {
		for _, e := range errs {
			log4go.Error("Config error: %v", e)
		}
		return fmt.Errorf("config error:\n\t%v", strings.Join(errs, "\n\t"))
	}
	return nil
}

// helper accessors; panics mirror the teacher's own "config invariants
// already validated this at load time" assumption.

func mustParse(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: invalid duration %q (should have been caught by Load): %v", s, err))
	}
	return d
}

func (c RsdosConfig) AttackMergeIntervalDuration() time.Duration { return mustParse(c.AttackMergeInterval) }
func (c RsdosConfig) AttackTTLDuration() time.Duration           { return mustParse(c.AttackTTL) }
func (c RsdosConfig) HostCacheIntervalDuration() time.Duration   { return mustParse(c.HostCacheInterval) }
func (c RsdosConfig) HostCleanTimerDuration() time.Duration      { return mustParse(c.HostCleanTimer) }
func (c RsdosConfig) CrawlRetriesBackoffDuration() time.Duration { return mustParse(c.CrawlRetriesBackoff) }
func (c RsdosConfig) CrawlRepeatIntervalDuration() time.Duration { return mustParse(c.CrawlRepeatInterval) }
func (c RsdosConfig) CrawlRequestTimeoutDuration() time.Duration { return mustParse(c.CrawlRequestTimeout) }
func (c RsdosConfig) CrawlCacheIntervalDuration() time.Duration  { return mustParse(c.CrawlCacheInterval) }
func (c RsdosConfig) CrawlGetWaitTimerDuration() time.Duration   { return mustParse(c.CrawlGetWaitTimer) }
func (c RsdosConfig) CrawlCleanTimerDuration() time.Duration     { return mustParse(c.CrawlCleanTimer) }
func (c RsdosConfig) RetentionIntervalDuration() time.Duration   { return mustParse(c.RetentionInterval) }
func (c RsdosConfig) DumpCleanTimerDuration() time.Duration      { return mustParse(c.DumpCleanTimer) }
