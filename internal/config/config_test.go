package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	Name = filepath.Join(t.TempDir(), "does-not-exist.yaml")
	require.NoError(t, Load())
	assert.Equal(t, "at_least_once", Config.ProcessingGuarantee)
	assert.Equal(t, 3, Config.CrawlRetries)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rsdos-crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
attack_ttl: "120s"
crawl_retries: 5
`), 0o600))

	Name = path
	require.NoError(t, Load())
	assert.Equal(t, "120s", Config.AttackTTL)
	assert.Equal(t, 5, Config.CrawlRetries)
	// fields not set in the file keep their defaults
	assert.Equal(t, 10, Config.HostMaxNum)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsdos-crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
attack_ttl: "120s"
crawl_retries: 5
`), 0o600))
	Name = path
	t.Setenv("RSDOS_ATTACK_TTL", "999s")
	t.Setenv("RSDOS_CRAWL_RETRIES", "7")

	require.NoError(t, Load())
	assert.Equal(t, "999s", Config.AttackTTL)
	assert.Equal(t, 7, Config.CrawlRetries)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rsdos-crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`attack_ttl: "not-a-duration"`), 0o600))

	Name = path
	err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attack_ttl")
}

func TestLoadRejectsBadProcessingGuarantee(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rsdos-crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`processing_guarantee: "sometimes"`), 0o600))

	Name = path
	err := Load()
	require.Error(t, err)
}

func TestDurationAccessors(t *testing.T) {
	SetDefaults()
	assert.Equal(t, int64(3), int64(Config.CrawlRetries))
	assert.Greater(t, Config.AttackTTLDuration().Seconds(), 0.0)
}
