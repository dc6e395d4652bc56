package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/pkg/constants"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "learnsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_defaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, constants.DefaultDebounce, cfg.Sync.Debounce.Std())
	assert.Equal(t, constants.SnapshotTTL, cfg.Cache.TTL.Std())
	assert.False(t, cfg.Configured())
}

func TestLoad_fileOverDefaults(t *testing.T) {
	path := writeFile(t, `
gateway:
  url: https://script.example.com/exec
  secret: abc
  timeout: 10s
cache:
  backend: sqlite
  dir: /var/lib/learnsync
  codec: json
sync:
  debounce: 500ms
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Configured())
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout.Std())
	assert.Equal(t, BackendSQLite, cfg.Cache.Backend)
	assert.Equal(t, "/var/lib/learnsync/learnsync.db", cfg.SQLiteFile())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Debounce.Std())
	assert.Equal(t, constants.DefaultBackgroundDelay, cfg.Sync.BackgroundDelay.Std(), "unset keys keep their default")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_environmentWins(t *testing.T) {
	path := writeFile(t, "gateway:\n  url: https://file.example.com\n  secret: file\n")
	t.Setenv(EnvGatewayURL, "https://env.example.com")
	t.Setenv(EnvSecret, "env")
	t.Setenv(EnvCacheBackend, "redis")
	t.Setenv(EnvRedisAddr, "localhost:6379")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Gateway.URL)
	assert.Equal(t, "env", cfg.Gateway.Secret)
	assert.Equal(t, BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "sync:\n  debounce: soon\n"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"bad url", func(c *Config) { c.Gateway.URL = "ftp://x" }, "gateway.url"},
		{"file without dir", func(c *Config) { c.Cache.Backend = BackendFile }, "cache.dir"},
		{"redis without addr", func(c *Config) { c.Cache.Backend = BackendRedis }, "cache.redis_addr"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "etcd" }, "unknown cache.backend"},
		{"unknown codec", func(c *Config) { c.Cache.Codec = "xml" }, "unknown cache.codec"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl"},
		{"negative debounce", func(c *Config) { c.Sync.Debounce = Duration(-time.Second) }, "sync delays"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.msg)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("LEARNSYNC_TEST_VALUE", "")
	assert.Equal(t, "fallback", GetEnvOrDefault("LEARNSYNC_TEST_VALUE", "fallback"))
	t.Setenv("LEARNSYNC_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnvOrDefault("LEARNSYNC_TEST_VALUE", "fallback"))
}
