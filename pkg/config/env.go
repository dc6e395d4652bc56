package config

import "os"

// Environment variables that override the file configuration.
const (
	EnvGatewayURL   = "LEARNSYNC_GATEWAY_URL"
	EnvSecret       = "LEARNSYNC_SECRET"
	EnvCacheDir     = "LEARNSYNC_CACHE_DIR"
	EnvCacheBackend = "LEARNSYNC_CACHE_BACKEND"
	EnvRedisAddr    = "LEARNSYNC_REDIS_ADDR"
	EnvLogLevel     = "LEARNSYNC_LOG_LEVEL"
)

func GetEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}

// ApplyEnv overrides the fields that have a non-empty environment variable.
func (c *Config) ApplyEnv() {
	c.Gateway.URL = GetEnvOrDefault(EnvGatewayURL, c.Gateway.URL)
	c.Gateway.Secret = GetEnvOrDefault(EnvSecret, c.Gateway.Secret)
	c.Cache.Dir = GetEnvOrDefault(EnvCacheDir, c.Cache.Dir)
	c.Cache.Backend = Backend(GetEnvOrDefault(EnvCacheBackend, string(c.Cache.Backend)))
	c.Cache.RedisAddr = GetEnvOrDefault(EnvRedisAddr, c.Cache.RedisAddr)
	c.Log.Level = GetEnvOrDefault(EnvLogLevel, c.Log.Level)
}
