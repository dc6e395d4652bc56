// Package config loads the learnsync configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/learnsync/learnsync/pkg/constants"
)

// Backend selects the Storage behind the cache.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type Gateway struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

type Cache struct {
	Backend Backend `yaml:"backend"`
	// Dir holds the file backend entries and the default sqlite database.
	Dir          string   `yaml:"dir"`
	SQLitePath   string   `yaml:"sqlite_path"`
	RedisAddr    string   `yaml:"redis_addr"`
	RedisChannel string   `yaml:"redis_channel"`
	Codec        string   `yaml:"codec"`
	TTL          Duration `yaml:"ttl"`
}

type Sync struct {
	Debounce        Duration `yaml:"debounce"`
	BackgroundDelay Duration `yaml:"background_delay"`
	Retry           bool     `yaml:"retry"`
}

type Log struct {
	Level string `yaml:"level"`
	// Path is a log file; empty logs to stderr.
	Path string `yaml:"path"`
}

type Config struct {
	Gateway Gateway `yaml:"gateway"`
	Cache   Cache   `yaml:"cache"`
	Sync    Sync    `yaml:"sync"`
	Log     Log     `yaml:"log"`
}

func Default() Config {
	return Config{
		Gateway: Gateway{Timeout: Duration(constants.DefaultHTTPTimeout)},
		Cache: Cache{
			Backend: BackendMemory,
			Codec:   "cbor",
			TTL:     Duration(constants.SnapshotTTL),
		},
		Sync: Sync{
			Debounce:        Duration(constants.DefaultDebounce),
			BackgroundDelay: Duration(constants.DefaultBackgroundDelay),
			Retry:           true,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults and applies the environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// Configured reports whether the gateway settings are complete. An
// unconfigured gateway runs the client offline.
func (c Config) Configured() bool {
	return c.Gateway.URL != "" && c.Gateway.Secret != ""
}

// SQLiteFile is the sqlite database path, defaulting into the cache dir.
func (c Config) SQLiteFile() string {
	if c.Cache.SQLitePath != "" {
		return c.Cache.SQLitePath
	}
	return filepath.Join(c.Cache.Dir, "learnsync.db")
}

func (c Config) Validate() error {
	var errs []error
	if c.Gateway.URL != "" {
		u, err := url.Parse(c.Gateway.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("gateway.url %q is not an http(s) URL", c.Gateway.URL))
		}
	}
	if c.Gateway.Timeout < 0 {
		errs = append(errs, errors.New("gateway.timeout must not be negative"))
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required by the file backend"))
		}
	case BackendSQLite:
		if c.Cache.Dir == "" && c.Cache.SQLitePath == "" {
			errs = append(errs, errors.New("cache.dir or cache.sqlite_path is required by the sqlite backend"))
		}
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required by the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	switch c.Cache.Codec {
	case "", "cbor", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.codec %q", c.Cache.Codec))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Sync.Debounce < 0 || c.Sync.BackgroundDelay < 0 {
		errs = append(errs, errors.New("sync delays must not be negative"))
	}
	return errors.Join(errs...)
}
