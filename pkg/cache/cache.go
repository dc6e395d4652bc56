// Package cache persists the categorical snapshot and per-participant
// progress between runs, on top of a pluggable Storage.
//
// Every payload carries the schema version. A payload whose version does not
// match, or a snapshot older than the TTL, is purged on read and reported as
// absent.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/learnsync/learnsync/internal/codec"
	"github.com/learnsync/learnsync/pkg/clock"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/logger"
	"github.com/learnsync/learnsync/pkg/models"
)

// Snapshot is the categorical subset of the remote data.
type Snapshot struct {
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Topics    []models.Topic   `json:"topics"`
	Contents  []models.Content `json:"contents"`
	Lessons   []models.Lesson  `json:"lessons"`
}

// ProgressEntry is the locally persisted progress of one participant.
// Dirty means the entry holds writes the gateway has not confirmed yet.
type ProgressEntry struct {
	Version   string             `json:"version"`
	Code      string             `json:"code"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Dirty     bool               `json:"dirty"`
	Lessons   models.ProgressMap `json:"lessons"`
}

type Cache struct {
	storage Storage
	codec   codec.Codec
	clock   clock.Clock
	ttl     time.Duration
	version string
	log     logger.Logger
}

type Option func(*Cache)

func WithCodec(c codec.Codec) Option { return func(ca *Cache) { ca.codec = c } }

func WithClock(c clock.Clock) Option { return func(ca *Cache) { ca.clock = c } }

func WithTTL(ttl time.Duration) Option { return func(ca *Cache) { ca.ttl = ttl } }

func WithLogger(l logger.Logger) Option { return func(ca *Cache) { ca.log = l } }

// WithVersion overrides the schema version stamped on payloads.
func WithVersion(v string) Option { return func(ca *Cache) { ca.version = v } }

func New(storage Storage, opts ...Option) *Cache {
	c := &Cache{
		storage: storage,
		codec:   codec.NewCBOR(),
		clock:   clock.Real{},
		ttl:     constants.SnapshotTTL,
		version: constants.SchemaVersion,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Storage() Storage { return c.storage }

// Watcher returns the storage as a Watcher when it supports change feeds.
func (c *Cache) Watcher() (Watcher, bool) {
	w, ok := c.storage.(Watcher)
	return w, ok
}

// SaveSnapshot stamps the categorical data with the current time and version.
func (c *Cache) SaveSnapshot(ctx context.Context, topics []models.Topic, contents []models.Content, lessons []models.Lesson) error {
	snap := Snapshot{
		Version:   c.version,
		Timestamp: c.clock.Now(),
		Topics:    topics,
		Contents:  contents,
		Lessons:   lessons,
	}
	return c.put(ctx, constants.PublicCacheKey, snap)
}

// LoadSnapshot returns the snapshot when it is present and still valid.
func (c *Cache) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	var snap Snapshot
	ok, err := c.get(ctx, constants.PublicCacheKey, &snap)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if snap.Version != c.version || c.clock.Now().Sub(snap.Timestamp) >= c.ttl {
		c.log.Debug("purging stale snapshot", "version", snap.Version, "timestamp", snap.Timestamp)
		return Snapshot{}, false, c.storage.Delete(ctx, constants.PublicCacheKey)
	}
	return snap, true, nil
}

// InvalidateSnapshot removes the snapshot regardless of its age.
func (c *Cache) InvalidateSnapshot(ctx context.Context) error {
	return c.storage.Delete(ctx, constants.PublicCacheKey)
}

// ProgressKey is the storage key of the progress cache of code.
func ProgressKey(code string) string {
	return constants.ProgressCacheKeyPrefix + code
}

// CodeFromKey extracts the participant code from a progress cache key.
func CodeFromKey(key string) (string, bool) {
	code, ok := strings.CutPrefix(key, constants.ProgressCacheKeyPrefix)
	return code, ok && code != ""
}

func (c *Cache) SaveProgress(ctx context.Context, code string, lessons models.ProgressMap, dirty bool) error {
	entry := ProgressEntry{
		Version:   c.version,
		Code:      code,
		UpdatedAt: c.clock.Now(),
		Dirty:     dirty,
		Lessons:   lessons.Clone(),
	}
	return c.put(ctx, ProgressKey(code), entry)
}

// LoadProgress returns the cached progress of code. An entry written under
// another schema version is purged.
func (c *Cache) LoadProgress(ctx context.Context, code string) (ProgressEntry, bool, error) {
	var entry ProgressEntry
	ok, err := c.get(ctx, ProgressKey(code), &entry)
	if err != nil || !ok {
		return ProgressEntry{}, false, err
	}
	if entry.Version != c.version {
		return ProgressEntry{}, false, c.storage.Delete(ctx, ProgressKey(code))
	}
	if entry.Lessons == nil {
		entry.Lessons = models.ProgressMap{}
	}
	return entry, true, nil
}

// MarkClean clears the dirty flag of code's entry, if there is one.
func (c *Cache) MarkClean(ctx context.Context, code string) error {
	entry, ok, err := c.LoadProgress(ctx, code)
	if err != nil || !ok || !entry.Dirty {
		return err
	}
	entry.Dirty = false
	return c.put(ctx, ProgressKey(code), entry)
}

func (c *Cache) DeleteProgress(ctx context.Context, code string) error {
	return c.storage.Delete(ctx, ProgressKey(code))
}

// DirtyCodes scans the progress entries and lists the codes still holding
// unconfirmed writes.
func (c *Cache) DirtyCodes(ctx context.Context) ([]string, error) {
	keys, err := c.storage.Keys(ctx, constants.ProgressCacheKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan progress keys: %w", err)
	}
	var codes []string
	for _, key := range keys {
		code, ok := CodeFromKey(key)
		if !ok {
			continue
		}
		entry, ok, err := c.LoadProgress(ctx, code)
		if err != nil {
			c.log.Warn("unreadable progress entry", "key", key, "error", err)
			continue
		}
		if ok && entry.Dirty {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func (c *Cache) put(ctx context.Context, key string, v any) error {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.storage.Set(ctx, key, data)
}

// get decodes the entry under key. An undecodable entry is purged and
// reported as absent.
func (c *Cache) get(ctx context.Context, key string, dst any) (bool, error) {
	data, ok, err := c.storage.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := c.codec.Unmarshal(data, dst); err != nil {
		c.log.Warn("purging undecodable cache entry", "key", key, "error", err)
		return false, c.storage.Delete(ctx, key)
	}
	return true, nil
}
