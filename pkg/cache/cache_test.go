package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/codec"
	"github.com/learnsync/learnsync/internal/fakeclock"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/models"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func storages(t *testing.T) map[string]Storage {
	t.Helper()

	fileStorage, err := NewFileStorage(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	sqlStorage, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStorage.Close() })

	all := map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   fileStorage,
		"sqlite": sqlStorage,
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisStorage, err := DialRedis(context.Background(), addr, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = redisStorage.Close() })
		all["redis"] = redisStorage
	}
	return all
}

func TestStorage_roundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			prefix := "test:" + name + ":"
			_, ok, err := s.Get(ctx, prefix+"missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, prefix+"a", []byte("one")))
			require.NoError(t, s.Set(ctx, prefix+"a", []byte("two")))
			require.NoError(t, s.Set(ctx, prefix+"b_x", []byte("three")))
			require.NoError(t, s.Set(ctx, "other:c", []byte("four")))

			v, ok, err := s.Get(ctx, prefix+"a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(v))

			keys, err := s.Keys(ctx, prefix)
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{prefix + "a", prefix + "b_x"}, keys)

			require.NoError(t, s.Delete(ctx, prefix+"a"))
			require.NoError(t, s.Delete(ctx, prefix+"a"), "deleting a missing key is not an error")
			_, ok, err = s.Get(ctx, prefix+"a")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Delete(ctx, prefix+"b_x"))
			require.NoError(t, s.Delete(ctx, "other:c"))
		})
	}
}

func TestSQLStorage_likeWildcardsInPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "a_b", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb", []byte("2")))
	keys, err := s.Keys(ctx, "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)
}

func TestSnapshot_expiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clk := fakeclock.New(epoch)
	storage := NewMemoryStorage()
	c := New(storage, WithClock(clk))

	require.NoError(t, c.SaveSnapshot(ctx, []models.Topic{{ID: "t1", Title: "Intro"}}, nil, nil))

	clk.Advance(constants.SnapshotTTL - time.Second)
	snap, ok, err := c.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Topics, 1)
	assert.Equal(t, "Intro", snap.Topics[0].Title)
	assert.True(t, epoch.Equal(snap.Timestamp))

	clk.Advance(time.Second)
	_, ok, err = c.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, present, err := storage.Get(ctx, constants.PublicCacheKey)
	require.NoError(t, err)
	assert.False(t, present, "an expired snapshot is purged")
}

func TestSnapshot_versionMismatchIsPurged(t *testing.T) {
	ctx := context.Background()
	clk := fakeclock.New(epoch)
	storage := NewMemoryStorage()

	old := New(storage, WithClock(clk), WithVersion("learnsync-v2"))
	require.NoError(t, old.SaveSnapshot(ctx, nil, nil, nil))

	_, ok, err := New(storage, WithClock(clk)).LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, present, _ := storage.Get(ctx, constants.PublicCacheKey)
	assert.False(t, present)
}

func TestSnapshot_garbageIsPurged(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(ctx, constants.PublicCacheKey, []byte{0xff, 0x00, 0x13}))

	_, ok, err := New(storage).LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, present, _ := storage.Get(ctx, constants.PublicCacheKey)
	assert.False(t, present)
}

func TestProgress_lifecycle(t *testing.T) {
	ctx := context.Background()
	for _, cd := range []codec.Codec{codec.NewCBOR(), codec.NewJSON()} {
		t.Run(cd.Name(), func(t *testing.T) {
			clk := fakeclock.New(epoch)
			c := New(NewMemoryStorage(), WithClock(clk), WithCodec(cd))

			updated := epoch.Add(-time.Minute)
			lessons := models.ProgressMap{
				"L1": {ParticipantID: "ABC234", LessonID: "L1", LastPosition: 42.5, Duration: 100, UpdatedAt: updated},
			}
			require.NoError(t, c.SaveProgress(ctx, "ABC234", lessons, true))
			require.NoError(t, c.SaveProgress(ctx, "XYZ789", models.ProgressMap{}, false))

			entry, ok, err := c.LoadProgress(ctx, "ABC234")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, entry.Dirty)
			assert.Equal(t, 42.5, entry.Lessons["L1"].LastPosition)
			assert.True(t, updated.Equal(entry.Lessons["L1"].UpdatedAt))

			codes, err := c.DirtyCodes(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"ABC234"}, codes)

			require.NoError(t, c.MarkClean(ctx, "ABC234"))
			codes, err = c.DirtyCodes(ctx)
			require.NoError(t, err)
			assert.Empty(t, codes)

			require.NoError(t, c.DeleteProgress(ctx, "ABC234"))
			_, ok, err = c.LoadProgress(ctx, "ABC234")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestProgress_markCleanWithoutEntry(t *testing.T) {
	c := New(NewMemoryStorage())
	assert.NoError(t, c.MarkClean(context.Background(), "NOPE22"))
}

func TestCodeFromKey(t *testing.T) {
	code, ok := CodeFromKey(ProgressKey("ABC234"))
	assert.True(t, ok)
	assert.Equal(t, "ABC234", code)

	_, ok = CodeFromKey(constants.PublicCacheKey)
	assert.False(t, ok)
	_, ok = CodeFromKey(constants.ProgressCacheKeyPrefix)
	assert.False(t, ok)
}

func TestMemoryStorage_watchSeesOtherTabsOnly(t *testing.T) {
	ctx := context.Background()
	first := NewMemoryStorage()
	second := first.Tab()

	var seen []Change
	stop, err := first.Watch(ctx, func(c Change) { seen = append(seen, c) })
	require.NoError(t, err)

	require.NoError(t, first.Set(ctx, "k", []byte("own write")))
	assert.Empty(t, seen)

	require.NoError(t, second.Set(ctx, "k", []byte("foreign write")))
	require.NoError(t, second.Delete(ctx, "k"))
	require.NoError(t, second.Delete(ctx, "k"))
	assert.Equal(t, []Change{{Key: "k"}, {Key: "k", Deleted: true}}, seen)

	v, ok, _ := first.Get(ctx, "missing")
	assert.Nil(t, v)
	assert.False(t, ok)

	stop()
	stop()
	require.NoError(t, second.Set(ctx, "k", []byte("after stop")))
	assert.Len(t, seen, 2)
}

func receiveChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no change notice arrived")
		return Change{}
	}
}

func TestRedisStorage_watchSeesOtherProcessesOnly(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	channel := "learnsync:test:" + uuid.Must(uuid.NewV4()).String()
	key := channel + ":k"
	first := NewRedisStorage(rdb, channel, nil)
	second := NewRedisStorage(rdb, channel, nil)
	t.Cleanup(func() { _ = rdb.Del(context.Background(), key, key+"-end", key+"-after").Err() })

	seen := make(chan Change, 16)
	stop, err := first.Watch(ctx, func(c Change) { seen <- c })
	require.NoError(t, err)

	require.NoError(t, first.Set(ctx, key, []byte("own write")))
	require.NoError(t, rdb.Publish(ctx, channel, "not a notice").Err())
	require.NoError(t, second.Set(ctx, key, []byte("foreign write")))
	require.NoError(t, second.Delete(ctx, key))
	require.NoError(t, second.Delete(ctx, key), "deleting a missing key announces nothing")
	require.NoError(t, second.Set(ctx, key+"-end", []byte("last")))

	assert.Equal(t, Change{Key: key}, receiveChange(t, seen))
	assert.Equal(t, Change{Key: key, Deleted: true}, receiveChange(t, seen))
	assert.Equal(t, Change{Key: key + "-end"}, receiveChange(t, seen))

	stop()
	stop()
	require.NoError(t, second.Set(ctx, key+"-after", []byte("after stop")))
	select {
	case c := <-seen:
		t.Fatalf("notice after stop: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisStorage_watchEndsWithContext(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStorage(rdb, "learnsync:test:"+uuid.Must(uuid.NewV4()).String(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := s.Watch(ctx, func(Change) {})
	require.NoError(t, err)
	cancel()

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not end with its context")
	}

	_, err = s.Watch(context.Background(), nil)
	assert.Error(t, err)
}

func TestCache_watcherAvailability(t *testing.T) {
	_, ok := New(NewMemoryStorage()).Watcher()
	assert.True(t, ok)

	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	_, ok = New(fs).Watcher()
	assert.False(t, ok)
}
