package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/learnsync/learnsync/pkg/logger"
)

const (
	DefaultRedisChannel = "learnsync:changes"
	redisScanCount      = 100
	redisDialTimeout    = 5 * time.Second
)

// RedisStorage keeps entries in redis and announces every write on a pub/sub
// channel so other processes sharing the server can react to it.
type RedisStorage struct {
	rdb     *goredis.Client
	channel string
	origin  string
	log     logger.Logger
}

type redisNotice struct {
	Origin string `json:"origin"`
	Change
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr string, log logger.Logger) (*RedisStorage, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: redisDialTimeout,
	})
	ctx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStorage(rdb, DefaultRedisChannel, log), nil
}

func NewRedisStorage(rdb *goredis.Client, channel string, log logger.Logger) *RedisStorage {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisStorage{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.Must(uuid.NewV4()).String(),
		log:     log,
	}
}

func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return err
	}
	return r.announce(ctx, Change{Key: key})
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	n, err := r.rdb.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return r.announce(ctx, Change{Key: key, Deleted: true})
}

func (r *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *RedisStorage) announce(ctx context.Context, c Change) error {
	raw, err := json.Marshal(redisNotice{Origin: r.origin, Change: c})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Warn("redis publish failed", "key", c.Key, "error", err)
	}
	return nil
}

// Watch subscribes to the change channel and forwards notices written by
// other RedisStorage instances. It returns once the subscription is live.
// stop waits for the forwarding goroutine to exit, so fn is never called
// after it returns; fn must not call stop itself.
func (r *RedisStorage) Watch(ctx context.Context, fn func(Change)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("watch callback required")
	}
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-done:
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var notice redisNotice
				if err := json.Unmarshal([]byte(m.Payload), &notice); err != nil {
					r.log.Warn("bad redis change payload", "error", err)
					continue
				}
				if notice.Origin == r.origin {
					continue
				}
				fn(notice.Change)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}, nil
}

func (r *RedisStorage) Close() error {
	return r.rdb.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
