package learnsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/learnsync/learnsync/internal/codec"
	"github.com/learnsync/learnsync/pkg/cache"
	"github.com/learnsync/learnsync/pkg/clock"
	"github.com/learnsync/learnsync/pkg/config"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/gateway"
	"github.com/learnsync/learnsync/pkg/hydrate"
	"github.com/learnsync/learnsync/pkg/logger"
	"github.com/learnsync/learnsync/pkg/models"
	"github.com/learnsync/learnsync/pkg/store"
	"github.com/learnsync/learnsync/pkg/syncer"
)

// Config is the full client configuration, see package config.
type Config = config.Config

type options struct {
	clock      clock.Clock
	log        logger.Logger
	storage    cache.Storage
	httpClient *http.Client
}

type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger replaces the zerolog logger built from Config.Log.
func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

// WithStorage bypasses Config.Cache.Backend and caches into s.
func WithStorage(s cache.Storage) Option { return func(o *options) { o.storage = s } }

func WithHTTPClient(h *http.Client) Option { return func(o *options) { o.httpClient = h } }

// Client is the entry point for applications: it owns the store, keeps it in
// sync with the gateway, and exposes the operations a UI needs.
//
// Writes apply to the store first. Participant writes reach the gateway
// through the debounced synchronizer; every other write is confirmed right
// away and, when the gateway rejects it, a background sync brings the store
// back to the gateway's state.
type Client struct {
	cfg    Config
	log    logger.Logger
	clock  clock.Clock
	store  *store.Store
	remote *gateway.Client
	cache  *cache.Cache
	sync   *syncer.Synchronizer
	hyd    *hydrate.Orchestrator

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()
	closers   []func() error

	mu     sync.Mutex
	closed bool
	user   *models.User
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, clock: o.clock, store: store.New()}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.log = o.log
	if c.log == nil {
		ld, err := logger.New().FromPath(cfg.Log.Path).WithLevel(cfg.Log.Level).Make()
		if err != nil {
			c.cancel()
			return nil, fmt.Errorf("open log: %w", err)
		}
		c.log = ld
		c.closers = append(c.closers, ld.Close)
	}

	storage := o.storage
	if storage == nil {
		s, closer, err := openStorage(c.ctx, cfg, c.log)
		if err != nil {
			c.cancel()
			c.closeAll()
			return nil, err
		}
		storage = s
		if closer != nil {
			c.closers = append(c.closers, closer)
		}
	}

	c.cache = cache.New(storage,
		cache.WithCodec(codec.ByName(cfg.Cache.Codec)),
		cache.WithClock(c.clock),
		cache.WithTTL(cfg.Cache.TTL.Std()),
		cache.WithLogger(c.log),
	)

	gwOpts := []gateway.Option{gateway.WithLogger(c.log)}
	if o.httpClient != nil {
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	}
	c.remote = gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		Secret:  cfg.Gateway.Secret,
		Timeout: cfg.Gateway.Timeout.Std(),
	}, gwOpts...)

	syncOpts := []syncer.Option{
		syncer.WithClock(c.clock),
		syncer.WithDebounce(cfg.Sync.Debounce.Std()),
		syncer.WithLogger(c.log),
		syncer.WithMarker(c.cache),
	}
	if cfg.Sync.Retry {
		syncOpts = append(syncOpts, syncer.WithRetryer(syncer.NewBackoffRetryer()))
	}
	c.sync = syncer.New(c.store.Participants, c.remote, syncOpts...)

	c.hyd = hydrate.New(c.store, c.remote,
		hydrate.WithCache(c.cache),
		hydrate.WithTracker(c.sync),
		hydrate.WithClock(c.clock),
		hydrate.WithLogger(c.log),
		hydrate.WithBackgroundDelay(cfg.Sync.BackgroundDelay.Std()),
	)

	if w, ok := c.cache.Watcher(); ok {
		stop, err := w.Watch(c.ctx, c.onCacheChange)
		if err != nil {
			c.log.Warn("cache change notifications unavailable", "error", err)
		} else {
			c.stopWatch = stop
		}
	}

	if !c.remote.Configured() {
		c.log.Info("gateway not configured, running offline")
	}
	return c, nil
}

func openStorage(ctx context.Context, cfg Config, log logger.Logger) (cache.Storage, func() error, error) {
	switch cfg.Cache.Backend {
	case config.BackendFile:
		s, err := cache.NewFileStorage(cfg.Cache.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file cache: %w", err)
		}
		return s, nil, nil
	case config.BackendSQLite:
		s, err := cache.OpenSQLite(cfg.SQLiteFile())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return s, s.Close, nil
	case config.BackendRedis:
		s, err := cache.DialRedis(ctx, cfg.Cache.RedisAddr, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis cache: %w", err)
		}
		return s, s.Close, nil
	default:
		return cache.NewMemoryStorage(), nil, nil
	}
}

// Store exposes the reactive store for reads and subscriptions. Writes must
// go through the Client so they reach the gateway.
func (c *Client) Store() *store.Store { return c.store }

// Configured reports whether a gateway is set up.
func (c *Client) Configured() bool { return c.remote.Configured() }

func (c *Client) Status() hydrate.Status { return c.hyd.Status() }

func (c *Client) SubscribeStatus(fn func(hydrate.Status)) (unsubscribe func()) {
	return c.hyd.Subscribe(fn)
}

func (c *Client) SubscribeTopics(fn func([]models.Topic)) (unsubscribe func()) {
	return c.store.Topics.Subscribe(fn)
}

func (c *Client) SubscribeContents(fn func([]models.Content)) (unsubscribe func()) {
	return c.store.Contents.Subscribe(fn)
}

func (c *Client) SubscribeLessons(fn func([]models.Lesson)) (unsubscribe func()) {
	return c.store.Lessons.Subscribe(fn)
}

func (c *Client) SubscribeUsers(fn func([]models.User)) (unsubscribe func()) {
	return c.store.Users.Subscribe(fn)
}

func (c *Client) SubscribeParticipants(fn func([]models.Participant)) (unsubscribe func()) {
	return c.store.Participants.Subscribe(fn)
}

func (c *Client) SubscribePages(fn func([]models.CustomPage)) (unsubscribe func()) {
	return c.store.Pages.Subscribe(fn)
}

func (c *Client) SubscribeFields(fn func([]models.CustomField)) (unsubscribe func()) {
	return c.store.Fields.Subscribe(fn)
}

func (c *Client) SubscribeValues(fn func([]models.CustomValue)) (unsubscribe func()) {
	return c.store.Values.Subscribe(fn)
}

// Dirty lists the participants with writes the gateway has not confirmed.
func (c *Client) Dirty() []string { return c.sync.Dirty() }

// Boot paints from the local cache, resumes unconfirmed progress, and
// hydrates from the gateway.
func (c *Client) Boot(ctx context.Context) (hydrate.Report, error) {
	if err := c.checkOpen(); err != nil {
		return hydrate.Report{}, err
	}
	rep, err := c.hyd.Boot(ctx)
	return rep, wrap(err, "hydration failed")
}

// Hydrate refreshes the store from the gateway, blocking until done.
func (c *Client) Hydrate(ctx context.Context) (hydrate.Report, error) {
	if err := c.checkOpen(); err != nil {
		return hydrate.Report{}, err
	}
	rep, err := c.hyd.Hydrate(ctx)
	return rep, wrap(err, "hydration failed")
}

// Flush pushes pending participant writes now.
func (c *Client) Flush(ctx context.Context) error {
	return wrap(c.sync.Flush(ctx), "flush failed")
}

// Close flushes what is pending and releases timers, watchers and storage.
// The client is unusable afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hyd.Stop()
	flushErr := c.sync.Close(ctx)
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.cancel()
	return errors.Join(wrap(flushErr, "final flush failed"), c.closeAll())
}

func (c *Client) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wrap(constants.ErrClosed, "client is closed")
	}
	return nil
}

// commit confirms a local change with the gateway. A rejection schedules a
// background sync so the store converges back to the gateway's state.
func (c *Client) commit(ctx context.Context, what string, call func(context.Context) error) error {
	if err := call(ctx); err != nil {
		c.log.Warn("gateway rejected a local change", "op", what, "error", err)
		c.hyd.BackgroundSync(c.ctx)
		return wrap(err, what+" was not confirmed by the gateway")
	}
	return nil
}

// onCacheChange merges progress written by another process or tab sharing
// the cache into the local participant.
func (c *Client) onCacheChange(ch cache.Change) {
	code, ok := cache.CodeFromKey(ch.Key)
	if !ok || ch.Deleted {
		return
	}
	entry, ok, err := c.cache.LoadProgress(c.ctx, code)
	if err != nil {
		c.log.Warn("could not read foreign progress", "code", code, "error", err)
		return
	}
	if !ok {
		return
	}
	_, err = c.store.Participants.Patch(code, func(p *models.Participant) error {
		p.LessonProgress = syncer.Merge(p.LessonProgress, entry.Lessons)
		*p = p.Normalize()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn("could not merge foreign progress", "code", code, "error", err)
		return
	}
	c.log.Debug("merged foreign progress", "code", code)
}
