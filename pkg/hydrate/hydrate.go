// Package hydrate replaces the local store with the gateway's dump while
// keeping the progress writes the gateway has not seen yet.
//
// A hydration either applies completely or not at all: the dump is fetched
// and normalized before the store is touched, so a network or parse failure
// leaves every collection as it was.
package hydrate

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/learnsync/learnsync/pkg/cache"
	"github.com/learnsync/learnsync/pkg/clock"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/gateway"
	"github.com/learnsync/learnsync/pkg/logger"
	"github.com/learnsync/learnsync/pkg/models"
	"github.com/learnsync/learnsync/pkg/store"
	"github.com/learnsync/learnsync/pkg/syncer"
)

// cacheReadConcurrency bounds the parallel progress cache reads of one run.
const cacheReadConcurrency = 8

// Remote is the part of the gateway a hydration needs. *gateway.Client
// satisfies it.
type Remote interface {
	Configured() bool
	Dump(ctx context.Context) (gateway.Dump, []string, error)
}

// Tracker knows which participants hold unconfirmed writes.
// *syncer.Synchronizer satisfies it.
type Tracker interface {
	Dirty() []string
	IsDirty(code string) bool
	Restore(codes ...string)
	Forget(code string)
}

// Status is the loading indicator shown while a blocking hydration runs.
type Status struct {
	Loading     bool
	LastError   error
	LastSuccess time.Time
}

// Report describes what a hydration skipped. Dropped counts rows without a
// primary key per table; Skipped lists the tables or rows the gateway sent
// in a shape that could not be decoded at all.
type Report struct {
	Dropped map[string]int
	Skipped []string
	Applied []string
}

type Orchestrator struct {
	store   *store.Store
	remote  Remote
	cache   *cache.Cache
	tracker Tracker
	clock   clock.Clock
	delay   time.Duration
	log     logger.Logger

	group singleflight.Group

	mu        sync.Mutex
	status    Status
	loading   int
	listeners map[int]func(Status)
	nextID    int
	bgTimer   clock.Timer
	stopped   bool
}

type Option func(*Orchestrator)

// WithCache enables the snapshot paint at boot and the progress cache merge.
func WithCache(c *cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

func WithTracker(t Tracker) Option { return func(o *Orchestrator) { o.tracker = t } }

func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithLogger(l logger.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithBackgroundDelay sets how long BackgroundSync waits before fetching.
func WithBackgroundDelay(d time.Duration) Option { return func(o *Orchestrator) { o.delay = d } }

func New(s *store.Store, remote Remote, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		remote:    remote,
		clock:     clock.Real{},
		delay:     constants.DefaultBackgroundDelay,
		log:       logger.Nop(),
		listeners: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Subscribe calls fn with the current status and on every change after it.
func (o *Orchestrator) Subscribe(fn func(Status)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	current := o.status
	o.mu.Unlock()

	fn(current)
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) update(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	current := o.status
	listeners := make([]func(Status), 0, len(o.listeners))
	for _, l := range o.listeners {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()

	for _, l := range listeners {
		l(current)
	}
}

// Hydrate fetches the dump and applies it to the store, blocking until it is
// done. Concurrent callers share one fetch. With the gateway unconfigured it
// does nothing.
func (o *Orchestrator) Hydrate(ctx context.Context) (Report, error) {
	if !o.remote.Configured() {
		return Report{}, nil
	}

	o.update(func(s *Status) {
		o.loading++
		s.Loading = true
	})
	rep, err := o.do(ctx)
	o.update(func(s *Status) {
		o.loading--
		s.Loading = o.loading > 0
		s.LastError = err
		if err == nil {
			s.LastSuccess = o.clock.Now()
		}
	})
	return rep, err
}

func (o *Orchestrator) do(ctx context.Context) (Report, error) {
	v, err, shared := o.group.Do("hydrate", func() (any, error) {
		return o.hydrate(ctx)
	})
	if shared {
		o.log.Debug("joined a running hydration")
	}
	rep, _ := v.(Report)
	return rep, err
}

// BackgroundSync schedules a silent hydration after the background delay.
// A call while one is pending restarts the delay. Failures are only logged.
func (o *Orchestrator) BackgroundSync(ctx context.Context) {
	if !o.remote.Configured() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	if o.bgTimer != nil {
		o.bgTimer.Stop()
	}
	var t clock.Timer
	t = o.clock.AfterFunc(o.delay, func() {
		o.mu.Lock()
		if o.bgTimer == t {
			o.bgTimer = nil
		}
		o.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := o.do(ctx); err != nil {
			o.log.Warn("background sync failed", "error", err)
			return
		}
		o.update(func(s *Status) { s.LastSuccess = o.clock.Now() })
	})
	o.bgTimer = t
}

// Stop cancels a pending background sync and refuses new ones.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.bgTimer != nil {
		o.bgTimer.Stop()
		o.bgTimer = nil
	}
}

// Boot paints the catalog from a valid snapshot, hands the codes left dirty
// by an earlier run back to the tracker, then hydrates.
func (o *Orchestrator) Boot(ctx context.Context) (Report, error) {
	if o.cache != nil {
		snap, ok, err := o.cache.LoadSnapshot(ctx)
		switch {
		case err != nil:
			o.log.Warn("could not read snapshot cache", "error", err)
		case ok:
			o.store.Topics.Replace(snap.Topics)
			o.store.Contents.Replace(snap.Contents)
			o.store.Lessons.Replace(snap.Lessons)
			o.log.Debug("painted catalog from snapshot", "topics", len(snap.Topics), "lessons", len(snap.Lessons))
		}

		codes, err := o.cache.DirtyCodes(ctx)
		if err != nil {
			o.log.Warn("could not list unconfirmed progress", "error", err)
		} else if len(codes) > 0 && o.tracker != nil {
			o.log.Info("restoring unconfirmed progress", "participants", len(codes))
			o.tracker.Restore(codes...)
		}
	}
	return o.Hydrate(ctx)
}

func (o *Orchestrator) hydrate(ctx context.Context) (Report, error) {
	dump, skipped, err := o.remote.Dump(ctx)
	if err != nil {
		return Report{}, err
	}

	n := newNormalizer()
	rep := Report{Skipped: skipped}

	topics, hasTopics := dump[constants.TableTopics]
	contents, hasContents := dump[constants.TableContents]
	lessons, hasLessons := dump[constants.TableLessons]
	users, hasUsers := dump[constants.TableUsers]
	pages, hasPages := dump[constants.TablePages]
	fields, hasFields := dump[constants.TableFields]
	values, hasValues := dump[constants.TableValues]
	participants, hasParticipants := dump[constants.TableParticipants]

	var (
		topicRecs   = normalizeRows(n, constants.TableTopics, topics, toTopic)
		contentRecs = normalizeRows(n, constants.TableContents, contents, toContent)
		lessonRecs  = normalizeRows(n, constants.TableLessons, lessons, toLesson)
		userRecs    = normalizeRows(n, constants.TableUsers, users, toUser)
		pageRecs    = normalizeRows(n, constants.TablePages, pages, toPage)
		fieldRecs   = normalizeRows(n, constants.TableFields, fields, toField)
		valueRecs   = normalizeRows(n, constants.TableValues, values, toValue)
		remoteParts = normalizeRows(n, constants.TableParticipants, participants, toParticipant)
	)

	var cached map[string]cache.ProgressEntry
	if hasParticipants {
		cached = o.loadProgress(ctx, o.progressCodes(remoteParts))
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	apply := func(table string, present bool, replace func()) {
		if present {
			replace()
			rep.Applied = append(rep.Applied, table)
		}
	}
	apply(constants.TableTopics, hasTopics, func() { o.store.Topics.Replace(topicRecs) })
	apply(constants.TableContents, hasContents, func() { o.store.Contents.Replace(contentRecs) })
	apply(constants.TableLessons, hasLessons, func() { o.store.Lessons.Replace(lessonRecs) })
	apply(constants.TableUsers, hasUsers, func() { o.store.Users.Replace(userRecs) })
	apply(constants.TablePages, hasPages, func() { o.store.Pages.Replace(pageRecs) })
	apply(constants.TableFields, hasFields, func() { o.store.Fields.Replace(fieldRecs) })
	apply(constants.TableValues, hasValues, func() { o.store.Values.Replace(valueRecs) })
	var merged int
	var orphans []string
	apply(constants.TableParticipants, hasParticipants, func() {
		o.store.Participants.ReplaceWith(func(local map[string]models.Participant) []models.Participant {
			var out []models.Participant
			out, orphans = o.mergeParticipants(local, remoteParts, cached)
			merged = len(out)
			return out
		})
	})

	o.dropOrphans(ctx, orphans)

	if o.cache != nil {
		err := o.cache.SaveSnapshot(ctx, o.store.Topics.List(), o.store.Contents.List(), o.store.Lessons.List())
		if err != nil {
			o.log.Warn("could not save snapshot cache", "error", err)
		}
	}

	rep.Dropped = n.dropped
	if len(rep.Skipped) > 0 || len(rep.Dropped) > 0 {
		o.log.Warn("hydration ignored malformed data", "skipped", rep.Skipped, "dropped", rep.Dropped)
	}
	o.log.Info("hydrated", "tables", len(rep.Applied), "participants", merged)
	return rep, nil
}

// progressCodes lists the participants whose cached progress takes part in
// the merge: every remote code plus those holding unconfirmed writes.
func (o *Orchestrator) progressCodes(remote []models.Participant) []string {
	codes := make([]string, 0, len(remote))
	for _, p := range remote {
		codes = append(codes, p.Code)
	}
	if o.tracker != nil {
		codes = append(codes, o.tracker.Dirty()...)
	}
	return codes
}

// mergeParticipants reconciles the remote participants with the local ones
// and the progress cache. It runs under the participants lock, so local is
// exactly what the store holds when the result replaces it. Participants only
// known locally survive while they still hold unconfirmed writes. Dirty codes
// with no record anywhere are returned as orphans.
func (o *Orchestrator) mergeParticipants(local map[string]models.Participant, remote []models.Participant, cached map[string]cache.ProgressEntry) ([]models.Participant, []string) {
	merged := make([]models.Participant, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for _, p := range remote {
		if seen[p.Code] {
			continue
		}
		seen[p.Code] = true
		if mine, ok := local[p.Code]; ok {
			if o.isDirty(p.Code) {
				// The local profile has not reached the gateway yet.
				mine.LessonProgress = syncer.Merge(mine.LessonProgress, p.LessonProgress)
				p = mine
			} else {
				p.LessonProgress = syncer.Merge(mine.LessonProgress, p.LessonProgress)
			}
		}
		if entry, ok := cached[p.Code]; ok {
			p.LessonProgress = syncer.Merge(entry.Lessons, p.LessonProgress)
		}
		merged = append(merged, p.Normalize())
	}

	for _, code := range slices.Sorted(maps.Keys(local)) {
		if seen[code] || !o.isDirty(code) {
			continue
		}
		seen[code] = true
		mine := local[code]
		if entry, ok := cached[code]; ok {
			mine.LessonProgress = syncer.Merge(entry.Lessons, mine.LessonProgress)
		}
		merged = append(merged, mine.Normalize())
	}

	var orphans []string
	if o.tracker != nil {
		for _, code := range o.tracker.Dirty() {
			if !seen[code] {
				orphans = append(orphans, code)
			}
		}
	}
	return merged, orphans
}

func (o *Orchestrator) isDirty(code string) bool {
	return o.tracker != nil && o.tracker.IsDirty(code)
}

// loadProgress reads the cached progress of codes in parallel. Read errors
// are logged and the entry is treated as absent.
func (o *Orchestrator) loadProgress(ctx context.Context, codes []string) map[string]cache.ProgressEntry {
	out := make(map[string]cache.ProgressEntry)
	if o.cache == nil || len(codes) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cacheReadConcurrency)
	for _, code := range codes {
		g.Go(func() error {
			entry, ok, err := o.cache.LoadProgress(gctx, code)
			if err != nil {
				o.log.Warn("could not read progress cache", "code", code, "error", err)
				return nil
			}
			if ok {
				mu.Lock()
				out[code] = entry
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// dropOrphans forgets dirty codes whose participant exists neither remotely
// nor locally, typically one deleted from another device.
func (o *Orchestrator) dropOrphans(ctx context.Context, codes []string) {
	for _, code := range codes {
		if o.store.Participants.Has(code) {
			// Created after the merge looked.
			continue
		}
		o.log.Info("dropping progress of unknown participant", "code", code)
		o.tracker.Forget(code)
		if o.cache != nil {
			if err := o.cache.DeleteProgress(ctx, code); err != nil {
				o.log.Warn("could not delete progress cache", "code", code, "error", err)
			}
		}
	}
}
