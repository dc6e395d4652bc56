// Package syncer pushes locally modified participant progress to the gateway.
//
// Writers mark a participant dirty with Touch. Bursts of writes are coalesced
// by a debounce timer into one flush, and at most one flush runs at a time. A
// request arriving while a flush runs sets a single rerun flag, so the queue
// behind the running flush never grows beyond one.
//
//	         schedule            fire
//	Idle ───────────▶ Scheduled ──────▶ Running ──finish──▶ Idle
//	 │                                   │  ▲
//	 └────────────── fire ──────────────▶│  │ finish (rerun)
//	                                     ▼  │
//	                                 RunningRerun
package syncer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/learnsync/learnsync/pkg/clock"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/logger"
	"github.com/learnsync/learnsync/pkg/models"
)

type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateRunningRerun
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateRunningRerun:
		return "running-rerun"
	default:
		return "unknown"
	}
}

// Source supplies the current participant records to upload.
// *store.Collection[models.Participant] satisfies it.
type Source interface {
	Get(code string) (models.Participant, bool)
}

// Uploader is the remote side of a flush. *gateway.Client satisfies it.
type Uploader interface {
	BatchUpsert(ctx context.Context, table string, records any) error
}

// Marker clears the dirty flag of a participant's local progress cache once
// the gateway has confirmed it. *cache.Cache satisfies it.
type Marker interface {
	MarkClean(ctx context.Context, code string) error
}

type Synchronizer struct {
	source   Source
	remote   Uploader
	marker   Marker
	clock    clock.Clock
	debounce time.Duration
	retryer  Retryer
	log      logger.Logger

	mu       sync.Mutex
	state    State
	dirty    map[string]uint64
	gen      uint64
	timer    clock.Timer
	timerSeq uint64
	done     chan struct{}
	lastErr  error
	attempt  int
	closed   bool
	flushes  int
}

type Option func(*Synchronizer)

func WithClock(c clock.Clock) Option { return func(s *Synchronizer) { s.clock = c } }

func WithDebounce(d time.Duration) Option { return func(s *Synchronizer) { s.debounce = d } }

func WithRetryer(r Retryer) Option { return func(s *Synchronizer) { s.retryer = r } }

func WithLogger(l logger.Logger) Option { return func(s *Synchronizer) { s.log = l } }

func WithMarker(m Marker) Option { return func(s *Synchronizer) { s.marker = m } }

func New(source Source, remote Uploader, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:   source,
		remote:   remote,
		clock:    clock.Real{},
		debounce: constants.DefaultDebounce,
		log:      logger.Nop(),
		dirty:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty lists the codes waiting for a flush, sorted.
func (s *Synchronizer) Dirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.dirty))
	for code := range s.dirty {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

func (s *Synchronizer) IsDirty(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[code]
	return ok
}

// Flushes counts the flush rounds that reached the gateway.
func (s *Synchronizer) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Touch marks code dirty. Without immediate the flush waits for the debounce
// period; with it any pending timer is cancelled and the flush runs before
// Touch returns. Flush failures are logged, never returned to the writer.
func (s *Synchronizer) Touch(ctx context.Context, code string, immediate bool) {
	s.mu.Lock()
	s.markLocked(code)
	s.mu.Unlock()

	if immediate {
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("immediate flush failed", "code", code, "error", err)
		}
		return
	}
	s.schedule(s.debounce)
}

// Mark flags code as holding an unconfirmed write without scheduling a
// flush. Writers that create a record call it first, so the record is never
// visible to a hydration while clean; a flush meanwhile keeps the code dirty
// until the record exists.
func (s *Synchronizer) Mark(code string) {
	s.mu.Lock()
	s.markLocked(code)
	s.mu.Unlock()
}

// Restore marks codes dirty that an earlier run left unconfirmed and
// schedules a flush for them.
func (s *Synchronizer) Restore(codes ...string) {
	if len(codes) == 0 {
		return
	}
	s.mu.Lock()
	for _, code := range codes {
		s.markLocked(code)
	}
	s.mu.Unlock()
	s.schedule(s.debounce)
}

// Forget drops code from the dirty set, for participants deleted locally.
func (s *Synchronizer) Forget(code string) {
	s.mu.Lock()
	delete(s.dirty, code)
	s.mu.Unlock()
}

func (s *Synchronizer) markLocked(code string) {
	s.gen++
	s.dirty[code] = s.gen
}

// schedule is the Idle → Scheduled transition. While a flush runs it sets
// the rerun flag instead.
func (s *Synchronizer) schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch s.state {
	case StateIdle:
		s.state = StateScheduled
		s.timerSeq++
		seq := s.timerSeq
		s.timer = s.clock.AfterFunc(delay, func() { s.fire(seq) })
	case StateRunning:
		s.state = StateRunningRerun
	}
}

// fire is the timer callback: Scheduled → Running.
func (s *Synchronizer) fire(seq uint64) {
	s.mu.Lock()
	if s.state != StateScheduled || seq != s.timerSeq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.beginLocked()
	s.mu.Unlock()

	if err := s.run(context.Background()); err != nil {
		s.log.Warn("debounced flush failed", "error", err)
	}
}

// Flush runs a flush now and waits for it. If one is already running the
// rerun flag is set and Flush waits for the whole run, rerun included.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning, StateRunningRerun:
		s.state = StateRunningRerun
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		err := s.lastErr
		s.mu.Unlock()
		return err
	case StateScheduled:
		s.stopTimerLocked()
	}
	s.beginLocked()
	s.mu.Unlock()

	return s.run(ctx)
}

// Close cancels any pending timer, stops future scheduling and flushes what
// is left.
func (s *Synchronizer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
	s.state = StateIdle
}

func (s *Synchronizer) beginLocked() {
	s.state = StateRunning
	s.done = make(chan struct{})
}

// run executes flush rounds until no rerun is pending, then performs the
// finish transition.
func (s *Synchronizer) run(ctx context.Context) error {
	for {
		err := s.flushOnce(ctx)

		s.mu.Lock()
		if s.state == StateRunningRerun {
			s.state = StateRunning
			s.mu.Unlock()
			continue
		}

		s.state = StateIdle
		s.lastErr = err
		done := s.done
		s.done = nil
		retryDelay, retry := s.afterRoundLocked(err)
		s.mu.Unlock()

		close(done)
		if retry {
			s.schedule(retryDelay)
		}
		return err
	}
}

func (s *Synchronizer) afterRoundLocked(err error) (time.Duration, bool) {
	if s.retryer == nil {
		return 0, false
	}
	if err == nil {
		s.attempt = 0
		s.retryer.Reset()
		return 0, false
	}
	if len(s.dirty) == 0 {
		return 0, false
	}
	delay, ok := s.retryer.NextDelay(s.attempt, err)
	s.attempt++
	return delay, ok
}

// flushOnce uploads every dirty participant in one BatchUpsert. On success
// it clears the codes that were not dirtied again while the call was in
// flight; on failure the dirty set is left as it was. Codes with no record
// in the source stay dirty until the record shows up or Forget drops them.
func (s *Synchronizer) flushOnce(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make(map[string]uint64, len(s.dirty))
	for code, gen := range s.dirty {
		snapshot[code] = gen
	}
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	codes := make([]string, 0, len(snapshot))
	for code := range snapshot {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	records := make([]models.Participant, 0, len(codes))
	found := make(map[string]bool, len(codes))
	for _, code := range codes {
		if p, ok := s.source.Get(code); ok {
			records = append(records, p)
			found[code] = true
		}
	}

	if len(records) > 0 {
		s.mu.Lock()
		s.flushes++
		s.mu.Unlock()
		if err := s.remote.BatchUpsert(ctx, constants.TableParticipants, records); err != nil {
			s.log.Warn("progress flush failed, keeping dirty set", "participants", len(records), "error", err)
			return err
		}
	}

	var cleaned []string
	s.mu.Lock()
	for code, gen := range snapshot {
		if found[code] && s.dirty[code] == gen {
			delete(s.dirty, code)
			cleaned = append(cleaned, code)
		}
	}
	s.mu.Unlock()

	s.log.Debug("progress flushed", "participants", len(records), "cleaned", len(cleaned))
	if s.marker != nil {
		for _, code := range cleaned {
			if err := s.marker.MarkClean(ctx, code); err != nil {
				s.log.Warn("could not mark progress cache clean", "code", code, "error", err)
			}
		}
	}
	return nil
}
