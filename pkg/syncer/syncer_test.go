package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/fakeclock"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/models"
	"github.com/learnsync/learnsync/pkg/store"
)

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeUploader struct {
	mu      sync.Mutex
	calls   [][]string
	tables  []string
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeUploader) BatchUpsert(_ context.Context, table string, records any) error {
	var codes []string
	for _, p := range records.([]models.Participant) {
		codes = append(codes, p.Code)
	}
	f.mu.Lock()
	f.calls = append(f.calls, codes)
	f.tables = append(f.tables, table)
	err, block, entered := f.err, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeUploader) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeUploader) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

type fakeMarker struct {
	mu    sync.Mutex
	clean []string
}

func (m *fakeMarker) MarkClean(_ context.Context, code string) error {
	m.mu.Lock()
	m.clean = append(m.clean, code)
	m.mu.Unlock()
	return nil
}

func setup(t *testing.T, codes ...string) (*store.Store, *fakeclock.Clock, *fakeUploader) {
	t.Helper()
	s := store.New()
	for _, code := range codes {
		require.NoError(t, s.Participants.Insert(models.Participant{Code: code}.Normalize()))
	}
	return s, fakeclock.New(epoch), &fakeUploader{}
}

func TestTouch_debounceCoalescesBurst(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222", "BBB333")
	sy := New(s.Participants, up, WithClock(clk))

	sy.Touch(ctx, "AAA222", false)
	sy.Touch(ctx, "BBB333", false)
	sy.Touch(ctx, "AAA222", false)
	assert.Equal(t, StateScheduled, sy.State())
	assert.Equal(t, 1, clk.Pending(), "only one debounce timer may be pending")

	clk.Advance(constants.DefaultDebounce - time.Millisecond)
	assert.Empty(t, up.Calls())

	clk.Advance(time.Millisecond)
	require.Len(t, up.Calls(), 1)
	assert.Equal(t, []string{"AAA222", "BBB333"}, up.Calls()[0])
	assert.Equal(t, []string{constants.TableParticipants}, up.tables)
	assert.Empty(t, sy.Dirty())
	assert.Equal(t, StateIdle, sy.State())
}

func TestTouch_immediateCancelsDebounce(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222", "BBB333")
	sy := New(s.Participants, up, WithClock(clk))

	sy.Touch(ctx, "AAA222", false)
	sy.Touch(ctx, "BBB333", true)

	require.Len(t, up.Calls(), 1)
	assert.Equal(t, []string{"AAA222", "BBB333"}, up.Calls()[0])
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(10 * time.Second)
	assert.Len(t, up.Calls(), 1)
	assert.Empty(t, sy.Dirty())
}

func TestFlush_failureKeepsDirtySetAndRetriesWholeBatch(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222", "BBB333")
	sy := New(s.Participants, up, WithClock(clk))

	up.setErr(errors.New("gateway down"))
	sy.Touch(ctx, "AAA222", true)
	assert.Equal(t, []string{"AAA222"}, sy.Dirty())
	assert.Error(t, sy.Flush(ctx))
	assert.Equal(t, StateIdle, sy.State())

	up.setErr(nil)
	sy.Touch(ctx, "BBB333", true)
	calls := up.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"AAA222", "BBB333"}, calls[2])
	assert.Empty(t, sy.Dirty())
}

func TestFlush_rerunFlagIsBoundedAtOne(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222", "BBB333")
	release := make(chan struct{})
	up.block = release
	up.entered = make(chan struct{}, 1)
	sy := New(s.Participants, up, WithClock(clk))

	sy.Touch(ctx, "AAA222", false)
	clk.Advance(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clk.Advance(constants.DefaultDebounce)
	}()
	<-up.entered
	assert.Equal(t, StateRunning, sy.State())

	for range 5 {
		sy.Touch(ctx, "BBB333", false)
		sy.Touch(ctx, "AAA222", false)
	}
	assert.Equal(t, StateRunningRerun, sy.State())
	assert.Equal(t, 0, clk.Pending(), "requests during a flush never start a timer")

	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sy.Flush(ctx))
		}()
	}

	close(release)
	wg.Wait()

	calls := up.Calls()
	require.Len(t, calls, 2, "one running flush plus exactly one rerun")
	assert.Equal(t, []string{"AAA222"}, calls[0])
	assert.Equal(t, []string{"AAA222", "BBB333"}, calls[1], "codes dirtied mid-flight stay dirty for the rerun")
	assert.Empty(t, sy.Dirty())
	assert.Equal(t, StateIdle, sy.State())
}

func TestFlush_retryerSchedulesRetries(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222")
	up.setErr(errors.New("gateway down"))
	sy := New(s.Participants, up, WithClock(clk), WithRetryer(NewFixedRetryer(5*time.Second, 2)))

	sy.Touch(ctx, "AAA222", true)
	assert.Len(t, up.Calls(), 1)
	assert.Equal(t, StateScheduled, sy.State())

	clk.Advance(5 * time.Second)
	assert.Len(t, up.Calls(), 2)
	clk.Advance(5 * time.Second)
	assert.Len(t, up.Calls(), 3)
	clk.Advance(time.Minute)
	assert.Len(t, up.Calls(), 3, "retries stop after MaxRetries")
	assert.Equal(t, []string{"AAA222"}, sy.Dirty())

	up.setErr(nil)
	require.NoError(t, sy.Flush(ctx))
	assert.Empty(t, sy.Dirty())
}

func TestFlush_marksCacheCleanForFlushedCodes(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222", "BBB333")
	marker := &fakeMarker{}
	sy := New(s.Participants, up, WithClock(clk), WithMarker(marker))

	sy.Touch(ctx, "AAA222", false)
	sy.Touch(ctx, "BBB333", true)
	assert.ElementsMatch(t, []string{"AAA222", "BBB333"}, marker.clean)
}

func TestFlush_unknownParticipantsWaitForTheirRecord(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t)
	sy := New(s.Participants, up, WithClock(clk))

	sy.Touch(ctx, "LATE22", true)
	assert.Empty(t, up.Calls())
	assert.Equal(t, []string{"LATE22"}, sy.Dirty())
	assert.Equal(t, 0, sy.Flushes())

	require.NoError(t, s.Participants.Insert(models.Participant{Code: "LATE22"}))
	require.NoError(t, sy.Flush(ctx))
	assert.Equal(t, [][]string{{"LATE22"}}, up.Calls())
	assert.Empty(t, sy.Dirty())
	assert.Equal(t, 1, sy.Flushes())
}

func TestFlush_emptyDirtySetMakesNoCall(t *testing.T) {
	s, clk, up := setup(t, "AAA222")
	sy := New(s.Participants, up, WithClock(clk))
	require.NoError(t, sy.Flush(context.Background()))
	assert.Empty(t, up.Calls())
}

func TestClose_flushesAndStopsScheduling(t *testing.T) {
	ctx := context.Background()
	s, clk, up := setup(t, "AAA222")
	sy := New(s.Participants, up, WithClock(clk))

	sy.Touch(ctx, "AAA222", false)
	require.NoError(t, sy.Close(ctx))
	assert.Len(t, up.Calls(), 1)
	assert.Equal(t, 0, clk.Pending())

	sy.Touch(ctx, "AAA222", false)
	assert.Equal(t, StateIdle, sy.State())
	assert.Equal(t, []string{"AAA222"}, sy.Dirty())
}

func TestRestoreAndForget(t *testing.T) {
	s, clk, up := setup(t, "AAA222", "BBB333")
	sy := New(s.Participants, up, WithClock(clk))

	sy.Restore("AAA222", "BBB333")
	sy.Forget("BBB333")
	assert.True(t, sy.IsDirty("AAA222"))
	assert.False(t, sy.IsDirty("BBB333"))

	clk.Advance(constants.DefaultDebounce)
	require.Len(t, up.Calls(), 1)
	assert.Equal(t, []string{"AAA222"}, up.Calls()[0])
}

func TestMark_flagsWithoutScheduling(t *testing.T) {
	s, clk, up := setup(t)
	sy := New(s.Participants, up, WithClock(clk))

	sy.Mark("NEW222")
	assert.True(t, sy.IsDirty("NEW222"))
	assert.Equal(t, StateIdle, sy.State())
	assert.Equal(t, 0, clk.Pending())

	require.NoError(t, sy.Flush(context.Background()))
	assert.Empty(t, up.Calls(), "a code without its record is not uploaded")
	assert.Equal(t, []string{"NEW222"}, sy.Dirty())
}
