package aggregator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/taskscope/taskscope/internal/histogram"
	"github.com/taskscope/taskscope/internal/model"
	"github.com/taskscope/taskscope/internal/registry"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock *clockz.FakeClock
	meta  *registry.MetadataRegistry
	tasks *registry.TaskRegistry
	d     *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockz.NewFakeClockAt(t0)
	meta := registry.NewMetadataRegistry()
	tasks := registry.NewTaskRegistry(logger, clock)
	return &fixture{
		clock: clock,
		meta:  meta,
		tasks: tasks,
		d:     New(tasks, meta, logger, clock, cfg),
	}
}

// tick advances the fake clock and runs one dispatcher tick, the way the
// loop would on a real interval.
func (f *fixture) tick() {
	f.clock.Advance(f.d.cfg.PublishInterval)
	f.d.tick(f.clock.Now())
}

// recv pops the next buffered update without blocking; tick delivery is
// synchronous, so anything sent is already in the queue.
func recv(t *testing.T, sub *Subscription) model.TaskUpdate {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed unexpectedly")
		return u
	default:
		t.Fatal("expected a buffered update")
		return model.TaskUpdate{}
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case u := <-sub.Updates():
		t.Fatalf("expected no update, got %+v", u)
	default:
	}
}

func TestWatchTasksLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	site := f.meta.Intern("worker", "runtime::worker", model.MetaKindSpan, nil)
	h := f.tasks.Spawn(site, model.TaskKindSpawn, nil, nil)

	sub := f.d.Subscribe()
	defer sub.Close()

	// Tick 1: the new task arrives with metadata and an initial snapshot.
	f.tick()
	u := recv(t, sub)
	require.Len(t, u.NewTasks, 1)
	assert.Equal(t, h.ID(), u.NewTasks[0].ID)
	require.Len(t, u.NewMetadata, 1)
	assert.Equal(t, site, u.NewMetadata[0].ID)
	require.Contains(t, u.StatsUpdate, h.ID())
	assert.Zero(t, u.StatsUpdate[h.ID()].Polls)
	assert.Equal(t, t0, u.StatsUpdate[h.ID()].CreatedAt)

	// One poll, then tick 2: a stats-only delta, no re-announcement.
	f.clock.Advance(time.Millisecond)
	pollStart := f.clock.Now()
	f.tasks.PollStart(h, pollStart)
	f.clock.Advance(3 * time.Millisecond)
	f.tasks.PollEnd(h, f.clock.Now())

	f.tick()
	u = recv(t, sub)
	assert.Empty(t, u.NewTasks)
	assert.Empty(t, u.NewMetadata)
	require.Contains(t, u.StatsUpdate, h.ID())
	s := u.StatsUpdate[h.ID()]
	assert.EqualValues(t, 1, s.Polls)
	require.NotNil(t, s.FirstPoll)
	assert.Equal(t, pollStart, *s.FirstPoll)
	assert.Equal(t, 3*time.Millisecond, s.BusyTime)
	assert.LessOrEqual(t, s.BusyTime, s.TotalTime)

	// Completion: the next update omits the task entirely.
	f.tasks.Complete(h)
	f.tick()
	u = recv(t, sub)
	assert.Empty(t, u.NewTasks)
	assert.NotContains(t, u.StatsUpdate, h.ID())

	// The completed record is swept once the completion was enqueued.
	assert.Zero(t, f.tasks.Live())

	// Nothing left to say: idle ticks emit no traffic.
	f.tick()
	expectNone(t, sub)
}

func TestLateSubscriberReceivesCurrentState(t *testing.T) {
	f := newFixture(t, Config{})
	site := f.meta.Intern("worker", "runtime::worker", model.MetaKindSpan, nil)
	h := f.tasks.Spawn(site, model.TaskKindSpawn, nil, nil)

	s1 := f.d.Subscribe()
	defer s1.Close()
	f.tick()
	recv(t, s1)

	// Stats change after s1's first delta, then s2 attaches.
	f.tasks.PollStart(h, f.clock.Now())
	f.clock.Advance(2 * time.Millisecond)
	f.tasks.PollEnd(h, f.clock.Now())

	s2 := f.d.Subscribe()
	defer s2.Close()
	f.tick()

	// s2's first delta announces the task with its *current* snapshot.
	u2 := recv(t, s2)
	require.Len(t, u2.NewTasks, 1)
	assert.EqualValues(t, 1, u2.StatsUpdate[h.ID()].Polls)
	require.Len(t, u2.NewMetadata, 1)

	// s1 gets only the stats delta, no re-announcement of task or metadata.
	u1 := recv(t, s1)
	assert.Empty(t, u1.NewTasks)
	assert.Empty(t, u1.NewMetadata)
	assert.Contains(t, u1.StatsUpdate, h.ID())
}

func TestTaskAnnouncedBeforeStatsOnly(t *testing.T) {
	// A task never appears in stats_update without having been announced
	// in new_tasks in the same or an earlier update.
	f := newFixture(t, Config{})
	sub := f.d.Subscribe()
	defer sub.Close()

	announced := make(map[model.TaskID]bool)
	for i := 0; i < 5; i++ {
		h := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
		f.tasks.PollStart(h, f.clock.Now())
		f.tick()

		u := recv(t, sub)
		for _, task := range u.NewTasks {
			announced[task.ID] = true
		}
		for id := range u.StatsUpdate {
			assert.True(t, announced[id], "task %d in stats_update before new_tasks", id)
		}
	}
}

func TestCompletionBeforeFirstSendIsSilent(t *testing.T) {
	f := newFixture(t, Config{})
	sub := f.d.Subscribe()
	defer sub.Close()

	// Spawn and complete between ticks: the subscriber never hears of it.
	h := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	f.tasks.Complete(h)
	f.tick()
	expectNone(t, sub)
	assert.Zero(t, f.tasks.Live(), "unannounced completed task should be swept")
}

func TestSlowSubscriberGetsMergedDelta(t *testing.T) {
	f := newFixture(t, Config{BufferSize: 1})
	sub := f.d.Subscribe()
	defer sub.Close()

	h1 := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	f.tick() // queue now full with the h1 announcement

	h2 := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	f.tick() // dropped: queue full, cursor untouched
	assert.EqualValues(t, 1, f.d.DroppedUpdates())

	// Drain, then the next tick delivers h2 — nothing was lost.
	u := recv(t, sub)
	require.Len(t, u.NewTasks, 1)
	assert.Equal(t, h1.ID(), u.NewTasks[0].ID)

	f.tick()
	u = recv(t, sub)
	require.Len(t, u.NewTasks, 1)
	assert.Equal(t, h2.ID(), u.NewTasks[0].ID)
}

func TestRetentionBoundsStalledSubscriber(t *testing.T) {
	f := newFixture(t, Config{BufferSize: 1, Retention: 5 * time.Second})
	sub := f.d.Subscribe()
	defer sub.Close()

	h := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	f.tick() // announcement fills the queue; subscriber never drains

	f.tasks.Complete(h)
	f.tick() // completion update dropped; record stays referenced
	assert.Equal(t, 1, f.tasks.Live(), "completed task retained while unacknowledged")

	// Ticks keep passing until the grace period lapses; then memory wins.
	for i := 0; i < 6; i++ {
		f.tick()
	}
	assert.Zero(t, f.tasks.Live(), "retention must evict despite the stalled subscriber")
}

func TestUnsubscribeDiscardsCursorImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	sub := f.d.Subscribe()
	assert.Equal(t, 1, f.d.SubscriberCount())

	f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	sub.Close()
	assert.Zero(t, f.d.SubscriberCount())

	f.tick()
	_, ok := <-sub.Updates()
	assert.False(t, ok, "channel must be closed after unsubscribe")

	// A fresh subscription sees the full state again.
	sub2 := f.d.Subscribe()
	defer sub2.Close()
	f.tick()
	u := recv(t, sub2)
	assert.Len(t, u.NewTasks, 1)
}

func TestWatchDetailsUnknownTask(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.d.WatchDetails(42)
	assert.ErrorIs(t, err, ErrUnknownTask)

	h := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	f.tasks.Complete(h)
	_, err = f.d.WatchDetails(h.ID())
	assert.ErrorIs(t, err, ErrUnknownTask, "completed tasks are not watchable")
}

func TestWatchDetailsStream(t *testing.T) {
	f := newFixture(t, Config{})
	h := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)

	sub, err := f.d.WatchDetails(h.ID())
	require.NoError(t, err)
	defer sub.Close()

	// No completed poll yet: heartbeat with an absent histogram, but an
	// advancing timestamp.
	f.tick()
	det := <-sub.Details()
	assert.Equal(t, h.ID(), det.TaskID)
	assert.Nil(t, det.PollTimesHistogram)
	firstNow := det.Now

	// A completed poll: the changed histogram is serialized.
	f.tasks.PollStart(h, f.clock.Now())
	f.clock.Advance(7 * time.Millisecond)
	f.tasks.PollEnd(h, f.clock.Now())
	f.tick()

	det = <-sub.Details()
	require.NotNil(t, det.PollTimesHistogram)
	assert.True(t, det.Now.After(firstNow))
	hist, err := histogram.Decode(det.PollTimesHistogram)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hist.Count())
	assert.Equal(t, 7*time.Millisecond, hist.Max())

	// Unchanged histogram: back to heartbeats.
	f.tick()
	det = <-sub.Details()
	assert.Nil(t, det.PollTimesHistogram)

	// Completion ends the stream after its final message.
	f.tasks.Complete(h)
	f.tick()
	_, ok := <-sub.Details() // final details for the completing tick
	require.True(t, ok)
	_, ok = <-sub.Details()
	assert.False(t, ok, "details stream must close once the task completes")
}

func TestReplayReconstructsState(t *testing.T) {
	// A subscriber that misses no ticks can rebuild the live-task set and
	// latest stats purely from its update sequence.
	f := newFixture(t, Config{})
	sub := f.d.Subscribe()
	defer sub.Close()

	type replayed struct {
		stats model.Stats
	}
	state := make(map[model.TaskID]*replayed)
	apply := func(u model.TaskUpdate) {
		seen := make(map[model.TaskID]bool)
		for id, s := range u.StatsUpdate {
			if state[id] == nil {
				state[id] = &replayed{}
			}
			state[id].stats = s
			seen[id] = true
		}
		for id := range state {
			if !seen[id] {
				delete(state, id) // absence after presence = completed
			}
		}
	}

	h1 := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	h2 := f.tasks.Spawn(1, model.TaskKindSpawn, nil, nil)
	f.tick()
	apply(recv(t, sub))
	require.Len(t, state, 2)

	f.tasks.PollStart(h1, f.clock.Now())
	f.clock.Advance(time.Millisecond)
	f.tasks.PollEnd(h1, f.clock.Now())
	f.tasks.Complete(h2)
	f.tick()
	apply(recv(t, sub))

	require.Len(t, state, 1)
	require.Contains(t, state, h1.ID())
	assert.EqualValues(t, 1, state[h1.ID()].stats.Polls)
}
