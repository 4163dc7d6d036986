package registry

import (
	"sync"
	"time"

	"github.com/taskscope/taskscope/internal/histogram"
	"github.com/taskscope/taskscope/internal/model"
)

// taskStats is the mutable half of one task record. All fields are guarded
// by mu; every mutation bumps version so the diff engine can detect change
// cheaply. The histogram is created lazily on the first completed poll and
// carries its own version counter, since details streams change on a
// different cadence than stats streams.
type taskStats struct {
	mu          sync.Mutex
	version     uint64
	stats       model.Stats
	hist        *histogram.Histogram
	histVersion uint64
	completed   bool
	completedAt time.Time
}

func newTaskStats(createdAt time.Time) *taskStats {
	return &taskStats{stats: model.Stats{CreatedAt: createdAt}}
}

// PollStart records the beginning of one poll at the given instant.
func (r *TaskRegistry) PollStart(h Handle, at time.Time) {
	st := r.resolve(h, "poll_start")
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return // final stats are frozen
	}
	if st.stats.FirstPoll == nil {
		t := at
		st.stats.FirstPoll = &t
	}
	t := at
	st.stats.LastPollStarted = &t
	st.stats.Polls++
	st.version++
}

// PollEnd records the end of the in-flight poll: busy time accumulates and
// the duration feeds the task's histogram. A poll end with no matching
// start is dropped.
func (r *TaskRegistry) PollEnd(h Handle, at time.Time) {
	st := r.resolve(h, "poll_end")
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed || st.stats.LastPollStarted == nil {
		return
	}
	started := *st.stats.LastPollStarted
	if st.stats.LastPollEnded != nil && !st.stats.LastPollEnded.Before(started) {
		return // no poll in flight
	}
	t := at
	st.stats.LastPollEnded = &t
	dur := at.Sub(started)
	st.stats.BusyTime += dur
	if st.hist == nil {
		st.hist = histogram.New()
	}
	st.hist.Record(dur)
	st.histVersion++
	st.version++
}

// Wake records a waker invocation.
func (r *TaskRegistry) Wake(h Handle, at time.Time) {
	st := r.resolve(h, "wake")
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return
	}
	t := at
	st.stats.Wakes++
	st.stats.LastWake = &t
	st.version++
}

// WakerClone records a waker clone.
func (r *TaskRegistry) WakerClone(h Handle) {
	st := r.resolve(h, "waker_clone")
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return
	}
	st.stats.WakerClones++
	st.version++
}

// WakerDrop records a waker drop.
func (r *TaskRegistry) WakerDrop(h Handle) {
	st := r.resolve(h, "waker_drop")
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return
	}
	st.stats.WakerDrops++
	st.version++
}

// Complete freezes the task's final stats. The record stays in the registry
// until every subscriber has observed the completion or the retention
// window lapses; the dispatcher drives that via Remove.
func (r *TaskRegistry) Complete(h Handle) {
	st := r.resolve(h, "complete")
	if st == nil {
		return
	}
	now := r.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return
	}
	st.completed = true
	st.completedAt = now
	st.version++
	r.completed.Add(1)
}

// snapshot copies the stats under the task's lock. TotalTime is derived
// here: now - created_at for live tasks, completion - created_at once
// completed. A single lock acquisition yields the whole record, so readers
// never observe a torn update.
func (st *taskStats) snapshot(task model.Task, now time.Time) TaskSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.stats
	end := now
	if st.completed {
		end = st.completedAt
	}
	if total := end.Sub(s.CreatedAt); total > 0 {
		s.TotalTime = total
	}
	return TaskSnapshot{
		Task:        task,
		Stats:       s,
		Version:     st.version,
		HistVersion: st.histVersion,
		Completed:   st.completed,
		CompletedAt: st.completedAt,
	}
}

func (st *taskStats) encodeHistogram() ([]byte, uint64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.hist == nil {
		return nil, 0, false
	}
	return st.hist.Encode(), st.histVersion, true
}
