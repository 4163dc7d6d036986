// Package registry owns the live-task table: immutable Task records,
// per-task mutable Stats, and the metadata descriptors they reference.
//
// Producers (the runtime's instrumentation hooks) and the dispatcher's tick
// loop touch this state concurrently. The registry map is guarded by a
// read-write mutex that is only held for lookups and membership changes;
// every task's stats carry their own mutex so hot-path event recording
// contends per task, never globally.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskscope/taskscope/internal/model"
	"github.com/taskscope/taskscope/internal/telemetry"
)

// Handle references a spawned task. The generation tag guards against a
// handle outliving its task: once the id slot is recycled for a new task,
// events carrying the old handle are rejected as contract violations
// instead of corrupting the new task's stats.
type Handle struct {
	id  model.TaskID
	gen uint64
}

// ID returns the wire-visible task id. The generation tag is internal only.
func (h Handle) ID() model.TaskID { return h.id }

type entry struct {
	gen  uint64
	task model.Task
	st   *taskStats
}

type freeSlot struct {
	id  model.TaskID
	gen uint64
}

// TaskRegistry owns all Task and Stats records for one monitor instance.
// It is an injectable object, not a process-wide singleton, so independent
// instances can coexist (e.g. in tests).
type TaskRegistry struct {
	logger *slog.Logger
	clock  clockz.Clock

	mu     sync.RWMutex
	tasks  map[model.TaskID]*entry
	order  []model.TaskID // spawn order of retained tasks
	nextID model.TaskID
	free   []freeSlot // recycled id slots with their next generation

	spawned    atomic.Int64
	completed  atomic.Int64
	violations atomic.Int64
}

// NewTaskRegistry creates an empty task registry. A nil clock defaults to
// the real clock.
func NewTaskRegistry(logger *slog.Logger, clock clockz.Clock) *TaskRegistry {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &TaskRegistry{
		logger: logger,
		clock:  clock,
		tasks:  make(map[model.TaskID]*entry),
	}
}

// Spawn creates the immutable Task record and zero-initialized stats with
// created_at = now, and returns the handle producers use for subsequent
// events. Ids never collide with a retained task: slots are recycled only
// after eviction, with a bumped generation.
func (r *TaskRegistry) Spawn(meta model.MetaID, kind model.TaskKind, fields []model.Field, parents []model.SpanID) Handle {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var slot freeSlot
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.nextID++
		slot = freeSlot{id: r.nextID}
	}

	e := &entry{
		gen: slot.gen,
		task: model.Task{
			ID:       slot.id,
			Metadata: meta,
			Kind:     kind,
			Fields:   append([]model.Field(nil), fields...),
			Parents:  append([]model.SpanID(nil), parents...),
		},
		st: newTaskStats(now),
	}
	r.tasks[slot.id] = e
	r.order = append(r.order, slot.id)
	r.spawned.Add(1)
	return Handle{id: slot.id, gen: slot.gen}
}

// resolve looks up the stats for a handle, recording a contract violation
// when the handle is stale or unknown. The instrumentation boundary is
// trusted, so a miss is a bug in the caller — logged loudly, never a panic.
func (r *TaskRegistry) resolve(h Handle, op string) *taskStats {
	r.mu.RLock()
	e, ok := r.tasks[h.id]
	r.mu.RUnlock()
	if !ok || e.gen != h.gen {
		r.violations.Add(1)
		r.logger.Error("registry: event for unknown task", "op", op, "task_id", h.id)
		return nil
	}
	return e.st
}

// Live returns the number of retained tasks (live plus completed-but-unswept).
func (r *TaskRegistry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// ContractViolations returns the total number of rejected events.
func (r *TaskRegistry) ContractViolations() int64 {
	return r.violations.Load()
}

// Remove evicts completed tasks and recycles their id slots. Callers (the
// dispatcher) decide when a completed task is no longer needed by any
// subscriber's pending diff; the registry only enforces the mechanics.
func (r *TaskRegistry) Remove(ids []model.TaskID) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make(map[model.TaskID]bool, len(ids))
	for _, id := range ids {
		e, ok := r.tasks[id]
		if !ok {
			continue
		}
		delete(r.tasks, id)
		r.free = append(r.free, freeSlot{id: id, gen: e.gen + 1})
		removed[id] = true
	}
	if len(removed) == 0 {
		return
	}
	keep := r.order[:0]
	for _, id := range r.order {
		if !removed[id] {
			keep = append(keep, id)
		}
	}
	r.order = keep
}

// RegisterMetrics registers OTEL instruments for registry health. Called
// after the global meter provider has been initialized.
func (r *TaskRegistry) RegisterMetrics() {
	meter := telemetry.Meter("taskscope/registry")

	_, _ = meter.Int64ObservableGauge("taskscope.tasks.live",
		metric.WithDescription("Number of retained task records"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Live()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("taskscope.tasks.spawned_total",
		metric.WithDescription("Total tasks spawned"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.spawned.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("taskscope.tasks.completed_total",
		metric.WithDescription("Total tasks completed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.completed.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("taskscope.contract_violations_total",
		metric.WithDescription("Total instrumentation events rejected for unknown or stale task handles"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.violations.Load())
			return nil
		}),
	)
}

// TaskSnapshot is an internally-consistent copy of one task's record and
// stats, taken under the task's own lock. Version counters let the diff
// engine detect change without deep comparison.
type TaskSnapshot struct {
	Task        model.Task
	Stats       model.Stats
	Version     uint64
	HistVersion uint64
	Completed   bool
	CompletedAt time.Time
}

// SnapshotAll snapshots every retained task in spawn order. TotalTime is
// computed against the single shared now so all tasks in one update are
// measured at the same instant. No lock is held across the whole pass:
// the registry lock covers only the id-list copy, then each task is
// snapshotted under its own mutex.
func (r *TaskRegistry) SnapshotAll(now time.Time) []TaskSnapshot {
	r.mu.RLock()
	ids := append([]model.TaskID(nil), r.order...)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.tasks[id]; ok {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	out := make([]TaskSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.st.snapshot(e.task, now))
	}
	return out
}

// Snapshot snapshots a single task by id. The second result is false when
// the id is unknown.
func (r *TaskRegistry) Snapshot(id model.TaskID, now time.Time) (TaskSnapshot, bool) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return TaskSnapshot{}, false
	}
	return e.st.snapshot(e.task, now), true
}

// EncodeHistogram returns the versioned binary encoding of a task's
// poll-duration histogram along with its change version. ok is false when
// the task is unknown or no poll has completed yet.
func (r *TaskRegistry) EncodeHistogram(id model.TaskID) (data []byte, version uint64, ok bool) {
	r.mu.RLock()
	e, found := r.tasks[id]
	r.mu.RUnlock()
	if !found {
		return nil, 0, false
	}
	return e.st.encodeHistogram()
}
