// Package aggregator turns the shared task registry into per-subscriber
// incremental update streams. A single tick loop drives diff computation;
// each subscriber has an independent cursor and a bounded delivery queue so
// a slow consumer never blocks ingestion or other subscribers.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskscope/taskscope/internal/model"
	"github.com/taskscope/taskscope/internal/registry"
	"github.com/taskscope/taskscope/internal/telemetry"
)

// ErrUnknownTask is returned by WatchDetails for an id that is not live
// (never spawned, already completed, or already evicted).
var ErrUnknownTask = errors.New("aggregator: unknown or completed task")

// Config holds dispatcher tuning. Zero values are replaced with defaults.
type Config struct {
	// PublishInterval is the tick cadence.
	PublishInterval time.Duration
	// Retention bounds how long a completed task is kept for subscribers
	// that have not yet observed its completion. After this grace period
	// the record is evicted even if a subscriber stalled permanently.
	Retention time.Duration
	// BufferSize is the per-subscriber delivery queue depth. When a queue
	// is full the update is dropped for that subscriber and counted.
	BufferSize int
}

const (
	defaultPublishInterval = time.Second
	defaultRetention       = 10 * time.Second
	defaultBufferSize      = 64
)

func (c Config) withDefaults() Config {
	if c.PublishInterval <= 0 {
		c.PublishInterval = defaultPublishInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// watcher is one subscriber's cursor on the watch-tasks stream: which tasks
// and metadata entries have been sent, and at which stats version.
type watcher struct {
	id       uuid.UUID
	ch       chan model.TaskUpdate
	sent     map[model.TaskID]uint64 // last sent stats version; membership = announced in new_tasks
	metaSent int                     // count of metadata entries already sent
}

// detailWatcher is one subscriber's cursor on a single task's details
// stream. histSent tracks the last histogram version serialized for it.
type detailWatcher struct {
	id       uuid.UUID
	taskID   model.TaskID
	ch       chan model.TaskDetails
	histSent uint64
}

// Dispatcher owns all subscriber cursors and runs the periodic tick loop.
type Dispatcher struct {
	tasks  *registry.TaskRegistry
	meta   *registry.MetadataRegistry
	logger *slog.Logger
	clock  clockz.Clock
	cfg    Config

	mu       sync.Mutex
	watchers map[uuid.UUID]*watcher
	details  map[uuid.UUID]*detailWatcher

	droppedUpdates atomic.Int64
}

// New creates a dispatcher over the given registries. A nil clock defaults
// to the real clock. Call Start to begin ticking.
func New(tasks *registry.TaskRegistry, meta *registry.MetadataRegistry, logger *slog.Logger, clock clockz.Clock, cfg Config) *Dispatcher {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Dispatcher{
		tasks:    tasks,
		meta:     meta,
		logger:   logger,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		watchers: make(map[uuid.UUID]*watcher),
		details:  make(map[uuid.UUID]*detailWatcher),
	}
}

// Start launches the tick loop. It runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.cfg.PublishInterval):
			d.tick(d.clock.Now())
		}
	}
}

// Subscribe attaches a new watch-tasks subscriber with an empty cursor, so
// its first delta carries the full current state as new.
func (d *Dispatcher) Subscribe() *Subscription {
	w := &watcher{
		id:   uuid.New(),
		ch:   make(chan model.TaskUpdate, d.cfg.BufferSize),
		sent: make(map[model.TaskID]uint64),
	}
	d.mu.Lock()
	d.watchers[w.id] = w
	n := len(d.watchers)
	d.mu.Unlock()

	d.logger.Info("aggregator: subscriber attached", "subscriber", w.id, "subscribers", n)
	return &Subscription{id: w.id, ch: w.ch, d: d}
}

// WatchDetails attaches a details subscriber for one task. The stream ends
// when the task completes or the subscription is closed.
func (d *Dispatcher) WatchDetails(id model.TaskID) (*DetailSubscription, error) {
	snap, ok := d.tasks.Snapshot(id, d.clock.Now())
	if !ok || snap.Completed {
		return nil, ErrUnknownTask
	}
	dw := &detailWatcher{
		id:     uuid.New(),
		taskID: id,
		ch:     make(chan model.TaskDetails, d.cfg.BufferSize),
	}
	d.mu.Lock()
	d.details[dw.id] = dw
	d.mu.Unlock()
	return &DetailSubscription{id: dw.id, ch: dw.ch, d: d}, nil
}

// SubscriberCount returns the number of attached watch-tasks subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watchers)
}

// DroppedUpdates returns the total updates dropped on full subscriber
// queues. A non-zero value indicates data loss for stalled subscribers.
func (d *Dispatcher) DroppedUpdates() int64 {
	return d.droppedUpdates.Load()
}

// RegisterMetrics registers OTEL instruments for stream health. Called
// after the global meter provider has been initialized.
func (d *Dispatcher) RegisterMetrics() {
	meter := telemetry.Meter("taskscope/aggregator")

	_, _ = meter.Int64ObservableGauge("taskscope.subscribers",
		metric.WithDescription("Attached watch-tasks subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.SubscriberCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("taskscope.updates.dropped_total",
		metric.WithDescription("Updates dropped because a subscriber queue was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.droppedUpdates.Load())
			return nil
		}),
	)
}

// tick computes and enqueues one delta per subscriber, advances details
// streams, and sweeps completed tasks that no subscriber still needs.
//
// Snapshots are taken before the dispatcher lock: the diff itself runs on
// immutable copies, so cursor bookkeeping never contends with the ingest
// hot path.
func (d *Dispatcher) tick(now time.Time) {
	snaps := d.tasks.SnapshotAll(now)
	metaLen := d.meta.Len()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range d.watchers {
		dl := d.diff(w, snaps, metaLen, now)
		if dl == nil {
			continue // idle stream, no traffic
		}
		select {
		case w.ch <- dl.update:
			dl.commit(w, metaLen)
		default:
			// Queue full: leave the cursor untouched so the next tick
			// recomputes a superset delta. The subscriber loses this
			// tick's timing, not its data.
			d.droppedUpdates.Add(1)
			d.logger.Warn("aggregator: subscriber queue full, update dropped", "subscriber", w.id)
		}
	}

	d.tickDetails(snaps, now)
	d.sweep(snaps, now)
}

// delta is one computed-but-uncommitted subscriber update. Cursor
// bookkeeping is applied only once the update is enqueued, so a dropped
// update is recomputed (merged into a larger delta) on the next tick
// rather than silently lost.
type delta struct {
	update   model.TaskUpdate
	versions map[model.TaskID]uint64 // stats versions to record as sent
	removals []model.TaskID          // completed or evicted ids to forget
}

func (dl *delta) commit(w *watcher, metaLen int) {
	for id, v := range dl.versions {
		w.sent[id] = v
	}
	for _, id := range dl.removals {
		delete(w.sent, id)
	}
	w.metaSent = metaLen
}

// diff produces one subscriber's delta since its last committed send.
// Returns nil when there is nothing to say: no new tasks, no new metadata,
// no stats changes, and no newly-observed completions. A completion alone
// still forces an emission — it is signalled precisely by an update the
// task is absent from.
func (d *Dispatcher) diff(w *watcher, snaps []registry.TaskSnapshot, metaLen int, now time.Time) *delta {
	dl := &delta{
		update:   model.TaskUpdate{Now: now},
		versions: make(map[model.TaskID]uint64),
	}
	u := &dl.update

	if metaLen > w.metaSent {
		pending := d.meta.SliceFrom(w.metaSent)
		// Clamp to the tick's snapshot length: anything interned after the
		// snapshot belongs to the next tick, and the cursor commit only
		// accounts for metaLen entries.
		if len(pending) > metaLen-w.metaSent {
			pending = pending[:metaLen-w.metaSent]
		}
		u.NewMetadata = pending
	}

	live := make(map[model.TaskID]bool, len(snaps))
	for _, s := range snaps {
		id := s.Task.ID
		live[id] = true
		last, seen := w.sent[id]
		switch {
		case !seen:
			if s.Completed {
				continue // never sent to this subscriber; skip silently
			}
			u.NewTasks = append(u.NewTasks, s.Task)
			if u.StatsUpdate == nil {
				u.StatsUpdate = make(map[model.TaskID]model.Stats)
			}
			u.StatsUpdate[id] = s.Stats
			dl.versions[id] = s.Version
		case s.Completed:
			// Completion is reported as absence from stats_update after
			// the task was once present.
			dl.removals = append(dl.removals, id)
		case s.Version > last:
			if u.StatsUpdate == nil {
				u.StatsUpdate = make(map[model.TaskID]model.Stats)
			}
			u.StatsUpdate[id] = s.Stats
			dl.versions[id] = s.Version
		}
	}

	// Tasks evicted before this subscriber drained the completion update
	// (retention expiry) still end by omission.
	for id := range w.sent {
		if !live[id] {
			dl.removals = append(dl.removals, id)
		}
	}

	if u.Empty() && len(dl.removals) == 0 {
		return nil
	}
	return dl
}

// tickDetails advances every details stream: serialized histogram when it
// changed, heartbeat with an absent histogram otherwise. Streams for
// completed or evicted tasks are closed after their final message.
func (d *Dispatcher) tickDetails(snaps []registry.TaskSnapshot, now time.Time) {
	byID := make(map[model.TaskID]*registry.TaskSnapshot, len(snaps))
	for i := range snaps {
		byID[snaps[i].Task.ID] = &snaps[i]
	}

	for key, dw := range d.details {
		snap, ok := byID[dw.taskID]
		if !ok {
			close(dw.ch)
			delete(d.details, key)
			continue
		}

		det := model.TaskDetails{TaskID: dw.taskID, Now: now}
		histVersion := dw.histSent
		if snap.HistVersion > dw.histSent {
			if data, v, ok := d.tasks.EncodeHistogram(dw.taskID); ok {
				det.PollTimesHistogram = data
				histVersion = v
			}
		}
		select {
		case dw.ch <- det:
			dw.histSent = histVersion
		default:
			d.droppedUpdates.Add(1)
		}

		if snap.Completed {
			close(dw.ch)
			delete(d.details, key)
		}
	}
}

// sweep evicts completed tasks once every subscriber's cursor has dropped
// them (the completion was enqueued this tick or earlier) or once the
// retention window has passed — whichever comes first, so memory stays
// bounded even when a subscriber stalls permanently.
func (d *Dispatcher) sweep(snaps []registry.TaskSnapshot, now time.Time) {
	var evict []model.TaskID
	for _, s := range snaps {
		if !s.Completed {
			continue
		}
		if now.Sub(s.CompletedAt) >= d.cfg.Retention {
			evict = append(evict, s.Task.ID)
			continue
		}
		referenced := false
		for _, w := range d.watchers {
			if _, ok := w.sent[s.Task.ID]; ok {
				referenced = true
				break
			}
		}
		if !referenced {
			evict = append(evict, s.Task.ID)
		}
	}
	d.tasks.Remove(evict)
}

func (d *Dispatcher) unsubscribe(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.watchers[id]; ok {
		delete(d.watchers, id)
		close(w.ch)
	}
}

func (d *Dispatcher) unwatchDetails(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dw, ok := d.details[id]; ok {
		delete(d.details, id)
		close(dw.ch)
	}
}
