// Package taskscope is the public API for embedding the task telemetry
// monitor into an asynchronous runtime.
//
// The runtime registers its instrumentation sites once, then reports raw
// events through task handles on its polling hot path:
//
//	mon, err := taskscope.New(
//	    taskscope.WithVersion(version),
//	    taskscope.WithLogger(logger),
//	)
//	if err != nil { ... }
//	go mon.Run(ctx)
//
//	site := mon.RegisterSite("my_task", "my_runtime::worker")
//	task := mon.Spawn(site, taskscope.KindSpawn, nil)
//	task.PollStart()
//	// ... resume the task ...
//	task.PollEnd()
//	task.Complete()
//
// Subscribers attach over HTTP (default 127.0.0.1:6669) and receive
// incremental per-subscriber update streams.
//
// The import graph enforces a strict no-cycle rule: taskscope (root)
// imports internal/*, but internal/* never imports the root.
package taskscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/zoobzio/clockz"

	"github.com/taskscope/taskscope/internal/aggregator"
	"github.com/taskscope/taskscope/internal/config"
	"github.com/taskscope/taskscope/internal/model"
	"github.com/taskscope/taskscope/internal/registry"
	"github.com/taskscope/taskscope/internal/server"
	"github.com/taskscope/taskscope/internal/telemetry"
)

// Monitor is the aggregator lifecycle: registries, dispatcher, and the
// subscriber-facing HTTP server. Construct with New(), run with Run().
type Monitor struct {
	cfg        config.Config
	logger     *slog.Logger
	clock      clockz.Clock
	meta       *registry.MetadataRegistry
	tasks      *registry.TaskRegistry
	dispatcher *aggregator.Dispatcher
	srv        *server.Server
	version    string
}

// New initialises a monitor: loads configuration, applies options, and
// wires the registries, dispatcher, and HTTP server. It does NOT start any
// goroutines or accept connections — call Run().
func New(opts ...Option) (*Monitor, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.publishInterval > 0 {
		cfg.PublishInterval = o.publishInterval
	}
	if o.retention > 0 {
		cfg.Retention = o.retention
	}
	if o.subscriberBuffer > 0 {
		cfg.SubscriberBuffer = o.subscriberBuffer
	}

	clock := o.clock
	if clock == nil {
		clock = clockz.RealClock
	}

	meta := registry.NewMetadataRegistry()
	tasks := registry.NewTaskRegistry(logger, clock)
	dispatcher := aggregator.New(tasks, meta, logger, clock, aggregator.Config{
		PublishInterval: cfg.PublishInterval,
		Retention:       cfg.Retention,
		BufferSize:      cfg.SubscriberBuffer,
	})
	srv := server.New(server.Config{
		Dispatcher:  dispatcher,
		Logger:      logger,
		Addr:        cfg.Addr,
		ReadTimeout: cfg.ReadTimeout,
		Version:     o.version,
	})

	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		meta:       meta,
		tasks:      tasks,
		dispatcher: dispatcher,
		srv:        srv,
		version:    o.version,
	}, nil
}

// Run starts the dispatcher tick loop and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (m *Monitor) Run(ctx context.Context) error {
	otelShutdown, err := telemetry.Init(ctx, m.cfg.OTELEndpoint, m.cfg.ServiceName, m.version, m.cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	m.tasks.RegisterMetrics()
	m.dispatcher.RegisterMetrics()

	m.logger.Info("taskscope starting",
		"version", m.version,
		"addr", m.cfg.Addr,
		"publish_interval", m.cfg.PublishInterval,
		"retention", m.cfg.Retention)

	m.dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- m.srv.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// RegisterSite interns an instrumentation-site descriptor for spawned
// tasks, returning its stable id. Registering an equivalent descriptor
// again returns the existing id.
func (m *Monitor) RegisterSite(name, target string, fieldNames ...string) MetaID {
	return m.meta.Intern(name, target, model.MetaKindSpan, fieldNames)
}

// Spawn records a new task and returns the handle the runtime uses to
// report its subsequent events. Parents are ordered immediate parent
// first, root last.
func (m *Monitor) Spawn(site MetaID, kind TaskKind, fields []Field, parents ...SpanID) TaskHandle {
	h := m.tasks.Spawn(site, kind, fields, parents)
	return TaskHandle{m: m, h: h}
}

// TaskHandle reports one task's lifecycle events. All methods are safe for
// concurrent use and near-constant-time; they are designed to sit on the
// runtime's polling hot path.
type TaskHandle struct {
	m *Monitor
	h registry.Handle
}

// ID returns the task's wire-visible id.
func (t TaskHandle) ID() TaskID { return t.h.ID() }

// PollStart records the beginning of one poll.
func (t TaskHandle) PollStart() { t.m.tasks.PollStart(t.h, t.m.clock.Now()) }

// PollEnd records the end of the in-flight poll.
func (t TaskHandle) PollEnd() { t.m.tasks.PollEnd(t.h, t.m.clock.Now()) }

// Wake records a waker invocation.
func (t TaskHandle) Wake() { t.m.tasks.Wake(t.h, t.m.clock.Now()) }

// WakerClone records a waker clone.
func (t TaskHandle) WakerClone() { t.m.tasks.WakerClone(t.h) }

// WakerDrop records a waker drop.
func (t TaskHandle) WakerDrop() { t.m.tasks.WakerDrop(t.h) }

// Complete marks the task finished. Its final stats are frozen and the
// task disappears from subscriber streams by omission.
func (t TaskHandle) Complete() { t.m.tasks.Complete(t.h) }

// Handler returns the monitor's HTTP handler, for embedding into an
// existing server or for tests.
func (m *Monitor) Handler() http.Handler { return m.srv.Handler() }
