package taskscope

import (
	"log/slog"
	"time"

	"github.com/zoobzio/clockz"
)

// Option configures a Monitor.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	addr             string
	logger           *slog.Logger
	version          string
	publishInterval  time.Duration
	retention        time.Duration
	subscriberBuffer int
	clock            clockz.Clock
}

// WithAddr overrides the listen address from config (TASKSCOPE_ADDR env var).
func WithAddr(addr string) Option {
	return func(o *resolvedOptions) { o.addr = addr }
}

// WithLogger sets the structured logger for the Monitor.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPublishInterval overrides the dispatcher tick cadence
// (TASKSCOPE_PUBLISH_INTERVAL env var).
func WithPublishInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.publishInterval = d }
}

// WithRetention overrides the grace period for completed tasks not yet
// acknowledged by every subscriber (TASKSCOPE_RETENTION env var).
func WithRetention(d time.Duration) Option {
	return func(o *resolvedOptions) { o.retention = d }
}

// WithSubscriberBuffer overrides the per-subscriber delivery queue depth
// (TASKSCOPE_SUBSCRIBER_BUFFER env var).
func WithSubscriberBuffer(n int) Option {
	return func(o *resolvedOptions) { o.subscriberBuffer = n }
}

// WithClock injects the time source used for event timestamps and the tick
// loop. Defaults to the real clock; tests pass a fake.
func WithClock(clock clockz.Clock) Option {
	return func(o *resolvedOptions) { o.clock = clock }
}
