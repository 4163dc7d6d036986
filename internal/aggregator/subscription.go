package aggregator

import (
	"github.com/google/uuid"

	"github.com/taskscope/taskscope/internal/model"
)

// Subscription is one attached watch-tasks stream. Updates arrive on
// Updates(); the channel is closed by Close. Closing discards the cursor
// and any buffered undelivered deltas immediately — detach takes effect
// before the next scheduled delivery.
type Subscription struct {
	id uuid.UUID
	ch chan model.TaskUpdate
	d  *Dispatcher
}

// ID returns the subscriber's identity, used in logs.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Updates returns the delivery channel. Updates the subscriber fails to
// drain in time are dropped, not queued unboundedly.
func (s *Subscription) Updates() <-chan model.TaskUpdate { return s.ch }

// Close detaches the subscriber. Safe to call once per subscription.
func (s *Subscription) Close() { s.d.unsubscribe(s.id) }

// DetailSubscription is one attached details stream for a single task.
// The channel is closed when the task completes, when the task is evicted,
// or on Close.
type DetailSubscription struct {
	id uuid.UUID
	ch chan model.TaskDetails
	d  *Dispatcher
}

// Details returns the delivery channel.
func (s *DetailSubscription) Details() <-chan model.TaskDetails { return s.ch }

// Close detaches the details subscriber. Safe to call even after the
// stream has already ended on its own.
func (s *DetailSubscription) Close() { s.d.unwatchDetails(s.id) }
