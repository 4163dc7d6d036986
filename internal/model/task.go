// Package model defines the wire-contract types for the task telemetry
// protocol: metadata descriptors, task records, per-task stats, and the
// per-subscriber update envelopes.
package model

import (
	"fmt"
	"time"
)

// MetaID identifies one metadata descriptor. Unique for the process
// lifetime; never reused. IDs are allocated densely in registration order
// starting at 1.
type MetaID uint64

// SpanID identifies a tracing span instance (a task or a non-task span).
// Unique among currently-live spans.
type SpanID uint64

// TaskID identifies a task among currently-live tasks. Reused only after
// the task's completion has been observed and its retention window passed.
type TaskID uint64

// TaskKind classifies how a task entered the runtime.
type TaskKind string

const (
	// TaskKindSpawn is an ordinary asynchronous task.
	TaskKindSpawn TaskKind = "spawn"
	// TaskKindBlocking is a task running on the blocking thread pool.
	TaskKindBlocking TaskKind = "blocking"
)

// MetaKind distinguishes span-shaped from event-shaped instrumentation sites.
type MetaKind string

const (
	MetaKindSpan  MetaKind = "span"
	MetaKindEvent MetaKind = "event"
)

// ValidateTaskKind checks that k is one of the known task kinds.
func ValidateTaskKind(k TaskKind) error {
	switch k {
	case TaskKindSpawn, TaskKindBlocking:
		return nil
	}
	return fmt.Errorf("model: unknown task kind %q", k)
}

// Metadata is a static descriptor of one instrumentation site. Immutable
// after registration.
type Metadata struct {
	ID         MetaID   `json:"id"`
	Name       string   `json:"name"`
	Target     string   `json:"target"`
	Kind       MetaKind `json:"kind"`
	FieldNames []string `json:"field_names,omitempty"`
}

// Field is one name/value pair recorded at a task's spawn site. The name is
// either a literal string or an index into the owning metadata's field-name
// schema. Exactly one value field is set.
type Field struct {
	Name    string  `json:"name,omitempty"`
	NameIdx *uint64 `json:"name_idx,omitempty"`

	Str   *string `json:"str,omitempty"`
	Int   *int64  `json:"int,omitempty"`
	Uint  *uint64 `json:"uint,omitempty"`
	Bool  *bool   `json:"bool,omitempty"`
	Debug *string `json:"debug,omitempty"`
}

// StrField builds a string-valued field with a literal name.
func StrField(name, value string) Field {
	return Field{Name: name, Str: &value}
}

// UintField builds an unsigned-integer-valued field with a literal name.
func UintField(name string, value uint64) Field {
	return Field{Name: name, Uint: &value}
}

// Task is the immutable record created at spawn time. Parents are ordered
// immediate parent first, root last.
type Task struct {
	ID       TaskID   `json:"id"`
	Metadata MetaID   `json:"metadata"`
	Kind     TaskKind `json:"kind"`
	Fields   []Field  `json:"fields,omitempty"`
	Parents  []SpanID `json:"parents,omitempty"`
}

// Stats is a point-in-time aggregate of one task's runtime behaviour.
// Optional timestamps are nil until their triggering event has occurred;
// nil is distinct from "occurred at the zero time".
//
// TotalTime is derived, not stored: it is filled at snapshot time as
// now - CreatedAt (or completion time - CreatedAt for completed tasks),
// with a single now shared by every task in one outgoing update.
type Stats struct {
	Polls           uint64        `json:"polls"`
	CreatedAt       time.Time     `json:"created_at"`
	FirstPoll       *time.Time    `json:"first_poll,omitempty"`
	LastPollStarted *time.Time    `json:"last_poll_started,omitempty"`
	LastPollEnded   *time.Time    `json:"last_poll_ended,omitempty"`
	BusyTime        time.Duration `json:"busy_time"`
	TotalTime       time.Duration `json:"total_time"`
	Wakes           uint64        `json:"wakes"`
	WakerClones     uint64        `json:"waker_clones"`
	WakerDrops      uint64        `json:"waker_drops"`
	LastWake        *time.Time    `json:"last_wake,omitempty"`
}
