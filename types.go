package taskscope

import "github.com/taskscope/taskscope/internal/model"

// Aliases re-export the wire-contract types so embedders can name them
// without reaching into internal packages.
type (
	// TaskID identifies a task among currently-live tasks.
	TaskID = model.TaskID
	// SpanID identifies a tracing span instance used for parent nesting.
	SpanID = model.SpanID
	// MetaID identifies a registered instrumentation site.
	MetaID = model.MetaID
	// TaskKind classifies how a task entered the runtime.
	TaskKind = model.TaskKind
	// Field is one name/value pair recorded at spawn time.
	Field = model.Field
)

const (
	// KindSpawn is an ordinary asynchronous task.
	KindSpawn = model.TaskKindSpawn
	// KindBlocking is a task running on the blocking thread pool.
	KindBlocking = model.TaskKindBlocking
)

// StrField builds a string-valued spawn field.
func StrField(name, value string) Field { return model.StrField(name, value) }

// UintField builds an unsigned-integer-valued spawn field.
func UintField(name string, value uint64) Field { return model.UintField(name, value) }
