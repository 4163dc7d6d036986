package registry

import (
	"strings"
	"sync"

	"github.com/taskscope/taskscope/internal/model"
)

// metaKey identifies one instrumentation site for interning. Two descriptors
// are equivalent when name, target, kind, and the field-name schema all match.
type metaKey struct {
	name   string
	target string
	kind   model.MetaKind
	fields string
}

// MetadataRegistry interns instrumentation-site descriptors and assigns
// stable numeric ids. Entries are append-only and never removed; ids are
// allocated densely in registration order, so a subscriber's "already sent"
// state is just a count of entries.
type MetadataRegistry struct {
	mu      sync.Mutex
	byKey   map[metaKey]model.MetaID
	entries []model.Metadata
}

// NewMetadataRegistry creates an empty metadata registry.
func NewMetadataRegistry() *MetadataRegistry {
	return &MetadataRegistry{byKey: make(map[metaKey]model.MetaID)}
}

// Intern returns the id of an equivalent previously-registered descriptor,
// or records the descriptor under a fresh id. New entries are pending
// announcement to every current and future subscriber.
func (r *MetadataRegistry) Intern(name, target string, kind model.MetaKind, fieldNames []string) model.MetaID {
	key := metaKey{
		name:   name,
		target: target,
		kind:   kind,
		fields: strings.Join(fieldNames, "\x1f"),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[key]; ok {
		return id
	}
	id := model.MetaID(len(r.entries) + 1)
	r.byKey[key] = id
	r.entries = append(r.entries, model.Metadata{
		ID:         id,
		Name:       name,
		Target:     target,
		Kind:       kind,
		FieldNames: append([]string(nil), fieldNames...),
	})
	return id
}

// Len returns the number of registered descriptors.
func (r *MetadataRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SliceFrom returns a copy of the descriptors registered at or after index n.
// Subscriber cursors call this with the count they have already been sent,
// which drains exactly their pending set.
func (r *MetadataRegistry) SliceFrom(n int) []model.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.entries) {
		return nil
	}
	out := make([]model.Metadata, len(r.entries)-n)
	copy(out, r.entries[n:])
	return out
}
