// Package registry provides thread-safe tracking of live instances keyed by
// unique identifier.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// ErrAlreadyRegistered is returned when a key is registered twice. Callers
// must generate fresh ids.
var ErrAlreadyRegistered = errors.New("registry: already registered")

// Registry is a thread-safe map of live instances. Entries implementing
// io.Closer are disposed when they are unregistered or when the registry
// shuts down.
type Registry[T any] struct {
	name string
	obs  ports.Observability

	mu    sync.Mutex
	items map[string]T
}

func New[T any](name string, obs ports.Observability) *Registry[T] {
	return &Registry[T]{
		name:  name,
		obs:   obs,
		items: make(map[string]T),
	}
}

// Register adds item under id, failing on a duplicate key.
func (r *Registry[T]) Register(id string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id]; exists {
		return fmt.Errorf("%w: %s %q", ErrAlreadyRegistered, r.name, id)
	}
	r.items[id] = item
	return nil
}

// Unregister removes and disposes the entry. Removing an absent id is a
// no-op with a logged warning.
func (r *Registry[T]) Unregister(id string) {
	r.mu.Lock()
	item, exists := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()

	if !exists {
		r.obs.LogWarn("registry_unregister_missing",
			ports.Field{Key: "registry", Value: r.name},
			ports.Field{Key: "id", Value: id})
		return
	}
	r.dispose(id, item)
}

// Get looks up one entry.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	return item, ok
}

// List returns a snapshot, safe to iterate against concurrent mutation.
func (r *Registry[T]) List() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	return out
}

// Len reports the current number of entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// CloseAll disposes and removes every remaining entry. Used on host shutdown.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]T)
	r.mu.Unlock()

	for id, item := range items {
		r.dispose(id, item)
	}
}

func (r *Registry[T]) dispose(id string, item T) {
	closer, ok := any(item).(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		r.obs.LogWarn("registry_dispose_failed",
			ports.Field{Key: "registry", Value: r.name},
			ports.Field{Key: "id", Value: id},
			ports.Field{Key: "error", Value: err.Error()})
	}
}
