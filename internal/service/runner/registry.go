package runner

import (
	"sort"
	"sync"

	"github.com/splax/hoster/internal/domain"
)

type record struct {
	instance  domain.RunningInstance
	attemptID string
}

// Registry tracks live backends by owner/repo. Every method is atomic with
// respect to the others.
type Registry struct {
	mu      sync.Mutex
	entries map[string]record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]record{}}
}

// Get returns the instance registered under key.
func (r *Registry) Get(key string) (domain.RunningInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[key]
	return rec.instance, ok
}

// InsertIfAbsent registers inst unless its key is taken. It returns the
// instance now registered and whether inst was inserted.
func (r *Registry) InsertIfAbsent(inst domain.RunningInstance, attemptID string) (domain.RunningInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := inst.Key()
	if existing, ok := r.entries[key]; ok {
		return existing.instance, false
	}
	r.entries[key] = record{instance: inst, attemptID: attemptID}
	return inst, true
}

// RemoveIfPresent drops the entry for key only while it still refers to
// containerID, so a late monitor cannot evict a newer instance. It returns
// the attempt id of the removed entry.
func (r *Registry) RemoveIfPresent(key, containerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[key]
	if !ok || rec.instance.ContainerID != containerID {
		return "", false
	}
	delete(r.entries, key)
	return rec.attemptID, true
}

// List returns a snapshot ordered by key.
func (r *Registry) List() []domain.RunningInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RunningInstance, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, rec.instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Attempts returns the scratch identifiers of every registered instance.
func (r *Registry) Attempts() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.entries))
	for _, rec := range r.entries {
		if rec.attemptID != "" {
			out[rec.attemptID] = true
		}
	}
	return out
}

// Len reports the number of registered instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
