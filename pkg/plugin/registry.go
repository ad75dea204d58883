package plugin

import (
	"sync"
	"sync/atomic"

	"github.com/harun/plughost/internal/observability"
)

// Registry owns the plugin descriptors. Writers (the manager, under the reload
// lock) mutate the working set and Publish; readers only ever see published
// immutable snapshots.
type Registry struct {
	mu          sync.Mutex
	byName      map[string]*Descriptor
	order       []string // load order
	subscribers map[int]func([]*Descriptor)
	nextSub     int

	snapshot atomic.Pointer[[]*Descriptor]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		byName:      make(map[string]*Descriptor),
		subscribers: make(map[int]func([]*Descriptor)),
	}
	empty := []*Descriptor{}
	r.snapshot.Store(&empty)
	return r
}

// Get looks up the working descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	return d, ok
}

// Put adds or replaces the descriptor for d.Name. A new name goes to the end
// of the load order; a replacement keeps its position.
func (r *Registry) Put(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.byName[d.Name] = d
}

// Remove drops the descriptor for name. Reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish swaps in a new snapshot of the working set and notifies subscribers.
func (r *Registry) Publish() []*Descriptor {
	r.mu.Lock()
	snap := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		snap = append(snap, r.byName[name])
	}
	r.snapshot.Store(&snap)
	subs := make([]func([]*Descriptor), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	observability.SetRegisteredPlugins(len(snap))
	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// Snapshot returns the last published descriptors in load order. The slice
// must not be modified.
func (r *Registry) Snapshot() []*Descriptor {
	return *r.snapshot.Load()
}

// Subscribe registers fn to receive every published snapshot. The returned
// function unsubscribes.
func (r *Registry) Subscribe(fn func([]*Descriptor)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Arrange orders descriptors for presentation: names listed in order come
// first in that order, the rest keep load order. Hidden names are filtered
// out but stay loaded.
func Arrange(descriptors []*Descriptor, order, hidden []string) []*Descriptor {
	hide := make(map[string]bool, len(hidden))
	for _, name := range hidden {
		hide[name] = true
	}

	byName := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}

	out := make([]*Descriptor, 0, len(descriptors))
	placed := make(map[string]bool, len(descriptors))
	for _, name := range order {
		d, ok := byName[name]
		if !ok || placed[name] {
			continue
		}
		placed[name] = true
		if !hide[name] {
			out = append(out, d)
		}
	}
	for _, d := range descriptors {
		if placed[d.Name] || hide[d.Name] {
			continue
		}
		out = append(out, d)
	}
	return out
}
