package plugin

import (
	"context"
	"fmt"
	"sync"
)

// Instance is what a plugin's entry point hands back.
type Instance struct {
	Title   string
	Content any
	Icon    any
	// Cleanup runs when the plugin is unloaded. Optional.
	Cleanup func()
}

// Instantiator evaluates a bundle and invokes its entry point with api. It
// never inspects the plugin beyond that contract.
type Instantiator interface {
	Instantiate(ctx context.Context, bundle *Bundle, loadType LoadType, api *Capability) (*Instance, error)
}

// EntryFunc is a Go plugin entry point.
type EntryFunc func(ctx context.Context, api *Capability) (*Instance, error)

// NativeRuntime instantiates plugins compiled into the host binary. Bundles
// name their entry point in the manifest; the code section is unused.
type NativeRuntime struct {
	mu      sync.RWMutex
	entries map[string]EntryFunc
}

var _ Instantiator = (*NativeRuntime)(nil)

// NewNativeRuntime creates a runtime with no entry points.
func NewNativeRuntime() *NativeRuntime {
	return &NativeRuntime{entries: make(map[string]EntryFunc)}
}

// Register makes fn available as entry point name, replacing any previous one.
func (r *NativeRuntime) Register(name string, fn EntryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = fn
}

func (r *NativeRuntime) Instantiate(ctx context.Context, bundle *Bundle, _ LoadType, api *Capability) (*Instance, error) {
	r.mu.RLock()
	fn, ok := r.entries[bundle.Manifest.Entry]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no native entry point %q", bundle.Manifest.Entry)
	}

	inst, err := fn(ctx, api)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		inst = &Instance{}
	}
	return inst, nil
}
