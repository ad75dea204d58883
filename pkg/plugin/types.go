package plugin

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/plughost/pkg/host"
)

// State is the lifecycle state of a plugin.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateErrored  State = "errored"
)

// LoadType selects the entry contract of a bundle.
type LoadType string

const (
	// LoadTypeLegacy bundles register themselves by calling definePlugin.
	LoadTypeLegacy LoadType = "legacy"
	// LoadTypeModule bundles return a module exposing an entry function.
	LoadTypeModule LoadType = "module"
)

// ParseLoadType maps the wire value to a LoadType. Empty means legacy.
func ParseLoadType(s string) (LoadType, error) {
	switch LoadType(s) {
	case "", LoadTypeLegacy:
		return LoadTypeLegacy, nil
	case LoadTypeModule:
		return LoadTypeModule, nil
	default:
		return "", fmt.Errorf("unknown load type %q", s)
	}
}

var (
	// ErrNotLoaded is returned for operations on a plugin that is not loaded.
	ErrNotLoaded = errors.New("plugin not loaded")
	// ErrEventsUnsupported is returned by API version 1 capabilities on
	// event subscription.
	ErrEventsUnsupported = errors.New("event listeners require api version 2")
)

// Descriptor is the registry's record of one plugin. A descriptor is never
// mutated after it is published; reloads replace it.
type Descriptor struct {
	Name       string
	Version    string
	LoadType   LoadType
	State      State
	Content    any
	Icon       any
	Err        error
	APIVersion int
	LoadedAt   time.Time

	// Cleanup is nil for errored descriptors.
	Cleanup func()

	slot        host.SlotID
	cleanupOnce sync.Once
}

// ErrorContent is the placeholder content of an errored descriptor.
type ErrorContent struct {
	Plugin  string
	Message string
}

func (c ErrorContent) String() string {
	return fmt.Sprintf("%s failed to load: %s", c.Plugin, c.Message)
}

// ImportRequest asks for a plugin to be (re)loaded. Deferred requests wait in
// the reload backlog in FIFO order.
type ImportRequest struct {
	Name     string
	Version  string
	LoadType LoadType
}

// ImportResult reports what ImportPlugin did.
type ImportResult struct {
	// Queued is true when the request was deferred to the backlog.
	Queued bool
	// Descriptor is the published descriptor when the import ran.
	Descriptor *Descriptor
}

// InstantiationError is the contained failure of one import.
type InstantiationError struct {
	Plugin string
	Stage  string // fetch, runtime, instantiate or mount
	Err    error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.Plugin, e.Stage, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}
