package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/harun/plughost/pkg/transport"
	"github.com/rs/zerolog"
)

// Supported capability API versions.
const (
	MinAPIVersion = 1
	MaxAPIVersion = 2
)

// Caller issues calls over the backend channel.
type Caller interface {
	Call(ctx context.Context, route string, args ...any) (json.RawMessage, error)
	CallInto(ctx context.Context, out any, route string, args ...any) error
}

// NegotiateVersion clamps requested into the supported range, logging a
// compatibility warning when it had to.
func NegotiateVersion(requested int, logger zerolog.Logger) int {
	switch {
	case requested < MinAPIVersion:
		logger.Warn().
			Int("requested", requested).
			Int("using", MinAPIVersion).
			Msg("Plugin requested an API version older than supported")
		return MinAPIVersion
	case requested > MaxAPIVersion:
		logger.Warn().
			Int("requested", requested).
			Int("using", MaxAPIVersion).
			Msg("Plugin requested an API version newer than supported")
		return MaxAPIVersion
	default:
		return requested
	}
}

// Capability is the handle a loaded plugin gets to the backend. Its routes are
// namespaced under the plugin name and its event listeners are private.
type Capability struct {
	name       string
	version    string
	apiVersion int
	caller     Caller
	listeners  *transport.ListenerMap
	logger     zerolog.Logger
	closed     atomic.Bool
}

func newCapability(name, version string, requested int, caller Caller, logger zerolog.Logger) *Capability {
	logger = logger.With().Str("plugin", name).Logger()
	return &Capability{
		name:       name,
		version:    version,
		apiVersion: NegotiateVersion(requested, logger),
		caller:     caller,
		listeners:  transport.NewListenerMap(),
		logger:     logger,
	}
}

func (c *Capability) Name() string    { return c.name }
func (c *Capability) Version() string { return c.version }
func (c *Capability) APIVersion() int { return c.apiVersion }

// Logger returns the plugin's logger.
func (c *Capability) Logger() zerolog.Logger { return c.logger }

// Route returns the namespaced form of route.
func (c *Capability) Route(route string) string {
	return c.name + "/" + strings.TrimPrefix(route, "/")
}

// Call calls the plugin's own backend route.
func (c *Capability) Call(ctx context.Context, route string, args ...any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, c.name)
	}
	return c.caller.Call(ctx, c.Route(route), args...)
}

// CallInto is Call followed by decoding the result into out.
func (c *Capability) CallInto(ctx context.Context, out any, route string, args ...any) error {
	result, err := c.Call(ctx, route, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

// Callable binds route into a function.
func (c *Capability) Callable(route string) func(ctx context.Context, args ...any) (json.RawMessage, error) {
	return func(ctx context.Context, args ...any) (json.RawMessage, error) {
		return c.Call(ctx, route, args...)
	}
}

// AddEventListener subscribes to events the backend emits for this plugin.
func (c *Capability) AddEventListener(event string, fn transport.Listener) (transport.ListenerID, error) {
	if c.apiVersion < 2 {
		return 0, ErrEventsUnsupported
	}
	if c.closed.Load() {
		return 0, fmt.Errorf("%w: %s", ErrNotLoaded, c.name)
	}
	return c.listeners.Add(event, fn), nil
}

// RemoveEventListener unsubscribes a listener. Reports whether it existed.
func (c *Capability) RemoveEventListener(event string, id transport.ListenerID) bool {
	return c.listeners.Remove(event, id)
}

func (c *Capability) dispatch(event string, args json.RawMessage) []*transport.ListenerError {
	if c.closed.Load() {
		return nil
	}
	return c.listeners.Dispatch(event, args)
}

// close detaches the capability from the plugin: listeners are dropped and
// further calls fail.
func (c *Capability) close() {
	c.closed.Store(true)
	c.listeners.Clear()
}
