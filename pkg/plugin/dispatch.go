package plugin

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harun/plughost/internal/observability"
	"github.com/rs/zerolog"
)

// PluginEventRoute is the backend event carrying plugin-scoped events.
const PluginEventRoute = "loader/plugin_event"

// PluginEvent is the payload of a loader/plugin_event frame.
type PluginEvent struct {
	Plugin string          `json:"plugin"`
	Event  string          `json:"event"`
	Args   json.RawMessage `json:"args"`
}

// EventDispatcher routes plugin-scoped events to the owning capability.
type EventDispatcher struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	caps map[string]*Capability
}

// NewEventDispatcher creates an empty dispatcher.
func NewEventDispatcher(logger zerolog.Logger) *EventDispatcher {
	return &EventDispatcher{
		logger: logger.With().Str("component", "plugin-events").Logger(),
		caps:   make(map[string]*Capability),
	}
}

func (d *EventDispatcher) register(c *Capability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[c.name] = c
}

func (d *EventDispatcher) unregister(name string) *Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.caps[name]
	if !ok {
		return nil
	}
	delete(d.caps, name)
	return c
}

// Capability returns the live capability for plugin.
func (d *EventDispatcher) Capability(plugin string) (*Capability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.caps[plugin]
	return c, ok
}

// HandleFrame is the router listener for PluginEventRoute. The args array
// holds one PluginEvent. It never returns an error for unknown plugins; those
// events are logged and dropped.
func (d *EventDispatcher) HandleFrame(args json.RawMessage) error {
	var payload []PluginEvent
	if err := json.Unmarshal(args, &payload); err != nil || len(payload) == 0 {
		return fmt.Errorf("malformed plugin event: %s", string(args))
	}
	d.Dispatch(payload[0])
	return nil
}

// Dispatch delivers ev to its plugin's listeners.
func (d *EventDispatcher) Dispatch(ev PluginEvent) {
	c, ok := d.Capability(ev.Plugin)
	if !ok {
		d.logger.Warn().
			Str("plugin", ev.Plugin).
			Str("event", ev.Event).
			Msg("Dropping event for unknown plugin")
		observability.RecordDroppedFrame("unknown_plugin")
		return
	}

	args := ev.Args
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("[]")
	}

	errs := c.dispatch(ev.Event, args)
	for _, err := range errs {
		c.logger.Error().
			Err(err.Err).
			Str("event", ev.Event).
			Uint64("listener", uint64(err.Listener)).
			Msg("Plugin event listener failed")
	}
	observability.RecordEventDispatch("plugin", len(errs))
}
