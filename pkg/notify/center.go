// Package notify shows loader notifications through the host shell, keeping at
// most one visible notification per kind.
package notify

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/pkg/host"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Well-known kinds. Plugin failures use PluginErrorKind(name).
const (
	KindLoaderUpdate  = "loader-update"
	KindPluginUpdates = "plugin-updates"
)

// PluginErrorKind is the kind used for a plugin's load failure.
func PluginErrorKind(plugin string) string {
	return "plugin-error:" + plugin
}

// ID identifies one shown notification.
type ID string

// Notification is the content of a notification.
type Notification struct {
	Title    string
	Body     string
	Level    string // info, warning or error
	Duration time.Duration
}

// Toaster is the part of host.Adapter the center needs.
type Toaster interface {
	Toast(t host.Toast) error
	DismissToast(id string) error
}

// Active describes a visible notification.
type Active struct {
	Kind         string
	ID           ID
	Notification Notification
	ShownAt      time.Time
}

// Center deduplicates notifications by kind.
type Center struct {
	toaster Toaster
	logger  zerolog.Logger

	mu     sync.Mutex
	active map[string]Active
}

// New creates a notification center that displays through toaster.
func New(toaster Toaster, logger zerolog.Logger) *Center {
	observability.EnsureRegistered()
	return &Center{
		toaster: toaster,
		logger:  logger.With().Str("component", "notify").Logger(),
		active:  make(map[string]Active),
	}
}

// Show dismisses any visible notification of the same kind, then shows n.
// A toaster failure is logged; the returned ID is still tracked so a later
// Show or Dismiss of the kind cleans it up.
func (c *Center) Show(kind string, n Notification) ID {
	raw, err := gonanoid.New()
	if err != nil {
		raw = kind + "-" + time.Now().Format("150405.000000")
	}
	id := ID(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.active[kind]; ok {
		c.dismissLocked(prev)
	}

	if n.Level == "" {
		n.Level = "info"
	}
	err = c.toaster.Toast(host.Toast{
		ID:       string(id),
		Title:    n.Title,
		Body:     n.Body,
		Level:    n.Level,
		Duration: n.Duration,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("kind", kind).Msg("Failed to show notification")
	}

	c.active[kind] = Active{Kind: kind, ID: id, Notification: n, ShownAt: time.Now()}
	observability.RecordNotification(kindLabel(kind))
	c.logger.Debug().Str("kind", kind).Str("id", string(id)).Msg("Notification shown")
	return id
}

// Dismiss hides the visible notification of kind. Reports whether one was visible.
func (c *Center) Dismiss(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.active[kind]
	if !ok {
		return false
	}
	c.dismissLocked(prev)
	return true
}

func (c *Center) dismissLocked(a Active) {
	delete(c.active, a.Kind)
	if err := c.toaster.DismissToast(string(a.ID)); err != nil {
		c.logger.Warn().Err(err).Str("kind", a.Kind).Str("id", string(a.ID)).Msg("Failed to dismiss notification")
	}
}

// Active returns the visible notifications sorted by kind.
func (c *Center) Active() []Active {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Active, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// kindLabel keeps plugin names out of metric labels.
func kindLabel(kind string) string {
	if strings.HasPrefix(kind, "plugin-error:") {
		return "plugin-error"
	}
	return kind
}
