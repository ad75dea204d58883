// Package host is the seam between the loader and the graphical shell it is
// embedded in. The loader only ever talks to the shell through Adapter.
package host

import (
	"errors"
	"time"
)

// ErrUnknownSlot is returned when unregistering a slot that does not exist.
var ErrUnknownSlot = errors.New("host: unknown slot")

// SlotID identifies a registered slot.
type SlotID string

// SlotDescriptor is what a plugin contributes to the shell. Content and Icon
// are opaque to the loader.
type SlotDescriptor struct {
	Plugin  string
	Title   string
	Content any
	Icon    any
	Errored bool
}

// Toast is a transient notification shown by the shell.
type Toast struct {
	ID       string
	Title    string
	Body     string
	Level    string
	Duration time.Duration
}

// Adapter is implemented by the shell integration.
type Adapter interface {
	RegisterSlot(slot SlotDescriptor) (SlotID, error)
	UnregisterSlot(id SlotID) error
	// Ready is closed once the shell can accept slots.
	Ready() <-chan struct{}
	Toast(t Toast) error
	DismissToast(id string) error
}
