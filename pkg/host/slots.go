package host

import (
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

type slotEntry struct {
	id   SlotID
	slot SlotDescriptor
}

// SlotTable is an in-memory Adapter. It keeps slots in registration order and
// remembers visible toasts.
type SlotTable struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	slots  []slotEntry
	toasts map[string]Toast

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Adapter = (*SlotTable)(nil)

// NewSlotTable creates an empty table. It is not ready until MarkReady.
func NewSlotTable(logger zerolog.Logger) *SlotTable {
	return &SlotTable{
		logger: logger.With().Str("component", "host").Logger(),
		toasts: make(map[string]Toast),
		ready:  make(chan struct{}),
	}
}

// MarkReady closes the Ready channel. Safe to call more than once.
func (t *SlotTable) MarkReady() {
	t.readyOnce.Do(func() {
		close(t.ready)
		t.logger.Debug().Msg("Host ready")
	})
}

func (t *SlotTable) Ready() <-chan struct{} {
	return t.ready
}

func (t *SlotTable) RegisterSlot(slot SlotDescriptor) (SlotID, error) {
	if slot.Plugin == "" {
		return "", fmt.Errorf("slot plugin cannot be empty")
	}

	raw, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate slot id: %w", err)
	}
	id := SlotID(raw)

	t.mu.Lock()
	t.slots = append(t.slots, slotEntry{id: id, slot: slot})
	n := len(t.slots)
	t.mu.Unlock()

	t.logger.Debug().
		Str("slot", string(id)).
		Str("plugin", slot.Plugin).
		Bool("errored", slot.Errored).
		Int("slots", n).
		Msg("Slot registered")
	return id, nil
}

func (t *SlotTable) UnregisterSlot(id SlotID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.slots {
		if e.id != id {
			continue
		}
		t.slots = append(t.slots[:i:i], t.slots[i+1:]...)
		t.logger.Debug().Str("slot", string(id)).Str("plugin", e.slot.Plugin).Msg("Slot unregistered")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownSlot, id)
}

// Slots returns the registered slots in order.
func (t *SlotTable) Slots() []SlotDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SlotDescriptor, len(t.slots))
	for i, e := range t.slots {
		out[i] = e.slot
	}
	return out
}

func (t *SlotTable) Toast(toast Toast) error {
	if toast.ID == "" {
		return fmt.Errorf("toast id cannot be empty")
	}

	t.mu.Lock()
	t.toasts[toast.ID] = toast
	t.mu.Unlock()

	t.logger.Info().Str("toast", toast.ID).Str("title", toast.Title).Str("level", toast.Level).Msg(toast.Body)
	return nil
}

func (t *SlotTable) DismissToast(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.toasts[id]; !ok {
		return nil
	}
	delete(t.toasts, id)
	t.logger.Debug().Str("toast", id).Msg("Toast dismissed")
	return nil
}

// Toasts returns the currently visible toasts.
func (t *SlotTable) Toasts() []Toast {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Toast, 0, len(t.toasts))
	for _, toast := range t.toasts {
		out = append(out, toast)
	}
	return out
}
