// Package settings persists loader preferences such as pluginOrder,
// hiddenPlugins, frozenPlugins and notificationSettings.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Well-known keys.
const (
	KeyPluginOrder          = "pluginOrder"
	KeyHiddenPlugins        = "hiddenPlugins"
	KeyFrozenPlugins        = "frozenPlugins"
	KeyNotificationSettings = "notificationSettings"
)

// Store is a key/value preference store. Values are JSON-compatible.
type Store interface {
	// Get returns the stored value for key, or def when it is not set.
	Get(ctx context.Context, key string, def any) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// GetStrings reads a list of strings. Non-string elements are skipped.
func GetStrings(ctx context.Context, s Store, key string) ([]string, error) {
	v, err := s.Get(ctx, key, []any{})
	if err != nil {
		return nil, err
	}

	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("setting %s: expected a list, got %T", key, v)
	}
}

// GetBool reads a boolean. A dotted key such as
// "notificationSettings.loaderUpdates" reads a field of an object setting.
// Missing or non-boolean values yield def.
func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	root, field, nested := strings.Cut(key, ".")

	v, err := s.Get(ctx, root, nil)
	if err != nil {
		return def, err
	}
	if nested {
		obj, ok := v.(map[string]any)
		if !ok {
			return def, nil
		}
		v = obj[field]
	}

	b, ok := v.(bool)
	if !ok {
		return def, nil
	}
	return b, nil
}

// normalize round-trips v through JSON so every store hands back the same
// shapes ([]any, map[string]any, float64).
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryStore keeps settings in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (m *MemoryStore) Get(_ context.Context, key string, def any) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return def, nil
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
	return nil
}
