package settings

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	routeGet = "utilities/settings/get"
	routeSet = "utilities/settings/set"
)

// Caller issues a call over the backend channel.
type Caller interface {
	Call(ctx context.Context, route string, args ...any) (json.RawMessage, error)
}

// RemoteStore keeps settings in the backend's settings file.
type RemoteStore struct {
	caller Caller
}

var _ Store = (*RemoteStore)(nil)

// NewRemoteStore creates a store backed by the settings routes.
func NewRemoteStore(caller Caller) *RemoteStore {
	return &RemoteStore{caller: caller}
}

func (r *RemoteStore) Get(ctx context.Context, key string, def any) (any, error) {
	result, err := r.caller.Call(ctx, routeGet, key, def)
	if err != nil {
		return def, fmt.Errorf("failed to get setting %s: %w", key, err)
	}

	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return def, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	if v == nil {
		return def, nil
	}
	return v, nil
}

func (r *RemoteStore) Set(ctx context.Context, key string, value any) error {
	if _, err := r.caller.Call(ctx, routeSet, key, value); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}
