package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/harun/plughost/internal/observability"
)

// Future is the pending result of one call. It settles exactly once.
type Future struct {
	id     int64
	route  string
	sentAt time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newFuture(id int64, route string) *Future {
	return &Future{
		id:     id,
		route:  route,
		sentAt: time.Now(),
		done:   make(chan struct{}),
	}
}

// ID returns the call id.
func (f *Future) ID() int64 { return f.id }

// Route returns the route the call was sent to.
func (f *Future) Route() string { return f.route }

// Done is closed once the call has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await waits for settlement. ctx only bounds this wait; the call itself
// stays pending and may still settle later.
func (f *Future) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle reports false when the future had already settled.
func (f *Future) settle(result json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		settled = true
		observability.RecordCall(callOutcome(err), time.Since(f.sentAt))
	})
	return settled
}

func callOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "reply"
	case errors.As(err, &remote):
		return "error"
	case errors.Is(err, ErrChannelLost):
		return "channel_lost"
	default:
		return "closed"
	}
}
