package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerMapDispatchOrder(t *testing.T) {
	m := NewListenerMap()

	var order []int
	m.Add("ev", func(json.RawMessage) error { order = append(order, 1); return nil })
	m.Add("ev", func(json.RawMessage) error { panic("boom") })
	m.Add("ev", func(json.RawMessage) error { order = append(order, 3); return errors.New("three") })
	m.Add("other", func(json.RawMessage) error { order = append(order, 99); return nil })
	m.Add("ev", func(json.RawMessage) error { order = append(order, 4); return nil })

	errs := m.Dispatch("ev", json.RawMessage(`[]`))

	assert.Equal(t, []int{1, 3, 4}, order)
	require.Len(t, errs, 2)
	assert.Equal(t, ListenerID(2), errs[0].Listener)
	assert.Contains(t, errs[0].Error(), "boom")
	assert.Equal(t, ListenerID(3), errs[1].Listener)
	assert.Equal(t, "ev", errs[1].Event)
}

func TestListenerMapRemove(t *testing.T) {
	m := NewListenerMap()
	called := false
	id := m.Add("ev", func(json.RawMessage) error { called = true; return nil })

	assert.Equal(t, 1, m.Count("ev"))
	assert.False(t, m.Remove("ev", id+1))
	assert.False(t, m.Remove("nope", id))
	assert.True(t, m.Remove("ev", id))
	assert.Equal(t, 0, m.Count("ev"))

	assert.Empty(t, m.Dispatch("ev", nil))
	assert.False(t, called)
}

func TestListenerMapRemoveDuringDispatch(t *testing.T) {
	m := NewListenerMap()

	var second ListenerID
	calls := 0
	m.Add("ev", func(json.RawMessage) error {
		m.Remove("ev", second)
		return nil
	})
	second = m.Add("ev", func(json.RawMessage) error { calls++; return nil })

	m.Dispatch("ev", nil)
	assert.Equal(t, 1, calls, "removal applies from the next dispatch")

	m.Dispatch("ev", nil)
	assert.Equal(t, 1, calls)
}

func TestListenerMapClear(t *testing.T) {
	m := NewListenerMap()
	m.Add("a", func(json.RawMessage) error { return nil })
	m.Add("b", func(json.RawMessage) error { return nil })
	m.Clear()
	assert.Equal(t, 0, m.Count("a"))
	assert.Equal(t, 0, m.Count("b"))
}

func TestFutureSettlesOnce(t *testing.T) {
	f := newFuture(1, "x/y")

	assert.True(t, f.settle(json.RawMessage(`1`), nil))
	assert.False(t, f.settle(nil, ErrClosed))

	res, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`1`), res)
}

func TestFutureAwaitContext(t *testing.T) {
	f := newFuture(2, "x/y")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.settle(nil, &RemoteError{Name: "E", Message: "m"})
	_, err = f.Await(context.Background())
	var remote *RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestCallOutcome(t *testing.T) {
	assert.Equal(t, "reply", callOutcome(nil))
	assert.Equal(t, "error", callOutcome(&RemoteError{Name: "E"}))
	assert.Equal(t, "channel_lost", callOutcome(ErrChannelLost))
	assert.Equal(t, "closed", callOutcome(ErrClosed))
}
