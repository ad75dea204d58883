package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed settles calls still pending when the router is closed.
	ErrClosed = errors.New("transport: router closed")
	// ErrChannelLost settles pending calls on disconnect when
	// Options.RejectPendingOnDisconnect is set.
	ErrChannelLost = errors.New("transport: channel lost")
)

// RemoteError is an exception raised by the backend for a call.
type RemoteError struct {
	Name      string
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return "remote error: " + e.Message
	}
	return fmt.Sprintf("remote error: %s: %s", e.Name, e.Message)
}

// ListenerError wraps a failure inside one event listener.
type ListenerError struct {
	Event    string
	Listener ListenerID
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d for %q: %v", e.Listener, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// ChannelError describes a transport failure. It triggers a reconnect and is
// only ever logged.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
