package transport

import (
	"encoding/json"
	"fmt"
)

// FrameType is the numeric "type" discriminator of a wire frame.
type FrameType int

const (
	FrameCall  FrameType = 0
	FrameReply FrameType = 1
	FrameError FrameType = -1
	FrameEvent FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameCall:
		return "call"
	case FrameReply:
		return "reply"
	case FrameError:
		return "error"
	case FrameEvent:
		return "event"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Frame is one protocol message. Which fields are set depends on Type:
//
//	call  {type, route, args, id}
//	reply {type, result, id}
//	error {type, error, id}
//	event {type, event, args}
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     int64           `json:"id,omitempty"`
	Route  string          `json:"route,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Name      string  `json:"name"`
	Message   string  `json:"error"`
	Traceback *string `json:"traceback"`
}

// RemoteError converts the payload into the error handed to callers.
func (p *ErrorPayload) RemoteError() *RemoteError {
	e := &RemoteError{Name: p.Name, Message: p.Message}
	if p.Traceback != nil {
		e.Traceback = *p.Traceback
	}
	return e
}

// NewCallFrame encodes a call frame. A nil args slice is sent as [].
func NewCallFrame(id int64, route string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args for %s: %w", route, err)
	}
	return json.Marshal(Frame{
		Type:  FrameCall,
		ID:    id,
		Route: route,
		Args:  rawArgs,
	})
}

// ParseFrame decodes and validates an inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	switch f.Type {
	case FrameReply:
		if f.ID <= 0 {
			return nil, fmt.Errorf("invalid reply: missing id")
		}
		if f.Result == nil {
			f.Result = json.RawMessage("null")
		}
	case FrameError:
		if f.ID <= 0 {
			return nil, fmt.Errorf("invalid error frame: missing id")
		}
		if f.Error == nil {
			return nil, fmt.Errorf("invalid error frame: missing error payload")
		}
	case FrameEvent:
		if f.Event == "" {
			return nil, fmt.Errorf("invalid event: missing event name")
		}
		if f.Args == nil {
			f.Args = json.RawMessage("[]")
		}
	case FrameCall:
		if f.Route == "" {
			return nil, fmt.Errorf("invalid call: missing route")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %d", int(f.Type))
	}

	return &f, nil
}
