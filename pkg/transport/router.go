package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// State is the connection state of the router.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Options configures a Router.
type Options struct {
	// BaseURL is the backend's HTTP origin, e.g. http://127.0.0.1:1337.
	BaseURL string
	// TokenPath is fetched once per connect to obtain the bearer token.
	TokenPath string
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// RejectPendingOnDisconnect settles every pending call with
	// ErrChannelLost when the channel drops. Off by default: pending calls
	// are neither rejected nor replayed.
	RejectPendingOnDisconnect bool

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.TokenPath == "" {
		o.TokenPath = "/auth/token"
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

type inboundEvent struct {
	name string
	args json.RawMessage
}

// Router multiplexes calls, replies and events over one websocket channel to
// the backend.
type Router struct {
	opts    Options
	baseURL *url.URL
	logger  zerolog.Logger

	nextID atomic.Int64

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    chan struct{} // closed while conn is usable
	pending      map[int64]*Future
	token        string
	state        State
	closed       bool
	reconnecting bool
	stateFns     []func(State)

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	connectSF singleflight.Group

	listeners *ListenerMap

	eventMu     sync.Mutex
	eventQueue  []inboundEvent
	eventSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router. Nothing is dialed until Connect.
func NewRouter(opts Options) (*Router, error) {
	opts.applyDefaults()

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url: unsupported scheme %q", base.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		opts:        opts,
		baseURL:     base,
		logger:      opts.Logger.With().Str("component", "transport").Logger(),
		connected:   make(chan struct{}),
		pending:     make(map[int64]*Future),
		state:       StateDisconnected,
		ready:       make(chan struct{}),
		listeners:   NewListenerMap(),
		eventSignal: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	observability.EnsureRegistered()

	r.wg.Add(1)
	go r.dispatchLoop()

	return r, nil
}

// Connect opens the channel. Concurrent callers share one attempt. If the
// attempt fails a reconnect is scheduled and the error is returned.
func (r *Router) Connect(ctx context.Context) error {
	if r.isClosed() {
		return ErrClosed
	}

	ch := r.connectSF.DoChan("connect", func() (any, error) {
		return nil, r.dial(r.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil && !errors.Is(res.Err, ErrClosed) {
			r.scheduleReconnect()
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) dial(ctx context.Context) error {
	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.setState(StateConnecting)

	token, err := r.fetchToken(ctx)
	if err != nil {
		r.setState(StateDisconnected)
		return &ChannelError{Op: "auth", Err: err}
	}

	wsURL := r.channelURL(token)
	conn, resp, err := r.opts.Dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		r.setState(StateDisconnected)
		return &ChannelError{Op: "dial", Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	r.conn = conn
	r.token = token
	r.reconnecting = false
	close(r.connected)
	// Recorded with the connection, before the read loop can report a loss.
	fns, changed := r.transitionLocked(StateConnected)
	r.wg.Add(1)
	r.mu.Unlock()

	if changed {
		r.notifyState(StateConnected, fns)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	go r.readLoop(conn)

	r.logger.Info().Str("url", wsURL).Msg("Backend channel connected")
	return nil
}

func (r *Router) fetchToken(ctx context.Context) (string, error) {
	tokenURL := r.baseURL.JoinPath(r.opts.TokenPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: %s", resp.Status)
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("token request returned an empty token")
	}
	return token, nil
}

// channelURL builds ws(s)://host/ws?auth=<token>. The channel has no custom
// headers so the token travels as a query parameter.
func (r *Router) channelURL(token string) string {
	u := *r.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"auth": {token}}.Encode()
	return u.String()
}

// Call sends a call and waits for its settlement. ctx bounds only the local
// wait; it never cancels the remote call.
func (r *Router) Call(ctx context.Context, route string, args ...any) (json.RawMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "plughost.transport", "transport.call", attribute.String("route", route))
	fut, err := r.Send(ctx, route, args...)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}
	result, err := fut.Await(ctx)
	tracing.EndSpan(span, err)
	return result, err
}

// CallInto is Call followed by decoding the result into out.
func (r *Router) CallInto(ctx context.Context, out any, route string, args ...any) error {
	result, err := r.Call(ctx, route, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode result of %s: %w", route, err)
	}
	return nil
}

// Send writes a call frame and returns its Future. Until the channel is open
// the write waits behind the connected signal, bounded by ctx. A call whose
// frame was never written is forgotten and reports ctx's error.
func (r *Router) Send(ctx context.Context, route string, args ...any) (*Future, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	id := r.nextID.Add(1)
	data, err := NewCallFrame(id, route, args)
	if err != nil {
		return nil, err
	}

	fut := newFuture(id, route)
	r.mu.Lock()
	r.pending[id] = fut
	n := len(r.pending)
	r.mu.Unlock()
	observability.SetPendingCalls(n)

	if err := r.write(ctx, id, data); err != nil {
		if errors.Is(err, errSettledUnsent) {
			// Rejected by a channel loss before the frame went out; the
			// backend never sees this call.
			_, settleErr := fut.Await(context.Background())
			return nil, settleErr
		}
		r.forget(id)
		return nil, err
	}

	r.logger.Debug().Int64("id", id).Str("route", route).Msg("Call sent")
	return fut, nil
}

// errSettledUnsent marks a call that settled before its frame was written.
var errSettledUnsent = errors.New("transport: call settled before it was sent")

// write sends the frame of call id. It gives up once the call is no longer
// pending, so a call rejected by a channel loss is never written afterwards.
func (r *Router) write(ctx context.Context, id int64, data []byte) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		if _, ok := r.pending[id]; !ok {
			r.mu.Unlock()
			return errSettledUnsent
		}
		conn := r.conn
		connected := r.connected
		r.mu.Unlock()

		if conn == nil {
			select {
			case <-connected:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-r.ctx.Done():
				return ErrClosed
			}
		}

		r.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		r.writeMu.Unlock()
		if err == nil {
			return nil
		}
		r.handleChannelLoss(conn, &ChannelError{Op: "write", Err: err})
	}
}

func (r *Router) forget(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	n := len(r.pending)
	r.mu.Unlock()
	observability.SetPendingCalls(n)
}

func (r *Router) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.handleChannelLoss(conn, &ChannelError{Op: "read", Err: err})
			return
		}
		r.handleFrame(data)
	}
}

func (r *Router) handleFrame(data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		r.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
		observability.RecordDroppedFrame("malformed")
		return
	}

	switch frame.Type {
	case FrameReply:
		r.settle(frame.ID, frame.Result, nil)
	case FrameError:
		r.settle(frame.ID, nil, frame.Error.RemoteError())
	case FrameEvent:
		r.enqueueEvent(frame.Event, frame.Args)
	default:
		r.logger.Warn().Str("type", frame.Type.String()).Str("route", frame.Route).Msg("Dropping unsupported frame")
		observability.RecordDroppedFrame("unsupported")
	}
}

// settle resolves the pending call for id. Frames for ids that are unknown
// or already settled are logged and dropped.
func (r *Router) settle(id int64, result json.RawMessage, err error) {
	r.mu.Lock()
	fut, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	n := len(r.pending)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn().Int64("id", id).Msg("Dropping frame for unknown call id")
		observability.RecordDroppedFrame("unknown_id")
		return
	}
	observability.SetPendingCalls(n)

	if err != nil {
		r.logger.Debug().Int64("id", id).Str("route", fut.route).Err(err).Msg("Call failed")
	}
	fut.settle(result, err)
}

func (r *Router) handleChannelLoss(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.connected = make(chan struct{})
	closed := r.closed

	var rejected []*Future
	if r.opts.RejectPendingOnDisconnect && !closed {
		for id, fut := range r.pending {
			rejected = append(rejected, fut)
			delete(r.pending, id)
		}
	}
	n := len(r.pending)
	r.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	r.logger.Warn().Err(cause).Int("pending", n).Msg("Backend channel lost")
	for _, fut := range rejected {
		fut.settle(nil, ErrChannelLost)
	}
	observability.SetPendingCalls(n)

	r.setState(StateReconnecting)
	r.scheduleReconnect()
}

// scheduleReconnect waits the fixed delay and retries Connect until it
// succeeds or the router is closed. At most one loop runs; a successful dial
// clears the flag so the next loss can schedule again.
func (r *Router) scheduleReconnect() {
	r.mu.Lock()
	if r.closed || r.reconnecting {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(r.opts.ReconnectDelay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}

		attempt := 0
		err := retry.Do(r.ctx, retry.NewConstant(r.opts.ReconnectDelay), func(ctx context.Context) error {
			attempt++
			observability.RecordReconnect()

			res := <-r.connectSF.DoChan("connect", func() (any, error) {
				return nil, r.dial(ctx)
			})
			if res.Err != nil {
				if errors.Is(res.Err, ErrClosed) {
					return res.Err
				}
				r.logger.Warn().Err(res.Err).Int("attempt", attempt).Msg("Reconnect failed")
				return retry.RetryableError(res.Err)
			}
			return nil
		})
		if err != nil && r.ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Reconnect loop stopped")
		}
	}()
}

func (r *Router) enqueueEvent(name string, args json.RawMessage) {
	r.eventMu.Lock()
	r.eventQueue = append(r.eventQueue, inboundEvent{name: name, args: args})
	r.eventMu.Unlock()

	select {
	case r.eventSignal <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers events in arrival order on its own goroutine so a
// listener that issues a call never blocks reply processing.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.eventSignal:
		case <-r.ctx.Done():
			return
		}

		for {
			r.eventMu.Lock()
			if len(r.eventQueue) == 0 {
				r.eventMu.Unlock()
				break
			}
			ev := r.eventQueue[0]
			r.eventQueue[0] = inboundEvent{}
			r.eventQueue = r.eventQueue[1:]
			r.eventMu.Unlock()

			if r.ctx.Err() != nil {
				return
			}
			r.dispatch(ev)
		}
	}
}

func (r *Router) dispatch(ev inboundEvent) {
	errs := r.listeners.Dispatch(ev.name, ev.args)
	for _, err := range errs {
		r.logger.Error().Err(err.Err).Str("event", ev.name).Uint64("listener", uint64(err.Listener)).Msg("Event listener failed")
	}
	observability.RecordEventDispatch("global", len(errs))
}

// AddEventListener registers fn for backend events named event.
func (r *Router) AddEventListener(event string, fn Listener) ListenerID {
	return r.listeners.Add(event, fn)
}

// RemoveEventListener unregisters a listener added with AddEventListener.
func (r *Router) RemoveEventListener(event string, id ListenerID) bool {
	return r.listeners.Remove(event, id)
}

// OnStateChange registers a callback for connection state transitions.
func (r *Router) OnStateChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFns = append(r.stateFns, fn)
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	fns, changed := r.transitionLocked(s)
	r.mu.Unlock()

	if changed {
		r.notifyState(s, fns)
	}
}

// transitionLocked records s and returns the callbacks to run once r.mu is
// released. Callers hold r.mu.
func (r *Router) transitionLocked(s State) ([]func(State), bool) {
	if r.state == s || (r.closed && s != StateClosed) {
		return nil, false
	}
	r.state = s
	return append([]func(State){}, r.stateFns...), true
}

func (r *Router) notifyState(s State, fns []func(State)) {
	observability.SetConnected(s == StateConnected)
	r.logger.Debug().Str("state", string(s)).Msg("Channel state changed")
	for _, fn := range fns {
		fn(s)
	}
}

// State returns the current connection state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ready is closed after the first successful connect.
func (r *Router) Ready() <-chan struct{} {
	return r.ready
}

// Pending returns the number of unsettled calls.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Token returns the bearer token of the current connection.
func (r *Router) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// BaseURL returns the backend HTTP origin.
func (r *Router) BaseURL() *url.URL {
	u := *r.baseURL
	return &u
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close closes the channel, rejects every pending call with ErrClosed and
// waits for the router's goroutines to exit.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	pending := r.pending
	r.pending = make(map[int64]*Future)
	r.mu.Unlock()

	r.cancel()

	if conn != nil {
		r.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(time.Second),
		)
		r.writeMu.Unlock()
		conn.Close()
	}

	for _, fut := range pending {
		fut.settle(nil, ErrClosed)
	}
	observability.SetPendingCalls(0)

	r.wg.Wait()
	r.setState(StateClosed)
	r.logger.Info().Int("rejected", len(pending)).Msg("Backend channel closed")
	return nil
}
