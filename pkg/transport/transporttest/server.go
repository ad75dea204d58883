// Package transporttest provides an in-process fake backend speaking the
// plughost channel protocol, for tests.
package transporttest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/plughost/pkg/transport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ErrNoReply makes a handler leave the call unanswered.
var ErrNoReply = errors.New("transporttest: no reply")

// Failure is returned by a handler to produce an error frame with a
// specific exception name and traceback.
type Failure struct {
	Name      string
	Message   string
	Traceback string
}

func (f *Failure) Error() string { return f.Name + ": " + f.Message }

// Handler answers one route. args is the decoded args array.
type Handler func(args []json.RawMessage) (any, error)

// Call records a call frame the server received.
type Call struct {
	ClientID string
	ID       int64
	Route    string
	Args     []json.RawMessage
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server is a fake backend: GET /auth/token, the /ws channel and any extra
// HTTP handlers registered with HandleHTTP.
type Server struct {
	*httptest.Server

	Token string

	logger   zerolog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu            sync.Mutex
	handlers      map[string]Handler
	clients       map[string]*client
	calls         []Call
	callSignal    chan struct{}
	tokenRequests int
	rejectAuth    bool
	dropOnConnect bool

	inFlight sync.WaitGroup
}

// NewServer starts a fake backend and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Token:      "test-token-" + mustID(),
		logger:     zerolog.Nop(),
		mux:        http.NewServeMux(),
		handlers:   make(map[string]Handler),
		clients:    make(map[string]*client),
		callSignal: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("/auth/token", s.handleToken)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.Server = httptest.NewServer(s.mux)

	t.Cleanup(s.Shutdown)
	return s
}

func mustID() string {
	id, err := gonanoid.New()
	if err != nil {
		panic(err)
	}
	return id
}

// Shutdown closes every client connection and the HTTP server.
func (s *Server) Shutdown() {
	s.DropConnections()
	s.inFlight.Wait()
	s.Server.Close()
}

// HandleHTTP registers an extra HTTP handler, e.g. a bundle endpoint.
func (s *Server) HandleHTTP(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handle registers a route handler. Unhandled routes get a NotFound error frame.
func (s *Server) Handle(route string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[route] = h
}

// RejectAuth makes the channel refuse every connection with 403.
func (s *Server) RejectAuth(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = reject
}

// DropOnConnect makes the channel close every connection right after the
// upgrade, as a backend that crashes during the handshake would.
func (s *Server) DropOnConnect(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOnConnect = drop
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.Token))
}

// TokenRequests returns how many times the token endpoint was hit.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectAuth
	drop := s.dropOnConnect
	s.mu.Unlock()

	if reject || r.URL.Query().Get("auth") != s.Token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	if drop {
		conn.Close()
		return
	}

	c := &client{id: mustID(), conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.inFlight.Add(1)
	go s.handleClient(c)
}

func (s *Server) handleClient(c *client) {
	defer s.inFlight.Done()
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := transport.ParseFrame(message)
		if err != nil || frame.Type != transport.FrameCall {
			continue
		}

		var args []json.RawMessage
		_ = json.Unmarshal(frame.Args, &args)
		call := Call{ClientID: c.id, ID: frame.ID, Route: frame.Route, Args: args}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		close(s.callSignal)
		s.callSignal = make(chan struct{})
		h := s.handlers[frame.Route]
		s.mu.Unlock()

		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.answer(c, call, h)
		}()
	}
}

func (s *Server) answer(c *client, call Call, h Handler) {
	if h == nil {
		_ = c.writeJSON(errorFrame(call.ID, &Failure{Name: "NotFound", Message: "unknown route " + call.Route}))
		return
	}

	result, err := h(call.Args)
	switch {
	case errors.Is(err, ErrNoReply):
		return
	case err != nil:
		_ = c.writeJSON(errorFrame(call.ID, err))
	default:
		_ = c.writeJSON(map[string]any{"type": transport.FrameReply, "id": call.ID, "result": result})
	}
}

func errorFrame(id int64, err error) map[string]any {
	var f *Failure
	if !errors.As(err, &f) {
		f = &Failure{Name: "Exception", Message: err.Error()}
	}
	var traceback any
	if f.Traceback != "" {
		traceback = f.Traceback
	}
	return map[string]any{
		"type": transport.FrameError,
		"id":   id,
		"error": map[string]any{
			"name":      f.Name,
			"error":     f.Message,
			"traceback": traceback,
		},
	}
}

// Reply sends a reply frame for id to every client, whether or not such a
// call exists.
func (s *Server) Reply(id int64, result any) {
	s.SendRaw(map[string]any{"type": transport.FrameReply, "id": id, "result": result})
}

// Fail sends an error frame for id to every client.
func (s *Server) Fail(id int64, f *Failure) {
	s.SendRaw(errorFrame(id, f))
}

// Emit broadcasts an event frame.
func (s *Server) Emit(event string, args ...any) {
	if args == nil {
		args = []any{}
	}
	s.SendRaw(map[string]any{"type": transport.FrameEvent, "event": event, "args": args})
}

// SendRaw writes v as JSON to every connected client.
func (s *Server) SendRaw(v any) {
	for _, c := range s.connectedClients() {
		if err := c.writeJSON(v); err != nil {
			s.logger.Debug().Err(err).Str("clientId", c.id).Msg("Failed to write frame")
		}
	}
}

// SendText writes a raw text message to every connected client.
func (s *Server) SendText(data string) {
	for _, c := range s.connectedClients() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.TextMessage, []byte(data))
		c.writeMu.Unlock()
	}
}

func (s *Server) connectedClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// DropConnections closes every channel connection, simulating a backend restart.
func (s *Server) DropConnections() {
	for _, c := range s.connectedClients() {
		c.conn.Close()
	}
}

// Connections returns the number of open channel connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// WaitForConnections waits until exactly n connections are open.
func (s *Server) WaitForConnections(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Connections() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Connections() == n
}

// Calls returns every call received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// WaitForCall waits for the first call to route.
func (s *Server) WaitForCall(route string, timeout time.Duration) (Call, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		for _, c := range s.calls {
			if c.Route == route {
				s.mu.Unlock()
				return c, true
			}
		}
		signal := s.callSignal
		s.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return Call{}, false
		}
	}
}
