package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harun/plughost/pkg/transport"
	"github.com/harun/plughost/pkg/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRouter(t *testing.T, srv *transporttest.Server, mutate ...func(*transport.Options)) (*transport.Router, *syncBuffer) {
	t.Helper()

	logs := &syncBuffer{}
	opts := transport.Options{
		BaseURL:        srv.URL,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         zerolog.New(logs),
	}
	for _, m := range mutate {
		m(&opts)
	}

	r, err := transport.NewRouter(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, logs
}

func connect(t *testing.T, r *transport.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Connect(ctx))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRouterRejectsBadURL(t *testing.T) {
	_, err := transport.NewRouter(transport.Options{BaseURL: "ws://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRouterCall(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("utilities/ping", func(args []json.RawMessage) (any, error) {
		return map[string]any{"pong": true, "args": len(args)}, nil
	})

	r, _ := newRouter(t, srv)
	connect(t, r)

	var out struct {
		Pong bool `json:"pong"`
		Args int  `json:"args"`
	}
	require.NoError(t, r.CallInto(testCtx(t), &out, "utilities/ping", "a", 1))
	assert.True(t, out.Pong)
	assert.Equal(t, 2, out.Args)
	assert.Equal(t, 0, r.Pending())

	call, ok := srv.WaitForCall("utilities/ping", time.Second)
	require.True(t, ok)
	assert.Greater(t, call.ID, int64(0))
}

func TestRouterRemoteError(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("loader/fail", func(args []json.RawMessage) (any, error) {
		return nil, &transporttest.Failure{Name: "ValueError", Message: "bad plugin", Traceback: "line 1"}
	})

	r, _ := newRouter(t, srv)
	connect(t, r)

	_, err := r.Call(testCtx(t), "loader/fail")
	require.Error(t, err)

	var remote *transport.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "ValueError", remote.Name)
	assert.Equal(t, "bad plugin", remote.Message)
	assert.Equal(t, "line 1", remote.Traceback)
}

func TestRouterUnknownRouteIsRemoteError(t *testing.T) {
	srv := transporttest.NewServer(t)
	r, _ := newRouter(t, srv)
	connect(t, r)

	_, err := r.Call(testCtx(t), "nope/missing")
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "NotFound", remote.Name)
}

func TestRouterSettlesExactlyOnce(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("slow/op", func(args []json.RawMessage) (any, error) {
		return nil, transporttest.ErrNoReply
	})

	r, logs := newRouter(t, srv)
	connect(t, r)

	fut, err := r.Send(testCtx(t), "slow/op")
	require.NoError(t, err)
	_, ok := srv.WaitForCall("slow/op", time.Second)
	require.True(t, ok)

	srv.Reply(fut.ID(), "first")
	result, err := fut.Await(testCtx(t))
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(result))

	srv.Reply(fut.ID(), "second")
	srv.Fail(fut.ID(), &transporttest.Failure{Name: "Late", Message: "too late"})

	assert.Eventually(t, func() bool {
		return bytes.Count([]byte(logs.String()), []byte("Dropping frame for unknown call id")) == 2
	}, time.Second, 5*time.Millisecond)

	result, err = fut.Await(testCtx(t))
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(result))
}

func TestRouterReplyForUnknownIDIsDropped(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("utilities/ping", func(args []json.RawMessage) (any, error) { return "pong", nil })

	r, logs := newRouter(t, srv)
	connect(t, r)

	srv.Reply(7, map[string]any{"ok": true})

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte(`"id":7`))
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "Dropping frame for unknown call id")

	_, err := r.Call(testCtx(t), "utilities/ping")
	assert.NoError(t, err)
}

func TestRouterMalformedFrameIsDropped(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("utilities/ping", func(args []json.RawMessage) (any, error) { return "pong", nil })

	r, logs := newRouter(t, srv)
	connect(t, r)

	srv.SendText("{not json")
	srv.SendText(`{"type":42}`)

	_, err := r.Call(testCtx(t), "utilities/ping")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return bytes.Count([]byte(logs.String()), []byte("Dropping malformed frame")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRouterRepliesOutOfOrder(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("held/op", func(args []json.RawMessage) (any, error) {
		return nil, transporttest.ErrNoReply
	})

	r, _ := newRouter(t, srv)
	connect(t, r)

	ctx := testCtx(t)
	first, err := r.Send(ctx, "held/op")
	require.NoError(t, err)
	second, err := r.Send(ctx, "held/op")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Pending())

	srv.Reply(second.ID(), 2)
	srv.Reply(first.ID(), 1)

	v1, err := first.Await(ctx)
	require.NoError(t, err)
	v2, err := second.Await(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(v1))
	assert.JSONEq(t, "2", string(v2))
}

func TestRouterSendWaitsForConnect(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("utilities/ping", func(args []json.RawMessage) (any, error) { return "pong", nil })

	r, _ := newRouter(t, srv)

	done := make(chan error, 1)
	go func() {
		_, err := r.Call(testCtx(t), "utilities/ping")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("call completed before the channel was opened")
	case <-time.After(30 * time.Millisecond):
	}

	connect(t, r)
	require.NoError(t, <-done)

	select {
	case <-r.Ready():
	default:
		t.Fatal("Ready not closed after connect")
	}
}

func TestRouterSendBeforeConnectHonoursContext(t *testing.T) {
	srv := transporttest.NewServer(t)
	r, _ := newRouter(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Call(ctx, "utilities/ping")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.Pending())
}

func TestRouterConcurrentConnectSharesAttempt(t *testing.T) {
	srv := transporttest.NewServer(t)
	r, _ := newRouter(t, srv)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Connect(testCtx(t)))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, srv.Connections())
	assert.Equal(t, transport.StateConnected, r.State())
}

func TestRouterEvents(t *testing.T) {
	srv := transporttest.NewServer(t)
	r, logs := newRouter(t, srv)
	connect(t, r)

	var mu sync.Mutex
	var got []string
	record := func(tag string) transport.Listener {
		return func(args json.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, tag+":"+string(args))
			return nil
		}
	}

	r.AddEventListener("frontend/tick", record("a"))
	r.AddEventListener("frontend/tick", func(args json.RawMessage) error {
		panic("listener exploded")
	})
	r.AddEventListener("frontend/tick", func(args json.RawMessage) error {
		return errors.New("listener failed")
	})
	removed := r.AddEventListener("frontend/tick", record("removed"))
	r.AddEventListener("frontend/tick", record("b"))
	assert.True(t, r.RemoveEventListener("frontend/tick", removed))
	assert.False(t, r.RemoveEventListener("frontend/tick", removed))

	srv.Emit("frontend/tick", 1)
	srv.Emit("frontend/tick", 2)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a:[1]", "b:[1]", "a:[2]", "b:[2]"}, got)
	mu.Unlock()
	assert.Contains(t, logs.String(), "listener exploded")
	assert.Contains(t, logs.String(), "listener failed")
}

func TestRouterListenerMayCall(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("utilities/ping", func(args []json.RawMessage) (any, error) { return "pong", nil })

	r, _ := newRouter(t, srv)
	connect(t, r)

	results := make(chan string, 1)
	r.AddEventListener("frontend/ready", func(args json.RawMessage) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		res, err := r.Call(ctx, "utilities/ping")
		if err != nil {
			return err
		}
		results <- string(res)
		return nil
	})

	srv.Emit("frontend/ready")

	select {
	case res := <-results:
		assert.Equal(t, `"pong"`, res)
	case <-time.After(2 * time.Second):
		t.Fatal("listener call never completed")
	}
}

func TestRouterReconnectKeepsPendingCalls(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("held/op", func(args []json.RawMessage) (any, error) {
		return nil, transporttest.ErrNoReply
	})
	srv.Handle("utilities/ping", func(args []json.RawMessage) (any, error) { return "pong", nil })

	r, _ := newRouter(t, srv)

	var mu sync.Mutex
	var states []transport.State
	r.OnStateChange(func(s transport.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	connect(t, r)

	fut, err := r.Send(testCtx(t), "held/op")
	require.NoError(t, err)
	_, ok := srv.WaitForCall("held/op", time.Second)
	require.True(t, ok)

	srv.DropConnections()

	assert.Eventually(t, func() bool {
		return r.State() == transport.StateConnected && srv.Connections() == 1 && srv.TokenRequests() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, r.Pending())
	select {
	case <-fut.Done():
		t.Fatal("pending call settled by the disconnect")
	default:
	}

	srv.Reply(fut.ID(), "late")
	res, err := fut.Await(testCtx(t))
	require.NoError(t, err)
	assert.JSONEq(t, `"late"`, string(res))

	_, err = r.Call(testCtx(t), "utilities/ping")
	assert.NoError(t, err)

	mu.Lock()
	assert.Contains(t, states, transport.StateReconnecting)
	mu.Unlock()
}

func TestRouterRejectPendingOnDisconnect(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("held/op", func(args []json.RawMessage) (any, error) {
		return nil, transporttest.ErrNoReply
	})

	r, _ := newRouter(t, srv, func(o *transport.Options) {
		o.RejectPendingOnDisconnect = true
	})
	connect(t, r)

	fut, err := r.Send(testCtx(t), "held/op")
	require.NoError(t, err)
	_, ok := srv.WaitForCall("held/op", time.Second)
	require.True(t, ok)

	srv.DropConnections()

	_, err = fut.Await(testCtx(t))
	assert.ErrorIs(t, err, transport.ErrChannelLost)
	assert.Equal(t, 0, r.Pending())
}

func TestRouterRejectedCallIsNeverWritten(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("held/op", func(args []json.RawMessage) (any, error) {
		return nil, transporttest.ErrNoReply
	})

	r, _ := newRouter(t, srv, func(o *transport.Options) {
		o.RejectPendingOnDisconnect = true
	})
	connect(t, r)

	conn, release := transport.HoldWrites(r)
	released := false
	defer func() {
		if !released {
			release()
		}
	}()

	type sendResult struct {
		fut *transport.Future
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		fut, err := r.Send(testCtx(t), "held/op")
		done <- sendResult{fut, err}
	}()

	require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.UnderlyingConn().Close())
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond,
		"the channel loss rejects the pending call")

	release()
	released = true

	select {
	case res := <-done:
		if res.err == nil {
			_, res.err = res.fut.Await(testCtx(t))
		}
		assert.ErrorIs(t, res.err, transport.ErrChannelLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
	}

	require.Eventually(t, func() bool { return r.State() == transport.StateConnected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	for _, c := range srv.Calls() {
		assert.NotEqual(t, "held/op", c.Route, "a rejected call must not reach the backend")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestRouterLossRightAfterConnectIsNotOverwritten(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.DropOnConnect(true)

	r, _ := newRouter(t, srv, func(o *transport.Options) {
		o.ReconnectDelay = time.Hour
	})
	connect(t, r)

	require.Eventually(t, func() bool { return r.State() == transport.StateReconnecting }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.StateReconnecting, r.State())
}

func TestRouterConnectFailureSchedulesReconnect(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.RejectAuth(true)

	r, _ := newRouter(t, srv)

	err := r.Connect(testCtx(t))
	var chErr *transport.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "dial", chErr.Op)

	srv.RejectAuth(false)
	assert.Eventually(t, func() bool {
		return r.State() == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouterCloseRejectsPending(t *testing.T) {
	srv := transporttest.NewServer(t)
	srv.Handle("held/op", func(args []json.RawMessage) (any, error) {
		return nil, transporttest.ErrNoReply
	})

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, err := transport.NewRouter(transport.Options{
		BaseURL:        srv.URL,
		ReconnectDelay: 20 * time.Millisecond,
		HTTPClient:     &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	connect(t, r)

	fut, err := r.Send(testCtx(t), "held/op")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = fut.Await(testCtx(t))
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, transport.StateClosed, r.State())

	_, err = r.Send(testCtx(t), "held/op")
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, r.Connect(testCtx(t)), transport.ErrClosed)
}
