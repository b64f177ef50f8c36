// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/ctxdash/internal/config"
	"github.com/noldarim/ctxdash/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// wsServer is a scripted endpoint: each connection gets the script frames, then its
// inbound messages are recorded until the socket closes.
type wsServer struct {
	*httptest.Server
	script   func(conn *websocket.Conn)
	received chan string

	mu     sync.Mutex
	tokens []string
	active int
}

func newWSServer(t *testing.T, script func(conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{script: script, received: make(chan string, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	r := chi.NewRouter()
	r.Get("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.active++
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			conn.Close()
		}()

		if s.script != nil {
			s.script(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.received <- string(data)
		}
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) endpoint() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws"
}

func (s *wsServer) snapshot() (tokens []string, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...), s.active
}

func sendAll(conn *websocket.Conn, frames ...string) {
	for _, f := range frames {
		conn.WriteMessage(websocket.TextMessage, []byte(f))
	}
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

func (t *fakeTimer) fire() {
	if !t.stopped.Load() {
		t.f()
	}
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.d
	}
	return out
}

type countingDialer struct {
	calls atomic.Int32
	err   error
}

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, nil, d.err
	}
	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

type recorder struct {
	mu     sync.Mutex
	events []string
	frames []protocol.Frame
}

func (r *recorder) handler(tag string) Handler {
	return func(f protocol.Frame) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, tag+":"+f.Type())
		r.frames = append(r.frames, f)
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testConfig() config.RealtimeConfig {
	cfg := config.Default().Realtime
	cfg.PingInterval = 0
	return cfg
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateOpen }, waitFor, tick)
}

func TestClient_DispatchOrderAndMalformedFrames(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		sendAll(conn, `not json{`, `[1,2]`, `"str"`, `{"type":"progress","channel":"extraction","n":1}`)
	})
	c := New(srv.endpoint(), testConfig())
	rec := &recorder{}
	c.On(protocol.Wildcard, rec.handler("wild"))
	c.On("progress", rec.handler("exact"))

	c.Connect("tok")
	t.Cleanup(c.Disconnect)

	require.Eventually(t, func() bool { return len(rec.list()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"wild:connected", "exact:progress", "wild:progress"}, rec.list())

	rec.mu.Lock()
	got := rec.frames[1]
	rec.mu.Unlock()
	assert.Equal(t, protocol.Frame{"type": "progress", "channel": "extraction", "n": float64(1)}, got)
	assert.Equal(t, float64(3), promtest.ToFloat64(c.metrics.framesDropped))
	assert.Equal(t, float64(4), promtest.ToFloat64(c.metrics.framesReceived))
}

func TestClient_TokenInQuery(t *testing.T) {
	srv := newWSServer(t, nil)
	c := New(srv.endpoint(), testConfig())
	c.Connect("a b+c")
	t.Cleanup(c.Disconnect)
	waitConnected(t, c)

	tokens, _ := srv.snapshot()
	assert.Equal(t, []string{"a b+c"}, tokens)
}

func TestClient_UnsubscribeInsideHandler(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		sendAll(conn, `{"type":"tick"}`, `{"type":"tick"}`)
	})
	c := New(srv.endpoint(), testConfig())

	var selfCalls, otherCalls atomic.Int32
	var unsub func()
	unsub = c.On("tick", func(protocol.Frame) {
		selfCalls.Add(1)
		unsub()
		unsub()
	})
	c.On("tick", func(protocol.Frame) { otherCalls.Add(1) })

	c.Connect("tok")
	t.Cleanup(c.Disconnect)

	require.Eventually(t, func() bool { return otherCalls.Load() == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), selfCalls.Load())
}

func TestClient_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		sendAll(conn, `{"type":"boom"}`, `{"type":"after"}`)
	})
	c := New(srv.endpoint(), testConfig())
	c.On("boom", func(protocol.Frame) { panic("handler bug") })
	var after atomic.Bool
	c.On("after", func(protocol.Frame) { after.Store(true) })

	c.Connect("tok")
	t.Cleanup(c.Disconnect)
	require.Eventually(t, after.Load, waitFor, tick)
}

func TestClient_ReconnectSchedule(t *testing.T) {
	clk := &fakeClock{}
	dialer := &countingDialer{err: errors.New("connection refused")}
	c := New("ws://127.0.0.1:1/api/ws", testConfig(), WithClock(clk), WithDialer(dialer))

	var disconnects atomic.Int32
	c.On(protocol.TypeDisconnected, func(protocol.Frame) { disconnects.Add(1) })

	c.Connect("tok")
	for i := 0; i < 5; i++ {
		require.Eventually(t, func() bool { return clk.count() == i+1 }, waitFor, tick)
		clk.last().fire()
	}

	require.Eventually(t, func() bool { return disconnects.Load() == 6 }, waitFor, tick)
	assert.Equal(t, int32(6), dialer.calls.Load())
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, clk.delays())
	assert.Equal(t, StateIdle, c.State())

	// An explicit connect restores the budget.
	c.Connect("tok")
	require.Eventually(t, func() bool { return clk.count() == 6 }, waitFor, tick)
	assert.Equal(t, 2*time.Second, clk.last().d)
	c.Disconnect()
	assert.True(t, clk.last().stopped.Load())
}

func TestClient_DisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})
	clk := &fakeClock{}
	dialer := &countingDialer{}
	c := New(srv.endpoint(), testConfig(), WithClock(clk), WithDialer(dialer))

	var events recorder
	c.On(protocol.Wildcard, events.handler("wild"))

	c.Connect("tok")
	require.Eventually(t, func() bool { return clk.count() == 1 && len(events.list()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"wild:connected", "wild:disconnected"}, events.list())

	c.Disconnect()
	pending := clk.last()
	assert.True(t, pending.stopped.Load())

	// Even a timer that already fired must not dial after Disconnect.
	pending.f()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_ExplicitDisconnectDoesNotReconnect(t *testing.T) {
	srv := newWSServer(t, nil)
	clk := &fakeClock{}
	c := New(srv.endpoint(), testConfig(), WithClock(clk))

	var disconnected atomic.Bool
	c.On(protocol.TypeDisconnected, func(protocol.Frame) { disconnected.Store(true) })

	c.Connect("tok")
	waitConnected(t, c)
	c.Disconnect()

	require.Eventually(t, disconnected.Load, waitFor, tick)
	assert.Equal(t, 0, clk.count())
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_SuccessfulReconnectResetsAttempts(t *testing.T) {
	var drop atomic.Bool
	drop.Store(true)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		if drop.Swap(false) {
			conn.Close()
		}
	})
	clk := &fakeClock{}
	c := New(srv.endpoint(), testConfig(), WithClock(clk))

	var connects atomic.Int32
	c.On(protocol.TypeConnected, func(protocol.Frame) { connects.Add(1) })

	c.Connect("tok")
	t.Cleanup(c.Disconnect)
	require.Eventually(t, func() bool { return clk.count() == 1 }, waitFor, tick)
	clk.last().fire()

	require.Eventually(t, func() bool { return connects.Load() == 2 }, waitFor, tick)
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	assert.Equal(t, 0, attempts)
}

func TestClient_ConnectReplacesSocket(t *testing.T) {
	srv := newWSServer(t, nil)
	c := New(srv.endpoint(), testConfig())

	c.Connect("first")
	waitConnected(t, c)
	c.Connect("second")
	t.Cleanup(c.Disconnect)

	require.Eventually(t, func() bool {
		tokens, active := srv.snapshot()
		return len(tokens) == 2 && active == 1 && c.State() == StateOpen
	}, waitFor, tick)
	tokens, _ := srv.snapshot()
	assert.Equal(t, []string{"first", "second"}, tokens)
}

func TestClient_SendWhileClosedIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("ws://127.0.0.1:1/api/ws", testConfig(), WithRegisterer(reg))

	assert.NotPanics(t, func() { c.Send(map[string]any{"type": "hello"}) })
	assert.Equal(t, float64(1), promtest.ToFloat64(c.metrics.sendsDropped))
	assert.Equal(t, StateIdle, c.State())
}

func TestClient_SendWhileOpen(t *testing.T) {
	srv := newWSServer(t, nil)
	c := New(srv.endpoint(), testConfig())
	c.Connect("tok")
	t.Cleanup(c.Disconnect)
	waitConnected(t, c)

	c.Send(map[string]any{"type": "hello"})

	select {
	case msg := <-srv.received:
		assert.JSONEq(t, `{"type":"hello"}`, msg)
	case <-time.After(waitFor):
		t.Fatal("server did not receive message")
	}
}

func TestClient_Keepalive(t *testing.T) {
	srv := newWSServer(t, nil)
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	c := New(srv.endpoint(), cfg)
	c.Connect("tok")
	t.Cleanup(c.Disconnect)

	select {
	case msg := <-srv.received:
		assert.JSONEq(t, `{"type":"ping"}`, msg)
	case <-time.After(waitFor):
		t.Fatal("no keepalive ping received")
	}
}

func TestMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New("ws://x/api/ws", testConfig(), WithRegisterer(reg))
	b := New("ws://y/api/ws", testConfig(), WithRegisterer(reg))

	a.Send("x")
	b.Send("y")
	assert.Equal(t, float64(2), promtest.ToFloat64(a.metrics.sendsDropped))
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.True(t, b.ShouldRetry(4))
	assert.False(t, b.ShouldRetry(5))
}

func TestWithToken(t *testing.T) {
	tests := []struct {
		endpoint, token, want string
	}{
		{"ws://h/api/ws", "abc", "ws://h/api/ws?token=abc"},
		{"ws://h/api/ws?v=2", "abc", "ws://h/api/ws?token=abc&v=2"},
		{"ws://h/api/ws", "", "ws://h/api/ws"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, withToken(tt.endpoint, tt.token))
	}
}
