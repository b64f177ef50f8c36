// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime is the reconnecting event client for the backend's WebSocket endpoint.
//
// A Client owns at most one socket. Inbound text frames are parsed as JSON objects and
// delivered to handlers registered for the frame's exact type, then to wildcard handlers.
// Drops are retried with exponential backoff until the attempt budget runs out; an explicit
// Disconnect never reconnects.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/noldarim/ctxdash/internal/config"
	"github.com/noldarim/ctxdash/internal/logger"
	"github.com/noldarim/ctxdash/internal/protocol"
)

const writeWait = 10 * time.Second

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetRealtimeLogger()
		log = &l
	})
	return log
}

// Handler receives a parsed frame. Handlers are never invoked concurrently.
type Handler func(protocol.Frame)

// Dialer opens the socket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// State is the connection lifecycle as seen by views.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type listener struct {
	fn      Handler
	removed atomic.Bool
}

// Client is a single reconnecting connection with a listener registry.
type Client struct {
	endpoint     string
	dialer       Dialer
	clock        Clock
	backoff      Backoff
	dialTimeout  time.Duration
	pingInterval time.Duration
	readLimit    int64
	metrics      *metrics

	mu        sync.Mutex
	token     string
	conn      *websocket.Conn
	gen       uint64 // bumped by Connect; sockets and timers from older generations are ignored
	stopped   bool
	attempts  int
	timer     Timer
	state     State
	listeners map[string][]*listener

	writeMu    sync.Mutex
	dispatchMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces the timer source used for reconnect scheduling.
func WithClock(clk Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithBackoff overrides the reconnect schedule taken from config.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithRegisterer registers the client's counters on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = newMetrics(reg) }
}

// New creates an idle client for the WebSocket endpoint (without the token query).
func New(endpoint string, cfg config.RealtimeConfig, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		clock:        systemClock{},
		backoff:      BackoffFromConfig(cfg),
		dialTimeout:  cfg.HandshakeTimeout,
		pingInterval: cfg.PingInterval,
		readLimit:    cfg.MaxMessageSize,
		listeners:    make(map[string][]*listener),
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = 10 * time.Second
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint with token in the background. Any pending reconnect is
// cancelled, any existing socket is replaced, and the retry budget is restored.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	c.stopTimerLocked()
	old := c.conn
	c.conn = nil
	c.gen++
	gen := c.gen
	c.token = token
	c.stopped = false
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go c.dial(gen)
}

// Disconnect tears the connection down without reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.stopped = true
	c.attempts = c.backoff.MaxAttempts
	conn := c.conn
	if conn == nil {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// On registers h for eventType, or for every frame when eventType is protocol.Wildcard.
// The returned func removes this registration only; calling it more than once is harmless.
func (c *Client) On(eventType string, h Handler) (unsubscribe func()) {
	l := &listener{fn: h}

	c.mu.Lock()
	c.listeners[eventType] = append(c.listeners[eventType], l)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.removed.Store(true)
			c.mu.Lock()
			defer c.mu.Unlock()
			// Filter into a new slice so in-flight dispatch snapshots stay intact.
			rest := lo.Filter(c.listeners[eventType], func(x *listener, _ int) bool { return x != l })
			if len(rest) == 0 {
				delete(c.listeners, eventType)
			} else {
				c.listeners[eventType] = rest
			}
		})
	}
}

// Send JSON-encodes payload and writes it when the socket is open. Otherwise it is dropped.
func (c *Client) Send(payload any) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if conn == nil || !open {
		c.metrics.sendsDropped.Inc()
		getLog().Debug().Msg("Dropping send on closed connection")
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to encode outbound message")
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		getLog().Warn().Err(err).Msg("WebSocket write failed")
		// The reader sees the closed socket and runs the close path.
		conn.Close()
	}
}

func (c *Client) dial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	target := withToken(c.endpoint, c.token)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		getLog().Warn().Err(err).Str("endpoint", c.endpoint).Msg("WebSocket dial failed")
		c.handleClose(gen)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		c.handleClose(gen)
		return
	}
	c.conn = conn
	c.attempts = 0
	c.state = StateOpen
	c.mu.Unlock()

	getLog().Info().Str("endpoint", c.endpoint).Msg("WebSocket connected")
	c.deliver(gen, protocol.NewFrame(protocol.TypeConnected))

	done := make(chan struct{})
	if c.pingInterval > 0 {
		go c.keepalive(done)
	}
	c.readLoop(gen, conn)
	close(done)
	conn.Close()
	c.handleClose(gen)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	if c.readLimit > 0 {
		conn.SetReadLimit(c.readLimit)
	}
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				getLog().Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.metrics.framesReceived.Inc()

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.metrics.framesDropped.Inc()
			getLog().Debug().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}
		c.deliver(gen, frame)
	}
}

func (c *Client) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Send(protocol.NewFrame(protocol.TypePing))
		}
	}
}

// handleClose is the single convergence point for dial failures, transport errors and
// remote closes of the current generation.
func (c *Client) handleClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateClosed
	if !c.stopped && c.backoff.ShouldRetry(c.attempts) {
		c.attempts++
		delay := c.backoff.Delay(c.attempts)
		attempt := c.attempts
		c.timer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
		c.metrics.reconnects.Inc()
		getLog().Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling reconnect")
	} else if !c.stopped {
		c.state = StateIdle
		getLog().Warn().Int("attempts", c.attempts).Msg("Reconnect budget exhausted")
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.deliver(gen, protocol.NewFrame(protocol.TypeDisconnected))
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	go c.dial(gen)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// deliver hands f to exact-type handlers then wildcard handlers, in registration order.
// Frames from a replaced socket are discarded.
func (c *Client) deliver(gen uint64, f protocol.Frame) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	typ := f.Type()
	var exact []*listener
	if typ != protocol.Wildcard {
		exact = c.listeners[typ]
	}
	wild := c.listeners[protocol.Wildcard]
	c.mu.Unlock()

	for _, l := range exact {
		c.invoke(l, f)
	}
	for _, l := range wild {
		c.invoke(l, f)
	}
}

func (c *Client) invoke(l *listener, f protocol.Frame) {
	if l.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().Interface("panic", r).Str("type", f.Type()).Msg("Realtime handler panicked")
		}
	}()
	l.fn(f)
}

func withToken(endpoint, token string) string {
	if token == "" {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
