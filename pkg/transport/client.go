// Package transport implements the duplex channel between the capture
// pipeline and the remote transcription service.
//
// [Client] wraps a single websocket connection (github.com/coder/websocket)
// and keeps it alive: it sends a keep-alive ping on a fixed interval and, when
// the connection drops without the caller asking for it, reconnects with the
// exponential backoff described by [ReconnectPolicy]. Inbound frames and
// connection lifecycle changes are delivered to handlers registered with
// [Client.OnEvent] on a dedicated dispatcher goroutine, in order.
//
// Outbound messages are never queued: [Client.Send] fails with
// [ErrNotConnected] while no connection is open.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultURL is the service endpoint used when none is configured.
	DefaultURL = "ws://127.0.0.1:8000/ws/audio/"

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 10 * time.Second
	defaultReadLimit    = 1 << 20
	defaultEventBuffer  = 256
)

var (
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is the surface the session orchestrator depends on. [Client]
// implements it; transport/mock provides a test double.
type Transport interface {
	// Connect opens the connection if none is open or pending. It does not
	// block; the outcome is reported through OnEvent handlers.
	Connect()

	// Send writes m on the open connection.
	Send(ctx context.Context, m Message) error

	// OnEvent registers h and returns a function that removes it.
	OnEvent(h func(Event)) (remove func())

	// State reports the current connection state.
	State() ConnState

	// CancelReconnect abandons any scheduled or in-flight reconnect attempt.
	// An open connection is left alone.
	CancelReconnect()

	// Close removes all handlers, cancels reconnects and closes the
	// connection. The transport cannot be reused.
	Close() error
}

// Option configures a [Client].
type Option func(*Client)

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each outbound message. A write that does not
// complete in time drops the connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keep-alive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithReconnectPolicy replaces the default backoff policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Client) {
		c.policy = p.withDefaults()
		c.policy.Reset()
	}
}

// WithHTTPHeader sets headers sent with the websocket handshake.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithReadLimit sets the maximum inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

type handlerEntry struct {
	id int
	fn func(Event)
}

// Client is a reconnecting, keep-alive websocket [Transport].
//
// All methods are safe for concurrent use.
type Client struct {
	url          string
	header       http.Header
	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	readLimit    int64

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	policy     ReconnectPolicy
	exhausted  bool
	closed     bool
	gen        uint64 // bumped whenever in-flight work must be abandoned
	retry      *time.Timer
	cancelDial context.CancelFunc
	cancelConn context.CancelFunc

	handlers []handlerEntry
	nextID   int

	events    chan Event
	quit      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client for url. It does not connect; call Connect.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("transport: url must not be empty")
	}
	c := &Client{
		url:          url,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
		readLimit:    defaultReadLimit,
		policy:       DefaultReconnectPolicy(),
		events:       make(chan Event, defaultEventBuffer),
		quit:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	go c.dispatch()
	return c, nil
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string { return c.url }

// State implements [Transport].
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Policy returns a snapshot of the reconnect policy.
func (c *Client) Policy() ReconnectPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// OnEvent implements [Transport].
func (c *Client) OnEvent(h func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.handlers {
			if e.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Connect implements [Transport]. It is a no-op while a connection is open or
// being established. While a reconnect is scheduled it dials immediately and
// keeps the attempt count. After the policy was exhausted it starts afresh.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != Disconnected {
		return
	}
	if c.exhausted {
		c.exhausted = false
		c.policy.Reset()
	}
	c.stopRetryLocked()
	c.dialLocked()
}

// CancelReconnect implements [Transport].
func (c *Client) CancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.retry != nil
	c.stopRetryLocked()
	if c.state == Connecting {
		pending = true
		c.gen++
		if c.cancelDial != nil {
			c.cancelDial()
			c.cancelDial = nil
		}
		c.state = Disconnected
	}
	if pending {
		c.policy.Reset()
		slog.Info("transport: reconnect cancelled", "url", c.url)
	}
}

// Send implements [Transport]. Each write is bounded by the write timeout.
// A failed or stalled write drops the connection, which starts the
// reconnect policy, and is reported as [ErrNotConnected].
func (c *Client) Send(ctx context.Context, m Message) error {
	c.mu.Lock()
	conn, state, closed, gen := c.conn, c.state, c.closed, c.gen
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		// The library closes the connection when a write context ends, so
		// any write error leaves it unusable.
		c.handleDrop(conn, gen, fmt.Errorf("write %s: %w", m.Event(), err))
		return fmt.Errorf("%w: write %s: %v", ErrNotConnected, m.Event(), err)
	}
	return nil
}

// Close implements [Transport].
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = nil
	c.stopRetryLocked()
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn, cancelConn := c.conn, c.cancelConn
	c.conn, c.cancelConn = nil, nil
	c.state = Disconnected
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.quit) })

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
			slog.Debug("transport: close handshake failed", "url", c.url, "err", err)
		}
	}
	if cancelConn != nil {
		cancelConn()
	}
	slog.Info("transport: closed", "url", c.url)
	return nil
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// dialLocked starts a connection attempt. c.mu must be held.
func (c *Client) dialLocked() {
	c.gen++
	gen := c.gen
	c.state = Connecting
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	c.cancelDial = cancel
	slog.Debug("transport: dialing", "url", c.url, "attempt", c.policy.Attempt)
	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.CloseNow()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		c.state = Disconnected
		slog.Warn("transport: dial failed", "url", c.url, "attempt", c.policy.Attempt, "err", err)
		events := c.scheduleRetryLocked()
		c.mu.Unlock()
		for _, ev := range events {
			c.emit(ev)
		}
		return
	}

	conn.SetReadLimit(c.readLimit)
	connCtx, cancelConn := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelConn = cancelConn
	c.state = Connected
	c.policy.Reset()
	c.mu.Unlock()

	slog.Info("transport: connected", "url", c.url)
	c.emit(Event{Kind: KindConnected, At: time.Now()})

	go c.readLoop(connCtx, conn, gen)
	go c.pingLoop(connCtx, conn)
}

// scheduleRetryLocked arms the next reconnect attempt, or gives up when the
// policy is exhausted. c.mu must be held. It returns the events to emit once
// the lock is released.
func (c *Client) scheduleRetryLocked() []Event {
	delay, ok := c.policy.Next()
	if !ok {
		c.exhausted = true
		slog.Error("transport: reconnection failed after max attempts",
			"url", c.url,
			"max_attempts", c.policy.MaxAttempts,
		)
		return []Event{{Kind: KindReconnectExhausted, At: time.Now(), Attempt: c.policy.Attempt}}
	}
	gen := c.gen
	attempt := c.policy.Attempt
	c.retry = time.AfterFunc(delay, func() { c.retryFire(gen) })
	slog.Info("transport: reconnect scheduled",
		"url", c.url,
		"attempt", attempt,
		"max_attempts", c.policy.MaxAttempts,
		"delay", delay,
	)
	return []Event{{Kind: KindReconnecting, At: time.Now(), Attempt: attempt, Delay: delay}}
}

func (c *Client) retryFire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed || c.state != Disconnected {
		return
	}
	c.retry = nil
	c.dialLocked()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}
		ev, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				slog.Warn("transport: ignoring unknown event", "err", err)
			} else {
				slog.Warn("transport: dropping malformed message", "err", err, "bytes", len(data))
			}
			continue
		}
		c.emit(ev)
	}
}

// handleDrop reacts to a connection that ended without Close or
// CancelReconnect being involved.
func (c *Client) handleDrop(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.state = Disconnected
	slog.Warn("transport: connection lost", "url", c.url, "err", cause)
	events := append([]Event{{Kind: KindDisconnected, At: time.Now(), Cause: cause}}, c.scheduleRetryLocked()...)
	c.mu.Unlock()

	conn.CloseNow()
	for _, ev := range events {
		c.emit(ev)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ping, err := Encode(Ping)
	if err != nil {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A stalled ping closes the connection, which ends the read loop.
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, ping)
			cancel()
			if err != nil {
				slog.Debug("transport: keep-alive ping failed", "err", err)
				return
			}
		}
	}
}

// emit queues ev for the dispatcher. It never blocks the caller.
func (c *Client) emit(ev Event) {
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("transport: event buffer full, dropping event", "kind", ev.Kind.String())
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.mu.Lock()
			hs := make([]func(Event), len(c.handlers))
			for i, e := range c.handlers {
				hs[i] = e.fn
			}
			c.mu.Unlock()
			for _, h := range hs {
				h(ev)
			}
		}
	}
}

var _ Transport = (*Client)(nil)
