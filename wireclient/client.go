// Package wireclient implements the outbound half of a quty wire
// session: one persistent WebSocket connection with token
// authentication, optional send buffering and flat-delay reconnects.
package wireclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/quty-io/quty-server/errors"
	"github.com/quty-io/quty-server/pkg/logutil"
	"github.com/quty-io/quty-server/wire"
)

// DefaultDialTimeout bounds the WebSocket dial when the config does not
// override it.
const DefaultDialTimeout = 3 * time.Second

// TokenSource yields the credential appended to the dial URL. It is
// resolved on every dial, so short-lived tokens stay fresh across
// reconnects.
type TokenSource interface {
	Token() (string, error)
}

// Static is a fixed token string.
type Static string

// Token implements TokenSource.
func (s Static) Token() (string, error) { return string(s), nil }

// Lazy resolves the token at dial time.
type Lazy func() (string, error)

// Token implements TokenSource.
func (l Lazy) Token() (string, error) { return l() }

// VerifyFunc gates Connect on an application-level handshake. It runs
// after the socket opens and buffered sends flush; returning an error
// fails the connect and tears the socket down.
type VerifyFunc func(ctx context.Context) error

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token authenticates the session; nil or empty resolution dials
	// without a token parameter.
	Token TokenSource
	// ReconnectDelay, when positive, re-dials after a lost connection
	// with this flat delay.
	ReconnectDelay time.Duration
	// MaxReconnects caps reconnect attempts per disconnect cycle.
	// Zero means unlimited.
	MaxReconnects int
	// Buffer queues sends while disconnected and flushes them FIFO on
	// the next open.
	Buffer bool
	// DialTimeout bounds each dial attempt.
	DialTimeout time.Duration
	// Clock drives the reconnect timer. Defaults to the wall clock.
	Clock clock.Clock
	// Logger receives connection lifecycle logs.
	Logger *slog.Logger
}

type bufferedSend struct {
	event string
	data  any
}

// Client is an outbound wire session. Zero value is not usable; create
// with New.
type Client struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	destroyed  bool
	everOpened bool
	reconnects int
	timer      *clock.Timer
	pending    []bufferedSend
	handlers   map[string]func(wire.Frame)

	onConnect    func()
	onDisconnect func(error)
	onDestroy    func()
	onFrame      func(wire.Frame)

	writeMu sync.Mutex
}

// New creates a Client from cfg. The connection is not opened until
// Connect.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "WireClient", "New", "empty URL")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.WrapInvalid(err, "WireClient", "New", "parse URL")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With("component", "wireclient", "url", cfg.URL),
		handlers: make(map[string]func(wire.Frame)),
	}, nil
}

// Handle registers fn for frames with the given event tag. Register
// handlers before Connect so no early frame is missed.
func (c *Client) Handle(event string, fn func(wire.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// OnFrame registers the generic sink invoked for every decoded frame,
// after any event-specific handler.
func (c *Client) OnFrame(fn func(wire.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// OnConnect registers the open callback.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect registers the callback fired when an opened connection
// drops.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// OnDestroy registers the callback fired once when the client is
// destroyed.
func (c *Client) OnDestroy(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDestroy = fn
}

// IsConnected reports whether the session is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the session. The optional verify gate runs after the
// socket opens; a nil verify resolves immediately. A first-attempt
// failure is returned to the caller; failures during later reconnect
// cycles are swallowed and retried.
func (c *Client) Connect(ctx context.Context, verify VerifyFunc) error {
	if err := c.dial(ctx, verify); err != nil {
		return err
	}
	return nil
}

// dial performs one connection attempt.
func (c *Client) dial(ctx context.Context, verify VerifyFunc) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDestroyed, "WireClient", "Connect", "use after destroy")
	}
	c.mu.Unlock()

	target := c.cfg.URL
	if c.cfg.Token != nil {
		tok, err := c.cfg.Token.Token()
		if err != nil {
			return errors.Wrap(err, "WireClient", "Connect", "resolve token")
		}
		if tok != "" {
			u, err := url.Parse(c.cfg.URL)
			if err != nil {
				return errors.WrapInvalid(err, "WireClient", "Connect", "parse URL")
			}
			q := u.Query()
			q.Set("token", tok)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %v (status %d)", errors.ErrDialFailed, err, status),
			"WireClient", "Connect", "dial")
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.WrapInvalid(errors.ErrDestroyed, "WireClient", "Connect", "destroyed during dial")
	}
	c.conn = conn
	c.connected = true
	c.everOpened = true
	c.reconnects = 0
	flush := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Buffered sends drain FIFO before anything else happens on the
	// socket.
	for _, s := range flush {
		if !c.writeFrame(conn, s.event, s.data) {
			break
		}
	}

	go c.readLoop(conn)

	if verify != nil {
		if err := verify(ctx); err != nil {
			c.dropConn(conn, err)
			return err
		}
	}

	c.mu.Lock()
	onConnect := c.onConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect()
	}

	c.logger.Debug("session open")
	return nil
}

// readLoop pumps frames off the socket until it dies.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are ignored, not fatal.
			logutil.Trace(c.logger, "dropping malformed frame", "error", err)
			continue
		}

		c.mu.Lock()
		handler := c.handlers[frame.Event]
		sink := c.onFrame
		c.mu.Unlock()

		if handler != nil {
			handler(frame)
		}
		if sink != nil {
			sink(frame)
		}
	}
}

// handleClose reacts to a dead socket: fires disconnect and arms the
// reconnect timer when configured.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	destroyed := c.destroyed
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	_ = conn.Close()

	if destroyed {
		return
	}

	if onDisconnect != nil {
		onDisconnect(err)
	}

	c.armReconnect()
}

// dropConn tears down a connection that failed verification without
// triggering the reconnect path.
func (c *Client) dropConn(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	_ = conn.Close()
	c.logger.Debug("handshake failed, socket dropped", "error", err)
}

// armReconnect schedules the next dial attempt on the flat delay.
func (c *Client) armReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed || c.cfg.ReconnectDelay <= 0 {
		return
	}
	if c.cfg.MaxReconnects > 0 && c.reconnects >= c.cfg.MaxReconnects {
		c.logger.Warn("reconnect budget exhausted", "attempts", c.reconnects)
		return
	}
	if c.timer != nil {
		return
	}

	c.reconnects++
	c.timer = c.clk.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
}

// reconnect is the timer body: one dial attempt, failures re-arm.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.dial(context.Background(), nil); err != nil {
		logutil.Trace(c.logger, "reconnect attempt failed", "error", err)
		c.armReconnect()
	}
}

// Send transmits one frame. While disconnected it either buffers (when
// enabled) or reports false with no side effect.
func (c *Client) Send(event string, data any) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	if !c.connected {
		if c.cfg.Buffer {
			c.pending = append(c.pending, bufferedSend{event: event, data: data})
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeFrame(conn, event, data)
}

// writeFrame encodes and writes one frame. Writes are serialized; the
// underlying connection does not tolerate concurrent writers.
func (c *Client) writeFrame(conn *websocket.Conn, event string, data any) bool {
	encoded, err := wire.Encode(event, data)
	if err != nil {
		c.logger.Warn("dropping unencodable frame", "event", event, "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		logutil.Trace(c.logger, "write failed", "event", event, "error", err)
		return false
	}
	return true
}

// Destroy stops the session for good: timers stopped, socket closed,
// destroy fired. Idempotent.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.pending = nil
	onDestroy := c.onDestroy
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if onDestroy != nil {
		onDestroy()
	}
	c.logger.Debug("session destroyed")
}
