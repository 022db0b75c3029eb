// Package wireserver implements the inbound half of the quty wire: a
// WebSocket acceptor with a pluggable authorizer, an exact-match HTTP
// route table for everything that is not an upgrade, and heartbeat
// supervision of identified sockets.
package wireserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/quty-io/quty-server/errors"
	"github.com/quty-io/quty-server/pkg/logutil"
	"github.com/quty-io/quty-server/wire"
)

// DefaultHeartbeatInterval is the ping cadence for supervised sockets.
const DefaultHeartbeatInterval = 10 * time.Second

// heartbeatTolerance is the multiple of the interval a socket may stay
// silent before it is terminated.
const heartbeatTolerance = 1.5

// Authorizer decides whether an upgrade request is admitted and stashes
// identity attributes for the accepted socket. Returning false destroys
// the request without a reply.
type Authorizer func(r *http.Request) (Attrs, bool)

// RouteHandler serves one non-upgrade HTTP route. A returned error maps
// to a plain-text 500.
type RouteHandler func(w http.ResponseWriter, r *http.Request) error

// Config configures a Server.
type Config struct {
	// Host to bind, empty for all interfaces.
	Host string
	// Port to listen on. Zero picks an ephemeral port (tests).
	Port int
	// Path is the WebSocket upgrade path.
	Path string
	// Authorizer gates upgrades. Nil accepts everything with empty
	// attributes.
	Authorizer Authorizer
	// HeartbeatInterval is the supervision cadence.
	HeartbeatInterval time.Duration
	// Clock drives heartbeat timers. Defaults to the wall clock.
	Clock clock.Clock
	// Logger receives lifecycle logs.
	Logger *slog.Logger
}

// Server accepts wire sessions and plain HTTP.
type Server struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	conns    map[*Conn]struct{}
	routes   map[string]RouteHandler
	handlers map[string]func(*Conn, wire.Frame)
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	onListen     func()
	onConnect    func(*Conn)
	onDisconnect func(*Conn)
	onFrame      func(*Conn, wire.Frame)
	onAuthFailed func(*http.Request)
}

// New creates a Server from cfg. Nothing listens until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "WireServer", "New",
			fmt.Sprintf("port %d out of range", cfg.Port))
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		clk:    clk,
		logger: logger.With("component", "wireserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers and publishers authenticate by token, not origin.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns:    make(map[*Conn]struct{}),
		routes:   make(map[string]RouteHandler),
		handlers: make(map[string]func(*Conn, wire.Frame)),
	}, nil
}

// AddHandler registers an exact-match HTTP route. Method and path must
// both match; there are no path parameters.
func (s *Server) AddHandler(method, path string, fn RouteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = fn
}

// Handle registers fn for decoded frames with the given event tag.
func (s *Server) Handle(event string, fn func(*Conn, wire.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// OnListen registers the callback fired once the listener is bound.
func (s *Server) OnListen(fn func()) { s.mu.Lock(); defer s.mu.Unlock(); s.onListen = fn }

// OnConnect registers the callback fired for each accepted socket.
func (s *Server) OnConnect(fn func(*Conn)) { s.mu.Lock(); defer s.mu.Unlock(); s.onConnect = fn }

// OnDisconnect registers the callback fired when an accepted socket
// dies.
func (s *Server) OnDisconnect(fn func(*Conn)) { s.mu.Lock(); defer s.mu.Unlock(); s.onDisconnect = fn }

// OnFrame registers the generic sink invoked for every decoded frame.
func (s *Server) OnFrame(fn func(*Conn, wire.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = fn
}

// OnAuthFailed registers the observability callback for rejected
// upgrades.
func (s *Server) OnAuthFailed(fn func(*http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthFailed = fn
}

// Port returns the bound port, valid after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Start binds the listener and begins serving. Failing to bind is the
// one fatal condition the fabric propagates.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WireServer", "Start", "already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "WireServer", "Start", fmt.Sprintf("bind %s", addr))
	}

	s.listener = listener
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.serveHTTP)}
	s.shutdown = make(chan struct{})
	s.running = true
	onListen := s.onListen
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", listener.Addr().String(), "path", s.cfg.Path)
	if onListen != nil {
		onListen()
	}
	return nil
}

// Stop closes the listener and every accepted socket.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	srv := s.httpSrv
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	s.wg.Wait()
	return err
}

// serveHTTP dispatches between the upgrade path and the route table.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if r.URL.Path != s.cfg.Path {
			// Upgrade against the wrong path: destroy without ceremony.
			hijackAndDrop(w)
			return
		}
		s.handleUpgrade(w, r)
		return
	}
	s.handleRoute(w, r)
}

// handleRoute serves the exact-match route table.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	handler := s.routes[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	if handler == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("route handler panicked", "path", r.URL.Path, "panic", rec)
			writeInternalError(w)
		}
	}()

	if err := handler(w, r); err != nil {
		s.logger.Warn("route handler failed", "path", r.URL.Path, "error", err)
		writeInternalError(w)
	}
}

func writeInternalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("Internal Server Error"))
}

// hijackAndDrop destroys the raw socket of a bad upgrade when the
// server owns it.
func hijackAndDrop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// handleUpgrade authorizes, upgrades and registers one socket.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	attrs := Attrs{}
	if s.cfg.Authorizer != nil {
		var ok bool
		attrs, ok = s.cfg.Authorizer(r)
		if !ok {
			s.mu.Lock()
			onAuthFailed := s.onAuthFailed
			s.mu.Unlock()
			if onAuthFailed != nil {
				onAuthFailed(r)
			}
			hijackAndDrop(w)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := &Conn{
		Attrs:    attrs,
		ws:       ws,
		remoteIP: canonicalRemoteIP(r.RemoteAddr),
		srv:      s,
	}
	conn.markAlive(s.clk.Now())
	ws.SetPongHandler(func(string) error {
		conn.markAlive(s.clk.Now())
		return nil
	})

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[conn] = struct{}{}
	onConnect := s.onConnect
	s.mu.Unlock()

	if onConnect != nil {
		onConnect(conn)
	}

	s.wg.Add(1)
	go s.readPump(conn)

	if conn.supervised() {
		s.wg.Add(1)
		go s.superviseHeartbeat(conn)
	}
}

// readPump decodes inbound frames until the socket dies, then removes
// it.
func (s *Server) readPump(conn *Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.markAlive(s.clk.Now())

		frame, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are ignored; the socket lives on.
			logutil.Trace(s.logger, "dropping malformed frame",
				"remote", conn.remoteIP, "error", err)
			continue
		}

		s.mu.Lock()
		handler := s.handlers[frame.Event]
		sink := s.onFrame
		s.mu.Unlock()

		if handler != nil {
			handler(conn, frame)
		}
		if sink != nil {
			sink(conn, frame)
		}
	}
}

// dropConn unregisters a dead socket and fires disconnect once.
func (s *Server) dropConn(conn *Conn) {
	conn.Terminate()

	s.mu.Lock()
	_, present := s.conns[conn]
	delete(s.conns, conn)
	onDisconnect := s.onDisconnect
	s.mu.Unlock()

	if present && onDisconnect != nil {
		onDisconnect(conn)
	}
}

// superviseHeartbeat pings the socket on the configured cadence and
// terminates it when it stays silent past the tolerance window.
func (s *Server) superviseHeartbeat(conn *Conn) {
	defer s.wg.Done()

	ticker := s.clk.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	limit := time.Duration(float64(s.cfg.HeartbeatInterval) * heartbeatTolerance)

	for {
		select {
		case <-s.shutdown:
			return
		case now := <-ticker.C:
			if conn.IsClosed() {
				return
			}
			if conn.sinceAlive(now) > limit {
				s.logger.Debug("heartbeat expired, terminating socket",
					"remote", conn.remoteIP, "peer", conn.Attrs.PeerID)
				conn.Terminate()
				return
			}
			conn.writeMu.Lock()
			_ = conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			conn.writeMu.Unlock()
		}
	}
}

// Conns returns a snapshot of the live sockets.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}
