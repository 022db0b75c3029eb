package wireserver

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quty-io/quty-server/wire"
)

// Attrs are the attributes an authorizer stashes for an accepted
// socket. They are copied onto the Conn after the upgrade.
type Attrs struct {
	// PeerID identifies a cluster peer connection.
	PeerID string
	// PublisherID identifies a send-only publisher connection.
	PublisherID string
	// Data carries the remaining verified token payload.
	Data map[string]any
}

// Conn is one accepted WebSocket session.
type Conn struct {
	Attrs Attrs

	ws       *websocket.Conn
	remoteIP string
	srv      *Server

	writeMu sync.Mutex
	closed  atomic.Bool

	// lastSeen is the wall-clock (per server clock) instant of the most
	// recent inbound frame or pong, read by the heartbeat supervisor.
	lastSeenMu sync.Mutex
	lastSeen   time.Time
}

// RemoteIP returns the canonicalized remote address of the socket.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// Send encodes and writes one frame. Reports false once the socket is
// closed or the write fails.
func (c *Conn) Send(event string, data any) bool {
	if c.closed.Load() {
		return false
	}
	encoded, err := wire.Encode(event, data)
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, encoded) == nil
}

// Close shuts the socket down with a normal closure frame.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// Terminate drops the socket without ceremony. Used by the heartbeat
// supervisor on dead peers.
func (c *Conn) Terminate() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

// IsClosed reports whether the socket has been closed locally.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// markAlive records inbound liveness for the heartbeat supervisor.
func (c *Conn) markAlive(now time.Time) {
	c.lastSeenMu.Lock()
	c.lastSeen = now
	c.lastSeenMu.Unlock()
}

// sinceAlive returns how long ago the socket last showed life.
func (c *Conn) sinceAlive(now time.Time) time.Duration {
	c.lastSeenMu.Lock()
	defer c.lastSeenMu.Unlock()
	return now.Sub(c.lastSeen)
}

// supervised reports whether the heartbeat applies: only sockets
// carrying a peer or publisher identity are supervised.
func (c *Conn) supervised() bool {
	return c.Attrs.PeerID != "" || c.Attrs.PublisherID != ""
}

// canonicalRemoteIP strips the port and any IPv6-mapped prefix from a
// net/http RemoteAddr, leaving the bare address: the last ':'-separated
// component of the host.
func canonicalRemoteIP(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[idx+1:]
	}
	return host
}
