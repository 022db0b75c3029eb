package cluster

import (
	"github.com/quty-io/quty-server/wireclient"
	"github.com/quty-io/quty-server/wireserver"
)

// peerConduit abstracts the two directions a peer session can have: a
// WireClient we dialed out, or a WireServer socket the peer dialed in.
// Exactly one conduit exists per tracked peer.
type peerConduit interface {
	// Send transmits one frame to the peer.
	Send(event string, data any) bool
	// Destroy tears the session down.
	Destroy()
	// URL is the peer's advertised endpoint, as dialed or derived.
	URL() string
	// Key is the canonical "ip:port" of the peer.
	Key() string
	// Alive reports whether the session can still carry frames.
	Alive() bool
}

// outboundPeer wraps a WireClient session we dialed.
type outboundPeer struct {
	client *wireclient.Client
	url    string
	key    string
}

func (p *outboundPeer) Send(event string, data any) bool { return p.client.Send(event, data) }
func (p *outboundPeer) Destroy()                         { p.client.Destroy() }
func (p *outboundPeer) URL() string                      { return p.url }
func (p *outboundPeer) Key() string                      { return p.key }
func (p *outboundPeer) Alive() bool                      { return p.client.IsConnected() }

// inboundPeer wraps a WireServer socket a peer dialed to us.
type inboundPeer struct {
	conn *wireserver.Conn
	url  string
	key  string
}

func (p *inboundPeer) Send(event string, data any) bool { return p.conn.Send(event, data) }
func (p *inboundPeer) Destroy()                         { p.conn.Close() }
func (p *inboundPeer) URL() string                      { return p.url }
func (p *inboundPeer) Key() string                      { return p.key }
func (p *inboundPeer) Alive() bool                      { return !p.conn.IsClosed() }
