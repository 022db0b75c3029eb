// Package cluster implements the quty fabric: peer discovery, ownership
// of node-to-node sessions, gossip of membership and subscriptions, and
// the routing of publications to the minimal set of peers and local
// clients.
package cluster

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/quty-io/quty-server/channelhub"
	"github.com/quty-io/quty-server/config"
	"github.com/quty-io/quty-server/errors"
	"github.com/quty-io/quty-server/metric"
	"github.com/quty-io/quty-server/pkg/logutil"
	"github.com/quty-io/quty-server/pkg/randid"
	"github.com/quty-io/quty-server/token"
	"github.com/quty-io/quty-server/wire"
	"github.com/quty-io/quty-server/wireclient"
	"github.com/quty-io/quty-server/wireserver"
)

// handshakeTimeout bounds the wait for the NodeInfo frame on an
// outbound connection. A peer that stays silent past it is cut off.
const handshakeTimeout = 3 * time.Second

// nodeTypeTag is the type component of a node identity.
const nodeTypeTag = 1

// Option customizes a Cluster.
type Option func(*Cluster)

// WithLogger sets the cluster logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cluster) { c.logger = logger }
}

// WithClock injects the timer source; tests use a mock.
func WithClock(clk clock.Clock) Option {
	return func(c *Cluster) { c.clk = clk }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Cluster) { c.registry = registry; c.metrics = registry.Metrics }
}

// WithClientEvents wires the local session engine.
func WithClientEvents(sink ClientEvents) Option {
	return func(c *Cluster) { c.clients = sink }
}

// PeerInfo describes one tracked peer on the status surface.
type PeerInfo struct {
	URL string `json:"url"`
	SID string `json:"sid"`
}

// Status is the /_status document.
type Status struct {
	Ready    bool                `json:"ready"`
	Nodes    []PeerInfo          `json:"nodes"`
	Channels map[string][]string `json:"channels"`
}

// queuedFrame is an inbound event parked behind the readiness gate.
type queuedFrame struct {
	src   frameSource
	frame wire.Frame
}

// frameSource identifies where an inbound frame came from.
type frameSource interface {
	// SenderID is the peer sid or publisher id of the socket.
	SenderID() string
	// IsPublisher reports a send-only publisher socket.
	IsPublisher() bool
	// SourceAlive reports whether the socket can still be replied to.
	SourceAlive() bool
}

// connSource wraps an accepted server socket.
type connSource struct{ conn *wireserver.Conn }

func (s connSource) SenderID() string {
	if s.conn.Attrs.PeerID != "" {
		return s.conn.Attrs.PeerID
	}
	return s.conn.Attrs.PublisherID
}
func (s connSource) IsPublisher() bool {
	return s.conn.Attrs.PeerID == "" && s.conn.Attrs.PublisherID != ""
}
func (s connSource) SourceAlive() bool { return !s.conn.IsClosed() }

// clientSource wraps an outbound session; the sid lands after the
// NodeInfo handshake.
type clientSource struct {
	client *wireclient.Client

	mu  sync.Mutex
	sid string
}

func (s *clientSource) setSID(sid string) { s.mu.Lock(); s.sid = sid; s.mu.Unlock() }
func (s *clientSource) SenderID() string  { s.mu.Lock(); defer s.mu.Unlock(); return s.sid }
func (s *clientSource) IsPublisher() bool { return false }
func (s *clientSource) SourceAlive() bool { return s.client.IsConnected() }

// Cluster is one node of the fabric.
type Cluster struct {
	cfg      config.Config
	id       string
	hub      *channelhub.Hub
	server   *wireserver.Server
	clk      clock.Clock
	logger   *slog.Logger
	registry *metric.Registry
	metrics  *metric.Metrics
	clients  ClientEvents

	mu      sync.Mutex
	nodes   map[string]peerConduit // sid -> session
	nodeIps map[string]string      // "ip:port" -> sid
	pending map[string]struct{}    // dials in flight
	selfIps map[string]struct{}    // addresses that turned out to be us
	started bool
	stopped bool

	readyMu    sync.Mutex
	ready      bool
	queue      []queuedFrame
	readyTimer *clock.Timer

	tickerStop chan struct{}
	tickerWG   sync.WaitGroup
}

// New builds a node from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := randid.NodeID(cfg.Namespace, nodeTypeTag, time.Now())
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:     cfg,
		id:      id,
		clk:     clock.New(),
		logger:  slog.Default(),
		clients: NopClientEvents{},
		nodes:   make(map[string]peerConduit),
		nodeIps: make(map[string]string),
		pending: make(map[string]struct{}),
		selfIps: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cluster", "sid", c.id)

	c.hub = channelhub.New(&hubEvents{c: c})

	server, err := wireserver.New(wireserver.Config{
		Port:              cfg.Port,
		Path:              cfg.Path,
		Authorizer:        c.authorize,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Clock:             c.clk,
		Logger:            c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.server = server

	server.OnConnect(c.handleInboundConn)
	server.OnDisconnect(c.handleInboundGone)
	server.OnFrame(func(conn *wireserver.Conn, f wire.Frame) {
		c.dispatch(connSource{conn: conn}, f)
	})
	server.OnAuthFailed(func(r *http.Request) {
		if c.metrics != nil {
			c.metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		}
		c.logger.Debug("rejected unauthorized connection", "remote", r.RemoteAddr)
	})

	c.registerRoutes()

	return c, nil
}

// ID returns the node identity.
func (c *Cluster) ID() string { return c.id }

// Hub returns the subscription registry.
func (c *Cluster) Hub() *channelhub.Hub { return c.hub }

// Port returns the bound cluster port, valid after Start.
func (c *Cluster) Port() int { return c.server.Port() }

// Ready reports whether initial membership convergence completed.
func (c *Cluster) Ready() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.ready
}

// Start binds the listener, runs the first discovery pass and arms the
// readiness gate.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Cluster", "Start", "already running")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.server.Start(ctx); err != nil {
		return err
	}

	c.logger.Info("node up", "port", c.Port(), "path", c.cfg.Path)

	if !c.cfg.HasDiscovery() {
		c.setReady("no discovery sources")
		return nil
	}

	timeout := c.cfg.ReadyTimeout()
	if timeout <= 0 {
		c.setReady("maxReadyAfter disabled")
	} else {
		c.readyMu.Lock()
		c.readyTimer = c.clk.AfterFunc(timeout, func() {
			c.setReady("readiness timeout")
		})
		c.readyMu.Unlock()
	}

	go c.discover(ctx)
	return nil
}

// Stop tears the node down: outbound sessions destroyed, inbound
// sockets closed, timers stopped.
func (c *Cluster) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conduits := make([]peerConduit, 0, len(c.nodes))
	for _, conduit := range c.nodes {
		conduits = append(conduits, conduit)
	}
	c.nodes = make(map[string]peerConduit)
	c.nodeIps = make(map[string]string)
	tickerStop := c.tickerStop
	c.tickerStop = nil
	c.mu.Unlock()

	c.readyMu.Lock()
	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
	c.readyMu.Unlock()

	if tickerStop != nil {
		close(tickerStop)
	}
	c.tickerWG.Wait()

	for _, conduit := range conduits {
		conduit.Destroy()
	}

	err := c.server.Stop(timeout)
	c.logger.Info("node stopped")
	return err
}

// authorize is the wire authorizer: a valid ClusterPeer token with an
// issuer admits a peer; a valid Publisher token admits a send-only
// publisher; everything else is rejected.
func (c *Cluster) authorize(r *http.Request) (wireserver.Attrs, bool) {
	claims, err := token.Verify(r.URL.Query().Get("token"), token.VerifyOptions{Secret: c.cfg.Auth})
	if err != nil {
		logutil.Trace(c.logger, "token rejected", "remote", r.RemoteAddr, "error", err)
		return wireserver.Attrs{}, false
	}

	switch claims.Type {
	case token.TypeClusterPeer:
		if claims.Issuer == "" {
			return wireserver.Attrs{}, false
		}
		return wireserver.Attrs{PeerID: claims.Issuer, Data: claims.Data}, true
	case token.TypePublisher:
		id := claims.Issuer
		if id == "" {
			id = "pub-" + uuid.NewString()
		}
		return wireserver.Attrs{PublisherID: id, Data: claims.Data}, true
	default:
		return wireserver.Attrs{}, false
	}
}

// handleInboundConn admits one accepted socket. Peers get the NodeInfo
// frame first, then duplicate resolution by address key.
func (c *Cluster) handleInboundConn(conn *wireserver.Conn) {
	if conn.Attrs.PeerID == "" {
		if conn.Attrs.PublisherID != "" {
			c.logger.Debug("publisher attached", "publisher", conn.Attrs.PublisherID)
		}
		return
	}

	// NodeInfo is the first application frame on any peer connection.
	conn.Send(tagNodeInfo, nodeInfo{
		Type:     int(token.TypeClusterPeer),
		ID:       c.id,
		Channels: c.hub.ChannelsOfNode(c.id),
	})

	peerID := conn.Attrs.PeerID
	if peerID == c.id {
		// Our own dial coming back at us; the outbound side discards
		// it after reading NodeInfo.
		return
	}

	// The dialer declares its listen port in the token payload; the
	// node key is its remote address plus that port.
	port := c.cfg.Port
	if p, ok := conn.Attrs.Data["port"].(float64); ok && p > 0 {
		port = int(p)
	}
	addr := Address{Proto: "ws", IP: conn.RemoteIP(), Port: port}
	key := addr.Key()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if _, dup := c.nodeIps[key]; dup {
		c.mu.Unlock()
		c.logger.Debug("dropping duplicate peer connection", "key", key, "peer", peerID)
		if c.metrics != nil {
			c.metrics.HandshakeFailures.WithLabelValues("duplicate").Inc()
		}
		conn.Close()
		return
	}
	if _, dup := c.nodes[peerID]; dup {
		c.mu.Unlock()
		c.logger.Debug("dropping duplicate peer id", "peer", peerID)
		if c.metrics != nil {
			c.metrics.HandshakeFailures.WithLabelValues("duplicate").Inc()
		}
		conn.Close()
		return
	}
	conduit := &inboundPeer{conn: conn, url: addr.URL(c.cfg.Path), key: key}
	c.nodes[peerID] = conduit
	c.nodeIps[key] = peerID
	c.mu.Unlock()

	c.afterNodeAdd(peerID, conduit)
}

// handleInboundGone reacts to a dead accepted socket.
func (c *Cluster) handleInboundGone(conn *wireserver.Conn) {
	if conn.Attrs.PeerID == "" {
		return
	}

	c.mu.Lock()
	conduit, ok := c.nodes[conn.Attrs.PeerID]
	c.mu.Unlock()
	if !ok {
		return
	}
	inbound, ok := conduit.(*inboundPeer)
	if !ok || inbound.conn != conn {
		return
	}
	c.removePeer(conn.Attrs.PeerID, conduit)
}

// AddNode dials a peer and runs the NodeInfo handshake. Already-tracked
// and in-flight addresses short-circuit; a peer that answers with our
// own identity is recorded as a self-address and discarded.
func (c *Cluster) AddNode(ctx context.Context, raw any) error {
	addr, err := ParseAddress(raw, c.cfg.Port)
	if err != nil {
		return err
	}
	key := addr.Key()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	if _, self := c.selfIps[key]; self {
		c.mu.Unlock()
		return nil
	}
	if _, tracked := c.nodeIps[key]; tracked {
		c.mu.Unlock()
		return nil
	}
	if _, inFlight := c.pending[key]; inFlight {
		c.mu.Unlock()
		return nil
	}
	c.pending[key] = struct{}{}
	c.mu.Unlock()

	// The pending flag is cleared on every exit path.
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	client, err := wireclient.New(wireclient.Config{
		URL: addr.URL(c.cfg.Path),
		Token: wireclient.Lazy(func() (string, error) {
			return token.Create(map[string]any{"port": c.Port()}, token.CreateOptions{
				Type:   token.TypeClusterPeer,
				Secret: c.cfg.Auth,
				ID:     c.id,
			})
		}),
		Clock:  c.clk,
		Logger: c.logger,
	})
	if err != nil {
		return err
	}

	src := &clientSource{client: client}
	conduit := &outboundPeer{client: client, url: addr.URL(c.cfg.Path), key: key}

	infoCh := make(chan nodeInfo, 1)
	client.Handle(tagNodeInfo, func(f wire.Frame) {
		var info nodeInfo
		if err := f.Bind(&info); err != nil || info.ID == "" {
			return
		}
		select {
		case infoCh <- info:
		default:
		}
	})
	client.OnFrame(func(f wire.Frame) {
		if f.Event == tagNodeInfo {
			return
		}
		c.dispatch(src, f)
	})
	client.OnDisconnect(func(err error) {
		if sid := src.SenderID(); sid != "" {
			logutil.Trace(c.logger, "peer session lost", "peer", sid, "error", err)
			c.removePeer(sid, conduit)
		}
	})
	client.OnDestroy(func() {
		if sid := src.SenderID(); sid != "" {
			c.removePeer(sid, conduit)
		}
	})

	var info nodeInfo
	verify := func(ctx context.Context) error {
		select {
		case info = <-infoCh:
			return nil
		case <-c.clk.After(handshakeTimeout):
			return errors.WrapTransient(errors.ErrHandshakeTimeout, "Cluster", "AddNode", addr.Key())
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Cluster", "AddNode", "dial canceled")
		}
	}

	if err := client.Connect(ctx, verify); err != nil {
		client.Destroy()
		if c.metrics != nil {
			reason := "dial"
			if errors.Is(err, errors.ErrHandshakeTimeout) {
				reason = "handshake_timeout"
			}
			c.metrics.HandshakeFailures.WithLabelValues(reason).Inc()
		}
		return err
	}

	if info.ID == c.id {
		// Self-discovery: remember the address so the ticker stops
		// dialing it, discard the connection silently.
		c.mu.Lock()
		c.selfIps[key] = struct{}{}
		c.mu.Unlock()
		client.Destroy()
		return nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		client.Destroy()
		return nil
	}
	if _, dup := c.nodes[info.ID]; dup {
		// Second arrival loses.
		c.mu.Unlock()
		c.logger.Debug("discarding duplicate session", "peer", info.ID)
		client.Destroy()
		return nil
	}
	c.nodes[info.ID] = conduit
	c.nodeIps[key] = info.ID
	c.mu.Unlock()

	src.setSID(info.ID)

	for _, channel := range info.Channels {
		c.hub.SubscribeNode(info.ID, channel)
	}

	c.afterNodeAdd(info.ID, conduit)
	c.setReady("peer established")
	return nil
}

// afterNodeAdd runs once a peer is tracked: metrics, membership gossip.
func (c *Cluster) afterNodeAdd(sid string, conduit peerConduit) {
	c.logger.Info("node added", "peer", sid, "url", conduit.URL())
	if c.metrics != nil {
		c.metrics.PeersConnected.Set(float64(c.peerCount()))
	}
	c.broadcastNodeState()
}

// removePeer drops a tracked peer once. Safe against late callbacks:
// only the conduit currently on record may remove its sid.
func (c *Cluster) removePeer(sid string, conduit peerConduit) {
	c.mu.Lock()
	current, ok := c.nodes[sid]
	if !ok || current != conduit {
		c.mu.Unlock()
		return
	}
	delete(c.nodes, sid)
	delete(c.nodeIps, conduit.Key())
	delete(c.pending, conduit.Key())
	stopped := c.stopped
	c.mu.Unlock()

	conduit.Destroy()

	if stopped {
		return
	}

	c.logger.Info("node removed", "peer", sid)
	if c.metrics != nil {
		c.metrics.PeersConnected.Set(float64(c.peerCount()))
	}

	c.hub.RemoveNode(sid)
	c.broadcastNodeState()
}

func (c *Cluster) peerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Peers returns the tracked peer set.
func (c *Cluster) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, len(c.nodes))
	for sid, conduit := range c.nodes {
		out = append(out, PeerInfo{URL: conduit.URL(), SID: sid})
	}
	return out
}

// broadcastNodeState tells every peer who we see and what we subscribe
// to.
func (c *Cluster) broadcastNodeState() {
	state := nodeState{
		SID:      c.id,
		Channels: c.hub.ChannelsOfNode(c.id),
	}
	for _, peer := range c.Peers() {
		state.Nodes = append(state.Nodes, nodeRef{URL: peer.URL, SID: peer.SID})
	}
	c.broadcast(tagNodeState, state)
}

// broadcast sends one frame to every tracked peer.
func (c *Cluster) broadcast(event string, payload any) int {
	c.mu.Lock()
	conduits := make([]peerConduit, 0, len(c.nodes))
	for _, conduit := range c.nodes {
		conduits = append(conduits, conduit)
	}
	c.mu.Unlock()

	sent := 0
	for _, conduit := range conduits {
		if conduit.Send(event, payload) {
			sent++
		}
	}
	if c.metrics != nil && sent > 0 {
		c.metrics.FramesSent.WithLabelValues(event).Add(float64(sent))
	}
	return sent
}

// sendToPeer sends one frame to a specific peer.
func (c *Cluster) sendToPeer(sid, event string, payload any) bool {
	c.mu.Lock()
	conduit, ok := c.nodes[sid]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if !conduit.Send(event, payload) {
		return false
	}
	if c.metrics != nil {
		c.metrics.FramesSent.WithLabelValues(event).Inc()
	}
	return true
}

// dispatch gates inbound frames behind readiness, then routes them.
// Pre-readiness frames queue in arrival order; the first NodeState
// processes immediately and flips the gate.
func (c *Cluster) dispatch(src frameSource, f wire.Frame) {
	if c.metrics != nil {
		c.metrics.FramesReceived.WithLabelValues(f.Event).Inc()
	}

	c.readyMu.Lock()
	if !c.ready {
		if f.Event != tagNodeState {
			c.queue = append(c.queue, queuedFrame{src: src, frame: f})
			c.readyMu.Unlock()
			return
		}
		c.readyMu.Unlock()
		c.process(src, f)
		c.setReady("first node state")
		return
	}
	c.readyMu.Unlock()

	c.process(src, f)
}

// setReady flips the readiness gate exactly once and replays the parked
// events in arrival order, skipping dead sockets.
func (c *Cluster) setReady(reason string) {
	c.readyMu.Lock()
	if c.ready {
		c.readyMu.Unlock()
		return
	}
	c.ready = true
	parked := c.queue
	c.queue = nil
	timer := c.readyTimer
	c.readyTimer = nil
	c.readyMu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	c.logger.Info("node ready", "reason", reason, "replayed", len(parked))

	for _, q := range parked {
		if !q.src.SourceAlive() {
			continue
		}
		c.process(q.src, q.frame)
	}

	c.startDiscoveryTicker()
}

// process routes one inbound frame. Publisher sockets may only publish.
func (c *Cluster) process(src frameSource, f wire.Frame) {
	if src.IsPublisher() {
		if f.Event == tagChannelMessage {
			c.handleChannelMessage(src, f)
		} else {
			logutil.Trace(c.logger, "ignoring publisher frame", "event", f.Event)
		}
		return
	}

	switch f.Event {
	case tagNodeInfo:
		// Servers send NodeInfo; receiving one here is noise.
	case tagNodeState:
		c.handleNodeState(src, f)
	case tagChannelJoin:
		c.handleChannelEvent(src, f, true)
	case tagChannelLeave:
		c.handleChannelEvent(src, f, false)
	case tagChannelMessage:
		c.handleChannelMessage(src, f)
	case tagClientKick:
		c.handleClientKick(f)
	case tagClientUnsubscribe:
		c.handleClientUnsubscribe(f)
	default:
		logutil.Trace(c.logger, "ignoring unknown frame", "event", f.Event)
	}
}

// handleNodeState learns a peer's channel set and schedules dials to
// any advertised node we don't track yet.
func (c *Cluster) handleNodeState(_ frameSource, f wire.Frame) {
	var state nodeState
	if err := f.Bind(&state); err != nil || state.SID == "" {
		c.countMalformed(err)
		return
	}

	for _, channel := range state.Channels {
		c.hub.SubscribeNode(state.SID, channel)
	}

	for _, ref := range state.Nodes {
		if ref.SID == c.id || ref.SID == "" || ref.URL == "" {
			continue
		}
		c.mu.Lock()
		_, tracked := c.nodes[ref.SID]
		c.mu.Unlock()
		if tracked {
			continue
		}
		go func(url string) {
			if err := c.AddNode(context.Background(), url); err != nil {
				logutil.Trace(c.logger, "advertised node unreachable", "url", url, "error", err)
			}
		}(ref.URL)
	}
}

// handleChannelEvent applies a peer's join or leave announcement. These
// are authoritative only for the sender's own membership.
func (c *Cluster) handleChannelEvent(src frameSource, f wire.Frame, join bool) {
	sid := src.SenderID()
	if sid == "" {
		logutil.Trace(c.logger, "dropping channel event without sender identity")
		return
	}
	var ev channelEvent
	if err := f.Bind(&ev); err != nil || ev.Channel == "" {
		c.countMalformed(err)
		return
	}
	if join {
		c.hub.SubscribeNode(sid, ev.Channel)
	} else {
		c.hub.UnsubscribeNode(sid, ev.Channel)
	}
}

// handleChannelMessage routes one delivered publication. Peer-delivered
// messages fan out to local clients only: never back to other peers.
// Publisher frames are fresh publications and take the full path.
func (c *Cluster) handleChannelMessage(src frameSource, f wire.Frame) {
	var msg channelMessage
	if err := f.Bind(&msg); err != nil || msg.Channel == "" {
		c.countMalformed(err)
		return
	}

	if src.IsPublisher() {
		if c.metrics != nil {
			c.metrics.MessagesPublished.Inc()
		}
		c.hub.Publish(msg.Channel, msg.Message, src.SenderID(), channelhub.PublishOptions{})
		return
	}

	// Delivery fans out to local clients only; skipNodes keeps a
	// peer-delivered message from ever re-reaching other peers. The
	// local sid as sender lets the observability hook fire on nodes
	// that subscribe to the channel themselves.
	c.hub.Publish(msg.Channel, msg.Message, c.id, channelhub.PublishOptions{
		SkipNodes:     true,
		SkipBroadcast: true,
	})
}

// handleClientKick tears down a locally-owned client on a remote
// request. Nodes that don't own the client ignore the frame; the full
// mesh already delivered it everywhere.
func (c *Cluster) handleClientKick(f wire.Frame) {
	var kick clientKick
	if err := f.Bind(&kick); err != nil || kick.ClientID == "" {
		c.countMalformed(err)
		return
	}
	if !c.hub.IsClientSubscribed(kick.ClientID, "") {
		return
	}
	c.hub.RemoveClient(kick.ClientID)
	c.clients.Kick(kick.ClientID)
}

// handleClientUnsubscribe drops one locally-owned client subscription on
// a remote request.
func (c *Cluster) handleClientUnsubscribe(f wire.Frame) {
	var unsub clientUnsubscribe
	if err := f.Bind(&unsub); err != nil || unsub.ClientID == "" {
		c.countMalformed(err)
		return
	}
	if unsub.Channel == "" {
		if c.hub.IsClientSubscribed(unsub.ClientID, "") {
			c.hub.RemoveClient(unsub.ClientID)
			c.clients.Unsubscribed(unsub.ClientID, "")
		}
		return
	}
	if !c.hub.IsClientSubscribed(unsub.ClientID, unsub.Channel) {
		return
	}
	c.hub.UnsubscribeClient(unsub.ClientID, unsub.Channel)
	c.clients.Unsubscribed(unsub.ClientID, unsub.Channel)
}

func (c *Cluster) countMalformed(err error) {
	if c.metrics != nil {
		c.metrics.FramesMalformed.Inc()
	}
	logutil.Trace(c.logger, "dropping malformed payload", "error", err)
}

// Publish fans a locally-originated message out to every subscriber,
// local and remote. The boolean reports local match, not delivery.
func (c *Cluster) Publish(channel string, msg any) bool {
	if c.metrics != nil {
		c.metrics.MessagesPublished.Inc()
	}
	return c.hub.Publish(channel, msg, c.id, channelhub.PublishOptions{})
}

// SubscribeNode subscribes this node to a channel.
func (c *Cluster) SubscribeNode(channel string) bool {
	return c.hub.SubscribeNode(c.id, channel)
}

// UnsubscribeNode removes this node's subscription to a channel.
func (c *Cluster) UnsubscribeNode(channel string) bool {
	return c.hub.UnsubscribeNode(c.id, channel)
}

// SubscribeClient records a local client subscription; the owning node
// subscribes alongside it.
func (c *Cluster) SubscribeClient(cid, channel string) bool {
	return c.hub.SubscribeClient(c.id, cid, channel)
}

// UnsubscribeClient drops a client subscription. An empty channel drops
// all of them. Unknown clients are assumed remote and the request
// travels to the owning node.
func (c *Cluster) UnsubscribeClient(cid, channel string) {
	if c.hub.IsClientSubscribed(cid, "") {
		if channel == "" {
			c.hub.RemoveClient(cid)
		} else {
			c.hub.UnsubscribeClient(cid, channel)
		}
		return
	}
	c.broadcast(tagClientUnsubscribe, clientUnsubscribe{Channel: channel, ClientID: cid})
}

// IsClientSubscribed reports a local client subscription. An empty
// channel asks for any subscription.
func (c *Cluster) IsClientSubscribed(cid, channel string) bool {
	return c.hub.IsClientSubscribed(cid, channel)
}

// DisconnectClient tears a client down wherever it lives: locally when
// owned, otherwise via a ClientKick to the peers.
func (c *Cluster) DisconnectClient(cid string) {
	if c.hub.IsClientSubscribed(cid, "") {
		c.hub.RemoveClient(cid)
		c.clients.Kick(cid)
		return
	}
	c.broadcast(tagClientKick, clientKick{ClientID: cid})
}

// Status builds the /_status document.
func (c *Cluster) Status() Status {
	return Status{
		Ready:    c.Ready(),
		Nodes:    c.Peers(),
		Channels: c.hub.Snapshot(),
	}
}

// hubEvents adapts hub emissions into fabric actions. Runs under the
// hub lock: it must not call back into the hub.
type hubEvents struct {
	channelhub.NopObserver
	c *Cluster
}

// ChannelAdd updates the channel gauge.
func (h *hubEvents) ChannelAdd(_ string) {
	if h.c.metrics != nil {
		h.c.metrics.ChannelsKnown.Inc()
	}
}

// ChannelRemove updates the channel gauge.
func (h *hubEvents) ChannelRemove(_ string) {
	if h.c.metrics != nil {
		h.c.metrics.ChannelsKnown.Dec()
	}
}

// NodeJoin gossips our own subscriptions; peers announce theirs.
func (h *hubEvents) NodeJoin(channel, sid string) {
	if sid != h.c.id {
		return
	}
	h.c.broadcast(tagChannelJoin, channelEvent{Channel: channel})
}

// NodeLeave gossips our own unsubscriptions.
func (h *hubEvents) NodeLeave(channel, sid string) {
	if sid != h.c.id {
		return
	}
	h.c.broadcast(tagChannelLeave, channelEvent{Channel: channel})
}

// NodeMessage targets one subscribed peer.
func (h *hubEvents) NodeMessage(channel, sid, msg string) {
	if sid == h.c.id {
		return
	}
	h.c.sendToPeer(sid, tagChannelMessage, channelMessage{
		Channel: channel,
		Sender:  h.c.id,
		Message: msg,
	})
}

// NodeBroadcast floods every peer: nobody known subscribes, let the
// receivers fan out locally.
func (h *hubEvents) NodeBroadcast(channel, msg string) {
	sent := h.c.broadcast(tagChannelMessage, channelMessage{
		Channel:   channel,
		Sender:    h.c.id,
		Message:   msg,
		Broadcast: true,
	})
	if h.c.metrics != nil {
		h.c.metrics.BroadcastFanout.Observe(float64(sent))
	}
}

// ClientMessage hands delivery to the local session engine.
func (h *hubEvents) ClientMessage(channel, cid, msg string) {
	h.c.clients.Message(channel, cid, msg)
}

// ChannelMessage is the originating node's observability hook.
func (h *hubEvents) ChannelMessage(channel, msg string) {
	logutil.Trace(h.c.logger, "channel message", "channel", channel, "bytes", len(msg))
}

var _ channelhub.Observer = (*hubEvents)(nil)
