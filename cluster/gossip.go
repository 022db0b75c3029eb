package cluster

// Gossip event tags. Short on purpose: they travel on every frame.
const (
	// tagNodeInfo is the first frame on any peer connection: identity
	// plus initial subscriptions, server to dialer.
	tagNodeInfo = "I"
	// tagNodeState is broadcast on membership change: who I see, what I
	// subscribe to.
	tagNodeState = "S"
	// tagChannelJoin announces the sender subscribed a channel.
	tagChannelJoin = "J"
	// tagChannelLeave announces the sender left a channel.
	tagChannelLeave = "L"
	// tagChannelMessage delivers one publication.
	tagChannelMessage = "M"
	// tagClientKick asks the owning node to tear down a client session.
	tagClientKick = "CK"
	// tagClientUnsubscribe asks the owning node to drop one client
	// subscription.
	tagClientUnsubscribe = "CU"
)

// nodeInfo is the NodeInfo frame payload.
type nodeInfo struct {
	Type     int      `json:"_t"`
	ID       string   `json:"_i"`
	Channels []string `json:"c"`
}

// nodeRef points at one peer in a NodeState advertisement.
type nodeRef struct {
	URL string `json:"url"`
	SID string `json:"sid"`
}

// nodeState is the NodeState frame payload.
type nodeState struct {
	SID      string    `json:"s"`
	Nodes    []nodeRef `json:"n"`
	Channels []string  `json:"c"`
}

// channelEvent is the ChannelJoin / ChannelLeave payload.
type channelEvent struct {
	Channel string `json:"c"`
}

// channelMessage is the ChannelMessage payload. Broadcast marks frames
// sent on the flood path; receivers treat it as advisory and never
// re-forward either way.
type channelMessage struct {
	Channel   string `json:"c"`
	Sender    string `json:"s"`
	Message   string `json:"m"`
	Broadcast bool   `json:"b,omitempty"`
}

// clientKick is the ClientKick payload.
type clientKick struct {
	ClientID string `json:"cid"`
}

// clientUnsubscribe is the ClientUnsubscribe payload. An empty channel
// drops every subscription of the client.
type clientUnsubscribe struct {
	Channel  string `json:"c"`
	ClientID string `json:"cid"`
}
