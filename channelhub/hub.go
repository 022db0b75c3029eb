// Package channelhub implements the in-memory subscription registry of a
// quty node: which nodes and which local clients are interested in which
// channels, and the fan-out events a publication produces.
//
// The hub performs no I/O. The cluster fabric observes it and turns the
// emitted events into peer sends and local client deliveries.
package channelhub

import (
	"encoding/json"
	"sort"
	"sync"
)

// Hub is the subscription registry. All operations are synchronous; one
// mutex serializes every mutation together with the events it emits, so
// observers see a consistent ordering.
//
// Invariants maintained: a channel key exists iff its subscriber set is
// non-empty; client subscriptions live only on the owning node; a local
// client subscription implies the owning node's subscription.
type Hub struct {
	mu sync.Mutex

	// nodeChannels maps channel -> set of node ids with interest.
	nodeChannels map[string]map[string]struct{}
	// clientChannels maps channel -> set of local client ids with interest.
	clientChannels map[string]map[string]struct{}

	observers []Observer
}

// PublishOptions limits the fan-out of a publication.
type PublishOptions struct {
	// SkipNodes suppresses per-node delivery events. Set when the
	// message already arrived from a peer.
	SkipNodes bool
	// SkipBroadcast suppresses the flood signal for unknown channels.
	SkipBroadcast bool
}

// New creates an empty hub.
func New(observers ...Observer) *Hub {
	return &Hub{
		nodeChannels:   make(map[string]map[string]struct{}),
		clientChannels: make(map[string]map[string]struct{}),
		observers:      observers,
	}
}

// AddObserver attaches an observer. It takes the hub lock, so it may be
// called while the hub is in use; the observer sees only events emitted
// after it was added.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// SubscribeNode records node sid's interest in channel. Idempotent: the
// join event fires only on the first subscription.
func (h *Hub) SubscribeNode(sid, channel string) bool {
	if sid == "" || channel == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeNode(sid, channel)
}

func (h *Hub) subscribeNode(sid, channel string) bool {
	set, ok := h.nodeChannels[channel]
	if !ok {
		set = make(map[string]struct{})
		h.nodeChannels[channel] = set
		for _, o := range h.observers {
			o.ChannelAdd(channel)
		}
	}
	if _, present := set[sid]; present {
		return false
	}
	set[sid] = struct{}{}
	for _, o := range h.observers {
		o.NodeJoin(channel, sid)
	}
	return true
}

// UnsubscribeNode removes node sid's interest in channel. Idempotent.
func (h *Hub) UnsubscribeNode(sid, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeNode(sid, channel)
}

func (h *Hub) unsubscribeNode(sid, channel string) bool {
	set, ok := h.nodeChannels[channel]
	if !ok {
		return false
	}
	if _, present := set[sid]; !present {
		return false
	}
	delete(set, sid)
	if len(set) == 0 {
		delete(h.nodeChannels, channel)
	}
	for _, o := range h.observers {
		o.NodeLeave(channel, sid)
	}
	if _, stillNodes := h.nodeChannels[channel]; !stillNodes {
		if _, clients := h.clientChannels[channel]; !clients {
			for _, o := range h.observers {
				o.ChannelRemove(channel)
			}
		}
	}
	return true
}

// SubscribeClient records local client cid's interest in channel, first
// ensuring the owning node sid is itself subscribed.
func (h *Hub) SubscribeClient(sid, cid, channel string) bool {
	if sid == "" || cid == "" || channel == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribeNode(sid, channel)

	set, ok := h.clientChannels[channel]
	if !ok {
		set = make(map[string]struct{})
		h.clientChannels[channel] = set
	}
	if _, present := set[cid]; present {
		return false
	}
	set[cid] = struct{}{}
	for _, o := range h.observers {
		o.ClientJoin(channel, cid)
	}
	return true
}

// UnsubscribeClient removes client cid's interest in channel. When the
// last client leaves, the whole channel is torn down.
func (h *Hub) UnsubscribeClient(cid, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeClient(cid, channel)
}

func (h *Hub) unsubscribeClient(cid, channel string) bool {
	set, ok := h.clientChannels[channel]
	if !ok {
		return false
	}
	if _, present := set[cid]; !present {
		return false
	}
	delete(set, cid)
	if len(set) == 0 {
		delete(h.clientChannels, channel)
	}
	for _, o := range h.observers {
		o.ClientLeave(channel, cid)
	}
	if _, stillClients := h.clientChannels[channel]; !stillClients {
		h.removeChannel(channel)
	}
	return true
}

// RemoveChannel unsubscribes every remaining subscriber of channel,
// driving the full leave/remove event cascade.
func (h *Hub) RemoveChannel(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeChannel(channel)
}

// removeChannel re-reads the subscriber sets each step: an emitted event
// may have removed further members by the time control returns.
func (h *Hub) removeChannel(channel string) {
	for {
		set, ok := h.clientChannels[channel]
		if !ok || len(set) == 0 {
			break
		}
		h.unsubscribeClient(anyKey(set), channel)
	}
	for {
		set, ok := h.nodeChannels[channel]
		if !ok || len(set) == 0 {
			break
		}
		h.unsubscribeNode(anyKey(set), channel)
	}
}

// RemoveNode unsubscribes sid from every channel. Used when a peer is
// lost.
func (h *Hub) RemoveNode(sid string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range h.channelsOfNode(sid) {
		h.unsubscribeNode(sid, channel)
	}
}

// RemoveClient unsubscribes cid from every channel. Used when a local
// session disconnects.
func (h *Hub) RemoveClient(cid string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, set := range h.clientChannels {
		if _, present := set[cid]; present {
			h.unsubscribeClient(cid, channel)
		}
	}
}

// IsNodeSubscribed reports whether node sid subscribes to channel.
func (h *Hub) IsNodeSubscribed(sid, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.nodeChannels[channel][sid]
	return ok
}

// IsClientSubscribed reports whether client cid subscribes to channel.
// An empty channel asks whether cid subscribes to anything.
func (h *Hub) IsClientSubscribed(cid, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if channel != "" {
		_, ok := h.clientChannels[channel][cid]
		return ok
	}
	for _, set := range h.clientChannels {
		if _, ok := set[cid]; ok {
			return true
		}
	}
	return false
}

// Publish fans msg out to the subscribers of channel and reports whether
// any node or client delivery was emitted; node subscribers skipped by
// SkipNodes and a broadcast fallback alone do not count. Non-string
// payloads are JSON-stringified once on entry so every emitted event sees
// the same bytes.
func (h *Hub) Publish(channel string, msg any, sender string, opts PublishOptions) bool {
	text, ok := stringify(msg)
	if !ok || channel == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	matched := false

	if nodes, exists := h.nodeChannels[channel]; exists {
		if !opts.SkipNodes {
			for sid := range nodes {
				for _, o := range h.observers {
					o.NodeMessage(channel, sid, text)
				}
			}
			matched = true
		}
	} else if !opts.SkipBroadcast {
		// A flood signal is a shot in the dark, not a matched
		// subscriber; it does not affect the return value.
		for _, o := range h.observers {
			o.NodeBroadcast(channel, text)
		}
	}

	if clients, exists := h.clientChannels[channel]; exists {
		for cid := range clients {
			for _, o := range h.observers {
				o.ClientMessage(channel, cid, text)
			}
		}
		matched = true
	}

	if sender == "" || h.isSubscriber(sender, channel) {
		for _, o := range h.observers {
			o.ChannelMessage(channel, text)
		}
	}

	return matched
}

// isSubscriber reports node or client membership for the given id.
func (h *Hub) isSubscriber(id, channel string) bool {
	if _, ok := h.nodeChannels[channel][id]; ok {
		return true
	}
	_, ok := h.clientChannels[channel][id]
	return ok
}

// Channels returns all known channel names, sorted.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{}, len(h.nodeChannels))
	for c := range h.nodeChannels {
		seen[c] = struct{}{}
	}
	for c := range h.clientChannels {
		seen[c] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ChannelsOfNode returns the channels node sid subscribes to, sorted.
func (h *Hub) ChannelsOfNode(sid string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelsOfNode(sid)
}

func (h *Hub) channelsOfNode(sid string) []string {
	var out []string
	for channel, set := range h.nodeChannels {
		if _, ok := set[sid]; ok {
			out = append(out, channel)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns channel -> sorted node subscriber ids, for the status
// surface.
func (h *Hub) Snapshot() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string][]string, len(h.nodeChannels))
	for channel, set := range h.nodeChannels {
		sids := make([]string, 0, len(set))
		for sid := range set {
			sids = append(sids, sid)
		}
		sort.Strings(sids)
		out[channel] = sids
	}
	return out
}

// anyKey returns an arbitrary member of a non-empty set.
func anyKey(set map[string]struct{}) string {
	for k := range set {
		return k
	}
	return ""
}

// stringify renders a payload as the single string every downstream emit
// sees. Strings and byte slices pass through; other values are
// JSON-marshaled.
func stringify(msg any) (string, bool) {
	switch v := msg.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	}
}
