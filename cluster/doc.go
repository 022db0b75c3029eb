// Package cluster is the quty fabric: a full mesh of nodes that gossip
// channel subscriptions and route publications to whichever nodes and
// local clients subscribed.
//
// # Lifecycle
//
// A node boots, binds its wire server, runs one discovery pass over the
// configured sources (DNS service, static list, fetch URL) and dials
// everything it finds. It declares readiness on the first established
// peer, the first NodeState frame, or after maxReadyAfter — whichever
// comes first; with no discovery configured it is ready immediately.
// Events arriving before readiness queue up and replay in arrival order
// once the gate flips.
//
// # Sessions
//
// Each peer pair holds exactly one session, dialed by whichever side got
// there first. The server side always opens with a NodeInfo frame; a
// dialer that does not receive one within three seconds cuts the
// connection. Duplicate sessions — same address key or same node id —
// are resolved by dropping the newer one. A node that dials itself
// recognizes its own identity in the NodeInfo and records the address so
// discovery stops offering it.
//
// # Routing
//
// A local publication fans out through the ChannelHub: one targeted
// ChannelMessage per subscribed peer, or a flood to every peer when no
// subscriber is known. A peer-delivered message only ever reaches local
// clients; it is never forwarded again, which keeps the mesh loop-free.
package cluster
