// Package quty is a clustered publish/subscribe message bus. Independent
// server processes form a full-mesh overlay, gossip their channel
// subscriptions and collaboratively route messages to peer nodes and
// locally-attached client sessions.
//
// # Architecture
//
// Each node composes the same few parts:
//
//	┌───────────────────────────────────────┐
//	│               Cluster                 │  discovery, peer sessions,
//	│   (gossip, routing, readiness gate)   │  membership, health surface
//	└───────────────────────────────────────┘
//	      ↓ owns                ↓ observes
//	┌──────────────┐      ┌──────────────────┐
//	│ WireServer / │      │    ChannelHub    │  in-memory subscription
//	│ WireClients  │      │ (fan-out events) │  registry, no I/O
//	└──────────────┘      └──────────────────┘
//	      ↓ uses
//	┌──────────────────────────────┐
//	│  wire codec · token · util   │
//	└──────────────────────────────┘
//
// Publications enter through Cluster.Publish (application code), a peer
// frame, or an authenticated publisher socket. The ChannelHub decides
// who is interested; the cluster turns its fan-out events into one
// targeted frame per subscribed peer — or a flood when nobody is known —
// plus local client deliveries through the ClientEvents interface.
//
// Any client may connect to any node: a message published anywhere
// reaches every subscriber, wherever their session terminates. Delivery
// is best-effort; nothing is persisted.
//
// # Packages
//
//   - cluster: the fabric — discovery, sessions, gossip, routing
//   - channelhub: subscription registry and fan-out events
//   - wireserver, wireclient: the two halves of a wire session
//   - wire: the "<event>|<payload>" frame codec
//   - token: signed credentials for peers and publishers
//   - config: node configuration with environment overrides
//   - metric: Prometheus registry for the /metrics surface
//
// cmd/quty runs one node.
package quty
