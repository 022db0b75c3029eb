package channelhub

// Observer receives hub events synchronously, in emit order, while the
// hub lock is held. Implementations must not call back into the Hub;
// they should record, forward or enqueue and return.
//
// One method per event replaces the string-keyed emitter of older
// designs: the compiler checks the contract.
type Observer interface {
	// ChannelAdd fires when a channel gains its first subscriber.
	ChannelAdd(channel string)
	// ChannelRemove fires when a channel loses its last subscriber.
	ChannelRemove(channel string)
	// NodeJoin fires when a node becomes a subscriber of channel.
	NodeJoin(channel, sid string)
	// NodeLeave fires when a node stops subscribing to channel.
	NodeLeave(channel, sid string)
	// ClientJoin fires when a local client becomes a subscriber.
	ClientJoin(channel, cid string)
	// ClientLeave fires when a local client stops subscribing.
	ClientLeave(channel, cid string)
	// NodeMessage asks the fabric to deliver msg to one subscribed node.
	NodeMessage(channel, sid, msg string)
	// NodeBroadcast signals that no subscriber set is known for channel
	// and the fabric should flood.
	NodeBroadcast(channel, msg string)
	// ClientMessage asks the local session engine to deliver msg to one
	// client.
	ClientMessage(channel, cid, msg string)
	// ChannelMessage is the observability hook on the originating node.
	ChannelMessage(channel, msg string)
}

// NopObserver implements Observer with no-ops. Embed it to observe a
// subset of events.
type NopObserver struct{}

// ChannelAdd implements Observer.
func (NopObserver) ChannelAdd(string) {}

// ChannelRemove implements Observer.
func (NopObserver) ChannelRemove(string) {}

// NodeJoin implements Observer.
func (NopObserver) NodeJoin(string, string) {}

// NodeLeave implements Observer.
func (NopObserver) NodeLeave(string, string) {}

// ClientJoin implements Observer.
func (NopObserver) ClientJoin(string, string) {}

// ClientLeave implements Observer.
func (NopObserver) ClientLeave(string, string) {}

// NodeMessage implements Observer.
func (NopObserver) NodeMessage(string, string, string) {}

// NodeBroadcast implements Observer.
func (NopObserver) NodeBroadcast(string, string) {}

// ClientMessage implements Observer.
func (NopObserver) ClientMessage(string, string, string) {}

// ChannelMessage implements Observer.
func (NopObserver) ChannelMessage(string, string) {}
