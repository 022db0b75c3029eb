package channelhub

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures hub events in emit order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) ChannelAdd(c string)            { r.record("channel.add %s", c) }
func (r *recorder) ChannelRemove(c string)         { r.record("channel.remove %s", c) }
func (r *recorder) NodeJoin(c, sid string)         { r.record("node.join %s %s", c, sid) }
func (r *recorder) NodeLeave(c, sid string)        { r.record("node.leave %s %s", c, sid) }
func (r *recorder) ClientJoin(c, cid string)       { r.record("client.join %s %s", c, cid) }
func (r *recorder) ClientLeave(c, cid string)      { r.record("client.leave %s %s", c, cid) }
func (r *recorder) NodeMessage(c, sid, msg string) { r.record("node.message %s %s %s", c, sid, msg) }
func (r *recorder) NodeBroadcast(c, msg string)    { r.record("node.broadcast %s %s", c, msg) }
func (r *recorder) ClientMessage(c, cid, m string) { r.record("client.message %s %s %s", c, cid, m) }
func (r *recorder) ChannelMessage(c, msg string)   { r.record("channel.message %s %s", c, msg) }

func (r *recorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func newHub() (*Hub, *recorder) {
	rec := &recorder{}
	return New(rec), rec
}

func TestSubscribeNode_Idempotent(t *testing.T) {
	hub, rec := newHub()

	assert.True(t, hub.SubscribeNode("n1", "ch"))
	assert.False(t, hub.SubscribeNode("n1", "ch"))

	assert.Equal(t, 1, rec.count("node.join ch n1"))
	assert.Equal(t, 1, rec.count("channel.add ch"))
	assert.True(t, hub.IsNodeSubscribed("n1", "ch"))
}

func TestSubscribeNode_SecondSubscriberNoChannelAdd(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "ch")
	hub.SubscribeNode("n2", "ch")

	assert.Equal(t, 1, rec.count("channel.add ch"))
	assert.Equal(t, 1, rec.count("node.join ch n2"))
}

func TestUnsubscribeNode_Cleanup(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "ch")
	hub.SubscribeNode("n2", "ch")

	assert.True(t, hub.UnsubscribeNode("n1", "ch"))
	assert.Equal(t, 0, rec.count("channel.remove"))

	assert.True(t, hub.UnsubscribeNode("n2", "ch"))
	assert.Equal(t, 1, rec.count("channel.remove ch"))
	assert.False(t, hub.IsNodeSubscribed("n2", "ch"))
	assert.Empty(t, hub.Channels())

	// Idempotent
	assert.False(t, hub.UnsubscribeNode("n2", "ch"))
	assert.Equal(t, 1, rec.count("channel.remove ch"))
}

func TestSubscribeClient_ImpliesOwningNode(t *testing.T) {
	hub, rec := newHub()

	assert.True(t, hub.SubscribeClient("self", "c1", "ch"))

	assert.True(t, hub.IsNodeSubscribed("self", "ch"))
	assert.True(t, hub.IsClientSubscribed("c1", "ch"))
	assert.Equal(t, 1, rec.count("node.join ch self"))
	assert.Equal(t, 1, rec.count("client.join ch c1"))

	// node.join precedes client.join
	rec.mu.Lock()
	defer rec.mu.Unlock()
	joinIdx, clientIdx := -1, -1
	for i, e := range rec.events {
		switch e {
		case "node.join ch self":
			joinIdx = i
		case "client.join ch c1":
			clientIdx = i
		}
	}
	assert.Less(t, joinIdx, clientIdx)
}

func TestUnsubscribeClient_LastClientTearsDownChannel(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeClient("self", "c1", "ch")
	hub.SubscribeNode("remote", "ch")

	assert.True(t, hub.UnsubscribeClient("c1", "ch"))

	// The whole channel is gone, including the node subscribers.
	assert.False(t, hub.IsNodeSubscribed("self", "ch"))
	assert.False(t, hub.IsNodeSubscribed("remote", "ch"))
	assert.Empty(t, hub.Channels())
	assert.Equal(t, 1, rec.count("channel.remove ch"))
	assert.Equal(t, 1, rec.count("client.leave ch c1"))
	assert.Equal(t, 2, rec.count("node.leave ch"))
}

func TestRemoveChannel_Cascade(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeClient("self", "c1", "ch")
	hub.SubscribeClient("self", "c2", "ch")
	hub.SubscribeNode("n1", "ch")

	hub.RemoveChannel("ch")

	assert.Empty(t, hub.Channels())
	assert.Equal(t, 2, rec.count("client.leave ch"))
	assert.Equal(t, 2, rec.count("node.leave ch")) // self + n1
	assert.Equal(t, 1, rec.count("channel.remove ch"))
}

func TestRemoveNode(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "a")
	hub.SubscribeNode("n1", "b")
	hub.SubscribeNode("n2", "b")

	hub.RemoveNode("n1")

	assert.False(t, hub.IsNodeSubscribed("n1", "a"))
	assert.False(t, hub.IsNodeSubscribed("n1", "b"))
	assert.True(t, hub.IsNodeSubscribed("n2", "b"))
	assert.Equal(t, []string{"b"}, hub.Channels())
	assert.Equal(t, 1, rec.count("channel.remove a"))
}

func TestRemoveClient(t *testing.T) {
	hub, _ := newHub()

	hub.SubscribeClient("self", "c1", "a")
	hub.SubscribeClient("self", "c1", "b")
	hub.SubscribeClient("self", "c2", "b")

	hub.RemoveClient("c1")

	assert.False(t, hub.IsClientSubscribed("c1", ""))
	assert.True(t, hub.IsClientSubscribed("c2", "b"))
	// Channel a had only c1; it is fully gone.
	assert.Equal(t, []string{"b"}, hub.Channels())
}

func TestIsClientSubscribed_AnyChannel(t *testing.T) {
	hub, _ := newHub()

	hub.SubscribeClient("self", "c1", "ch")
	assert.True(t, hub.IsClientSubscribed("c1", ""))
	assert.False(t, hub.IsClientSubscribed("c9", ""))
}

func TestPublish_NoSubscribers(t *testing.T) {
	hub, rec := newHub()

	// Unknown channel floods unless broadcast is skipped; either way no
	// subscriber matched.
	assert.False(t, hub.Publish("ch", "hi", "", PublishOptions{}))
	assert.Equal(t, 1, rec.count("node.broadcast ch hi"))

	assert.False(t, hub.Publish("ch", "hi", "", PublishOptions{SkipBroadcast: true}))
	assert.Equal(t, 1, rec.count("node.broadcast"))
}

func TestPublish_NodeFanout(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "ch")
	hub.SubscribeNode("n2", "ch")

	assert.True(t, hub.Publish("ch", "msg", "", PublishOptions{}))
	assert.Equal(t, 1, rec.count("node.message ch n1 msg"))
	assert.Equal(t, 1, rec.count("node.message ch n2 msg"))
	assert.Equal(t, 0, rec.count("node.broadcast"))
	// Absent sender also emits the observability hook.
	assert.Equal(t, 1, rec.count("channel.message ch msg"))
}

func TestPublish_SkipNodes(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "ch")
	hub.SubscribeClient("self", "c1", "ch")

	assert.True(t, hub.Publish("ch", "msg", "n1", PublishOptions{SkipNodes: true, SkipBroadcast: true}))
	assert.Equal(t, 0, rec.count("node.message"))
	assert.Equal(t, 0, rec.count("node.broadcast"))
	assert.Equal(t, 1, rec.count("client.message ch c1 msg"))
}

func TestPublish_SkipNodesNoClients(t *testing.T) {
	hub, _ := newHub()

	hub.SubscribeNode("n1", "ch")
	assert.False(t, hub.Publish("ch", "msg", "n1", PublishOptions{SkipNodes: true, SkipBroadcast: true}))
}

func TestPublish_ChannelMessageGating(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "ch")

	// Known subscriber sender: hook fires.
	hub.Publish("ch", "a", "n1", PublishOptions{})
	assert.Equal(t, 1, rec.count("channel.message ch a"))

	// Unknown sender: hook suppressed.
	hub.Publish("ch", "b", "stranger", PublishOptions{})
	assert.Equal(t, 0, rec.count("channel.message ch b"))
}

func TestPublish_ObjectStringifiedOnce(t *testing.T) {
	hub, rec := newHub()

	hub.SubscribeNode("n1", "ch")
	hub.SubscribeClient("self", "c1", "ch")

	require.True(t, hub.Publish("ch", map[string]any{"k": "v"}, "", PublishOptions{}))

	assert.Equal(t, 1, rec.count(`node.message ch n1 {"k":"v"}`))
	assert.Equal(t, 1, rec.count(`client.message ch c1 {"k":"v"}`))
}

func TestChannelsOfNode(t *testing.T) {
	hub, _ := newHub()

	hub.SubscribeNode("n1", "b")
	hub.SubscribeNode("n1", "a")
	hub.SubscribeNode("n2", "c")

	assert.Equal(t, []string{"a", "b"}, hub.ChannelsOfNode("n1"))
	assert.Empty(t, hub.ChannelsOfNode("n9"))
}

func TestSnapshot(t *testing.T) {
	hub, _ := newHub()

	hub.SubscribeNode("n2", "ch")
	hub.SubscribeNode("n1", "ch")

	snap := hub.Snapshot()
	assert.Equal(t, map[string][]string{"ch": {"n1", "n2"}}, snap)
}

func TestHub_ConcurrentAccess(t *testing.T) {
	hub, _ := newHub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sid := fmt.Sprintf("n%d", n)
			for j := 0; j < 100; j++ {
				channel := fmt.Sprintf("ch%d", j%5)
				hub.SubscribeNode(sid, channel)
				hub.Publish(channel, "m", sid, PublishOptions{})
				hub.UnsubscribeNode(sid, channel)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, hub.Channels())
}
