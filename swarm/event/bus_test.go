package event

import (
	"peernet/datamodel/chain"
	"peernet/swarm/peer"
	"testing"

	"github.com/stretchr/testify/require"
)

type Recorder struct {
	connected []*PeerConnectedEvent
	blocks    []*BlockReceivedEvent
}

func (r *Recorder) PeerConnected(ev *PeerConnectedEvent) {
	r.connected = append(r.connected, ev)
}

func (r *Recorder) BlockReceived(ev *BlockReceivedEvent) {
	r.blocks = append(r.blocks, ev)
}

// Not a handler: two arguments
func (r *Recorder) Reset(a, b int) {}

type Panicky struct{}

func (Panicky) BlockReceived(*BlockReceivedEvent) {
	panic("boom")
}

type unexported struct{}

func (unexported) PeerConnected(*PeerConnectedEvent) {}

type NoHandlers struct{}

func TestPublishDispatchesByTopic(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	require.NoError(t, bus.Register(rec))

	id := peer.Identity{Endpoint: "10.0.0.1:6800"}
	n := bus.Publish(TopicPeerConnected, &PeerConnectedEvent{Peer: id, Inbound: true})
	require.Equal(t, 1, n)
	require.Len(t, rec.connected, 1)
	require.True(t, rec.connected[0].Inbound)

	require.Zero(t, bus.Publish(TopicTransactionsReceived, &TransactionsReceivedEvent{}))
	require.Zero(t, bus.Publish("Reset", &PeerConnectedEvent{}))
}

func TestPublishRejectsWrongEventType(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	require.NoError(t, bus.Register(rec))

	require.Zero(t, bus.Publish(TopicPeerConnected, &BlockReceivedEvent{}))
	require.Zero(t, bus.Publish(TopicPeerConnected, nil))
	require.Empty(t, rec.connected)
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	require.NoError(t, bus.Register(Panicky{}))
	require.NoError(t, bus.Register(rec))

	n := bus.Publish(TopicBlockReceived, &BlockReceivedEvent{Block: &chain.Block{}})
	require.Equal(t, 1, n)
	require.Len(t, rec.blocks, 1)
}

func TestRegisterValidation(t *testing.T) {
	bus := NewBus()
	require.Error(t, bus.Register(unexported{}))
	require.Error(t, bus.Register(&NoHandlers{}))
}
