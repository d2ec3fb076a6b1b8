package event

import (
	"peernet/datamodel/chain"
	"peernet/swarm/peer"
	"peernet/swarm/protocol"
)

const (
	TopicPeerConnected        = "PeerConnected"
	TopicPeerDisconnected     = "PeerDisconnected"
	TopicAnnouncementReceived = "AnnouncementReceived"
	TopicTransactionsReceived = "TransactionsReceived"
	TopicBlockReceived        = "BlockReceived"
)

// PeerConnectedEvent is published once a handshake is confirmed
type PeerConnectedEvent struct {
	Peer      peer.Identity
	Inbound   bool
	Handshake *protocol.HandshakeData
}

type PeerDisconnectedEvent struct {
	Peer   peer.Identity
	Reason string
}

type AnnouncementReceivedEvent struct {
	Peer         peer.Identity
	Announcement *chain.BlockAnnouncement
}

type TransactionsReceivedEvent struct {
	Peer         peer.Identity
	Transactions []*chain.Transaction
}

type BlockReceivedEvent struct {
	Peer  peer.Identity
	Block *chain.Block
}
