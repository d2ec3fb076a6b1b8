package protocol

import (
	"peernet/chainhash"
	"peernet/datamodel/chain"
)

const ProtocolVersion = 1

// RPC methods served by the node.PeerService
const (
	MethodDoHandshake           = "PeerService.DoHandshake"
	MethodConfirmHandshake      = "PeerService.ConfirmHandshake"
	MethodPing                  = "PeerService.Ping"
	MethodDisconnect            = "PeerService.Disconnect"
	MethodRequestBlock          = "PeerService.RequestBlock"
	MethodRequestBlocks         = "PeerService.RequestBlocks"
	MethodAnnouncementStream    = "PeerService.AnnouncementStream"
	MethodTransactionStream     = "PeerService.TransactionStream"
	MethodBlockStream           = "PeerService.BlockStream"
	MethodLibAnnouncementStream = "PeerService.LibAnnouncementStream"
)

// HandshakeData is the signed part of a Handshake
type HandshakeData struct {
	ChainID                     int32          `cbor:"1,keyasint,omitempty"`
	Version                     int32          `cbor:"2,keyasint,omitempty"`
	ListeningPort               int32          `cbor:"3,keyasint,omitempty"`
	Pubkey                      []byte         `cbor:"4,keyasint,omitempty"` // Uncompressed secp256k1 public key
	BestChainHash               chainhash.Hash `cbor:"5,keyasint"`
	BestChainHeight             uint64         `cbor:"6,keyasint,omitempty"`
	LastIrreversibleBlockHash   chainhash.Hash `cbor:"7,keyasint"`
	LastIrreversibleBlockHeight uint64         `cbor:"8,keyasint,omitempty"`
	Time                        int64          `cbor:"9,keyasint,omitempty"` // Unix milliseconds
}

type Handshake struct {
	HandshakeData *HandshakeData `cbor:"1,keyasint,omitempty"`
	Signature     []byte         `cbor:"2,keyasint,omitempty"`
}

type HandshakeReply struct {
	Error        HandshakeError `cbor:"1,keyasint,omitempty"`
	ConnectError ConnectError   `cbor:"2,keyasint,omitempty"`
	Handshake    *Handshake     `cbor:"3,keyasint,omitempty"`
}

type ConfirmHandshakeRequest struct{}

type PingRequest struct{}

type VoidReply struct{}

type DisconnectWhy int

const (
	DisconnectShutdown DisconnectWhy = iota
	DisconnectRequested
)

type DisconnectReason struct {
	Why DisconnectWhy `cbor:"1,keyasint,omitempty"`
}

type BlockRequest struct {
	Hash chainhash.Hash `cbor:"1,keyasint"`
}

type BlockReply struct {
	Block *chain.Block `cbor:"1,keyasint,omitempty"`
}

type BlocksRequest struct {
	PreviousBlockHash chainhash.Hash `cbor:"1,keyasint"`
	Count             int            `cbor:"2,keyasint,omitempty"`
}

type BlockList struct {
	Blocks []*chain.Block `cbor:"1,keyasint,omitempty"`
}

// Stream batches. Each batch is acknowledged with a VoidReply once processed.

type AnnouncementBatch struct {
	Announcements []*chain.BlockAnnouncement `cbor:"1,keyasint,omitempty"`
}

type TransactionBatch struct {
	Transactions []*chain.Transaction `cbor:"1,keyasint,omitempty"`
}

type BlockBatch struct {
	Blocks []*chain.Block `cbor:"1,keyasint,omitempty"`
}

type LibAnnouncementBatch struct {
	Announcements []*chain.LibAnnouncement `cbor:"1,keyasint,omitempty"`
}
