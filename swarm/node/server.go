package node

import (
	"context"
	"errors"
	"net"
	"peernet/datamodel/chain"
	"peernet/net/crpc"
	"peernet/swarm/client"
	"peernet/swarm/event"
	"peernet/swarm/metrics"
	"peernet/swarm/peer"
	"peernet/swarm/protocol"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// PeerService is the RPC surface a node exposes to its peers
type PeerService struct {
	node *Node
}

func (s *PeerService) caller(ctx context.Context) (*peer.Peer, error) {
	info, ok := crpc.CallInfoFromContext(ctx)
	if !ok {
		return nil, ErrUnknownPeer
	}
	p := s.node.Peers.FindPeerByPublicKey(info.Pubkey)
	if p == nil {
		return nil, ErrUnknownPeer
	}
	return p, nil
}

// RPC: DoHandshake
//
// Validation failures and admission refusals are reported through the reply
// codes. An error is only returned when the local node cannot answer at all.
func (s *PeerService) DoHandshake(ctx context.Context, req *protocol.Handshake, res *protocol.HandshakeReply) error {
	n := s.node
	info, ok := crpc.CallInfoFromContext(ctx)
	if !ok {
		return ErrUnknownPeer
	}

	if code := n.Handshake.ValidateHandshake(req); code != protocol.HandshakeOk {
		log.Warnf("Server.DoHandshake from %s: %s", info.RemoteAddr, code)
		metrics.Get().Handshake("inbound", code.String())
		res.Error = code
		return nil
	}
	data := req.HandshakeData

	if n.Handshake.IsSelf(req) {
		log.Warnf("Server.DoHandshake from %s: self connection", info.RemoteAddr)
		metrics.Get().Handshake("inbound", "self")
		res.Error = protocol.InvalidHandshake
		return nil
	}

	endpoint := net.JoinHostPort(remoteIP(info.RemoteAddr), strconv.Itoa(int(data.ListeningPort)))
	id := peer.Identity{Pubkey: data.Pubkey, Endpoint: endpoint, ProtocolVersion: data.Version, ChainID: data.ChainID}

	// The transport identity has to be the key that signed the handshake
	if info.Pubkey != id.Key() {
		log.Warnf("Server.DoHandshake from %s: caller key does not match handshake key", info.RemoteAddr)
		metrics.Get().Handshake("inbound", protocol.InvalidHandshake.String())
		res.Error = protocol.InvalidHandshake
		return nil
	}

	if code := n.resolveRepeated(ctx, id); code != protocol.ConnectOk {
		log.Infof("Server.DoHandshake from %s: %s", endpoint, code)
		metrics.Get().Handshake("inbound", code.String())
		res.ConnectError = code
		return nil
	}

	if n.Peers.IsFull() {
		metrics.Get().Handshake("inbound", protocol.ConnectionRefused.String())
		res.ConnectError = protocol.ConnectionRefused
		return nil
	}

	// Dial back: the peer must be reachable on the port it advertised
	hctx, cancel := context.WithTimeout(ctx, n.cfg.Network.HandshakeTimeout.Std())
	defer cancel()
	c, err := client.Dial(hctx, endpoint, n.pubkey)
	if err == nil {
		if err = c.Ping(hctx); err != nil {
			c.Close()
		}
	}
	if err != nil {
		log.Warnf("Server.DoHandshake: dial back to %s failed: %v", endpoint, err)
		metrics.Get().Handshake("inbound", protocol.InvalidConnection.String())
		res.ConnectError = protocol.InvalidConnection
		return nil
	}

	p := peer.New(id, c, true, n.peerOpts)
	p.UpdateLastKnownLib(&chain.LibAnnouncement{LibHash: data.LastIrreversibleBlockHash, LibHeight: data.LastIrreversibleBlockHeight})
	if !n.Peers.TryAddPeer(p) {
		p.Disconnect(ctx, false)
		metrics.Get().Handshake("inbound", protocol.ConnectionRefused.String())
		res.ConnectError = protocol.ConnectionRefused
		return nil
	}
	n.pendingHandshakes.Store(id.Key(), data)

	hsk, err := n.Handshake.GetHandshake()
	if err != nil {
		n.removePeer(ctx, p, false, "handshake failed")
		return err
	}

	log.Infof("Server.DoHandshake: accepted %s, waiting for confirmation", endpoint)
	res.Handshake = hsk
	return nil
}

// RPC: ConfirmHandshake
func (s *PeerService) ConfirmHandshake(ctx context.Context, req *protocol.ConfirmHandshakeRequest, res *protocol.VoidReply) error {
	p, err := s.caller(ctx)
	if err != nil {
		return err
	}
	if p.IsConfirmed() {
		return nil
	}

	p.Confirm()
	metrics.Get().Handshake("inbound", protocol.HandshakeOk.String())
	log.Infof("Server.ConfirmHandshake: %s connected", p.RemoteEndpoint())

	var data *protocol.HandshakeData
	if v, ok := s.node.pendingHandshakes.LoadAndDelete(p.Key()); ok {
		data = v.(*protocol.HandshakeData)
	}
	s.node.Reconnect.CancelReconnection(p.RemoteEndpoint())
	s.node.Events.Publish(event.TopicPeerConnected, &event.PeerConnectedEvent{Peer: p.Identity(), Inbound: true, Handshake: data})
	return nil
}

// RPC: Ping
func (s *PeerService) Ping(ctx context.Context, req *protocol.PingRequest, res *protocol.VoidReply) error {
	return nil
}

// RPC: Disconnect
func (s *PeerService) Disconnect(ctx context.Context, req *protocol.DisconnectReason, res *protocol.VoidReply) error {
	p, err := s.caller(ctx)
	if err != nil {
		return err
	}
	log.Infof("Server.Disconnect: %s is leaving (%d)", p.RemoteEndpoint(), req.Why)
	s.node.Reconnect.CancelReconnection(p.RemoteEndpoint())
	s.node.removePeer(ctx, p, false, "disconnected by remote")
	return nil
}

// RPC: RequestBlock
func (s *PeerService) RequestBlock(ctx context.Context, req *protocol.BlockRequest, res *protocol.BlockReply) error {
	blk, err := s.node.Chain.GetBlock(req.Hash)
	if errors.Is(err, chain.ErrBlockNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	res.Block = blk
	return nil
}

// RPC: RequestBlocks
//
// Requests for more than MaxBlocksPerRequest blocks get an empty list.
func (s *PeerService) RequestBlocks(ctx context.Context, req *protocol.BlocksRequest, res *protocol.BlockList) error {
	if req.Count <= 0 || req.Count > s.node.cfg.Network.MaxBlocksPerRequest {
		log.Debugf("Server.RequestBlocks: ignoring request for %d blocks", req.Count)
		return nil
	}

	blocks, err := s.node.Chain.GetBlocksAfter(req.PreviousBlockHash, req.Count)
	if errors.Is(err, chain.ErrBlockNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	res.Blocks = blocks
	return nil
}

// RPC: AnnouncementStream
func (s *PeerService) AnnouncementStream(ctx context.Context, req *protocol.AnnouncementBatch, res *protocol.VoidReply) error {
	p, err := s.caller(ctx)
	if err != nil {
		return err
	}

	for _, a := range req.Announcements {
		if a == nil {
			continue
		}
		s.node.Availability.Update(a.BlockHash, p.Key())
		if !isFresh(p.TryAddKnownBlock, p.KnowsBlock, a.BlockHash) {
			continue
		}
		s.node.Events.Publish(event.TopicAnnouncementReceived, &event.AnnouncementReceivedEvent{Peer: p.Identity(), Announcement: a})
	}
	return nil
}

// RPC: TransactionStream
func (s *PeerService) TransactionStream(ctx context.Context, req *protocol.TransactionBatch, res *protocol.VoidReply) error {
	p, err := s.caller(ctx)
	if err != nil {
		return err
	}

	fresh := make([]*chain.Transaction, 0, len(req.Transactions))
	for _, tx := range req.Transactions {
		if tx == nil {
			continue
		}
		if isFresh(p.TryAddKnownTransaction, p.KnowsTransaction, tx.Hash()) {
			fresh = append(fresh, tx)
		}
	}
	if len(fresh) > 0 {
		s.node.Events.Publish(event.TopicTransactionsReceived, &event.TransactionsReceivedEvent{Peer: p.Identity(), Transactions: fresh})
	}
	return nil
}

// RPC: BlockStream
func (s *PeerService) BlockStream(ctx context.Context, req *protocol.BlockBatch, res *protocol.VoidReply) error {
	p, err := s.caller(ctx)
	if err != nil {
		return err
	}

	for _, blk := range req.Blocks {
		if blk == nil {
			continue
		}
		h := blk.Hash()
		// An announced block is already known, its body is still delivered once
		p.TryAddKnownBlock(h)
		s.node.Availability.Update(h, p.Key())
		if !isFresh(s.node.receivedBlocks.TryAdd, s.node.receivedBlocks.Contains, h) {
			continue
		}
		s.node.Events.Publish(event.TopicBlockReceived, &event.BlockReceivedEvent{Peer: p.Identity(), Block: blk})
	}
	return nil
}

// RPC: LibAnnouncementStream
func (s *PeerService) LibAnnouncementStream(ctx context.Context, req *protocol.LibAnnouncementBatch, res *protocol.VoidReply) error {
	p, err := s.caller(ctx)
	if err != nil {
		return err
	}

	for _, a := range req.Announcements {
		if a != nil && p.UpdateLastKnownLib(a) {
			log.Debugf("Server.LibAnnouncementStream: %s lib at %d", p.RemoteEndpoint(), a.LibHeight)
		}
	}
	return nil
}
