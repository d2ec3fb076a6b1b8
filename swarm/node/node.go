// Package node ties the peer pool, the handshake and the reconnection
// scheduler together and serves the peer RPC service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"peernet/chainhash"
	"peernet/config"
	"peernet/datamodel/chain"
	"peernet/helper/timer"
	"peernet/net/crpc"
	"peernet/swarm/client"
	"peernet/swarm/dedup"
	"peernet/swarm/event"
	"peernet/swarm/handshake"
	"peernet/swarm/metrics"
	"peernet/swarm/peer"
	"peernet/swarm/peerpool"
	"peernet/swarm/protocol"
	"peernet/swarm/reconnect"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	healthCheckConcurrency = 16
	shutdownTimeout        = 5 * time.Second
)

type Node struct {
	cfg    *config.Config
	pubkey string // hex encoded, stamped on every outgoing request

	Chain        chain.Chain
	Handshake    *handshake.Provider
	Peers        *peerpool.Pool
	Reconnect    *reconnect.Scheduler
	Events       *event.Bus
	Availability *BlockAvailabilityTracker

	// Networking
	RpcServer   *crpc.Server
	RpcHandlers *PeerService

	peerOpts          peer.Options
	limiter           *handshakeLimiter
	receivedBlocks    *dedup.Cache
	pendingHandshakes sync.Map // peer key -> *protocol.HandshakeData, until confirmed

	// Helpers
	sg     singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, chn chain.Chain, rpcServer *crpc.Server) (*Node, error) {
	if !cfg.Node.PrivKey.Valid() {
		return nil, errors.New("node private key is not set")
	}

	// Advertise the port actually bound, the configured one may be 0
	port := cfg.Network.ListeningPort
	if tcpAddr, ok := rpcServer.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	nc := cfg.Network
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:          cfg,
		pubkey:       cfg.Node.PrivKey.PubkeyHex(),
		Chain:        chn,
		Handshake:    handshake.NewProvider(cfg.Node.PrivKey.PrivateKey, cfg.Node.ChainID, int32(port), chn),
		Peers:        peerpool.New(peerpool.Options{MaxPeers: nc.MaxPeers, MaxPeersPerAddress: nc.MaxPeersPerAddress}),
		Events:       event.NewBus(),
		Availability: NewBlockAvailabilityTracker(nc.KnownBlockCacheCapacity),
		RpcServer:    rpcServer,
		peerOpts: peer.Options{
			AnnouncementQueueLimit:        nc.AnnouncementQueueLimit,
			TransactionQueueLimit:         nc.TransactionQueueLimit,
			BlockQueueLimit:               nc.BlockQueueLimit,
			LibAnnouncementQueueLimit:     nc.LibAnnouncementQueueLimit,
			StreamBatchSize:               nc.StreamBatchSize,
			KnownBlockCacheCapacity:       nc.KnownBlockCacheCapacity,
			KnownTransactionCacheCapacity: nc.KnownTransactionCacheCapacity,
			KnownCacheTTL:                 nc.KnownCacheTTL.Std(),
			RequestTimeout:                nc.RequestTimeout.Std(),
			HealthCheckTimeout:            nc.HealthCheckTimeout.Std(),
			DisconnectTimeout:             time.Second,
		},
		limiter:        newHandshakeLimiter(nc.HandshakeRate),
		receivedBlocks: dedup.New(nc.KnownBlockCacheCapacity, nc.KnownCacheTTL.Std()),
		ctx:            ctx,
		cancel:         cancel,
	}
	n.Handshake.MaxSkew = nc.MaxClockSkew.Std()

	n.Reconnect = reconnect.New(reconnect.Options{
		InitialInterval: nc.Reconnect.InitialInterval.Std(),
		Multiplier:      nc.Reconnect.Multiplier,
		MaxInterval:     nc.Reconnect.MaxInterval.Std(),
		MaxAttempts:     nc.Reconnect.MaxAttempts,
		CheckInterval:   time.Second,
	}, n.Connect)

	// Set up RPC Server
	n.RpcHandlers = &PeerService{node: n}
	n.RpcServer.Use(n.limitHandshakes)
	n.RpcServer.Use(n.authorize)
	if err := n.RpcServer.Register(n.RpcHandlers); err != nil {
		cancel()
		return nil, err
	}

	log.Infof("I am %s, listening on %s", n.pubkey[:16], rpcServer.Addr())

	return n, nil
}

// Pubkey is the hex encoded public key identifying this node
func (n *Node) Pubkey() string {
	return n.pubkey
}

// Connect dials endpoint and runs the client side of the handshake. Concurrent
// calls for the same endpoint share one attempt.
func (n *Node) Connect(ctx context.Context, endpoint string) error {
	_, err, _ := n.sg.Do(endpoint, func() (any, error) {
		return nil, n.connect(ctx, endpoint)
	})
	return err
}

func (n *Node) connect(ctx context.Context, endpoint string) error {
	if existing := n.Peers.FindPeerByAddress(endpoint); existing != nil {
		if existing.Status() != peer.StatusDegraded {
			return nil
		}
		if err := existing.CheckHealth(ctx); err == nil {
			return nil
		}
		n.removePeer(ctx, existing, false, "replaced by a new connection")
	}
	if n.Peers.IsFull() {
		return ErrTooManyPeers
	}

	hctx, cancel := context.WithTimeout(ctx, n.cfg.Network.HandshakeTimeout.Std())
	defer cancel()

	c, err := client.Dial(hctx, endpoint, n.pubkey)
	if err != nil {
		metrics.Get().Handshake("outbound", "dial_failed")
		return fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	hsk, err := n.Handshake.GetHandshake()
	if err != nil {
		c.Close()
		return err
	}

	reply, err := c.DoHandshake(hctx, hsk)
	if err != nil {
		c.Close()
		metrics.Get().Handshake("outbound", "failed")
		return fmt.Errorf("handshake with %s failed: %w", endpoint, err)
	}
	if reply.Error != protocol.HandshakeOk || reply.ConnectError != protocol.ConnectOk {
		c.Close()
		rerr := &RejectedError{Endpoint: endpoint, Handshake: reply.Error, Connect: reply.ConnectError}
		metrics.Get().Handshake("outbound", rejectionLabel(rerr))
		log.Warnf("Connect: %v", rerr)
		return rerr
	}

	// The remote accepted us, from here on a failure has to release its side too
	abort := func(err error) error {
		if derr := c.Disconnect(hctx, &protocol.DisconnectReason{Why: protocol.DisconnectRequested}); derr != nil {
			log.Debugf("Connect: failed to notify %s: %v", endpoint, derr)
		}
		c.Close()
		log.Warnf("Connect: %v", err)
		return err
	}

	if code := n.Handshake.ValidateHandshake(reply.Handshake); code != protocol.HandshakeOk {
		rerr := &RejectedError{Endpoint: endpoint, Handshake: code, Local: true}
		metrics.Get().Handshake("outbound", rejectionLabel(rerr))
		return abort(rerr)
	}
	if n.Handshake.IsSelf(reply.Handshake) {
		return abort(ErrSelfConnection)
	}

	data := reply.Handshake.HandshakeData
	id := peer.Identity{Pubkey: data.Pubkey, Endpoint: endpoint, ProtocolVersion: data.Version, ChainID: data.ChainID}

	if existing := n.Peers.FindPeerByPublicKey(id.Key()); existing != nil {
		// The remote dialed us at the same time. Keep its link and confirm ours on its side.
		err := c.ConfirmHandshake(hctx)
		c.Close()
		return err
	}

	p := peer.New(id, c, false, n.peerOpts)
	if !n.Peers.TryAddPeer(p) {
		p.Disconnect(hctx, true)
		rerr := &RejectedError{Endpoint: endpoint, Connect: protocol.ConnectionRefused, Local: true}
		metrics.Get().Handshake("outbound", rejectionLabel(rerr))
		return rerr
	}

	if err := c.ConfirmHandshake(hctx); err != nil {
		n.removePeer(ctx, p, false, "confirmation failed")
		metrics.Get().Handshake("outbound", "failed")
		return fmt.Errorf("failed to confirm handshake with %s: %w", endpoint, err)
	}

	p.Confirm()
	p.UpdateLastKnownLib(&chain.LibAnnouncement{LibHash: data.LastIrreversibleBlockHash, LibHeight: data.LastIrreversibleBlockHeight})
	n.Reconnect.CancelReconnection(endpoint)
	metrics.Get().Handshake("outbound", protocol.HandshakeOk.String())
	log.Infof("Connect: connected to %s", endpoint)

	n.Events.Publish(event.TopicPeerConnected, &event.PeerConnectedEvent{Peer: p.Identity(), Inbound: false, Handshake: data})
	return nil
}

func rejectionLabel(e *RejectedError) string {
	if e.Handshake != protocol.HandshakeOk {
		return e.Handshake.String()
	}
	return e.Connect.String()
}

// resolveRepeated decides what to do with an inbound handshake from a key or
// endpoint that is already registered. A healthy existing link wins, a failing
// one is dropped in favour of the new connection.
func (n *Node) resolveRepeated(ctx context.Context, id peer.Identity) protocol.ConnectError {
	code := protocol.RepeatedConnection
	existing := n.Peers.FindPeerByPublicKey(id.Key())
	if existing == nil {
		code = protocol.ConnectionRefused
		existing = n.Peers.FindPeerByAddress(id.Endpoint)
	}
	if existing == nil {
		return protocol.ConnectOk
	}

	if err := existing.CheckHealth(ctx); err == nil {
		return code
	}
	n.removePeer(ctx, existing, false, "replaced by a new connection")
	return protocol.ConnectOk
}

func (n *Node) removePeer(ctx context.Context, p *peer.Peer, gracefully bool, reason string) {
	if n.Peers.Remove(ctx, p, gracefully) == nil {
		return
	}
	n.pendingHandshakes.Delete(p.Key())
	n.Availability.Forget(p.Key())
	log.Infof("Removed peer %s: %s", p.RemoteEndpoint(), reason)
	n.Events.Publish(event.TopicPeerDisconnected, &event.PeerDisconnectedEvent{Peer: p.Identity(), Reason: reason})
}

// HandleNetworkException routes a link failure. A full buffer only costs the
// dropped item, and nothing is torn down once the node is stopping. Unrecoverable failures remove the link at once, and when the
// transport broke under a live link the endpoint is redialed later. Recoverable
// failures keep the degraded link and schedule a reconnection, which replaces
// the link only if it is still failing by then.
func (n *Node) HandleNetworkException(p *peer.Peer, err error) {
	nerr, ok := peer.AsNetworkError(err)
	if !ok {
		log.Errorf("HandleNetworkException: unexpected error from %s: %v", p.RemoteEndpoint(), err)
		return
	}

	switch {
	case nerr.Kind == peer.KindBufferFull:
		log.Debugf("HandleNetworkException: %v", nerr)
	case n.ctx.Err() != nil:
		// Stopping: shutdown() disconnects every peer gracefully
		log.Debugf("HandleNetworkException: ignoring %v during shutdown", nerr)
	case nerr.Type == peer.Unrecoverable:
		log.Warnf("HandleNetworkException: %v", nerr)
		n.removePeer(n.ctx, p, false, nerr.Kind.String())
		if nerr.Kind == peer.KindDisposed && n.ctx.Err() == nil {
			n.Reconnect.SchedulePeerForReconnection(p.RemoteEndpoint())
		}
	default:
		log.Infof("HandleNetworkException: %v", nerr)
		n.Reconnect.SchedulePeerForReconnection(p.RemoteEndpoint())
	}
}

func (n *Node) onError(p *peer.Peer) func(error) {
	return func(err error) {
		n.HandleNetworkException(p, err)
	}
}

// isFresh adds h through tryAdd. A refusal only means a duplicate when h is
// actually present, a full cache lets the item through.
func isFresh(tryAdd func(chainhash.Hash) bool, contains func(chainhash.Hash) bool, h chainhash.Hash) bool {
	return tryAdd(h) || !contains(h)
}

// BroadcastAnnouncement queues a to every confirmed peer not known to have the block.
// It returns the number of peers the announcement was queued for.
func (n *Node) BroadcastAnnouncement(a *chain.BlockAnnouncement) int {
	queued := 0
	for _, p := range n.Peers.GetPeers(false) {
		if !isFresh(p.TryAddKnownBlock, p.KnowsBlock, a.BlockHash) {
			continue
		}
		p.EnqueueAnnouncement(a, n.onError(p))
		queued++
	}
	return queued
}

func (n *Node) BroadcastBlock(b *chain.Block) int {
	h := b.Hash()
	queued := 0
	for _, p := range n.Peers.GetPeers(false) {
		if !isFresh(p.TryAddKnownBlock, p.KnowsBlock, h) {
			continue
		}
		p.EnqueueBlock(b, n.onError(p))
		queued++
	}
	return queued
}

func (n *Node) BroadcastTransactions(txs []*chain.Transaction) int {
	hashes := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}

	queued := 0
	for _, p := range n.Peers.GetPeers(false) {
		onError := n.onError(p)
		for i, tx := range txs {
			if !isFresh(p.TryAddKnownTransaction, p.KnowsTransaction, hashes[i]) {
				continue
			}
			p.EnqueueTransaction(tx, onError)
			queued++
		}
	}
	return queued
}

func (n *Node) BroadcastLibAnnouncement(a *chain.LibAnnouncement) int {
	peers := n.Peers.GetPeers(false)
	for _, p := range peers {
		p.EnqueueLibAnnouncement(a, n.onError(p))
	}
	return len(peers)
}

// RequestBlock fetches a block, asking first the peers that announced it
func (n *Node) RequestBlock(ctx context.Context, h chainhash.Hash) (*chain.Block, error) {
	var candidates []*peer.Peer
	seen := make(map[string]bool)
	for _, key := range n.Availability.WhoHas(h) {
		if p := n.Peers.FindPeerByPublicKey(key); p != nil && p.IsConfirmed() {
			candidates = append(candidates, p)
			seen[key] = true
		}
	}
	for _, p := range n.Peers.GetPeers(false) {
		if !seen[p.Key()] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoPeers
	}

	for _, p := range candidates {
		blk, err := p.RequestBlock(ctx, h)
		if err != nil {
			log.Debugf("RequestBlock: %s from %s failed: %v", h, p.RemoteEndpoint(), err)
			continue
		}
		if blk != nil && blk.Hash() == h {
			return blk, nil
		}
	}
	return nil, chain.ErrBlockNotFound
}

// RequestBlocks fetches up to count blocks following previous from the peer
// with the highest known irreversible block that has any.
func (n *Node) RequestBlocks(ctx context.Context, previous chainhash.Hash, count int) ([]*chain.Block, error) {
	peers := n.Peers.GetPeers(false)
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	sort.Slice(peers, func(i, j int) bool {
		_, hi := peers[i].LastKnownLib()
		_, hj := peers[j].LastKnownLib()
		return hi > hj
	})

	var lastErr error
	for _, p := range peers {
		blocks, err := p.RequestBlocks(ctx, previous, count)
		if err != nil {
			lastErr = err
			continue
		}
		if len(blocks) > 0 {
			return blocks, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// This is run via the RunWithTicker() helper
func (n *Node) checkPeers(ctx context.Context) error {
	handshakeTimeout := n.cfg.Network.HandshakeTimeout.Std()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckConcurrency)
	for _, p := range n.Peers.GetPeers(true) {
		if !p.IsConfirmed() {
			if time.Since(p.ConnectionTime()) > handshakeTimeout {
				n.removePeer(ctx, p, false, "handshake not confirmed in time")
			}
			continue
		}
		p := p
		g.Go(func() error {
			if err := p.CheckHealth(gctx); err != nil && n.ctx.Err() == nil {
				n.HandleNetworkException(p, err)
			}
			return nil
		})
	}
	g.Wait()

	n.limiter.prune(10 * time.Minute)
	return nil
}

func (n *Node) dialBootNodes(ctx context.Context) {
	self := n.RpcServer.Addr().String()
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for _, addr := range n.cfg.Network.BootNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" || addr == self || seen[addr] {
			continue
		}
		seen[addr] = true

		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := n.Connect(ctx, addr)
			if err == nil {
				return
			}
			log.Warnf("Boot node %s: %v", addr, err)
			var rerr *RejectedError
			if errors.As(err, &rerr) && rerr.Permanent() {
				return
			}
			if ctx.Err() == nil {
				n.Reconnect.SchedulePeerForReconnection(addr)
			}
		}()
	}
	wg.Wait()
}

func (n *Node) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, n.cancel)
	defer stop()

	wg, cctx := errgroup.WithContext(n.ctx)

	wg.Go(func() error {
		return n.RpcServer.Serve(cctx)
	})

	wg.Go(func() error {
		return n.Reconnect.Run(cctx)
	})

	wg.Go(func() error {
		d := n.cfg.Network.HealthCheckInterval.Std()
		return timer.RunWithTicker(cctx, &timer.Interval{Duration: d, Jitter: d / 10}, n.checkPeers)
	})

	wg.Go(func() error {
		n.dialBootNodes(cctx)
		return nil
	})

	err := wg.Wait()
	n.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop makes Run return
func (n *Node) Stop() {
	n.cancel()
}

func (n *Node) shutdown() {
	n.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	peers := n.Peers.GetPeers(true)
	log.Infof("Shutting down, disconnecting %d peer(s)", len(peers))
	for _, p := range peers {
		n.removePeer(ctx, p, true, "shutdown")
	}
}
