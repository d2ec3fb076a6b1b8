package peerpool

import (
	"context"
	"net"
	"peernet/swarm/metrics"
	"peernet/swarm/peer"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Options struct {
	MaxPeers           int
	MaxPeersPerAddress int
}

// Pool is the authoritative set of live peers. A public key or an endpoint is
// registered at most once. Check-and-insert happens under one lock so racing
// adds cannot both take the last slot.
type Pool struct {
	opts Options

	mu     sync.RWMutex
	byKey  map[string]*peer.Peer
	byAddr map[string]*peer.Peer
	perIP  map[string]int
}

func New(opts Options) *Pool {
	return &Pool{
		opts:   opts,
		byKey:  make(map[string]*peer.Peer),
		byAddr: make(map[string]*peer.Peer),
		perIP:  make(map[string]int),
	}
}

// sourceIP returns the host part of an endpoint and whether it is a loopback address
func sourceIP(endpoint string) (string, bool) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	if host == "localhost" {
		return host, true
	}
	ip := net.ParseIP(host)
	return host, ip != nil && ip.IsLoopback()
}

func (p *Pool) TryAddPeer(pr *peer.Peer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pr.Key()
	addr := pr.RemoteEndpoint()

	if _, ok := p.byKey[key]; ok {
		log.Debugf("peerpool: %s already registered", key)
		return false
	}
	if _, ok := p.byAddr[addr]; ok {
		log.Debugf("peerpool: endpoint %s already registered", addr)
		return false
	}
	if len(p.byKey) >= p.opts.MaxPeers {
		log.Debugf("peerpool: pool is full (%d peers)", len(p.byKey))
		return false
	}

	ip, loopback := sourceIP(addr)
	if !loopback && p.perIP[ip] >= p.opts.MaxPeersPerAddress {
		log.Debugf("peerpool: too many peers from %s", ip)
		return false
	}

	p.byKey[key] = pr
	p.byAddr[addr] = pr
	p.perIP[ip]++
	metrics.Get().SetPeers(len(p.byKey))
	return true
}

func (p *Pool) FindPeerByAddress(addr string) *peer.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byAddr[addr]
}

func (p *Pool) FindPeerByPublicKey(key string) *peer.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byKey[key]
}

// GetPeers returns a snapshot. Links still waiting for Confirm are listed only with includeUnconfirmed.
func (p *Pool) GetPeers(includeUnconfirmed bool) []*peer.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peers := make([]*peer.Peer, 0, len(p.byKey))
	for _, pr := range p.byKey {
		if includeUnconfirmed || pr.IsConfirmed() {
			peers = append(peers, pr)
		}
	}
	return peers
}

func (p *Pool) PeerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKey)
}

func (p *Pool) IsFull() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKey) >= p.opts.MaxPeers
}

// RemovePeer disconnects the link with the given key and then drops it from the pool.
func (p *Pool) RemovePeer(ctx context.Context, key string, gracefully bool) *peer.Peer {
	pr := p.FindPeerByPublicKey(key)
	if pr == nil {
		return nil
	}
	return p.Remove(ctx, pr, gracefully)
}

// RemovePeerByAddress disconnects the link registered under addr and then drops it from the pool.
func (p *Pool) RemovePeerByAddress(ctx context.Context, addr string, gracefully bool) *peer.Peer {
	pr := p.FindPeerByAddress(addr)
	if pr == nil {
		return nil
	}
	return p.Remove(ctx, pr, gracefully)
}

// Remove disconnects pr and drops it from the pool if it is still registered.
// It returns nil when pr was no longer in the pool.
func (p *Pool) Remove(ctx context.Context, pr *peer.Peer, gracefully bool) *peer.Peer {
	// The transport is closed before the entry disappears
	if err := pr.Disconnect(ctx, gracefully); err != nil {
		log.Warnf("peerpool: failed to disconnect %s: %v", pr.RemoteEndpoint(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := pr.Key()
	// Another caller may have removed it, or replaced it, meanwhile
	if p.byKey[key] != pr {
		return nil
	}

	addr := pr.RemoteEndpoint()
	ip, _ := sourceIP(addr)
	delete(p.byKey, key)
	delete(p.byAddr, addr)
	if p.perIP[ip] <= 1 {
		delete(p.perIP, ip)
	} else {
		p.perIP[ip]--
	}
	metrics.Get().SetPeers(len(p.byKey))
	return pr
}

// Clear disconnects every peer and empties the pool
func (p *Pool) Clear(ctx context.Context, gracefully bool) {
	for _, pr := range p.GetPeers(true) {
		p.Remove(ctx, pr, gracefully)
	}
}
