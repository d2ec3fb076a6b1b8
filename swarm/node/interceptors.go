package node

import (
	"context"
	"net"
	"peernet/config"
	"peernet/net/crpc"
	"peernet/swarm/protocol"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authorize only lets registered peers through. DoHandshake and Ping are open:
// the first is how a peer registers, the second answers dial-back probes.
func (n *Node) authorize(ctx context.Context, info *crpc.CallInfo) error {
	switch info.Method {
	case protocol.MethodDoHandshake, protocol.MethodPing:
		return nil
	}

	p := n.Peers.FindPeerByPublicKey(info.Pubkey)
	if p == nil || !sameHost(p.RemoteEndpoint(), info.RemoteAddr) {
		return ErrUnknownPeer
	}

	switch info.Method {
	case protocol.MethodConfirmHandshake, protocol.MethodDisconnect:
		return nil
	}
	if !p.IsConfirmed() {
		return ErrNotConfirmed
	}
	return nil
}

// sameHost compares the caller address with the host a peer is registered under.
// Hostnames cannot be compared without resolving them and are let through.
func sameHost(endpoint string, remote net.Addr) bool {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	tcpAddr, ok := remote.(*net.TCPAddr)
	if !ok {
		return true
	}
	return ip.Equal(tcpAddr.IP) || (ip.IsLoopback() && tcpAddr.IP.IsLoopback())
}

func remoteIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

type handshakeLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newHandshakeLimiter(cfg config.RateLimit) *handshakeLimiter {
	perSecond := cfg.PerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &handshakeLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (l *handshakeLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// prune forgets sources idle for longer than idle
func (l *handshakeLimiter) prune(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, v := range l.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(l.visitors, ip)
		}
	}
}

func (n *Node) limitHandshakes(ctx context.Context, info *crpc.CallInfo) error {
	if info.Method != protocol.MethodDoHandshake {
		return nil
	}
	if !n.limiter.allow(remoteIP(info.RemoteAddr)) {
		return ErrRateLimited
	}
	return nil
}
