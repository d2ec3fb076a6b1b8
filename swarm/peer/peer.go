// Package peer implements the link to a single authenticated remote node.
//
// A Peer owns the transport to the remote, one bounded send queue per traffic
// category (each drained by a single goroutine, so order within a category is
// preserved), the known block and transaction caches and the remote's last
// irreversible block watermark.
package peer

import (
	"context"
	"encoding/hex"
	"errors"
	"peernet/chainhash"
	"peernet/datamodel/chain"
	"peernet/swarm/dedup"
	"peernet/swarm/metrics"
	"peernet/swarm/protocol"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("peer not ready")

// Transport is the remote call channel to the peer, implemented by client.Client.
type Transport interface {
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context, reason *protocol.DisconnectReason) error
	RequestBlock(ctx context.Context, h chainhash.Hash) (*chain.Block, error)
	RequestBlocks(ctx context.Context, previous chainhash.Hash, count int) ([]*chain.Block, error)
	SendAnnouncements(ctx context.Context, items []*chain.BlockAnnouncement) error
	SendTransactions(ctx context.Context, items []*chain.Transaction) error
	SendBlocks(ctx context.Context, items []*chain.Block) error
	SendLibAnnouncements(ctx context.Context, items []*chain.LibAnnouncement) error
	Close() error
}

type Status int32

const (
	StatusReady Status = iota
	StatusDegraded
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusDegraded:
		return "Degraded"
	default:
		return "Shutdown"
	}
}

// Identity is fixed once the handshake succeeded
type Identity struct {
	Pubkey          []byte
	Endpoint        string // Listening endpoint of the remote, host:port
	ProtocolVersion int32
	ChainID         int32
}

// Key is the hex encoded public key, used as the peer's unique id
func (i Identity) Key() string {
	return hex.EncodeToString(i.Pubkey)
}

type Options struct {
	AnnouncementQueueLimit    int
	TransactionQueueLimit     int
	BlockQueueLimit           int
	LibAnnouncementQueueLimit int
	StreamBatchSize           int

	KnownBlockCacheCapacity       int
	KnownTransactionCacheCapacity int
	KnownCacheTTL                 time.Duration

	RequestTimeout     time.Duration
	HealthCheckTimeout time.Duration
	DisconnectTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		AnnouncementQueueLimit:        200,
		TransactionQueueLimit:         500,
		BlockQueueLimit:               50,
		LibAnnouncementQueueLimit:     200,
		StreamBatchSize:               32,
		KnownBlockCacheCapacity:       1000,
		KnownTransactionCacheCapacity: 10000,
		KnownCacheTTL:                 5 * time.Minute,
		RequestTimeout:                5 * time.Second,
		HealthCheckTimeout:            3 * time.Second,
		DisconnectTimeout:             time.Second,
	}
}

const latencySamples = 10

type Peer struct {
	identity       Identity
	inbound        bool
	connectionTime time.Time
	opts           Options
	transport      Transport
	log            *logrus.Entry

	connected atomic.Bool
	confirmed atomic.Bool
	status    atomic.Int32

	mu        sync.Mutex // protects following fields
	libHash   chainhash.Hash
	libHeight uint64
	latencies map[string][]time.Duration

	knownBlocks       *dedup.Cache
	knownTransactions *dedup.Cache

	announcements    *sendQueue[*chain.BlockAnnouncement]
	transactions     *sendQueue[*chain.Transaction]
	blocks           *sendQueue[*chain.Block]
	libAnnouncements *sendQueue[*chain.LibAnnouncement]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a connected link and starts its send loops.
func New(identity Identity, transport Transport, inbound bool, opts Options) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		identity:          identity,
		inbound:           inbound,
		connectionTime:    time.Now(),
		opts:              opts,
		transport:         transport,
		latencies:         make(map[string][]time.Duration),
		knownBlocks:       dedup.New(opts.KnownBlockCacheCapacity, opts.KnownCacheTTL),
		knownTransactions: dedup.New(opts.KnownTransactionCacheCapacity, opts.KnownCacheTTL),
		ctx:               ctx,
		cancel:            cancel,
	}
	p.log = logrus.WithFields(logrus.Fields{"peer": shortKey(identity.Key()), "endpoint": identity.Endpoint})

	p.announcements = newSendQueue("announcement", protocol.MethodAnnouncementStream, opts.AnnouncementQueueLimit, transport.SendAnnouncements)
	p.transactions = newSendQueue("transaction", protocol.MethodTransactionStream, opts.TransactionQueueLimit, transport.SendTransactions)
	p.blocks = newSendQueue("block", protocol.MethodBlockStream, opts.BlockQueueLimit, transport.SendBlocks)
	p.libAnnouncements = newSendQueue("lib", protocol.MethodLibAnnouncementStream, opts.LibAnnouncementQueueLimit, transport.SendLibAnnouncements)

	p.connected.Store(true)
	p.status.Store(int32(StatusReady))

	go p.announcements.run(p)
	go p.transactions.run(p)
	go p.blocks.run(p)
	go p.libAnnouncements.run(p)

	return p
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

func (p *Peer) Identity() Identity {
	return p.identity
}

func (p *Peer) Key() string {
	return p.identity.Key()
}

// RemoteEndpoint is the address the peer is registered under
func (p *Peer) RemoteEndpoint() string {
	return p.identity.Endpoint
}

func (p *Peer) Inbound() bool {
	return p.inbound
}

func (p *Peer) ConnectionTime() time.Time {
	return p.connectionTime
}

func (p *Peer) IsConnected() bool {
	return p.connected.Load()
}

// IsConfirmed reports whether the handshake was finalized by a Confirm call
func (p *Peer) IsConfirmed() bool {
	return p.confirmed.Load()
}

func (p *Peer) Confirm() {
	p.confirmed.Store(true)
}

func (p *Peer) Status() Status {
	return Status(p.status.Load())
}

func (p *Peer) markDegraded() {
	p.status.CompareAndSwap(int32(StatusReady), int32(StatusDegraded))
}

func (p *Peer) markHealthy() {
	p.status.CompareAndSwap(int32(StatusDegraded), int32(StatusReady))
}

// TryAddKnownBlock records h as known by the remote. It returns false if it already was.
func (p *Peer) TryAddKnownBlock(h chainhash.Hash) bool {
	return p.knownBlocks.TryAdd(h)
}

func (p *Peer) TryAddKnownTransaction(h chainhash.Hash) bool {
	return p.knownTransactions.TryAdd(h)
}

func (p *Peer) KnowsBlock(h chainhash.Hash) bool {
	return p.knownBlocks.Contains(h)
}

func (p *Peer) KnowsTransaction(h chainhash.Hash) bool {
	return p.knownTransactions.Contains(h)
}

// UpdateLastKnownLib moves the watermark forward only, lower or equal heights are ignored.
func (p *Peer) UpdateLastKnownLib(announcement *chain.LibAnnouncement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if announcement.LibHeight <= p.libHeight {
		return false
	}
	p.libHash = announcement.LibHash
	p.libHeight = announcement.LibHeight
	return true
}

func (p *Peer) LastKnownLib() (chainhash.Hash, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.libHash, p.libHeight
}

func (p *Peer) recordLatency(method string, d time.Duration) {
	metrics.Get().ObserveRequest(method, d)

	p.mu.Lock()
	defer p.mu.Unlock()
	samples := append(p.latencies[method], d)
	if len(samples) > latencySamples {
		samples = samples[len(samples)-latencySamples:]
	}
	p.latencies[method] = samples
}

// RequestMetrics returns the most recent request latencies per RPC kind
func (p *Peer) RequestMetrics() map[string][]time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]time.Duration, len(p.latencies))
	for method, samples := range p.latencies {
		out[method] = append([]time.Duration(nil), samples...)
	}
	return out
}

func (p *Peer) notReady() *NetworkError {
	return &NetworkError{Type: Unrecoverable, Kind: KindPeerNotReady, Peer: p.Key(), Err: ErrNotConnected}
}

// CheckHealth probes the remote. The returned error is always a *NetworkError.
func (p *Peer) CheckHealth(ctx context.Context) error {
	if !p.IsConnected() {
		return p.notReady()
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := p.transport.Ping(ctx)
	p.recordLatency(protocol.MethodPing, time.Since(start))
	if err != nil {
		p.markDegraded()
		nerr := classify(p.Key(), err, KindRequestFailure)
		p.log.Debugf("Health check failed: %v", nerr)
		return nerr
	}

	p.markHealthy()
	return nil
}

func (p *Peer) RequestBlock(ctx context.Context, h chainhash.Hash) (*chain.Block, error) {
	if !p.IsConnected() {
		return nil, p.notReady()
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	blk, err := p.transport.RequestBlock(ctx, h)
	p.recordLatency(protocol.MethodRequestBlock, time.Since(start))
	if err != nil {
		return nil, classify(p.Key(), err, KindRequestFailure)
	}
	return blk, nil
}

func (p *Peer) RequestBlocks(ctx context.Context, previous chainhash.Hash, count int) ([]*chain.Block, error) {
	if !p.IsConnected() {
		return nil, p.notReady()
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	blocks, err := p.transport.RequestBlocks(ctx, previous, count)
	p.recordLatency(protocol.MethodRequestBlocks, time.Since(start))
	if err != nil {
		return nil, classify(p.Key(), err, KindRequestFailure)
	}
	return blocks, nil
}

// Disconnect closes the link. It is idempotent and safe to call concurrently with
// the send loops, which stop and discard whatever is still queued.
func (p *Peer) Disconnect(ctx context.Context, gracefully bool) error {
	p.closeOnce.Do(func() {
		p.connected.Store(false)
		p.status.Store(int32(StatusShutdown))
		p.cancel()

		if gracefully {
			dctx, cancel := context.WithTimeout(ctx, p.opts.DisconnectTimeout)
			err := p.transport.Disconnect(dctx, &protocol.DisconnectReason{Why: protocol.DisconnectShutdown})
			cancel()
			if err != nil {
				p.log.Debugf("Failed to notify disconnect: %v", err)
			}
		}

		if err := p.transport.Close(); err != nil {
			p.log.Debugf("Failed to close transport: %v", err)
		}
		p.log.Infof("Disconnected (graceful: %t)", gracefully)
	})
	return nil
}

func (p *Peer) EnqueueAnnouncement(a *chain.BlockAnnouncement, onError func(error)) {
	enqueue(p, p.announcements, a, onError)
}

func (p *Peer) EnqueueTransaction(tx *chain.Transaction, onError func(error)) {
	enqueue(p, p.transactions, tx, onError)
}

func (p *Peer) EnqueueBlock(b *chain.Block, onError func(error)) {
	enqueue(p, p.blocks, b, onError)
}

func (p *Peer) EnqueueLibAnnouncement(a *chain.LibAnnouncement, onError func(error)) {
	enqueue(p, p.libAnnouncements, a, onError)
}
