package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"peernet/config"
	"peernet/datamodel/chain"
	"peernet/datastore/leveldb"
	"peernet/net/crpc"
	"peernet/swarm/event"
	"peernet/swarm/node"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Relay stores the blocks received from peers and gossips new items further
type Relay struct {
	ctx   context.Context
	node  *node.Node
	store *leveldb.BlockStore
}

func (r *Relay) PeerConnected(ev *event.PeerConnectedEvent) {
	log.Infof("Peer connected: %s (inbound: %t)", ev.Peer.Endpoint, ev.Inbound)
}

func (r *Relay) PeerDisconnected(ev *event.PeerDisconnectedEvent) {
	log.Infof("Peer disconnected: %s (%s)", ev.Peer.Endpoint, ev.Reason)
}

func (r *Relay) AnnouncementReceived(ev *event.AnnouncementReceivedEvent) {
	if _, err := r.store.GetBlock(ev.Announcement.BlockHash); err == nil {
		return
	}

	// Handlers run on the peer's connection, fetching has to happen elsewhere
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		defer cancel()
		blk, err := r.node.RequestBlock(ctx, ev.Announcement.BlockHash)
		if err != nil {
			log.Warnf("Failed to fetch announced block %s: %v", ev.Announcement.BlockHash, err)
			return
		}
		r.importBlock(blk)
	}()
}

func (r *Relay) BlockReceived(ev *event.BlockReceivedEvent) {
	r.importBlock(ev.Block)
}

func (r *Relay) TransactionsReceived(ev *event.TransactionsReceivedEvent) {
	log.Debugf("Received %d transaction(s) from %s", len(ev.Transactions), ev.Peer.Endpoint)
	r.node.BroadcastTransactions(ev.Transactions)
}

func (r *Relay) importBlock(blk *chain.Block) {
	h := blk.Hash()
	if _, err := r.store.GetBlock(h); err == nil {
		return
	}
	if err := r.store.Put(blk); err != nil {
		log.Errorf("Failed to store block %s: %v", h, err)
		return
	}
	log.Infof("Imported block %s at height %d", h, blk.Height())
	r.node.BroadcastAnnouncement(&chain.BlockAnnouncement{BlockHash: h, BlockHeight: blk.Height()})
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Infof("Metrics available on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server failed: %v", err)
	}
}

func RunServe(ctx context.Context, cfg *config.Config) {
	if !cfg.Node.PrivKey.Valid() {
		log.Fatal("No private key configured, run init first")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := leveldb.NewBlockStore(cfg.DataStore.BlockPath)
	if err != nil {
		log.Fatalf("Failed to open block store: %v", err)
	}
	defer store.Close()

	// Create the CRPC server and listener
	addr := net.JoinHostPort(cfg.Network.ListenHost, strconv.Itoa(cfg.Network.ListeningPort))
	rpcl, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to create RPC listener: %v", err)
	}

	n, err := node.New(cfg, store, crpc.NewServer(rpcl))
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Events.Register(&Relay{ctx: ctx, node: n, store: store}); err != nil {
		log.Fatalf("Failed to register relay: %v", err)
	}

	if cfg.Metrics.ListenAddress != "" {
		go serveMetrics(ctx, cfg.Metrics.ListenAddress)
	}

	if err := n.Run(ctx); err != nil {
		log.Fatalf("Node stopped: %v", err)
	}
	log.Info("Node stopped")
}
