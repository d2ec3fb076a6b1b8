package commands

import (
	"context"
	"errors"
	"net"
	"os"
	"peernet/config"
	"peernet/datastore/leveldb"
	"peernet/net/crpc"
	"peernet/swarm/node"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunDial connects once to endpoint and reports the handshake outcome. The remote
// dials back, so a temporary node is served for the duration of the attempt.
func RunDial(ctx context.Context, cfg *config.Config, endpoint string) {
	if !cfg.Node.PrivKey.Valid() {
		log.Fatal("No private key configured, run init first")
	}

	dir, err := os.MkdirTemp("", "peernet-dial-")
	if err != nil {
		log.Fatalf("Failed to create temporary block store: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := leveldb.NewBlockStore(dir)
	if err != nil {
		log.Fatalf("Failed to open block store: %v", err)
	}
	defer store.Close()

	rpcl, err := net.Listen("tcp", net.JoinHostPort(cfg.Network.ListenHost, "0"))
	if err != nil {
		log.Fatalf("Failed to create RPC listener: %v", err)
	}

	cfg.Network.BootNodes = nil
	n, err := node.New(cfg, store, crpc.NewServer(rpcl))
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	start := time.Now()
	err = n.Connect(ctx, endpoint)

	var rerr *node.RejectedError
	switch {
	case errors.As(err, &rerr):
		log.Errorf("Rejected by %s: handshake %s, connect %s (permanent: %t)", endpoint, rerr.Handshake, rerr.Connect, rerr.Permanent())
		return
	case err != nil:
		log.Errorf("Failed to connect to %s: %v", endpoint, err)
		return
	}

	p := n.Peers.FindPeerByAddress(endpoint)
	if p == nil {
		log.Errorf("Connected to %s but the peer is gone", endpoint)
		return
	}
	libHash, libHeight := p.LastKnownLib()
	log.Infof("Connected to %s in %v", endpoint, time.Since(start))
	log.Infof("  key:  %s", p.Key())
	log.Infof("  lib:  %s @ %d", libHash, libHeight)
	if err := p.CheckHealth(ctx); err != nil {
		log.Warnf("  ping: %v", err)
	}
	for method, samples := range p.RequestMetrics() {
		log.Infof("  %s: %v", method, samples)
	}
}
