package commands

import (
	"context"
	"peernet/config"
	"peernet/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

func RunInfo(ctx context.Context, cfg *config.Config) {
	log.Infof("Public key: %s", cfg.Node.PrivKey.PubkeyHex())
	log.Infof("Chain id: %d", cfg.Node.ChainID)
	log.Infof("Listening on %s:%d", cfg.Network.ListenHost, cfg.Network.ListeningPort)
	log.Infof("Peers: max %d, max %d per address", cfg.Network.MaxPeers, cfg.Network.MaxPeersPerAddress)
	for _, b := range cfg.Network.BootNodes {
		log.Infof("Boot node: %s", b)
	}

	store, err := leveldb.NewBlockStore(cfg.DataStore.BlockPath)
	if err != nil {
		log.Fatalf("Failed to open block store: %v", err)
	}
	defer store.Close()

	best, bestHeight := store.BestChain()
	lib, libHeight := store.LastIrreversible()
	log.Infof("Best chain: %s @ %d", best, bestHeight)
	log.Infof("Last irreversible: %s @ %d", lib, libHeight)
}
