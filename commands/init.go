package commands

import (
	"context"
	"os"
	"peernet/config"

	log "github.com/sirupsen/logrus"
)

func RunInit(ctx context.Context, cfg *config.Config, configFile string) {
	if _, err := os.Stat(configFile); err == nil {
		log.Fatalf("Config file %s already exists", configFile)
	}

	key, err := config.GeneratePrivKey()
	if err != nil {
		log.Fatalf("Failed to generate node key: %v", err)
	}
	cfg.Node.PrivKey = key

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	log.Infof("Node public key: %s", cfg.Node.PrivKey.PubkeyHex())
}
