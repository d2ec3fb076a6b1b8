package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

type Reconnect struct {
	InitialInterval Duration `json:"initial_interval"`
	Multiplier      float64  `json:"multiplier"`
	MaxInterval     Duration `json:"max_interval"`
	MaxAttempts     int      `json:"max_attempts"`
}

type RateLimit struct {
	PerMinute float64 `json:"per_minute"`
	Burst     int     `json:"burst"`
}

// Config represents the configuration of a peernet node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		PrivKey PrivKey `json:"private_key"`
		ChainID int32   `json:"chain_id"`
	} `json:"node"`

	Network struct {
		ListenHost    string   `json:"listen_host"`
		ListeningPort int      `json:"listening_port"`
		BootNodes     []string `json:"boot_nodes"`

		MaxPeers           int `json:"max_peers"`
		MaxPeersPerAddress int `json:"max_peers_per_address"`

		// Per-peer send buffers
		AnnouncementQueueLimit    int `json:"announcement_queue_limit"`
		TransactionQueueLimit     int `json:"transaction_queue_limit"`
		BlockQueueLimit           int `json:"block_queue_limit"`
		LibAnnouncementQueueLimit int `json:"lib_announcement_queue_limit"`
		StreamBatchSize           int `json:"stream_batch_size"`

		KnownBlockCacheCapacity       int      `json:"known_block_cache_capacity"`
		KnownTransactionCacheCapacity int      `json:"known_transaction_cache_capacity"`
		KnownCacheTTL                 Duration `json:"known_cache_ttl"`

		RequestTimeout      Duration `json:"request_timeout"`
		HandshakeTimeout    Duration `json:"handshake_timeout"`
		HealthCheckTimeout  Duration `json:"health_check_timeout"`
		HealthCheckInterval Duration `json:"health_check_interval"`
		MaxClockSkew        Duration `json:"max_clock_skew"`

		MaxBlocksPerRequest int       `json:"max_blocks_per_request"`
		HandshakeRate       RateLimit `json:"handshake_rate"`
		Reconnect           Reconnect `json:"reconnect"`
	} `json:"network"`

	DataStore struct {
		BlockPath string `json:"blocks"`
	} `json:"datastore"`

	Metrics struct {
		ListenAddress string `json:"listen"` // Empty disables the endpoint
	} `json:"metrics"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.ChainID = 9992731

	cfg.Network.ListenHost = "0.0.0.0"
	cfg.Network.ListeningPort = 6800
	cfg.Network.MaxPeers = 25
	cfg.Network.MaxPeersPerAddress = 2

	cfg.Network.AnnouncementQueueLimit = 200
	cfg.Network.TransactionQueueLimit = 500
	cfg.Network.BlockQueueLimit = 50
	cfg.Network.LibAnnouncementQueueLimit = 200
	cfg.Network.StreamBatchSize = 32

	cfg.Network.KnownBlockCacheCapacity = 1000
	cfg.Network.KnownTransactionCacheCapacity = 10000
	cfg.Network.KnownCacheTTL = Duration(5 * time.Minute)

	cfg.Network.RequestTimeout = Duration(5 * time.Second)
	cfg.Network.HandshakeTimeout = Duration(10 * time.Second)
	cfg.Network.HealthCheckTimeout = Duration(3 * time.Second)
	cfg.Network.HealthCheckInterval = Duration(30 * time.Second)
	cfg.Network.MaxClockSkew = Duration(5 * time.Minute)

	cfg.Network.MaxBlocksPerRequest = 100
	cfg.Network.HandshakeRate = RateLimit{PerMinute: 60, Burst: 10}
	cfg.Network.Reconnect = Reconnect{
		InitialInterval: Duration(5 * time.Second),
		Multiplier:      2,
		MaxInterval:     Duration(2 * time.Minute),
		MaxAttempts:     8,
	}

	cfg.DataStore.BlockPath = "/tmp/peernet/blocks"

	cfg.Metrics.ListenAddress = "127.0.0.1:9680"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// The file holds the node's private key
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return c.Validate()
}

// Validate rejects settings the node cannot run with
func (c *Config) Validate() error {
	nc := &c.Network

	counts := []struct {
		name  string
		value int
	}{
		{"max_peers", nc.MaxPeers},
		{"max_peers_per_address", nc.MaxPeersPerAddress},
		{"announcement_queue_limit", nc.AnnouncementQueueLimit},
		{"transaction_queue_limit", nc.TransactionQueueLimit},
		{"block_queue_limit", nc.BlockQueueLimit},
		{"lib_announcement_queue_limit", nc.LibAnnouncementQueueLimit},
		{"stream_batch_size", nc.StreamBatchSize},
		{"known_block_cache_capacity", nc.KnownBlockCacheCapacity},
		{"known_transaction_cache_capacity", nc.KnownTransactionCacheCapacity},
		{"max_blocks_per_request", nc.MaxBlocksPerRequest},
		{"reconnect.max_attempts", nc.Reconnect.MaxAttempts},
	}
	for _, f := range counts {
		if f.value <= 0 {
			return fmt.Errorf("config: network.%s must be positive, got %d", f.name, f.value)
		}
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"known_cache_ttl", nc.KnownCacheTTL},
		{"request_timeout", nc.RequestTimeout},
		{"handshake_timeout", nc.HandshakeTimeout},
		{"health_check_timeout", nc.HealthCheckTimeout},
		{"health_check_interval", nc.HealthCheckInterval},
		{"max_clock_skew", nc.MaxClockSkew},
		{"reconnect.initial_interval", nc.Reconnect.InitialInterval},
		{"reconnect.max_interval", nc.Reconnect.MaxInterval},
	}
	for _, f := range durations {
		if f.value <= 0 {
			return fmt.Errorf("config: network.%s must be positive, got %s", f.name, f.value.Std())
		}
	}

	if nc.Reconnect.Multiplier < 1 {
		return fmt.Errorf("config: network.reconnect.multiplier must be at least 1, got %v", nc.Reconnect.Multiplier)
	}
	if nc.ListeningPort < 0 || nc.ListeningPort > 65535 {
		return fmt.Errorf("config: network.listening_port out of range: %d", nc.ListeningPort)
	}
	return nil
}
