package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peernet.json")

	cfg := NewEmptyConfig(path)
	key, err := GeneratePrivKey()
	require.NoError(t, err)
	cfg.Node.PrivKey = key
	cfg.Network.BootNodes = []string{"10.0.0.1:6800", "10.0.0.2:6800"}
	cfg.Network.KnownCacheTTL = Duration(90 * time.Second)
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	require.True(t, loaded.Node.PrivKey.Valid())
	require.True(t, loaded.Node.PrivKey.D.Cmp(key.D) == 0)
	require.Equal(t, cfg.Node.PrivKey.PubkeyHex(), loaded.Node.PrivKey.PubkeyHex())
	require.Equal(t, cfg.Network.BootNodes, loaded.Network.BootNodes)
	require.Equal(t, 90*time.Second, loaded.Network.KnownCacheTTL.Std())
	require.Equal(t, cfg.Network.Reconnect, loaded.Network.Reconnect)
}

func TestDurationIsHumanReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peernet.json")
	require.NoError(t, NewEmptyConfig(path).Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"known_cache_ttl": "5m0s"`)
	require.Contains(t, string(raw), `"private_key": null`)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peernet.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"network": {"request_timeout": "soon"}}`), 0600))
	_, err := NewConfigFromFile(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"node": {"private_key": "zz"}}`), 0600))
	_, err = NewConfigFromFile(path)
	require.Error(t, err)
}

func TestLoadRejectsDegenerateValues(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"max_peers", `{"network": {"max_peers": 0}}`},
		{"max_peers_per_address", `{"network": {"max_peers_per_address": -1}}`},
		{"queue_limit", `{"network": {"block_queue_limit": 0}}`},
		{"stream_batch_size", `{"network": {"stream_batch_size": 0}}`},
		{"cache_capacity", `{"network": {"known_transaction_cache_capacity": 0}}`},
		{"max_blocks_per_request", `{"network": {"max_blocks_per_request": 0}}`},
		{"health_check_interval", `{"network": {"health_check_interval": "0s"}}`},
		{"known_cache_ttl", `{"network": {"known_cache_ttl": "-1s"}}`},
		{"handshake_timeout", `{"network": {"handshake_timeout": "0s"}}`},
		{"max_attempts", `{"network": {"reconnect": {"max_attempts": -1}}}`},
		{"multiplier", `{"network": {"reconnect": {"multiplier": 0.5}}}`},
		{"listening_port", `{"network": {"listening_port": 70000}}`},
		{"combined", `{"network":{"max_peers":0,"health_check_interval":"0s","known_cache_ttl":"-1s","reconnect":{"max_attempts":-1}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "peernet.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.json), 0600))
			_, err := NewConfigFromFile(path)
			require.Error(t, err)
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, NewEmptyConfig("").Validate())
}
