package handshake

import (
	"peernet/chainhash"
	"peernet/swarm/protocol"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type staticHeads struct {
	best, lib chainhash.Hash
}

func (h staticHeads) BestChain() (chainhash.Hash, uint64)        { return h.best, 12 }
func (h staticHeads) LastIrreversible() (chainhash.Hash, uint64) { return h.lib, 8 }

func newProvider(t *testing.T, chainID int32) *Provider {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return NewProvider(key, chainID, 6800, staticHeads{best: chainhash.Random(), lib: chainhash.Random()})
}

func TestValidHandshake(t *testing.T) {
	local := newProvider(t, 9992731)
	remote := newProvider(t, 9992731)

	hsk, err := remote.GetHandshake()
	require.NoError(t, err)
	require.Equal(t, remote.Pubkey(), hsk.HandshakeData.Pubkey)
	require.EqualValues(t, 12, hsk.HandshakeData.BestChainHeight)
	require.EqualValues(t, 8, hsk.HandshakeData.LastIrreversibleBlockHeight)
	require.EqualValues(t, 6800, hsk.HandshakeData.ListeningPort)

	require.Equal(t, protocol.HandshakeOk, local.ValidateHandshake(hsk))
	require.False(t, local.IsSelf(hsk))
	require.True(t, remote.IsSelf(hsk))
}

func TestValidationOrder(t *testing.T) {
	local := newProvider(t, 1)

	t.Run("chain mismatch wins over a bad signature", func(t *testing.T) {
		hsk, err := newProvider(t, 2).GetHandshake()
		require.NoError(t, err)
		hsk.Signature = []byte{1, 2, 3}
		require.Equal(t, protocol.ChainMismatch, local.ValidateHandshake(hsk))
	})

	t.Run("protocol mismatch", func(t *testing.T) {
		hsk, err := newProvider(t, 1).GetHandshake()
		require.NoError(t, err)
		hsk.HandshakeData.Version = protocol.ProtocolVersion + 1
		require.Equal(t, protocol.ProtocolMismatch, local.ValidateHandshake(hsk))
	})

	t.Run("tampered data", func(t *testing.T) {
		hsk, err := newProvider(t, 1).GetHandshake()
		require.NoError(t, err)
		hsk.HandshakeData.BestChainHeight++
		require.Equal(t, protocol.WrongSignature, local.ValidateHandshake(hsk))
	})

	t.Run("claimed key of another node", func(t *testing.T) {
		hsk, err := newProvider(t, 1).GetHandshake()
		require.NoError(t, err)
		hsk.HandshakeData.Pubkey = newProvider(t, 1).Pubkey()
		require.Equal(t, protocol.WrongSignature, local.ValidateHandshake(hsk))
	})

	t.Run("missing data", func(t *testing.T) {
		require.Equal(t, protocol.InvalidHandshake, local.ValidateHandshake(nil))
		require.Equal(t, protocol.InvalidHandshake, local.ValidateHandshake(&protocol.Handshake{}))
	})
}

func TestTimestampSkew(t *testing.T) {
	local := newProvider(t, 1)
	remote := newProvider(t, 1)

	base := time.Now()
	remote.now = func() time.Time { return base.Add(-10 * time.Minute) }
	stale, err := remote.GetHandshake()
	require.NoError(t, err)
	require.Equal(t, protocol.InvalidHandshake, local.ValidateHandshake(stale))

	remote.now = func() time.Time { return base.Add(2 * time.Minute) }
	ahead, err := remote.GetHandshake()
	require.NoError(t, err)
	require.Equal(t, protocol.HandshakeOk, local.ValidateHandshake(ahead))

	local.MaxSkew = time.Minute
	require.Equal(t, protocol.InvalidHandshake, local.ValidateHandshake(ahead))
}
