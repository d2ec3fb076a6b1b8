// Package handshake builds, signs and validates the handshake messages
// exchanged when two nodes connect.
package handshake

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"peernet/chainhash"
	"peernet/datamodel/chain"
	"peernet/swarm/protocol"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxSkew is the largest accepted distance between a handshake timestamp and the local clock
const DefaultMaxSkew = 5 * time.Minute

var ErrNoHandshakeData = errors.New("handshake carries no data")

// Heads is the part of the chain the handshake advertises
type Heads interface {
	BestChain() (chainhash.Hash, uint64)
	LastIrreversible() (chainhash.Hash, uint64)
}

type Provider struct {
	key           *ecdsa.PrivateKey
	pubkey        []byte
	chainID       int32
	listeningPort int32
	heads         Heads

	MaxSkew time.Duration
	now     func() time.Time
}

func NewProvider(key *ecdsa.PrivateKey, chainID int32, listeningPort int32, heads Heads) *Provider {
	return &Provider{
		key:           key,
		pubkey:        ethcrypto.FromECDSAPub(&key.PublicKey),
		chainID:       chainID,
		listeningPort: listeningPort,
		heads:         heads,
		MaxSkew:       DefaultMaxSkew,
		now:           time.Now,
	}
}

// Pubkey returns the uncompressed public key of the local node
func (p *Provider) Pubkey() []byte {
	return p.pubkey
}

func (p *Provider) ChainID() int32 {
	return p.chainID
}

func (p *Provider) ListeningPort() int32 {
	return p.listeningPort
}

// Digest is the hash a handshake signature is computed over
func Digest(data *protocol.HandshakeData) (chainhash.Hash, error) {
	raw, err := chain.Encode(data)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to encode handshake data: %w", err)
	}
	return chainhash.Compute(raw), nil
}

// GetHandshake returns a freshly signed handshake describing the local node
func (p *Provider) GetHandshake() (*protocol.Handshake, error) {
	bestHash, bestHeight := p.heads.BestChain()
	libHash, libHeight := p.heads.LastIrreversible()

	data := &protocol.HandshakeData{
		ChainID:                     p.chainID,
		Version:                     protocol.ProtocolVersion,
		ListeningPort:               p.listeningPort,
		Pubkey:                      p.pubkey,
		BestChainHash:               bestHash,
		BestChainHeight:             bestHeight,
		LastIrreversibleBlockHash:   libHash,
		LastIrreversibleBlockHeight: libHeight,
		Time:                        p.now().UnixMilli(),
	}

	digest, err := Digest(data)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest.Bytes(), p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign handshake: %w", err)
	}

	return &protocol.Handshake{HandshakeData: data, Signature: sig}, nil
}

// ValidateHandshake checks chain id, then protocol version, then the signature
// and finally the timestamp. The first failing check decides the result.
func (p *Provider) ValidateHandshake(hsk *protocol.Handshake) protocol.HandshakeError {
	if hsk == nil || hsk.HandshakeData == nil {
		return protocol.InvalidHandshake
	}
	data := hsk.HandshakeData

	if data.ChainID != p.chainID {
		log.Debugf("handshake: chain id %d, expected %d", data.ChainID, p.chainID)
		return protocol.ChainMismatch
	}

	if data.Version != protocol.ProtocolVersion {
		log.Debugf("handshake: protocol version %d, expected %d", data.Version, protocol.ProtocolVersion)
		return protocol.ProtocolMismatch
	}

	if !verifySignature(data, hsk.Signature) {
		return protocol.WrongSignature
	}

	if data.Time == 0 {
		return protocol.InvalidHandshake
	}
	skew := p.now().Sub(time.UnixMilli(data.Time))
	if skew < 0 {
		skew = -skew
	}
	if skew > p.MaxSkew {
		log.Debugf("handshake: timestamp skewed by %v", skew)
		return protocol.InvalidHandshake
	}

	return protocol.HandshakeOk
}

func verifySignature(data *protocol.HandshakeData, sig []byte) bool {
	if len(data.Pubkey) == 0 || len(sig) < 64 {
		return false
	}
	digest, err := Digest(data)
	if err != nil {
		return false
	}
	return ethcrypto.VerifySignature(data.Pubkey, digest.Bytes(), sig[:64])
}

// IsSelf reports whether the handshake was produced with the local key
func (p *Provider) IsSelf(hsk *protocol.Handshake) bool {
	return hsk != nil && hsk.HandshakeData != nil && bytes.Equal(hsk.HandshakeData.Pubkey, p.pubkey)
}
