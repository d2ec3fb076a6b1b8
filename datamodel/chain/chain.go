package chain

import (
	"errors"
	"peernet/chainhash"

	"github.com/fxamacker/cbor/v2"
)

var ErrBlockNotFound = errors.New("block not found")

// Transaction is an opaque payload relayed between nodes. Its hash is derived from its encoding.
type Transaction struct {
	From    []byte `cbor:"1,keyasint,omitempty"`
	To      []byte `cbor:"2,keyasint,omitempty"`
	Nonce   uint64 `cbor:"3,keyasint,omitempty"`
	Payload []byte `cbor:"4,keyasint,omitempty"`
	Time    int64  `cbor:"5,keyasint,omitempty"`
}

func (t *Transaction) Hash() chainhash.Hash {
	return hashOf(t)
}

type BlockHeader struct {
	PreviousHash chainhash.Hash `cbor:"1,keyasint"`
	Height       uint64         `cbor:"2,keyasint"`
	Time         int64          `cbor:"3,keyasint,omitempty"`
	Producer     []byte         `cbor:"4,keyasint,omitempty"`
}

// OID of a Block is the hash of its header
type Block struct {
	Header       BlockHeader    `cbor:"1,keyasint"`
	Transactions []*Transaction `cbor:"2,keyasint,omitempty"`
}

func (b *Block) Hash() chainhash.Hash {
	return hashOf(&b.Header)
}

func (b *Block) Height() uint64 {
	return b.Header.Height
}

// BlockAnnouncement advertises a new block without carrying its body
type BlockAnnouncement struct {
	BlockHash   chainhash.Hash `cbor:"1,keyasint"`
	BlockHeight uint64         `cbor:"2,keyasint"`
}

// LibAnnouncement advertises the sender's last irreversible block
type LibAnnouncement struct {
	LibHash   chainhash.Hash `cbor:"1,keyasint"`
	LibHeight uint64         `cbor:"2,keyasint"`
}

// Chain is the read-only view of the local chain consumed by the networking layer.
type Chain interface {
	// BestChain returns the hash and height of the current best chain head.
	BestChain() (chainhash.Hash, uint64)

	// LastIrreversible returns the hash and height of the last irreversible block.
	LastIrreversible() (chainhash.Hash, uint64)

	// GetBlock returns the block with the given hash or ErrBlockNotFound.
	GetBlock(chainhash.Hash) (*Block, error)

	// GetBlocksAfter returns up to count blocks of the best chain following the block with the given hash.
	GetBlocksAfter(chainhash.Hash, int) ([]*Block, error)
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Encode returns the deterministic CBOR encoding used for hashing and signing.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func hashOf(v any) chainhash.Hash {
	raw, err := Encode(v)
	if err != nil {
		// All chain types are plain structs, encoding cannot fail
		panic(err)
	}
	return chainhash.Compute(raw)
}
