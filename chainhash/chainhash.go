package chainhash

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	log "github.com/sirupsen/logrus"
)

const Size = 32

var ErrorInvalidHashLength = errors.New("hash must be 32 bytes")
var ErrorInvalidHashString = errors.New("invalid hash string")

// Hash identifies a block, a transaction or any other gossiped content.
// Hash implements the MarshalBinary and UnmarshalBinary interfaces so it is encoded as a CBOR byte string.
type Hash [Size]byte

var Zero Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Zero
}

func (h Hash) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return ErrorInvalidHashLength
	}
	copy(h[:], data)
	return nil
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Compute returns the keccak256 hash of the concatenated data
func Compute(data ...[]byte) Hash {
	return Hash(ethcrypto.Keccak256Hash(data...))
}

func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if err := h.UnmarshalBinary(b); err != nil {
		return Zero, err
	}
	return h, nil
}

func FromString(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, ErrorInvalidHashString
	}
	return FromBytes(b)
}

func FromStringMustParse(s string) Hash {
	h, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse hash: %v", err)
	}
	return h
}

func Random() Hash {
	var h Hash
	if _, err := rand.Read(h[:]); err != nil {
		log.Fatalf("Failed to generate random hash: %v", err)
	}
	return h
}
