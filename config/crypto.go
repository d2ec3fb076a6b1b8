package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wrapper for a secp256k1 private key to support JSON Marshall and Unmarshall transparently.
// The key is stored as a hex string.
type PrivKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivKey() (PrivKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return PrivKey{}, err
	}
	return PrivKey{PrivateKey: key}, nil
}

func (c PrivKey) MarshalJSON() ([]byte, error) {
	if c.PrivateKey == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(fmt.Sprintf("%x", ethcrypto.FromECDSA(c.PrivateKey)))
}

func (c *PrivKey) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Valid case: no key defined
	if s == nil || *s == "" {
		c.PrivateKey = nil
		return nil
	}

	key, err := ethcrypto.HexToECDSA(*s)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	c.PrivateKey = key
	return nil
}

func (c *PrivKey) Valid() bool {
	return c.PrivateKey != nil
}

// PubkeyHex returns the uncompressed public key, hex encoded
func (c *PrivKey) PubkeyHex() string {
	if c.PrivateKey == nil {
		return ""
	}
	return fmt.Sprintf("%x", ethcrypto.FromECDSAPub(&c.PrivateKey.PublicKey))
}
