// Package keyring derives the server's purpose-specific keys from a single
// master secret, so operators configure exactly one secret and key rotation
// is a master-secret rotation.
package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const minMasterSecretLen = 32

// Purpose labels feed the HKDF info parameter. Changing a label is a key
// rotation for that purpose only.
const (
	purposeTokenSigning = "otelgrid/registration-token-signing/v1"
	purposeSharedKeys   = "otelgrid/shared-transport-keys/v1"
)

// Keyring holds the master secret and hands out derived keys.
type Keyring struct {
	master []byte
}

// SharedKeys is a client/server pair of symmetric keys for transports that
// need both directions keyed separately.
type SharedKeys struct {
	ClientKey []byte `json:"clientKey"`
	ServerKey []byte `json:"serverKey"`
}

// New validates the master secret and builds a Keyring.
func New(masterSecret []byte) (*Keyring, error) {
	if len(masterSecret) < minMasterSecretLen {
		return nil, errors.New("master secret must be at least 32 bytes")
	}
	return &Keyring{master: masterSecret}, nil
}

func (k *Keyring) derive(purpose string, n int) []byte {
	r := hkdf.New(sha256.New, k.master, nil, []byte(purpose))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err)
	}
	return out
}

// TokenSigningKey returns the ed25519 key used to sign registration tokens.
// Derivation is deterministic: every process sharing the master secret signs
// and verifies identically.
func (k *Keyring) TokenSigningKey() ed25519.PrivateKey {
	seed := k.derive(purposeTokenSigning, ed25519.SeedSize)
	return ed25519.NewKeyFromSeed(seed)
}

// TokenVerifyKey returns the public half of TokenSigningKey.
func (k *Keyring) TokenVerifyKey() ed25519.PublicKey {
	return k.TokenSigningKey().Public().(ed25519.PublicKey)
}

// NewSharedKeys derives the symmetric client/server key pair.
func (k *Keyring) NewSharedKeys() *SharedKeys {
	buf := k.derive(purposeSharedKeys, 64)
	return &SharedKeys{
		ClientKey: buf[:32],
		ServerKey: buf[32:],
	}
}
