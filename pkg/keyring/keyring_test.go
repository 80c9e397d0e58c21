package keyring_test

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/otelgrid/otelgrid/pkg/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := keyring.New([]byte("too short"))
	assert.Error(t, err)
}

func TestTokenSigningKey_Deterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5a}, 32)

	k1, err := keyring.New(secret)
	require.NoError(t, err)
	k2, err := keyring.New(secret)
	require.NoError(t, err)

	assert.Equal(t, k1.TokenSigningKey(), k2.TokenSigningKey(),
		"same master secret must derive the same signing key")

	other, err := keyring.New(bytes.Repeat([]byte{0x5b}, 32))
	require.NoError(t, err)
	assert.NotEqual(t, k1.TokenSigningKey(), other.TokenSigningKey())
}

func TestTokenVerifyKey_VerifiesSignatures(t *testing.T) {
	k, err := keyring.New(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)

	msg := []byte("registration payload")
	sig := ed25519.Sign(k.TokenSigningKey(), msg)
	assert.True(t, ed25519.Verify(k.TokenVerifyKey(), msg, sig))
}

func TestNewSharedKeys(t *testing.T) {
	k, err := keyring.New(bytes.Repeat([]byte{0x02}, 32))
	require.NoError(t, err)

	sk := k.NewSharedKeys()
	require.Len(t, sk.ClientKey, 32)
	require.Len(t, sk.ServerKey, 32)
	assert.NotEqual(t, sk.ClientKey, sk.ServerKey)

	// Purpose separation: the signing seed must not overlap the shared keys.
	seed := k.TokenSigningKey().Seed()
	assert.NotEqual(t, seed, sk.ClientKey[:len(seed)])
}
