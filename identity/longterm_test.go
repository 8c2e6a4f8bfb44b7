// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519LongTermSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	key := NewEd25519LongTermKey(priv)
	assert.Equal(t, LongTermEd25519, key.Algorithm())
	assert.Equal(t, []byte(pub), key.PublicKey())

	msg := []byte("peer binding payload")
	sig, err := key.Sign(msg)
	require.NoError(t, err)

	ok, err := VerifyLongTerm(LongTermEd25519, key.PublicKey(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyLongTerm(LongTermEd25519, key.PublicKey(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSecp256k1LongTermSignAndVerify(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	key := NewSecp256k1LongTermKey(priv)
	assert.Equal(t, LongTermSecp256k1, key.Algorithm())

	msg := []byte("peer binding payload")
	sig, err := key.Sign(msg)
	require.NoError(t, err)

	ok, err := VerifyLongTerm(LongTermSecp256k1, key.PublicKey(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyLongTerm(LongTermSecp256k1, key.PublicKey(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyLongTermUnknownAlgorithm(t *testing.T) {
	_, err := VerifyLongTerm(LongTermAlgorithm(99), nil, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownLongTermAlgorithm)
}
