// SPDX-License-Identifier: LGPL-3.0-or-later

package cryptosession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/transporterr"
)

func newSessionPair(t *testing.T) (initiator, responder *Session) {
	t.Helper()

	a, err := GenerateEphemeral(ECDHStdlib)
	require.NoError(t, err)
	b, err := GenerateEphemeral(ECDHStdlib)
	require.NoError(t, err)

	secretA, err := a.SharedSecret(b.Public)
	require.NoError(t, err)
	secretB, err := b.SharedSecret(a.Public)
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)

	peer := identity.PeerID{9}

	initiator, err = NewSession(peer, secretA, a.Public, b.Public, true, SuiteAES256GCM)
	require.NoError(t, err)
	responder, err = NewSession(peer, secretB, b.Public, a.Public, false, SuiteAES256GCM)
	require.NoError(t, err)
	return initiator, responder
}

func TestSessionRoundTripSmallMessage(t *testing.T) {
	initiator, responder := newSessionPair(t)

	frame, err := initiator.EncryptFrame([]byte("hello"), 1)
	require.NoError(t, err)
	assert.Len(t, frame, headerSize+nonceSize+len("hello")+tagSize)

	plaintext, msgType, err := responder.DecryptFrame(frame, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
	assert.Equal(t, byte(1), msgType)
}

func TestSessionDecryptRejectsReplay(t *testing.T) {
	initiator, responder := newSessionPair(t)

	frame, err := initiator.EncryptFrame([]byte("hello"), 1)
	require.NoError(t, err)

	now := time.Now()
	_, _, err = responder.DecryptFrame(frame, now)
	require.NoError(t, err)

	_, _, err = responder.DecryptFrame(frame, now)
	assert.ErrorIs(t, err, transporterr.ErrReplay)
}

func TestSessionDecryptRejectsBadHMAC(t *testing.T) {
	initiator, responder := newSessionPair(t)

	frame, err := initiator.EncryptFrame([]byte("hello"), 1)
	require.NoError(t, err)
	frame[20] ^= 0xff // corrupt a byte inside the HMAC

	_, _, err = responder.DecryptFrame(frame, time.Now())
	assert.ErrorIs(t, err, transporterr.ErrBadHMAC)
}

func TestSessionDecryptRejectsStaleTimestamp(t *testing.T) {
	initiator, responder := newSessionPair(t)

	frame, err := initiator.EncryptFrame([]byte("hello"), 1)
	require.NoError(t, err)

	farFuture := time.Now().Add(MaxMessageAge + time.Hour)
	_, _, err = responder.DecryptFrame(frame, farFuture)
	assert.ErrorIs(t, err, transporterr.ErrStaleTimestamp)
}

func TestSessionDecryptRejectsShortFrame(t *testing.T) {
	_, responder := newSessionPair(t)
	_, _, err := responder.DecryptFrame(make([]byte, 10), time.Now())
	assert.ErrorIs(t, err, transporterr.ErrFrameTooShort)
}

func TestSessionRotateResetsCounterAndBumpsVersion(t *testing.T) {
	initiator, responder := newSessionPair(t)

	_, err := initiator.EncryptFrame([]byte("one"), 1)
	require.NoError(t, err)
	_, err = initiator.EncryptFrame([]byte("two"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), initiator.sendCounter)

	beforeVersion := initiator.KeyVersion()

	a, err := GenerateEphemeral(ECDHStdlib)
	require.NoError(t, err)
	b, err := GenerateEphemeral(ECDHStdlib)
	require.NoError(t, err)
	secretA, err := a.SharedSecret(b.Public)
	require.NoError(t, err)
	secretB, err := b.SharedSecret(a.Public)
	require.NoError(t, err)

	require.NoError(t, initiator.Rotate(secretA, a.Public, b.Public, true))
	require.NoError(t, responder.Rotate(secretB, b.Public, a.Public, false))

	assert.Equal(t, uint64(0), initiator.sendCounter)
	assert.Equal(t, beforeVersion+1, initiator.KeyVersion())

	frame, err := initiator.EncryptFrame([]byte("post-rotation"), 2)
	require.NoError(t, err)
	plaintext, _, err := responder.DecryptFrame(frame, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []byte("post-rotation"), plaintext)
}

func TestSessionRotationGraceDecodesOldVersion(t *testing.T) {
	initiator, responder := newSessionPair(t)

	// Encrypt one frame under the original key but deliver it only
	// after the responder has already rotated.
	inFlight, err := initiator.EncryptFrame([]byte("in-flight"), 1)
	require.NoError(t, err)

	a, err := GenerateEphemeral(ECDHStdlib)
	require.NoError(t, err)
	b, err := GenerateEphemeral(ECDHStdlib)
	require.NoError(t, err)
	secretA, err := a.SharedSecret(b.Public)
	require.NoError(t, err)
	secretB, err := b.SharedSecret(a.Public)
	require.NoError(t, err)
	require.NoError(t, initiator.Rotate(secretA, a.Public, b.Public, true))
	require.NoError(t, responder.Rotate(secretB, b.Public, a.Public, false))

	plaintext, _, err := responder.DecryptFrame(inFlight, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []byte("in-flight"), plaintext)

	// Delivering the same in-flight frame again is rejected as a replay.
	_, _, err = responder.DecryptFrame(inFlight, time.Now())
	assert.ErrorIs(t, err, transporterr.ErrReplay) // second delivery is a replay regardless of grace
}

func TestSessionSuspectedTamperTriggersCallback(t *testing.T) {
	initiator, responder := newSessionPair(t)

	var tampered bool
	responder.OnSuspectedTamper(func(*Session) { tampered = true })

	frame, err := initiator.EncryptFrame([]byte("hello"), 1)
	require.NoError(t, err)
	frame[20] ^= 0xff // corrupt a byte inside the HMAC

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, _, err := responder.DecryptFrame(frame, now)
		assert.ErrorIs(t, err, transporterr.ErrBadHMAC)
	}
	assert.True(t, tampered)
}
