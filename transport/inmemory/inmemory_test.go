// SPDX-License-Identifier: LGPL-3.0-or-later

package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskmesh/transport-core/identity"
)

func TestConnectAndSendDeliversToPeer(t *testing.T) {
	net := NewNetwork()
	alice := New(identity.PeerID{1}, net)
	bob := New(identity.PeerID{2}, net)

	require.NoError(t, bob.Listen(context.Background(), "bob"))
	peer, err := alice.Connect(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, identity.PeerID{2}, peer)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := bob.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.PeerID{1}, ev.Peer)

	require.NoError(t, alice.Send(context.Background(), identity.PeerID{2}, []byte("hi")))

	ev, err = bob.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), ev.Bytes)

	frames := alice.SentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("hi"), frames[0].Frame)
}

func TestSendToUnconnectedPeerFails(t *testing.T) {
	alice := New(identity.PeerID{1}, nil)
	err := alice.Send(context.Background(), identity.PeerID{9}, []byte("x"))
	assert.Error(t, err)
}

func TestSendFuncInjectsFailure(t *testing.T) {
	net := NewNetwork()
	alice := New(identity.PeerID{1}, net)
	bob := New(identity.PeerID{2}, net)
	require.NoError(t, bob.Listen(context.Background(), "bob"))
	_, err := alice.Connect(context.Background(), "bob")
	require.NoError(t, err)

	injected := assertErr("boom")
	alice.SendFunc = func(ctx context.Context, peer identity.PeerID, frame []byte) error {
		return injected
	}
	err = alice.Send(context.Background(), identity.PeerID{2}, []byte("x"))
	assert.ErrorIs(t, err, injected)
}

func assertErr(msg string) error {
	return &simpleErr{msg}
}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
