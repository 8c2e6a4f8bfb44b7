// SPDX-License-Identifier: LGPL-3.0-or-later

package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskmesh/transport-core/identity"
)

func TestHandshakeAndSend(t *testing.T) {
	server := New(identity.PeerID{1})
	client := New(identity.PeerID{2})

	require.NoError(t, server.Listen(context.Background(), "127.0.0.1:0"))
	addr := server.listener.Addr().String()

	peer, err := client.Connect(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, identity.PeerID{1}, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := server.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, identity.PeerID{2}, ev.Peer)

	require.NoError(t, client.Send(context.Background(), identity.PeerID{1}, []byte("payload")))
	ev, err = server.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), ev.Bytes)

	server.Close()
	client.Close()
}

func TestKeepaliveFrameNotEmittedAsData(t *testing.T) {
	server := New(identity.PeerID{3})
	client := New(identity.PeerID{4})

	require.NoError(t, server.Listen(context.Background(), "127.0.0.1:0"))
	addr := server.listener.Addr().String()
	_, err := client.Connect(context.Background(), addr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = server.NextEvent(ctx) // connected event
	require.NoError(t, err)

	require.NoError(t, client.Keepalive(identity.PeerID{3}))
	require.NoError(t, client.Send(context.Background(), identity.PeerID{3}, []byte("real")))

	ev, err := server.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("real"), ev.Bytes)

	server.Close()
	client.Close()
}

func TestFrameExceedingMaxLengthRejected(t *testing.T) {
	server := New(identity.PeerID{5})
	client := New(identity.PeerID{6})
	require.NoError(t, server.Listen(context.Background(), "127.0.0.1:0"))
	addr := server.listener.Addr().String()
	_, err := client.Connect(context.Background(), addr)
	require.NoError(t, err)

	huge := make([]byte, MaxFrameLength+1)
	err = client.Send(context.Background(), identity.PeerID{5}, huge)
	assert.Error(t, err)

	server.Close()
	client.Close()
}
