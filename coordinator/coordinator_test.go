// SPDX-License-Identifier: LGPL-3.0-or-later

package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskmesh/transport-core/config"
	"github.com/duskmesh/transport-core/cryptosession"
	"github.com/duskmesh/transport-core/fragment"
	"github.com/duskmesh/transport-core/identity"
	"github.com/duskmesh/transport-core/queue"
	"github.com/duskmesh/transport-core/transport"
	"github.com/duskmesh/transport-core/transport/inmemory"
	"github.com/duskmesh/transport-core/transporterr"
)

func TestAdmissionRateLimitRejectsBurst(t *testing.T) {
	a := newAdmission(config.AdmissionConfig{
		MaxTotal:        100,
		MaxPerPeer:      100,
		MaxNewPerMinute: 2,
		WindowRetention: time.Minute,
	})
	peer := identity.PeerID{1}
	now := time.Now()

	require.NoError(t, a.check(peer, now))
	require.NoError(t, a.check(peer, now))
	err := a.check(peer, now)
	assert.ErrorIs(t, err, transporterr.ErrRateLimited)
}

func TestAdmissionRateLimitAppliesAcrossDistinctPeers(t *testing.T) {
	a := newAdmission(config.AdmissionConfig{
		MaxTotal:        100,
		MaxPerPeer:      100,
		MaxNewPerMinute: 2,
		WindowRetention: time.Minute,
	})
	now := time.Now()

	require.NoError(t, a.check(identity.PeerID{1}, now))
	require.NoError(t, a.check(identity.PeerID{2}, now))
	err := a.check(identity.PeerID{3}, now)
	assert.ErrorIs(t, err, transporterr.ErrRateLimited)
}

func TestAdmissionGlobalCap(t *testing.T) {
	a := newAdmission(config.AdmissionConfig{MaxTotal: 1, MaxPerPeer: 10, MaxNewPerMinute: 10})
	now := time.Now()
	require.NoError(t, a.check(identity.PeerID{1}, now))
	a.recordConnected(identity.PeerID{1})

	err := a.check(identity.PeerID{2}, now)
	assert.ErrorIs(t, err, transporterr.ErrGlobalCap)
}

func TestAdmissionCooldownAfterFailure(t *testing.T) {
	a := newAdmission(config.AdmissionConfig{MaxTotal: 10, MaxPerPeer: 10, MaxNewPerMinute: 10, Cooldown: time.Minute})
	peer := identity.PeerID{1}
	now := time.Now()
	a.recordFailure(peer, now)

	err := a.check(peer, now)
	assert.ErrorIs(t, err, transporterr.ErrCooldown)

	err = a.check(peer, now.Add(2*time.Minute))
	assert.NoError(t, err)
}

func TestCircuitBreakerFullLifecycle(t *testing.T) {
	cb := newCircuitBreaker(config.CircuitBreakerConfig{
		Threshold:        2,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		HalfOpenBudget:   1,
	})
	now := time.Now()

	allowed, err := cb.allow(now)
	require.True(t, allowed)
	require.NoError(t, err)

	cb.recordFailure(now)
	cb.recordFailure(now)
	assert.Equal(t, circuitOpen, cb.currentState())

	allowed, err = cb.allow(now)
	assert.False(t, allowed)
	assert.ErrorIs(t, err, transporterr.ErrCircuitOpen)

	later := now.Add(100 * time.Millisecond)
	allowed, err = cb.allow(later)
	require.True(t, allowed)
	require.NoError(t, err)
	assert.Equal(t, circuitHalfOpen, cb.currentState())

	cb.recordSuccess(later)
	assert.Equal(t, circuitHalfOpen, cb.currentState())
	allowed, err = cb.allow(later)
	require.True(t, allowed)
	cb.recordSuccess(later)
	assert.Equal(t, circuitClosed, cb.currentState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newCircuitBreaker(config.CircuitBreakerConfig{
		Threshold:       1,
		RecoveryTimeout: 10 * time.Millisecond,
		HalfOpenBudget:  1,
	})
	now := time.Now()
	cb.recordFailure(now)
	assert.Equal(t, circuitOpen, cb.currentState())

	later := now.Add(20 * time.Millisecond)
	allowed, _ := cb.allow(later)
	require.True(t, allowed)
	assert.Equal(t, circuitHalfOpen, cb.currentState())

	cb.recordFailure(later)
	assert.Equal(t, circuitOpen, cb.currentState())
}

func TestTransportSelectionPrefersHigherPriorityRank(t *testing.T) {
	h := newHealthTable()
	h.setPriority(transport.NameTCP, 2)
	h.setPriority(transport.NameWebsocket, 1)
	peer := pidKey{7}

	// Equal (fresh) health on both: the higher rank integer runs first.
	ordered := h.ordered([]transport.Name{transport.NameWebsocket, transport.NameTCP}, peer)
	require.Equal(t, []transport.Name{transport.NameTCP, transport.NameWebsocket}, ordered)

	// Within one rank, the healthier link runs first.
	h.setPriority(transport.NameWebsocket, 2)
	h.recordFailure(transport.NameTCP, peer, time.Now())
	ordered = h.ordered([]transport.Name{transport.NameTCP, transport.NameWebsocket}, peer)
	require.Equal(t, []transport.Name{transport.NameWebsocket, transport.NameTCP}, ordered)
}

func trivialWitness(peer identity.PeerID, now time.Time) identity.Witness {
	nonce := uint64(1)
	ts := uint64(now.Unix())
	h := sha256.New()
	h.Write(peer[:])
	var nonceBuf, tsBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], nonce)
	binary.LittleEndian.PutUint64(tsBuf[:], ts)
	h.Write(nonceBuf[:])
	h.Write(tsBuf[:])
	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return identity.Witness{PeerID: peer, Nonce: nonce, Timestamp: ts, Difficulty: 0, Hash: hash}
}

// TestCoordinatorSendReceiveRoundTrip wires two Coordinators over an
// in-memory transport and confirms a message sent by one arrives,
// decrypted and reassembled, on the other's Inbound queue.
func TestCoordinatorSendReceiveRoundTrip(t *testing.T) {
	alicePeer := identity.PeerID{1}
	bobPeer := identity.PeerID{2}
	now := time.Now()

	aliceIdentities := identity.NewCache(0)
	bobIdentities := identity.NewCache(0)
	require.True(t, aliceIdentities.VerifyAndCache(trivialWitness(bobPeer, now), now))
	require.True(t, bobIdentities.VerifyAndCache(trivialWitness(alicePeer, now), now))

	sharedSecret := make([]byte, 32)
	selfEph := []byte{1, 2, 3}
	peerEph := []byte{4, 5, 6}

	aliceSessions := cryptosession.NewManager(cryptosession.ManagerConfig{ReplayWindowLimit: 10000}, aliceIdentities, nil)
	bobSessions := cryptosession.NewManager(cryptosession.ManagerConfig{ReplayWindowLimit: 10000}, bobIdentities, nil)

	_, err := aliceSessions.Establish(bobPeer, trivialWitness(bobPeer, now), sharedSecret, selfEph, peerEph, true, cryptosession.SuiteAES256GCM)
	require.NoError(t, err)
	_, err = bobSessions.Establish(alicePeer, trivialWitness(alicePeer, now), sharedSecret, peerEph, selfEph, false, cryptosession.SuiteAES256GCM)
	require.NoError(t, err)

	aliceMTU := fragment.NewMTUCache(fragment.MTUConfig{})
	bobMTU := fragment.NewMTUCache(fragment.MTUConfig{})

	aliceInbound := queue.New[Inbound]("alice-inbound", 10, queue.Reject, 0)
	bobInbound := queue.New[Inbound]("bob-inbound", 10, queue.Reject, 0)

	cfg := Config{
		Admission:       config.AdmissionConfig{MaxTotal: 10, MaxPerPeer: 10, MaxNewPerMinute: 10},
		CircuitBreaker:  config.CircuitBreakerConfig{Threshold: 5, RecoveryTimeout: time.Second, SuccessThreshold: 2, HalfOpenBudget: 1},
		ConnectTimeout:  time.Second,
		FailoverTimeout: time.Second,
	}

	alice := New(cfg, aliceSessions, aliceMTU, aliceInbound)
	bob := New(cfg, bobSessions, bobMTU, bobInbound)

	net := inmemory.NewNetwork()
	aliceDriver := inmemory.New(alicePeer, net)
	bobDriver := inmemory.New(bobPeer, net)

	alice.RegisterTransport(transport.NameInMemory, aliceDriver, 1)
	bob.RegisterTransport(transport.NameInMemory, bobDriver, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.Start(ctx)
	bob.Start(ctx)
	defer alice.Stop()
	defer bob.Stop()

	require.NoError(t, bobDriver.Listen(ctx, "bob"))
	require.NoError(t, alice.Connect(ctx, transport.NameInMemory, bobPeer, "bob"))

	time.Sleep(20 * time.Millisecond) // let the Connected event reach bob's link table

	require.NoError(t, alice.Send(ctx, bobPeer, []byte("hello mesh"), 7))

	deadline := time.Now().Add(2 * time.Second)
	var got Inbound
	var ok bool
	for time.Now().Before(deadline) {
		got, ok = bobInbound.Recv()
		if ok {
			break
		}
	}
	require.True(t, ok)
	assert.Equal(t, []byte("hello mesh"), got.Payload)
	assert.Equal(t, byte(7), got.MsgType)
	assert.Equal(t, alicePeer, got.Peer)
}

func TestCoordinatorHealthCheckerReflectsTransportLinks(t *testing.T) {
	peer := identity.PeerID{3}
	ids := identity.NewCache(0)
	sessions := cryptosession.NewManager(cryptosession.ManagerConfig{ReplayWindowLimit: 10}, ids, nil)
	mtu := fragment.NewMTUCache(fragment.MTUConfig{})
	inbound := queue.New[Inbound]("health-inbound", 10, queue.Reject, 0)

	c := New(Config{
		Admission:      config.AdmissionConfig{MaxTotal: 10, MaxPerPeer: 10, MaxNewPerMinute: 10},
		CircuitBreaker: config.CircuitBreakerConfig{Threshold: 5, RecoveryTimeout: time.Second, SuccessThreshold: 2, HalfOpenBudget: 1},
	}, sessions, mtu, inbound)

	net := inmemory.NewNetwork()
	driver := inmemory.New(identity.PeerID{4}, net)
	c.RegisterTransport(transport.NameInMemory, driver, 1)

	checker := c.HealthChecker(time.Second)
	result, err := checker.Check(context.Background(), string(transport.NameInMemory))
	require.NoError(t, err)
	assert.NotEqual(t, "", string(result.Status))

	c.mu.Lock()
	c.links[peer] = &peerLink{transports: map[transport.Name]string{transport.NameInMemory: "peer4-addr"}}
	c.mu.Unlock()

	assert.True(t, c.hasActiveLink(string(transport.NameInMemory)))
}

func TestReconnectSchedulerBackoffGrowsThenPermanentlyFails(t *testing.T) {
	r := newReconnectScheduler(config.ReconnectConfig{BaseDelay: time.Millisecond, MaxDelay: 100 * time.Millisecond, JitterFrac: 0, MaxAttempts: defaultMaxAttempts})
	peer := identity.PeerID{9}
	now := time.Now()

	r.scheduleIfUnderLimit(peer, "addr", now)
	for i := 0; i < defaultMaxAttempts; i++ {
		due := r.popDue(now.Add(time.Second))
		if len(due) == 0 {
			break
		}
		r.requeue(due[0], now)
	}
	assert.True(t, r.isFailed(peer))
}

func TestCoordinatorRotationNeededSignalsAndRotates(t *testing.T) {
	peer := identity.PeerID{5}
	now := time.Now()
	ids := identity.NewCache(0)
	require.True(t, ids.VerifyAndCache(trivialWitness(peer, now), now))

	sessions := cryptosession.NewManager(cryptosession.ManagerConfig{RotationInterval: 5 * time.Millisecond}, ids, nil)
	sess, err := sessions.Establish(peer, trivialWitness(peer, now), make([]byte, 32), []byte{1}, []byte{2}, true, cryptosession.SuiteAES256GCM)
	require.NoError(t, err)
	require.EqualValues(t, 1, sess.KeyVersion())

	mtu := fragment.NewMTUCache(fragment.MTUConfig{})
	inbound := queue.New[Inbound]("rotation-inbound", 10, queue.Reject, 0)

	c := New(Config{
		Admission:             config.AdmissionConfig{MaxTotal: 10, MaxPerPeer: 10, MaxNewPerMinute: 10},
		CircuitBreaker:        config.CircuitBreakerConfig{Threshold: 5, RecoveryTimeout: time.Second, SuccessThreshold: 2, HalfOpenBudget: 1},
		RotationCheckInterval: 2 * time.Millisecond,
	}, sessions, mtu, inbound)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	var due identity.PeerID
	select {
	case due = <-c.RotationNeeded():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rotation-needed signal")
	}
	assert.Equal(t, peer, due)

	freshSecret := make([]byte, 32)
	freshSecret[0] = 0x42
	require.NoError(t, c.RotateSession(due, freshSecret, []byte{9}, []byte{10}, true))

	got, ok := sessions.Get(peer)
	require.True(t, ok)
	assert.EqualValues(t, 2, got.KeyVersion())
}
