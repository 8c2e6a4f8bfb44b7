// SPDX-License-Identifier: LGPL-3.0-or-later

package keystore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskmesh/transport-core/transporterr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, Config{EnableCache: true})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background(), "test_password_123"))
	t.Cleanup(m.Close)
	return m
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	m := newTestManager(t)

	data := []byte("32-byte-session-key-material!!!")
	require.NoError(t, m.Store("session_peer1", KeyTypeSession, "session key", "peer1", data))

	got, err := m.Retrieve("session_peer1")
	require.NoError(t, err)
	require.Equal(t, data, got)

	stats := m.GetStats()
	require.EqualValues(t, 1, stats.KeysStored)
	require.EqualValues(t, 1, stats.KeysRetrieved)
}

func TestRetrieveSurvivesCacheEviction(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, Config{EnableCache: true})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background(), "pw"))

	data := []byte("key-bytes-go-here-0123456789ab")
	require.NoError(t, m.Store("k1", KeyTypeSymmetric, "test", "", data))

	// Simulate a process restart: fresh manager, same directory.
	m2, err := NewManager(dir, Config{EnableCache: true})
	require.NoError(t, err)
	require.NoError(t, m2.Initialize(context.Background(), "pw"))
	t.Cleanup(m2.Close)

	got, err := m2.Retrieve("k1")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestRetrieveWhenLockedFails(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, Config{})
	require.NoError(t, err)

	_, err = m.Retrieve("anything")
	require.ErrorIs(t, err, transporterr.ErrLocked)
}

func TestRotatePeerKeysChangesCiphertextAndVersion(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Store("session_peer2", KeyTypeSession, "session key", "peer2", []byte("original-key-bytes-32-bytes!!!!")))

	count, err := m.RotatePeerKeys("peer2")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	meta := m.ListKeys()["session_peer2"]
	require.EqualValues(t, 2, meta.Version)
}

type recordingAuditor struct {
	keyIDs   []string
	peerIDs  []string
	versions []uint32
}

func (r *recordingAuditor) RecordRotation(_ context.Context, keyID, peerID string, newVersion uint32) error {
	r.keyIDs = append(r.keyIDs, keyID)
	r.peerIDs = append(r.peerIDs, peerID)
	r.versions = append(r.versions, newVersion)
	return nil
}

func TestRotatePeerKeysNotifiesAuditor(t *testing.T) {
	m := newTestManager(t)
	auditor := &recordingAuditor{}
	m.SetRotationAuditor(auditor)

	require.NoError(t, m.Store("session_peer3", KeyTypeSession, "session key", "peer3", []byte("rotated-key-bytes-32-bytes!!!!!")))

	count, err := m.RotatePeerKeys("peer3")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Equal(t, []string{"session_peer3"}, auditor.keyIDs)
	require.Equal(t, []string{"peer3"}, auditor.peerIDs)
	require.Equal(t, []uint32{2}, auditor.versions)
}

func TestBackupRestoreRoundTripAndWrongPassword(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Store("k1", KeyTypeHMAC, "auth key", "peer1", []byte("hmac-key-bytes-32-bytes-long!!!")))

	backupPath := filepath.Join(t.TempDir(), "backup.bin")
	require.NoError(t, m.CreateBackup(backupPath, "backup_password"))

	restored := newTestManager(t)
	require.NoError(t, restored.RestoreBackup(backupPath, "backup_password"))
	got, err := restored.Retrieve("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("hmac-key-bytes-32-bytes-long!!!"), got)

	wrongTarget := newTestManager(t)
	err = wrongTarget.RestoreBackup(backupPath, "wrong_password")
	require.Error(t, err)
}

func TestRemoveKeyDeletesFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Store("k1", KeyTypeSymmetric, "test", "", []byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, m.RemoveKey("k1"))

	_, err := m.Retrieve("k1")
	require.Error(t, err)
}

func TestInitializeSkipsCorruptedEntryButLoadsRest(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, Config{EnableCache: true})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background(), "pw"))

	require.NoError(t, m.Store("intact", KeyTypeSymmetric, "test", "", []byte("intact-key-bytes-0123456789abcd")))
	require.NoError(t, m.Store("tampered", KeyTypeSymmetric, "test", "", []byte("doomed-key-bytes-0123456789abcd")))

	// Flip a ciphertext bit in the tampered entry's file so its AEAD
	// authentication fails at the next unlock.
	path := filepath.Join(dir, "tampered"+keyFileExt)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	entry.EncryptedData[len(entry.EncryptedData)-1] ^= 0xff
	raw, err = json.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	m2, err := NewManager(dir, Config{EnableCache: true})
	require.NoError(t, err)
	require.NoError(t, m2.Initialize(context.Background(), "pw"))
	t.Cleanup(m2.Close)

	keys := m2.ListKeys()
	_, intact := keys["intact"]
	require.True(t, intact)
	_, tampered := keys["tampered"]
	require.False(t, tampered)

	_, err = m2.Retrieve("intact")
	require.NoError(t, err)
}

func TestMasterSaltPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	_, err := os.Stat(filepath.Join(dir, masterSaltFile))
	require.True(t, os.IsNotExist(err))

	m, err := NewManager(dir, Config{})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background(), "pw"))

	_, err = os.Stat(filepath.Join(dir, masterSaltFile))
	require.NoError(t, err)
}
