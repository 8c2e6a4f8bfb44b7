// Copyright (C) 2025 duskmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/duskmesh/transport-core/internal/logger"
	"github.com/duskmesh/transport-core/internal/metrics"
	"github.com/duskmesh/transport-core/transporterr"
)

const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // 64 MiB
	argon2Threads = 4
	argon2KeyLen  = 32

	masterSaltFile = "master.salt"
	backupInfo     = "duskmesh-keystore-backup-v1"
)

// RotationAuditor receives a record of every key rotation, for
// operators running a fleet of keystores behind a shared audit
// database (postgres.AuditStore is the durable implementation).
// Auditing is best-effort: a failed record is logged, never fatal.
type RotationAuditor interface {
	RecordRotation(ctx context.Context, keyID, peerID string, newVersion uint32) error
}

// Manager is a password-gated, file-backed secure keystore. It caches
// entry metadata and ciphertext in memory but never holds decrypted
// key bytes outside the caller's own copy.
type Manager struct {
	dir     string
	cfg     Config
	log     logger.Logger
	auditor RotationAuditor

	mu     sync.RWMutex
	cache  map[string]*Entry
	master []byte // nil when locked

	statsMu sync.Mutex
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a keystore rooted at dir, creating the directory
// if necessary. The keystore starts locked; call Initialize before
// storing or retrieving keys.
func NewManager(dir string, cfg Config) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create directory: %w", err)
	}
	return &Manager{
		dir:   dir,
		cfg:   cfg,
		log:   logger.GetDefaultLogger(),
		cache: make(map[string]*Entry),
	}, nil
}

// Initialize derives the master key from password (Argon2id over a
// salt persisted alongside the store, generated once on first use so
// the same password unlocks the same keystore across restarts), then
// loads every key file already on disk into the cache.
func (m *Manager) Initialize(ctx context.Context, password string) error {
	salt, err := m.loadOrCreateMasterSalt()
	if err != nil {
		return err
	}

	master := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	m.mu.Lock()
	m.master = master
	m.mu.Unlock()

	if err := m.loadFromDisk(); err != nil {
		metrics.KeystoreUnlocks.WithLabelValues("failure").Inc()
		return err
	}
	metrics.KeystoreUnlocks.WithLabelValues("success").Inc()

	if m.cfg.AutoFlushInterval > 0 {
		m.startAutoFlush(ctx)
	}

	m.log.Info("keystore initialized", logger.Field{Key: "keys", Value: len(m.cache)})
	return nil
}

// IsUnlocked reports whether the keystore currently holds a master key.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.master != nil
}

// Lock clears the master key and the in-memory cache. Keys already
// persisted to disk are untouched and reloaded on the next Initialize.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.master {
		m.master[i] = 0
	}
	m.master = nil
	m.cache = make(map[string]*Entry)
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.log.Info("keystore locked")
}

// SetRotationAuditor registers an auditor notified of every rotation
// performed by RotatePeerKeys. Pass nil to disable auditing.
func (m *Manager) SetRotationAuditor(a RotationAuditor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditor = a
}

// Store seals data under keyID with a freshly-generated per-entry
// salt and writes the result both to cache and to disk.
func (m *Manager) Store(keyID string, keyType KeyType, purpose, peerID string, data []byte) error {
	m.mu.RLock()
	master := m.master
	m.mu.RUnlock()
	if master == nil {
		return transporterr.ErrLocked
	}

	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("keystore: generate salt: %w", err)
	}

	start := time.Now()
	encrypted, err := sealEntryData(master, data, salt, keyID)
	metrics.KeyDerivationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	entry := &Entry{
		KeyID:         keyID,
		EncryptedData: encrypted,
		Salt:          salt,
		Metadata: Metadata{
			KeyType:    keyType,
			Purpose:    purpose,
			PeerID:     peerID,
			Version:    1,
			CreatedAt:  now,
			LastAccess: now,
		},
	}

	m.mu.Lock()
	m.cache[keyID] = entry
	m.mu.Unlock()

	if err := m.saveToDisk(entry); err != nil {
		return err
	}

	m.statsMu.Lock()
	m.stats.KeysStored++
	m.statsMu.Unlock()
	metrics.KeystoreEntries.Set(float64(m.entryCount()))

	m.log.Debug("stored key", logger.Field{Key: "key_id", Value: keyID}, logger.Field{Key: "purpose", Value: purpose})
	return nil
}

// Retrieve decrypts and returns the key bytes for keyID, updating
// access metadata and cache/miss counters.
func (m *Manager) Retrieve(keyID string) ([]byte, error) {
	m.mu.RLock()
	master := m.master
	m.mu.RUnlock()
	if master == nil {
		return nil, transporterr.ErrLocked
	}

	m.mu.Lock()
	entry, hit := m.cache[keyID]
	m.mu.Unlock()

	if !hit {
		loaded, err := m.loadEntryFromDisk(keyID)
		if err != nil {
			m.statsMu.Lock()
			m.stats.CacheMisses++
			m.statsMu.Unlock()
			return nil, err
		}
		entry = loaded
		m.mu.Lock()
		m.cache[keyID] = entry
		m.mu.Unlock()
	}

	plaintext, err := openEntryData(master, entry.EncryptedData, entry.Salt, keyID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry.Metadata.LastAccess = time.Now().Unix()
	entry.Metadata.UsageCount++
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.KeysRetrieved++
	if hit {
		m.stats.CacheHits++
	}
	m.statsMu.Unlock()

	return plaintext, nil
}

// RotatePeerKeys generates fresh material for every session, symmetric
// or HMAC key belonging to peerID, re-sealing each under a new salt
// and bumping its version. Identity and master keys are left alone.
func (m *Manager) RotatePeerKeys(peerID string) (int, error) {
	m.mu.RLock()
	master := m.master
	m.mu.RUnlock()
	if master == nil {
		return 0, transporterr.ErrLocked
	}

	m.mu.Lock()
	var targets []*Entry
	for _, entry := range m.cache {
		if entry.Metadata.PeerID != peerID {
			continue
		}
		switch entry.Metadata.KeyType {
		case KeyTypeSession, KeyTypeSymmetric, KeyTypeHMAC, KeyTypeEphemeralECDH:
			targets = append(targets, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range targets {
		fresh := make([]byte, 32)
		if _, err := rand.Read(fresh); err != nil {
			return 0, fmt.Errorf("keystore: generate rotation key: %w", err)
		}

		var salt [32]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return 0, fmt.Errorf("keystore: generate rotation salt: %w", err)
		}

		encrypted, err := sealEntryData(master, fresh, salt, entry.KeyID)
		if err != nil {
			return 0, err
		}

		m.mu.Lock()
		entry.EncryptedData = encrypted
		entry.Salt = salt
		entry.Metadata.Version++
		newVersion := entry.Metadata.Version
		auditor := m.auditor
		m.mu.Unlock()

		if err := m.saveToDisk(entry); err != nil {
			return 0, err
		}

		if auditor != nil {
			if err := auditor.RecordRotation(context.Background(), entry.KeyID, peerID, newVersion); err != nil {
				m.log.Warn("failed to audit key rotation", logger.Field{Key: "key_id", Value: entry.KeyID}, logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	m.statsMu.Lock()
	m.stats.KeysRotated += uint64(len(targets))
	m.statsMu.Unlock()
	metrics.KeystoreRotations.WithLabelValues("success").Inc()

	m.log.Info("rotated peer keys", logger.Field{Key: "peer_id", Value: peerID}, logger.Field{Key: "count", Value: len(targets)})
	return len(targets), nil
}

// ListKeys returns every stored key's id and metadata.
func (m *Manager) ListKeys() map[string]Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metadata, len(m.cache))
	for id, entry := range m.cache {
		out[id] = entry.Metadata
	}
	return out
}

// RemoveKey deletes a key from cache and disk.
func (m *Manager) RemoveKey(keyID string) error {
	m.mu.Lock()
	delete(m.cache, keyID)
	m.mu.Unlock()

	path := m.keyPath(keyID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: remove key file: %w", err)
	}
	metrics.KeystoreEntries.Set(float64(m.entryCount()))
	return nil
}

// GetStats returns a snapshot of cumulative keystore activity.
func (m *Manager) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) entryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func (m *Manager) loadOrCreateMasterSalt() ([]byte, error) {
	path := filepath.Join(m.dir, masterSaltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore: read master salt: %w", err)
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generate master salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("keystore: write master salt: %w", err)
	}
	return salt, nil
}

func (m *Manager) startAutoFlush(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.AutoFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.flushAll()
			}
		}
	}()
}

func (m *Manager) flushAll() {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.cache))
	for _, e := range m.cache {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if err := m.saveToDisk(e); err != nil {
			m.log.Warn("auto-flush failed", logger.Field{Key: "key_id", Value: e.KeyID}, logger.Field{Key: "error", Value: err.Error()})
		}
	}
	m.log.Debug("auto-flushed keys", logger.Field{Key: "count", Value: len(entries)})
}

// Close stops the background flush loop and waits for it to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// sealEntryData derives a per-entry key from master via HKDF-SHA256
// (salt || keyID as context) and seals data with AES-256-GCM.
func sealEntryData(master, data []byte, salt [32]byte, keyID string) ([]byte, error) {
	entryKey, err := deriveEntryKey(master, salt, keyID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(entryKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, data, nil)
	return append(nonce, sealed...), nil
}

func openEntryData(master, encrypted []byte, salt [32]byte, keyID string) ([]byte, error) {
	entryKey, err := deriveEntryKey(master, salt, keyID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(entryKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}

	if len(encrypted) < gcm.NonceSize() {
		return nil, transporterr.ErrIntegrity
	}
	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, transporterr.ErrIntegrity
	}
	return plaintext, nil
}

func deriveEntryKey(master []byte, salt [32]byte, keyID string) ([]byte, error) {
	h := hkdf.New(sha256.New, master, salt[:], []byte(keyID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("keystore: derive entry key: %w", err)
	}
	return key, nil
}

// CreateBackup serializes every cached entry and seals the blob with
// ChaCha20-Poly1305 under a key derived from backupPassword via
// Argon2id, writing nonce||ciphertext to path.
func (m *Manager) CreateBackup(path, backupPassword string) error {
	m.mu.RLock()
	snapshot := make(map[string]*Entry, len(m.cache))
	for id, e := range m.cache {
		snapshot[id] = e
	}
	m.mu.RUnlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", transporterr.ErrSerialization, err)
	}

	backupKey := argon2.IDKey([]byte(backupPassword), []byte(backupInfo), argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.New(backupKey)
	if err != nil {
		return fmt.Errorf("keystore: new aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: generate backup nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, payload, nil)
	out := append(nonce, sealed...)

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("keystore: write backup: %w", err)
	}

	m.statsMu.Lock()
	m.stats.LastBackupAt = time.Now().Unix()
	m.statsMu.Unlock()

	m.log.Info("created keystore backup", logger.Field{Key: "path", Value: path}, logger.Field{Key: "keys", Value: len(snapshot)})
	return nil
}

// RestoreBackup decrypts a backup created by CreateBackup, replacing
// the in-memory cache and persisting every restored entry to disk. A
// wrong backupPassword surfaces as transporterr.ErrIntegrity.
func (m *Manager) RestoreBackup(path, backupPassword string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("keystore: read backup: %w", err)
	}

	backupKey := argon2.IDKey([]byte(backupPassword), []byte(backupInfo), argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	aead, err := chacha20poly1305.New(backupKey)
	if err != nil {
		return fmt.Errorf("keystore: new aead: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return transporterr.ErrIntegrity
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return transporterr.ErrIntegrity
	}

	var restored map[string]*Entry
	if err := json.Unmarshal(payload, &restored); err != nil {
		return fmt.Errorf("%w: %v", transporterr.ErrSerialization, err)
	}

	m.mu.Lock()
	m.cache = restored
	m.mu.Unlock()

	for _, entry := range restored {
		if err := m.saveToDisk(entry); err != nil {
			return err
		}
	}

	m.log.Info("restored keystore from backup", logger.Field{Key: "keys", Value: len(restored)})
	return nil
}
