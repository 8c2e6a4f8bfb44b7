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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duskmesh/transport-core/internal/logger"
	"github.com/duskmesh/transport-core/transporterr"
)

const keyFileExt = ".key"

// keyPath returns the on-disk path for keyID, sanitized to the base
// name to prevent path traversal through an attacker-controlled id.
func (m *Manager) keyPath(keyID string) string {
	safe := filepath.Base(keyID)
	return filepath.Join(m.dir, safe+keyFileExt)
}

func (m *Manager) saveToDisk(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", transporterr.ErrSerialization, err)
	}
	if err := os.WriteFile(m.keyPath(entry.KeyID), data, 0o600); err != nil {
		return fmt.Errorf("keystore: write key file: %w", err)
	}
	return nil
}

func (m *Manager) loadEntryFromDisk(keyID string) (*Entry, error) {
	data, err := os.ReadFile(m.keyPath(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, transporterr.ErrNotFound
		}
		return nil, fmt.Errorf("keystore: read key file: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", transporterr.ErrSerialization, err)
	}
	return &entry, nil
}

// loadFromDisk populates the cache with every *.key file already
// present in the keystore directory, skipping and logging any file
// that fails to parse or fails AEAD authentication rather than
// aborting the whole load. A tampered entry never reaches the cache;
// the keystore stays usable for every entry that does verify.
func (m *Manager) loadFromDisk() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("keystore: read directory: %w", err)
	}

	m.mu.RLock()
	master := m.master
	m.mu.RUnlock()

	loaded := 0
	for _, dirEntry := range entries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), keyFileExt) {
			continue
		}
		keyID := strings.TrimSuffix(dirEntry.Name(), keyFileExt)

		entry, err := m.loadEntryFromDisk(keyID)
		if err != nil {
			m.log.Warn("failed to load key", logger.Field{Key: "key_id", Value: keyID}, logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		if _, err := openEntryData(master, entry.EncryptedData, entry.Salt, keyID); err != nil {
			m.log.Warn("skipping key that failed integrity check", logger.Field{Key: "key_id", Value: keyID}, logger.Field{Key: "error", Value: transporterr.ErrIntegrity.Error()})
			continue
		}

		m.mu.Lock()
		m.cache[keyID] = entry
		m.mu.Unlock()
		loaded++
	}

	m.log.Debug("loaded keys from storage", logger.Field{Key: "count", Value: loaded})
	return nil
}
