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

// Package postgres is an optional durable audit log for keystore
// rotation events and replay-window high-water marks, for operators
// running a fleet of keystores behind a shared database. It never
// holds key material itself; at-rest keys stay one-file-per-key_id
// under the keystore's own directory.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duskmesh/transport-core/health"
)

// Config holds PostgreSQL connection configuration for the audit store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// AuditStore records key rotation events and per-peer replay
// high-water marks so operators can reconstruct rotation history
// across a fleet without reading any individual keystore's files.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore opens a connection pool and verifies connectivity.
func NewAuditStore(ctx context.Context, cfg *Config) (*AuditStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &AuditStore{pool: pool}, nil
}

// Close releases the connection pool.
func (a *AuditStore) Close() {
	a.pool.Close()
}

// Ping verifies database connectivity.
func (a *AuditStore) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// HealthCheck returns a health check reporting whether the audit
// database is reachable, for registration alongside the coordinator's
// transport checks.
func (a *AuditStore) HealthCheck() health.HealthCheck {
	return health.DatabaseHealthCheck(a.Ping)
}

// RecordRotation logs a single key rotation event for keyID, tagged
// with the new version number it was rotated to.
func (a *AuditStore) RecordRotation(ctx context.Context, keyID string, peerID string, newVersion uint32) error {
	query := `
		INSERT INTO keystore_rotations (key_id, peer_id, new_version, rotated_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := a.pool.Exec(ctx, query, keyID, peerID, newVersion, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record rotation: %w", err)
	}
	return nil
}

// RotationHistory returns every recorded rotation for keyID, most
// recent first.
func (a *AuditStore) RotationHistory(ctx context.Context, keyID string) ([]RotationEvent, error) {
	query := `
		SELECT key_id, peer_id, new_version, rotated_at
		FROM keystore_rotations
		WHERE key_id = $1
		ORDER BY rotated_at DESC
	`
	rows, err := a.pool.Query(ctx, query, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rotation history: %w", err)
	}
	defer rows.Close()

	var events []RotationEvent
	for rows.Next() {
		var e RotationEvent
		if err := rows.Scan(&e.KeyID, &e.PeerID, &e.NewVersion, &e.RotatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rotation event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordReplayHighWaterMark upserts the highest send_counter observed
// for a peer, so a fleet-wide operator can audit replay-window
// coverage without querying every keystore node individually.
func (a *AuditStore) RecordReplayHighWaterMark(ctx context.Context, peerID string, counter uint64) error {
	query := `
		INSERT INTO replay_high_water_marks (peer_id, counter, observed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (peer_id) DO UPDATE
			SET counter = GREATEST(replay_high_water_marks.counter, EXCLUDED.counter),
			    observed_at = EXCLUDED.observed_at
	`
	_, err := a.pool.Exec(ctx, query, peerID, counter, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record replay high-water mark: %w", err)
	}
	return nil
}

// RotationEvent is a single logged key rotation.
type RotationEvent struct {
	KeyID      string
	PeerID     string
	NewVersion uint32
	RotatedAt  time.Time
}
