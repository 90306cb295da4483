// Copyright 2025 Certen Protocol
//
// Optional Postgres mirror of the key directory, for deployments that want
// to query device records with SQL (dashboards, support tooling) without
// replaying the chain. It is a read model only: ApplyTransaction-equivalent
// validation never happens here, and the mirror can be dropped and rebuilt
// from the block log at any time.

package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/thesischain/keydirectory/pkg/directory"
)

// DirectoryMirror maintains a `devices` table reflecting the latest
// directory.KeyDirectory state.
type DirectoryMirror struct {
	db *sql.DB
}

// NewDirectoryMirror opens a Postgres connection and ensures the devices
// table exists.
func NewDirectoryMirror(ctx context.Context, databaseURL string) (*DirectoryMirror, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("directorydb: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("directorydb: ping: %w", err)
	}

	m := &DirectoryMirror{db: db}
	if err := m.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *DirectoryMirror) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id           UUID PRIMARY KEY,
	user_id             UUID NOT NULL,
	ed25519             BYTEA NOT NULL,
	x25519              BYTEA NOT NULL,
	registered_at_block BIGINT NOT NULL,
	revoked             BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS devices_user_id_idx ON devices (user_id);
`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("directorydb: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (m *DirectoryMirror) Close() error {
	return m.db.Close()
}

// Upsert writes or updates one device record.
func (m *DirectoryMirror) Upsert(ctx context.Context, rec directory.DeviceRecord) error {
	const stmt = `
INSERT INTO devices (device_id, user_id, ed25519, x25519, registered_at_block, revoked)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (device_id) DO UPDATE SET
	ed25519 = EXCLUDED.ed25519,
	x25519 = EXCLUDED.x25519,
	revoked = EXCLUDED.revoked
`
	_, err := m.db.ExecContext(ctx, stmt,
		rec.DeviceID, rec.UserID, rec.Ed25519[:], rec.X25519[:], rec.RegisteredAtBlock, rec.Revoked)
	if err != nil {
		return fmt.Errorf("directorydb: upsert device %s: %w", rec.DeviceID, err)
	}
	return nil
}

// SyncAll upserts every device currently in dir into the mirror. Meant for
// the one-time backfill when a mirror is attached to a node whose chain
// already has history; ongoing updates should use Sync with just the
// devices touched by newly-persisted blocks.
func (m *DirectoryMirror) SyncAll(ctx context.Context, dir *directory.KeyDirectory) error {
	for _, rec := range dir.AllDevices() {
		if err := m.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Sync upserts the given devices' current records from dir into the
// mirror. Devices no longer present in dir (there is no such case today —
// revocation is a flag, not a deletion) are left untouched.
func (m *DirectoryMirror) Sync(ctx context.Context, dir *directory.KeyDirectory, deviceIDs []uuid.UUID) error {
	for _, id := range deviceIDs {
		rec, ok := dir.GetDevice(id)
		if !ok {
			continue
		}
		if err := m.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// GetDevice reads one device row back out of the mirror.
func (m *DirectoryMirror) GetDevice(ctx context.Context, deviceID uuid.UUID) (directory.DeviceRecord, bool, error) {
	const stmt = `SELECT device_id, user_id, ed25519, x25519, registered_at_block, revoked FROM devices WHERE device_id = $1`
	row := m.db.QueryRowContext(ctx, stmt, deviceID)

	var rec directory.DeviceRecord
	var ed25519, x25519 []byte
	if err := row.Scan(&rec.DeviceID, &rec.UserID, &ed25519, &x25519, &rec.RegisteredAtBlock, &rec.Revoked); err != nil {
		if err == sql.ErrNoRows {
			return directory.DeviceRecord{}, false, nil
		}
		return directory.DeviceRecord{}, false, fmt.Errorf("directorydb: get device %s: %w", deviceID, err)
	}
	copy(rec.Ed25519[:], ed25519)
	copy(rec.X25519[:], x25519)
	return rec, true, nil
}
