// Package store provides the SQLite persistence layer: the account session
// tokens and each device's last-known state, so a restart can show
// last-known values (flagged unconfirmed) before the first poll lands.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kumobridge/internal/device"
	"kumobridge/internal/kumo"
)

// Store wraps the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens the database and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access TEXT NOT NULL,
			refresh TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create session table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state (
			serial TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_device_state_site ON device_state(site_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create device_state table: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSession returns the persisted session, or nil if none is stored.
func (s *Store) LoadSession() (*kumo.StoredSession, error) {
	var access, refresh string
	var expiresAt int64

	err := s.db.QueryRow(`SELECT access, refresh, expires_at FROM session WHERE id = 1`).
		Scan(&access, &refresh, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return &kumo.StoredSession{
		Access:    access,
		Refresh:   refresh,
		ExpiresAt: time.Unix(expiresAt, 0),
	}, nil
}

// SaveSession upserts the persisted session.
func (s *Store) SaveSession(sess kumo.StoredSession) error {
	_, err := s.db.Exec(`
		INSERT INTO session (id, access, refresh, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access = excluded.access,
			refresh = excluded.refresh,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, sess.Access, sess.Refresh, sess.ExpiresAt.Unix(), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ClearSession removes stored tokens (logout/reconfiguration).
func (s *Store) ClearSession() error {
	_, err := s.db.Exec(`DELETE FROM session WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// SaveDeviceState persists a device's last-known state.
func (s *Store) SaveDeviceState(serial, siteID string, state device.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal device state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO device_state (serial, site_id, payload, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			site_id = excluded.site_id,
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, serial, siteID, string(payload), state.Version, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}
	return nil
}

// LoadDeviceState returns the persisted state for a device, or nil.
func (s *Store) LoadDeviceState(serial string) (*device.State, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM device_state WHERE serial = ?`, serial).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}

	var state device.State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device state: %w", err)
	}
	return &state, nil
}

// DeleteDeviceState removes the persisted state of an evicted device.
func (s *Store) DeleteDeviceState(serial string) error {
	_, err := s.db.Exec(`DELETE FROM device_state WHERE serial = ?`, serial)
	if err != nil {
		return fmt.Errorf("failed to delete device state: %w", err)
	}
	return nil
}
