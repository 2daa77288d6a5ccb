// Package store persists bridge state in a local sqlite database.
//
// Four logical keys are used: the rendered QR image, the authenticated
// flag, the relay target number, and the browser session resumption
// handle. Writes are per-key atomic upserts, so the HTTP surface can
// read concurrently while the controller writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	KeyQRCode        = "qr_code"
	KeyAuthenticated = "authenticated"
	KeyDefaultTarget = "default_target"
	KeySession       = "whatsapp_session"
)

type Store struct {
	db     *sql.DB
	dbPath string
}

func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dbPath := filepath.Join(stateDir, "wabridge.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Put(key string, value []byte, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the stored value and whether the key was present.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) PutString(key, value string, ts time.Time) error {
	return s.Put(key, []byte(value), ts)
}

func (s *Store) GetString(key string) (string, bool, error) {
	v, ok, err := s.Get(key)
	return string(v), ok, err
}

// UpdatedAt reports when a key was last written; zero time when absent.
func (s *Store) UpdatedAt(key string) (time.Time, error) {
	var raw string
	err := s.db.QueryRow(`SELECT updated_at FROM state WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("updated_at %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("updated_at %s: parse: %w", key, err)
	}
	return t, nil
}
