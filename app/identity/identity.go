// Package identity persists the local client identity: the stable userid,
// display name and the selected session. This is the daemon's equivalent of
// the browser's localStorage, nothing here is owned by the server.
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Identity is the locally persisted client state
type Identity struct {
	UserID      string
	Name        string
	SessionID   string
	SessionName string
}

// Store keeps identity values in a small sqlite key-value table
type Store struct {
	db *sqlx.DB
}

const (
	keyUserID      = "userid"
	keyName        = "name"
	keySessionID   = "session_id"
	keySessionName = "session_name"
)

// Open opens (and initializes if needed) the identity database
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity db at %q: %w", path, err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER
	)`
	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load reads the stored identity, generating and persisting a fresh userid
// on first run. The userid stays stable for the lifetime of the database.
func (s *Store) Load() (Identity, error) {
	res := Identity{}
	var err error

	if res.UserID, err = s.get(keyUserID); err != nil {
		return Identity{}, err
	}
	if res.UserID == "" {
		res.UserID = uuid.NewString()
		if err = s.set(keyUserID, res.UserID); err != nil {
			return Identity{}, fmt.Errorf("failed to persist generated userid: %w", err)
		}
		log.Printf("[INFO] generated new userid %s", res.UserID)
	}

	if res.Name, err = s.get(keyName); err != nil {
		return Identity{}, err
	}
	if res.SessionID, err = s.get(keySessionID); err != nil {
		return Identity{}, err
	}
	if res.SessionName, err = s.get(keySessionName); err != nil {
		return Identity{}, err
	}
	return res, nil
}

// SetName stores the display name
func (s *Store) SetName(name string) error {
	return s.set(keyName, name)
}

// SetSession stores the selected session id and name
func (s *Store) SetSession(id, name string) error {
	if err := s.set(keySessionID, id); err != nil {
		return err
	}
	return s.set(keySessionName, name)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) (string, error) {
	var value string
	err := s.db.Get(&value, "SELECT value FROM state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO state (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}
