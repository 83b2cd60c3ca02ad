// Package contentstore provides the content-addressable blob store the
// scheduler dereferences ContentRef and result ids against. Content ids are
// the SHA-256 of the blob, so identical payloads share one row and a fetched
// blob can always be verified against its id.
package contentstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a content id has no stored blob.
var ErrNotFound = errors.New("content not found")

// CID is a content identifier: the lowercase hex SHA-256 of the blob.
type CID string

// ComputeCID hashes a blob into its content id.
func ComputeCID(data []byte) CID {
	sum := sha256.Sum256(data)
	return CID(hex.EncodeToString(sum[:]))
}

// Store is the put/get-by-hash surface the rest of the system consumes.
type Store interface {
	Put(data []byte) (CID, error)
	Get(id CID) ([]byte, error)
}

// SQLiteStore persists blobs in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at path. Pass ":memory:" for an
// in-memory store (useful for tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping content store: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		cid TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create blobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put stores a blob and returns its content id. Storing the same bytes twice
// is a no-op that returns the same id.
func (s *SQLiteStore) Put(data []byte) (CID, error) {
	id := ComputeCID(data)
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO blobs (cid, data, created_at) VALUES (?, ?, ?)`,
		string(id), data, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return id, nil
}

// Get retrieves a blob by content id.
func (s *SQLiteStore) Get(id CID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE cid = ?`, string(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return data, nil
}

// Delete removes a blob. Missing ids are not an error.
func (s *SQLiteStore) Delete(id CID) error {
	_, err := s.db.Exec(`DELETE FROM blobs WHERE cid = ?`, string(id))
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
