package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// NonceStore is the durable set of accepted order nonces, keyed by the
// issuer public key that signed the order. It lives in its own
// database file so the queue and the replay set can be backed up and
// rotated independently.
type NonceStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenNonceStore opens (or creates) the nonce database at path.
func OpenNonceStore(path string) (*NonceStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open nonce database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS seen_nonces (
			issuer  TEXT NOT NULL,
			nonce   TEXT NOT NULL,
			seen_at TIMESTAMP NOT NULL,
			PRIMARY KEY (issuer, nonce)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create nonce table: %w", err)
	}

	return &NonceStore{db: db}, nil
}

// SeenNonce reports whether (issuer, nonce) has been accepted before.
func (n *NonceStore) SeenNonce(issuer, nonce string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var count int
	err := n.db.QueryRow(`
		SELECT COUNT(*) FROM seen_nonces WHERE issuer = ? AND nonce = ?`,
		issuer, nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("nonce lookup: %w", err)
	}
	return count > 0, nil
}

// RecordNonce marks (issuer, nonce) as accepted. Idempotent.
func (n *NonceStore) RecordNonce(issuer, nonce string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := n.db.Exec(`
		INSERT INTO seen_nonces (issuer, nonce, seen_at) VALUES (?, ?, ?)
		ON CONFLICT(issuer, nonce) DO NOTHING`,
		issuer, nonce, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (n *NonceStore) Close() error {
	return n.db.Close()
}
