// Package substore persists the relay's directed subscription edges
// ("X subscribes to Y") in SQLite. It is the relay's only durable
// state; live sessions and one-time key pools are in-memory and
// rebuilt from nothing on restart.
package substore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a durable directed-edge table with a unique (subscriber,
// subscribed) constraint.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the subscription database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("substore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("substore: enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscriber TEXT NOT NULL,
		subscribed TEXT NOT NULL,
		UNIQUE(subscriber, subscribed)
	);
	CREATE INDEX IF NOT EXISTS idx_subscribed ON subscriptions(subscribed);
	CREATE INDEX IF NOT EXISTS idx_subscriber ON subscriptions(subscriber);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("substore: init schema: %w", err)
	}
	return nil
}

// AddEdge persists subscriber → subscribed. Idempotent: adding the same
// edge twice observes one edge.
func (s *Store) AddEdge(subscriber, subscribed string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO subscriptions (subscriber, subscribed) VALUES (?, ?)`,
		subscriber, subscribed,
	)
	if err != nil {
		return fmt.Errorf("substore: add edge: %w", err)
	}
	return nil
}

// RemoveEdge deletes subscriber → subscribed, if present.
func (s *Store) RemoveEdge(subscriber, subscribed string) error {
	_, err := s.db.Exec(
		`DELETE FROM subscriptions WHERE subscriber = ? AND subscribed = ?`,
		subscriber, subscribed,
	)
	if err != nil {
		return fmt.Errorf("substore: remove edge: %w", err)
	}
	return nil
}

// SubscribersOf returns every subscriber interested in subscribed's
// presence.
func (s *Store) SubscribersOf(subscribed string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT subscriber FROM subscriptions WHERE subscribed = ?`,
		subscribed,
	)
	if err != nil {
		return nil, fmt.Errorf("substore: subscribers of: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, fmt.Errorf("substore: scan: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SubscribedBy returns every user that subscriber is subscribed to.
func (s *Store) SubscribedBy(subscriber string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT subscribed FROM subscriptions WHERE subscriber = ?`,
		subscriber,
	)
	if err != nil {
		return nil, fmt.Errorf("substore: subscribed by: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("substore: scan: %w", err)
		}
		out = append(out, target)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
