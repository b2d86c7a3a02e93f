// Package opstate holds the few pieces of hub state that must survive a
// restart: the instance id and the addon quarantine list. Job data
// lives in the queue's own tables.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Namespaces in use.
const (
	NamespaceHub        = "hub"
	NamespaceQuarantine = "addon_quarantine"
)

const keyInstanceID = "instance_id"

const schema = `
CREATE TABLE IF NOT EXISTS hub_state (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// Entry is one stored value.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is a namespaced key-value table in SQLite. It satisfies the
// addon manager's quarantine store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the database file at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer; the table is tiny.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create hub_state in %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the value stored under namespace/key. A missing key is
// the empty string, not an error.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM hub_state WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("opstate get %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// Set stores value under namespace/key, replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_state (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("opstate set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key if present.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM hub_state WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("opstate delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Entries returns a namespace's values ordered by key.
func (s *Store) Entries(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM hub_state WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("opstate entries %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.Key, &e.Value, &ms); err != nil {
			return nil, fmt.Errorf("opstate entries %s: %w", namespace, err)
		}
		e.UpdatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// InstanceID returns the hub's persistent identity, creating it on
// first use. Concurrent first calls agree on one id. The bridge and
// the MQTT mirror use it to tell this hub's messages from its peers'.
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_state (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO NOTHING`,
		NamespaceHub, keyInstanceID, uuid.NewString(), s.now().UnixMilli()); err != nil {
		return "", fmt.Errorf("opstate instance id: %w", err)
	}
	return s.Get(ctx, NamespaceHub, keyInstanceID)
}
