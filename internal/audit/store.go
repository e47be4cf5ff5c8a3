// Package audit provides PostgreSQL-backed storage for presence lifecycle
// events. Only registration metadata is recorded (session id, username, key
// fingerprint); message payloads never reach this store, so the audit trail
// cannot leak conversation content.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// validEvents is the set of allowed event values, matching the CHECK
// constraint on the presence_events table.
var validEvents = map[string]bool{
	"register":   true,
	"disconnect": true,
}

// Event represents a single presence lifecycle event to be persisted.
type Event struct {
	SessionID      string
	Username       string
	KeyFingerprint string // short SHA-256 fingerprint of the published key, never the key itself
	Event          string // "register" or "disconnect"
	Server         string // which relay instance observed the event
}

// Store manages presence events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using the given DSN, verifies the connection,
// and applies any pending schema migrations before returning the store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies the embedded SQL migrations. A database that is
// already at the latest version is not an error.
func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Record inserts a presence event. The event type is validated against the
// allowed set before insertion.
func (s *Store) Record(ctx context.Context, event *Event) error {
	if !validEvents[event.Event] {
		return fmt.Errorf("audit: invalid event %q", event.Event)
	}

	const query = `
		INSERT INTO presence_events (session_id, username, key_fingerprint, event, server)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		event.SessionID,
		event.Username,
		event.KeyFingerprint,
		event.Event,
		event.Server,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountSince returns the number of registrations observed for a key
// fingerprint within the given time window. Useful for spotting identities
// that churn usernames rapidly.
func (s *Store) CountSince(ctx context.Context, keyFingerprint string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM presence_events
		WHERE key_fingerprint = $1
		  AND event = 'register'
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, keyFingerprint, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count since: %w", err)
	}
	return count, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
