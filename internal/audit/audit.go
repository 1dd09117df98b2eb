// Package audit holds the session's append-only trail of change results.
//
// Entries live in a private in-memory SQLite database for the lifetime of
// the process. Nothing is written to disk.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tphummel/staging_kit/internal/models"
)

// Store wraps an in-memory SQLite connection.
type Store struct {
	conn *sql.DB
}

// New opens an empty in-memory audit store.
func New() (*Store, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Every new connection to ":memory:" is a separate database, so pin
	// the pool to one.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS change_results (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			succeeded  INTEGER NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			request    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_change_results_outcome ON change_results(outcome);
		CREATE INDEX IF NOT EXISTS idx_change_results_request ON change_results(request_id);
	`)
	return err
}

// Close closes the underlying database connection. The trail is lost.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

// Append adds r to the end of the trail. Entries are never modified after
// this.
func (s *Store) Append(r models.ChangeResult) error {
	req, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO change_results (id, request_id, kind, outcome, succeeded, message, request, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Request.ID, string(r.Request.Kind), string(r.Outcome), r.Succeeded, r.Message,
		string(req), r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// List returns the trail in append order.
func (s *Store) List() ([]models.ChangeResult, error) {
	rows, err := s.conn.Query(`
		SELECT id, outcome, succeeded, message, request, created_at
		FROM change_results ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ChangeResult
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// GetByID returns the entry with the given ID, or sql.ErrNoRows if not found.
func (s *Store) GetByID(id string) (*models.ChangeResult, error) {
	row := s.conn.QueryRow(`
		SELECT id, outcome, succeeded, message, request, created_at
		FROM change_results WHERE id = ?`, id)
	return scanRow(row)
}

// GetByRequestID returns the entry recorded for the change request with the
// given ID, or sql.ErrNoRows if that request never reached the trail.
func (s *Store) GetByRequestID(requestID string) (*models.ChangeResult, error) {
	row := s.conn.QueryRow(`
		SELECT id, outcome, succeeded, message, request, created_at
		FROM change_results WHERE request_id = ?
		ORDER BY seq DESC LIMIT 1`, requestID)
	return scanRow(row)
}

// CountByOutcome returns the number of entries per outcome.
func (s *Store) CountByOutcome() (map[string]int, error) {
	rows, err := s.conn.Query(`SELECT outcome, COUNT(*) FROM change_results GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (*models.ChangeResult, error) {
	var r models.ChangeResult
	var outcome, req, createdAt string
	if err := row.Scan(&r.ID, &outcome, &r.Succeeded, &r.Message, &req, &createdAt); err != nil {
		return nil, err
	}
	r.Outcome = models.Outcome(outcome)
	if err := json.Unmarshal([]byte(req), &r.Request); err != nil {
		return nil, fmt.Errorf("decode request %q: %w", r.ID, err)
	}
	var err error
	r.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return &r, nil
}
