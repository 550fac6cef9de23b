package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteSink is a durable Sink backed by an embedded SQLite database.
// The sequence column is the primary key, so any attempt to rewrite an
// existing record fails at the storage layer.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and migrates the
// schema.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        sequence INTEGER PRIMARY KEY,
        event_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        session_id TEXT NOT NULL,
        subject_ids TEXT,
        timestamp DATETIME NOT NULL,
        details JSON,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Write implements Sink.
func (s *SQLiteSink) Write(event *Event) error {
	query := `
        INSERT INTO audit_events
            (sequence, event_id, kind, session_id, subject_ids, timestamp, details, previous_hash, entry_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(context.Background(), query,
		event.Sequence,
		event.EventID,
		string(event.Kind),
		event.SessionID,
		strings.Join(event.SubjectIDs, ","),
		event.Timestamp,
		string(event.Details),
		event.PreviousHash,
		event.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event %d: %w", event.Sequence, err)
	}
	return nil
}

// Count returns the number of durable events, for operational checks.
func (s *SQLiteSink) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }
