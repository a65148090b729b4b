// Package sqlite persists the audit trail in a SQLite database, serving
// the guard/audit/* query tools across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/guardpost/guardpost/internal/domain/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	identity   TEXT NOT NULL DEFAULT '',
	tool       TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp  ON audit_entries (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_entries (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_identity   ON audit_entries (identity);
`

// Store implements audit.Store on a SQLite file in WAL mode.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts entries in one transaction.
func (s *Store) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, event_type, identity, tool, success, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			metadata = []byte("{}")
		}
		success := 0
		if e.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.EventType,
			e.Identity, e.Tool, success, e.Message, string(metadata)); err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}
	}
	return tx.Commit()
}

// Query returns matching entries, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, event_type, identity, tool, success, message, metadata
		FROM audit_entries WHERE 1=1`
	var args []any
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.Identity != "" {
		query += " AND identity = ?"
		args = append(args, filter.Identity)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			ts       string
			success  int
			metadata string
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Identity, &e.Tool, &success, &e.Message, &metadata); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Success = success == 1
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueryStats aggregates the stored trail.
func (s *Store) QueryStats(ctx context.Context) (*audit.Stats, error) {
	stats := &audit.Stats{
		ByEventType: make(map[string]int64),
		ByIdentity:  make(map[string]int64),
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) FROM audit_entries`)
	if err := row.Scan(&stats.TotalEntries, &stats.Failures); err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM audit_entries GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("grouping by event type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.ByEventType[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idRows, err := s.db.QueryContext(ctx,
		`SELECT identity, COUNT(*) FROM audit_entries WHERE identity != '' GROUP BY identity`)
	if err != nil {
		return nil, fmt.Errorf("grouping by identity: %w", err)
	}
	defer func() { _ = idRows.Close() }()
	for idRows.Next() {
		var identity string
		var count int64
		if err := idRows.Scan(&identity, &count); err != nil {
			return nil, err
		}
		stats.ByIdentity[identity] = count
	}
	return stats, idRows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Compile-time interface verification.
var _ audit.Store = (*Store)(nil)
