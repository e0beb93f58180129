package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed event sink (modernc.org/sqlite driver,
// CGO-free). Safe for concurrent use; database/sql serializes access.
type Store struct {
	db *sql.DB
}

// Open creates or opens <home>/events.db and ensures the schema.
func Open(home string) (*Store, error) {
	if err := os.MkdirAll(home, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(home, "events.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open events.db at %s: %w", path, err)
	}
	// WAL keeps concurrent CLI/server writers from blocking each other.
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events(
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  TEXT NOT NULL,
			case_id    TEXT NOT NULL,
			activity   TEXT NOT NULL,
			source     TEXT NOT NULL,
			level      TEXT NOT NULL DEFAULT 'info',
			message    TEXT,
			attributes TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_case     ON events(case_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_source   ON events(source);`,
		`CREATE INDEX IF NOT EXISTS idx_events_time     ON events(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_events_activity ON events(activity);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Emit inserts one event and returns its row id.
func (s *Store) Emit(ctx context.Context, e Event) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	attrs, err := e.attrsJSON()
	if err != nil {
		return 0, err
	}
	var attrsVal sql.NullString
	if attrs != nil {
		attrsVal = sql.NullString{String: string(attrs), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events(timestamp, case_id, activity, source, level, message, attributes)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.CaseID, e.Activity,
		string(e.Source), string(e.Level), nullable(e.Message), attrsVal)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query returns events matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, timestamp, case_id, activity, source, level, message, attributes FROM events WHERE 1=1`)
	var args []any
	if f.Source != "" {
		sb.WriteString(" AND source = ?")
		args = append(args, string(f.Source))
	}
	if f.Activity != "" {
		sb.WriteString(" AND activity = ?")
		args = append(args, f.Activity)
	}
	if f.Level != "" {
		sb.WriteString(" AND level = ?")
		args = append(args, string(f.Level))
	}
	if !f.Since.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	sb.WriteString(" ORDER BY id DESC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e     Event
			ts    string
			msg   sql.NullString
			attrs sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.CaseID, &e.Activity, &e.Source, &e.Level, &msg, &attrs); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Message = msg.String
		if attrs.Valid {
			_ = json.Unmarshal([]byte(attrs.String), &e.Attributes)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
