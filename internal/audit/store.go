package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides persistent audit storage backed by SQLite. It wraps the
// in-memory Log so recent-event reads never touch disk.
type Store struct {
	db  *sql.DB
	log *Log
}

// NewStore opens (or creates) a SQLite-backed audit store.
func NewStore(dbPath string, memoryLimit int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		type      TEXT NOT NULL,
		severity  TEXT NOT NULL DEFAULT 'info',
		skill     TEXT,
		command   TEXT,
		actor     TEXT,
		summary   TEXT,
		detail    TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(timestamp)`)

	return &Store{db: db, log: NewLog(memoryLimit)}, nil
}

// Record persists an event and mirrors it into memory.
func (s *Store) Record(evt Event) {
	enrich(&evt)
	s.log.Record(evt)

	var detail []byte
	if evt.Detail != nil {
		detail, _ = json.Marshal(evt.Detail)
	}
	_, _ = s.db.Exec(
		`INSERT OR IGNORE INTO audit_events (id, timestamp, type, severity, skill, command, actor, summary, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Timestamp.Format(time.RFC3339Nano), string(evt.Type), string(evt.Severity),
		evt.Skill, evt.Command, evt.Actor, evt.Summary, string(detail),
	)
}

// Recent returns up to n most recent events from memory.
func (s *Store) Recent(n int) []Event {
	return s.log.Recent(n)
}

// CountByType returns how many persisted events have the given type.
func (s *Store) CountByType(typ EventType) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE type = ?`, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
