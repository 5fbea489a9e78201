// Package usage records LLM consumption per dispatch for cost attribution.
// Only LLM strategy executions produce records; structured strategies cost
// nothing and emit nothing.
package usage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one LLM call worth of usage.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Agent        string    `json:"agent,omitempty"`
	Mission      string    `json:"mission,omitempty"`
	Skill        string    `json:"skill,omitempty"`
}

// Sink accepts usage records.
type Sink interface {
	Record(rec Record)
}

// MemorySink keeps records in memory, for tests and single-run agents.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends a usage record.
func (m *MemorySink) Record(rec Record) {
	enrich(&rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

// Records returns a copy of all records.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Store persists usage records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite-backed usage store.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		agent         TEXT,
		mission       TEXT,
		skill         TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_records(agent)`)

	return &Store{db: db}, nil
}

// Record persists one usage record.
func (s *Store) Record(rec Record) {
	enrich(&rec)
	_, _ = s.db.Exec(
		`INSERT OR IGNORE INTO usage_records (id, timestamp, provider, model, input_tokens, output_tokens, cost_usd, agent, mission, skill)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.Format(time.RFC3339Nano), rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Agent, rec.Mission, rec.Skill,
	)
}

// TotalCost sums cost across all records for an agent ("" = all agents).
func (s *Store) TotalCost(agent string) (float64, error) {
	var total sql.NullFloat64
	var err error
	if agent == "" {
		err = s.db.QueryRow(`SELECT SUM(cost_usd) FROM usage_records`).Scan(&total)
	} else {
		err = s.db.QueryRow(`SELECT SUM(cost_usd) FROM usage_records WHERE agent = ?`, agent).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("sum usage cost: %w", err)
	}
	return total.Float64, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func enrich(rec *Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
}
