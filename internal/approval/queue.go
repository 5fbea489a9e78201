// Package approval implements the durable approval queue. Actions diverted
// by the risk gate are held here for a human decision; approved items
// re-enter the dispatcher with the risk gate skipped exactly once.
package approval

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDismissed Status = "dismissed"
	StatusExpired   Status = "expired"
)

// Approval is one queued action awaiting a human decision. Metadata carries
// everything needed to resume the diverted action (channel id, body, policy
// level, risk fields).
type Approval struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"` // e.g. "forum_post"
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
	DecidedBy   string            `json:"decided_by,omitempty"`
}

var (
	ErrNotFound       = errors.New("approval not found")
	ErrAlreadyDecided = errors.New("approval already decided")
	ErrExpired        = errors.New("approval expired")
)

// Queue is the SQLite-backed approval queue. The store is shared with the
// human-facing surface that renders and decides approvals.
type Queue struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewQueue opens (or creates) the approval store. ttl bounds how long a
// pending item waits before expiring.
func NewQueue(dbPath string, ttl time.Duration) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approvals (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		decided_at  TEXT,
		decided_by  TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create approvals table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status)`)

	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Queue{db: db, ttl: ttl, now: time.Now}, nil
}

// Submit adds a new pending approval and returns it.
func (q *Queue) Submit(typ, title, description string, metadata map[string]string) (*Approval, error) {
	now := q.now().UTC()
	a := &Approval{
		ID:          uuid.New().String(),
		Type:        typ,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Metadata:    metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(q.ttl),
	}

	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = q.db.Exec(
		`INSERT INTO approvals (id, type, title, description, status, metadata, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Title, a.Description, string(a.Status), string(meta),
		a.CreatedAt.Format(time.RFC3339Nano), a.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return a, nil
}

// Decide transitions a pending approval to approved or dismissed. The
// transition happens at most once; expired items cannot be decided.
func (q *Queue) Decide(id string, status Status, decidedBy string) (*Approval, error) {
	if status != StatusApproved && status != StatusDismissed {
		return nil, fmt.Errorf("invalid decision %q: must be approved or dismissed", status)
	}

	a, err := q.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, a.Status)
	}

	now := q.now().UTC()
	if now.After(a.ExpiresAt) {
		_, _ = q.db.Exec(`UPDATE approvals SET status = ? WHERE id = ?`, string(StatusExpired), id)
		return nil, fmt.Errorf("%w: %s expired at %s", ErrExpired, id, a.ExpiresAt.Format(time.RFC3339))
	}

	res, err := q.db.Exec(
		`UPDATE approvals SET status = ?, decided_at = ?, decided_by = ? WHERE id = ? AND status = 'pending'`,
		string(status), now.Format(time.RFC3339Nano), decidedBy, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, id)
	}

	a.Status = status
	a.DecidedAt = &now
	a.DecidedBy = decidedBy
	return a, nil
}

// Get returns a specific approval.
func (q *Queue) Get(id string) (*Approval, error) {
	row := q.db.QueryRow(
		`SELECT id, type, title, description, status, metadata, created_at, expires_at, decided_at, decided_by
		 FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

// ListPending returns pending approvals, oldest first.
func (q *Queue) ListPending() ([]*Approval, error) {
	rows, err := q.db.Query(
		`SELECT id, type, title, description, status, metadata, created_at, expires_at, decided_at, decided_by
		 FROM approvals WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingCount returns how many approvals are pending.
func (q *Queue) PendingCount() int {
	var n int
	_ = q.db.QueryRow(`SELECT COUNT(*) FROM approvals WHERE status = 'pending'`).Scan(&n)
	return n
}

// ExpireStale marks overdue pending approvals as expired and returns how
// many were affected.
func (q *Queue) ExpireStale() (int, error) {
	res, err := q.db.Exec(
		`UPDATE approvals SET status = ? WHERE status = 'pending' AND expires_at < ?`,
		string(StatusExpired), q.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(r rowScanner) (*Approval, error) {
	var a Approval
	var status, meta, created, expires string
	var decidedAt, decidedBy sql.NullString
	if err := r.Scan(&a.ID, &a.Type, &a.Title, &a.Description, &status, &meta, &created, &expires, &decidedAt, &decidedBy); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	if decidedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, decidedAt.String)
		a.DecidedAt = &t
	}
	a.DecidedBy = decidedBy.String
	return &a, nil
}
