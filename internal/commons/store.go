// Package commons implements the shared multi-tenant service instances
// register with: signed registration, heartbeats, peer discovery, public
// profiles, and the gallery listing.
package commons

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status of an instance as seen by the staleness sweep.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Instance is one registered installation.
type Instance struct {
	ID            string    `json:"instance_id"`
	PublicKey     string    `json:"public_key"`
	Nickname      string    `json:"nickname"`
	Description   string    `json:"description,omitempty"`
	RepoURL       string    `json:"repo_url,omitempty"`
	SkillsWriteup string    `json:"skills_writeup,omitempty"`
	Fingerprint   string    `json:"-"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// ErrInstanceNotFound distinguishes unknown instances from storage errors.
var ErrInstanceNotFound = fmt.Errorf("instance not found")

// Store persists instances in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the instance database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open instance db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure instance db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS instances (
		id             TEXT PRIMARY KEY,
		public_key     TEXT NOT NULL,
		nickname       TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		repo_url       TEXT NOT NULL DEFAULT '',
		skills_writeup TEXT NOT NULL DEFAULT '',
		fingerprint    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'online',
		registered_at  INTEGER NOT NULL,
		last_seen      INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create instances table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Upsert registers or re-registers an instance. The id is derived from the
// public key, so re-registering with the same key updates the profile in
// place instead of creating a duplicate.
func (s *Store) Upsert(inst *Instance) error {
	now := s.now().UTC()
	_, err := s.db.Exec(`INSERT INTO instances
		(id, public_key, nickname, description, repo_url, skills_writeup, fingerprint, status, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname = excluded.nickname,
			description = excluded.description,
			repo_url = excluded.repo_url,
			skills_writeup = excluded.skills_writeup,
			fingerprint = excluded.fingerprint,
			status = 'online',
			last_seen = excluded.last_seen`,
		inst.ID, inst.PublicKey, inst.Nickname, inst.Description, inst.RepoURL,
		inst.SkillsWriteup, inst.Fingerprint, StatusOnline, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// Get returns one instance by id.
func (s *Store) Get(id string) (*Instance, error) {
	row := s.db.QueryRow(`SELECT id, public_key, nickname, description, repo_url,
		skills_writeup, fingerprint, status, registered_at, last_seen
		FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrInstanceNotFound, id)
	}
	return inst, err
}

// Touch refreshes last_seen and marks the instance online.
func (s *Store) Touch(id string) error {
	res, err := s.db.Exec(`UPDATE instances SET last_seen = ?, status = 'online' WHERE id = ?`,
		s.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrInstanceNotFound, id)
	}
	return nil
}

// UpdateProfile writes the mutable profile fields.
func (s *Store) UpdateProfile(id, nickname, description, skillsWriteup string) error {
	res, err := s.db.Exec(`UPDATE instances SET nickname = ?, description = ?, skills_writeup = ? WHERE id = ?`,
		nickname, description, skillsWriteup, id)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrInstanceNotFound, id)
	}
	return nil
}

// Peers returns other online instances sharing a network fingerprint.
func (s *Store) Peers(fingerprint, excludeID string) ([]*Instance, error) {
	rows, err := s.db.Query(`SELECT id, public_key, nickname, description, repo_url,
		skills_writeup, fingerprint, status, registered_at, last_seen
		FROM instances WHERE fingerprint = ? AND id != ? AND status = 'online'
		ORDER BY last_seen DESC`, fingerprint, excludeID)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

// Gallery lists instances newest-registered first.
func (s *Store) Gallery(limit, offset int) ([]*Instance, error) {
	rows, err := s.db.Query(`SELECT id, public_key, nickname, description, repo_url,
		skills_writeup, fingerprint, status, registered_at, last_seen
		FROM instances ORDER BY registered_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query gallery: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

// MarkStaleOffline flips instances with no heartbeat since the cutoff to
// offline, returning the affected ids.
func (s *Store) MarkStaleOffline(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM instances WHERE status = 'online' AND last_seen < ?`,
		cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stale instances: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale instances: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.Exec(`UPDATE instances SET status = 'offline' WHERE status = 'online' AND last_seen < ?`,
		cutoff.UTC().UnixMilli()); err != nil {
		return nil, fmt.Errorf("mark stale offline: %w", err)
	}
	return ids, nil
}

// Count returns the number of registered instances.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*Instance, error) {
	var (
		inst                   Instance
		registeredAt, lastSeen int64
	)
	if err := r.Scan(&inst.ID, &inst.PublicKey, &inst.Nickname, &inst.Description,
		&inst.RepoURL, &inst.SkillsWriteup, &inst.Fingerprint, &inst.Status,
		&registeredAt, &lastSeen); err != nil {
		return nil, err
	}
	inst.RegisteredAt = time.UnixMilli(registeredAt).UTC()
	inst.LastSeen = time.UnixMilli(lastSeen).UTC()
	return &inst, nil
}

func collectInstances(rows *sql.Rows) ([]*Instance, error) {
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}
