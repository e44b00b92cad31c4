package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = "2006-01-02T15:04:05Z"

// Session is the stored record of one project: its local id and the remote
// sandbox it was last bound to.
type Session struct {
	ID              string
	RemoteSandboxID string
	URL             string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Store) CreateSession(id string) error {
	now := time.Now().UTC().Format(timeFmt)
	_, err := s.db.Exec(`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`, id, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// LoadSession returns the session with id, or nil if there is none.
func (s *Store) LoadSession(id string) (*Session, error) {
	var sess Session
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT id, remote_sandbox_id, url, created_at, updated_at FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.RemoteSandboxID, &sess.URL, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT id, remote_sandbox_id, url, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var result []*Session
	for rows.Next() {
		var sess Session
		var createdAt, updatedAt string
		if err := rows.Scan(&sess.ID, &sess.RemoteSandboxID, &sess.URL, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = parseTime(createdAt)
		sess.UpdatedAt = parseTime(updatedAt)
		result = append(result, &sess)
	}
	return result, rows.Err()
}

// UpdateSessionBinding records the sandbox a session is bound to, creating the
// session if it does not exist yet.
func (s *Store) UpdateSessionBinding(id, remoteSandboxID, url string) error {
	now := time.Now().UTC().Format(timeFmt)
	_, err := s.db.Exec(`INSERT INTO sessions (id, remote_sandbox_id, url, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET remote_sandbox_id = excluded.remote_sandbox_id, url = excluded.url, updated_at = excluded.updated_at`,
		id, remoteSandboxID, url, now, now)
	if err != nil {
		return fmt.Errorf("update session binding: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func parseTime(s string) time.Time {
	for _, f := range []string{timeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
