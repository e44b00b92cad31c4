package store

import (
	"fmt"
	"time"
)

// Message is a finalized conversation turn.
type Message struct {
	ID        int64
	SessionID string
	TurnID    string
	Role      string
	Content   string
	Timestamp time.Time
}

// SaveMessage stores m, replacing any earlier copy of the same turn. The
// session row is created if missing.
func (s *Store) SaveMessage(m *Message) error {
	now := time.Now().UTC().Format(timeFmt)
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`, m.SessionID, now, now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO messages (session_id, turn_id, role, content, ts) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, turn_id) DO UPDATE SET role = excluded.role, content = excluded.content, ts = excluded.ts`,
		m.SessionID, m.TurnID, m.Role, m.Content, m.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListMessages(sessionID string) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT id, session_id, turn_id, role, content, ts FROM messages
		WHERE session_id = ? ORDER BY ts ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var result []*Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		result = append(result, &m)
	}
	return result, rows.Err()
}
