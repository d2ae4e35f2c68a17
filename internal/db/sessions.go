package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	// DefaultSessionLimit is the default number of sessions returned.
	DefaultSessionLimit = 20
	// MaxSessionLimit is the maximum number of sessions returned.
	MaxSessionLimit = 100
)

// sessionCols is the column list for session queries.
// Keep in sync with scanSessionRow.
const sessionCols = `id, project, started_at, last_activity_at,
	message_count, preview, title, last_indexed,
	is_automatic, is_unread, is_hidden`

// Session represents a row in the sessions table. Timestamps are
// millisecond epochs; nil means the transcript carried none.
type Session struct {
	ID             string  `json:"id"`
	Project        string  `json:"project"`
	StartedAt      *int64  `json:"startedAt"`
	LastActivityAt *int64  `json:"lastActivityAt"`
	MessageCount   int     `json:"messageCount"`
	Preview        string  `json:"preview"`
	Title          *string `json:"title,omitempty"`
	LastIndexed    int64   `json:"lastIndexed"`
	IsAutomatic    bool    `json:"isAutomatic"`
	IsUnread       bool    `json:"isUnread"`
	IsHidden       bool    `json:"isHidden"`
}

// SessionFilter selects which sessions a listing returns.
type SessionFilter int

const (
	FilterAll SessionFilter = iota
	FilterManualOnly
	FilterAutomaticOnly
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows,
// allowing a single scan helper for both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(rs rowScanner) (Session, error) {
	var s Session
	err := rs.Scan(
		&s.ID, &s.Project, &s.StartedAt, &s.LastActivityAt,
		&s.MessageCount, &s.Preview, &s.Title, &s.LastIndexed,
		&s.IsAutomatic, &s.IsUnread, &s.IsHidden,
	)
	return s, err
}

// SessionRecord is the unit of an index write: the session row
// plus the full replacement set of its messages.
type SessionRecord struct {
	Session  Session
	Messages []Message
}

// IndexSession atomically replaces a session and all of its
// messages. Within one transaction it upserts the session row and
// swaps the message set, so no reader observes a partial replace.
// is_hidden and is_unread survive reindex: the upsert only touches
// them on first insert (automatic sessions start unread).
func (db *DB) IndexSession(rec SessionRecord) error {
	s := rec.Session
	return db.Update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sessions (
				id, project, started_at, last_activity_at,
				message_count, preview, title, last_indexed,
				is_automatic, is_unread, is_hidden
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				project = excluded.project,
				started_at = excluded.started_at,
				last_activity_at = excluded.last_activity_at,
				message_count = excluded.message_count,
				preview = excluded.preview,
				title = excluded.title,
				last_indexed = excluded.last_indexed,
				is_automatic = excluded.is_automatic`,
			s.ID, s.Project, s.StartedAt, s.LastActivityAt,
			len(rec.Messages), s.Preview, s.Title, s.LastIndexed,
			s.IsAutomatic, s.IsAutomatic && s.IsUnread,
		)
		if err != nil {
			return fmt.Errorf("upserting session %s: %w", s.ID, err)
		}

		if _, err := tx.Exec(
			"DELETE FROM messages WHERE session_id = ?", s.ID,
		); err != nil {
			return fmt.Errorf("deleting old messages: %w", err)
		}

		if len(rec.Messages) == 0 {
			return nil
		}
		stmt, err := tx.Prepare(`
			INSERT INTO messages (uuid, session_id, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing message insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range rec.Messages {
			if _, err := stmt.Exec(
				m.UUID, s.ID, m.Role, m.Content, m.Timestamp,
			); err != nil {
				return fmt.Errorf(
					"inserting message %s: %w", m.UUID, err,
				)
			}
		}
		return nil
	})
}

// GetSession returns a single session by ID, hidden included.
func (db *DB) GetSession(
	ctx context.Context, id string,
) (*Session, error) {
	row := db.reader.QueryRowContext(
		ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE id = ?",
		id,
	)
	s, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &s, nil
}

// ListRecentSessions returns non-hidden sessions ordered by most
// recent activity.
func (db *DB) ListRecentSessions(
	ctx context.Context, limit, offset int, filter SessionFilter,
) ([]Session, error) {
	if limit <= 0 || limit > MaxSessionLimit {
		limit = DefaultSessionLimit
	}
	if offset < 0 {
		offset = 0
	}

	preds := []string{"is_hidden = 0"}
	switch filter {
	case FilterManualOnly:
		preds = append(preds, "is_automatic = 0")
	case FilterAutomaticOnly:
		preds = append(preds, "is_automatic = 1")
	}

	query := "SELECT " + sessionCols +
		" FROM sessions WHERE " + strings.Join(preds, " AND ") + `
		ORDER BY COALESCE(last_activity_at, started_at) DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := db.reader.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MarkRead clears the unread flag. Idempotent; reports whether
// the session exists.
func (db *DB) MarkRead(id string) (bool, error) {
	return db.flagUpdate(
		"UPDATE sessions SET is_unread = 0 WHERE id = ?", id,
	)
}

// HideSession soft-deletes a session. Hidden sessions stay in
// storage but are excluded from listings and search. Idempotent;
// reports whether the session exists.
func (db *DB) HideSession(id string) (bool, error) {
	return db.flagUpdate(
		"UPDATE sessions SET is_hidden = 1 WHERE id = ?", id,
	)
}

func (db *DB) flagUpdate(query, id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.writer.Exec(query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// UPDATE affects zero rows both for a missing session and for
	// an already-set flag; distinguish with an existence probe.
	var one int
	err = db.writer.QueryRow(
		"SELECT 1 FROM sessions WHERE id = ?", id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// GetSessionLastIndexed returns the last_indexed epoch for a
// session, or ok=false when the session has never been indexed.
func (db *DB) GetSessionLastIndexed(id string) (int64, bool) {
	var t int64
	err := db.reader.QueryRow(
		"SELECT last_indexed FROM sessions WHERE id = ?", id,
	).Scan(&t)
	if err != nil {
		return 0, false
	}
	return t, true
}
