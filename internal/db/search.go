package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidQuery is returned when the FTS5 engine rejects the
// match expression.
var ErrInvalidQuery = errors.New("invalid search query")

// ErrSearchUnavailable is returned when the sqlite runtime lacks
// the fts5 module, so the search index does not exist.
var ErrSearchUnavailable = errors.New("full-text search unavailable")

// SearchSort selects the ordering of search hits.
type SearchSort string

const (
	SortRelevance SearchSort = "relevance"
	SortDate      SearchSort = "date"
)

// SearchHit is one matching message joined with its session.
type SearchHit struct {
	SessionID   string        `json:"sessionId"`
	Project     string        `json:"project"`
	Title       *string       `json:"title,omitempty"`
	StartedAt   *int64        `json:"startedAt"`
	IsAutomatic bool          `json:"isAutomatic"`
	Message     SearchMessage `json:"message"`
}

// SearchMessage carries the matched message with FTS highlighting
// applied to its content.
type SearchMessage struct {
	UUID               string `json:"uuid"`
	Role               string `json:"role"`
	HighlightedContent string `json:"highlightedContent"`
	Timestamp          *int64 `json:"timestamp"`
}

// SearchMessages runs an FTS5 match over message content and
// returns hits joined with their sessions. Hidden sessions are
// excluded. The caller is responsible for sanitizing the match
// expression and for per-session dedup.
func (db *DB) SearchMessages(
	ctx context.Context,
	ftsQuery string,
	limit, offset int,
	sort SearchSort,
	automaticOnly bool,
) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	b.WriteString(`
		SELECT s.id, s.project, s.title, s.started_at, s.is_automatic,
			m.uuid, m.role,
			highlight(messages_fts, 0, '<mark>', '</mark>'),
			m.timestamp
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ? AND s.is_hidden = 0`)
	if automaticOnly {
		b.WriteString(" AND s.is_automatic = 1")
	}
	switch sort {
	case SortDate:
		b.WriteString(" ORDER BY s.started_at DESC, rank")
	default:
		b.WriteString(" ORDER BY rank")
	}
	b.WriteString(" LIMIT ? OFFSET ?")

	rows, err := db.reader.QueryContext(
		ctx, b.String(), ftsQuery, limit, offset,
	)
	if err != nil {
		if isMissingFTSModule(err) ||
			strings.Contains(err.Error(), "no such table: messages_fts") {
			return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
		}
		if isFTSSyntaxError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(
			&h.SessionID, &h.Project, &h.Title, &h.StartedAt,
			&h.IsAutomatic,
			&h.Message.UUID, &h.Message.Role,
			&h.Message.HighlightedContent, &h.Message.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// isFTSSyntaxError reports whether err came from fts5 rejecting a
// match expression. go-sqlite3 surfaces these as generic errors,
// so the message text is the only signal.
func isFTSSyntaxError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5: syntax error") ||
		strings.Contains(msg, "unknown special query") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "malformed MATCH")
}
