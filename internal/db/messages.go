package db

import (
	"context"
	"fmt"
)

// Message is a normalized transcript message. Timestamp is a
// millisecond epoch; nil when the source line carried none.
type Message struct {
	UUID      string `json:"uuid"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp *int64 `json:"timestamp"`
}

// GetMessagesBySessionID returns all messages for a session in
// chronological order, insertion order for ties. Messages without
// a timestamp sort last.
func (db *DB) GetMessagesBySessionID(
	ctx context.Context, sessionID string,
) ([]Message, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT uuid, session_id, role, content, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp IS NULL, timestamp ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.UUID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
