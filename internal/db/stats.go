package db

import (
	"fmt"
	"os"
)

// Stats summarizes the state of the index.
type Stats struct {
	SessionCount   int   `json:"sessionCount"`
	MessageCount   int   `json:"messageCount"`
	HiddenSessions int   `json:"hiddenSessions"`
	DBSizeBytes    int64 `json:"dbSizeBytes"`
}

// GetStats returns index counts and the database file size.
func (db *DB) GetStats() (Stats, error) {
	var s Stats
	err := db.reader.QueryRow(`
		SELECT
			(SELECT count(*) FROM sessions),
			(SELECT count(*) FROM sessions WHERE is_hidden = 1),
			(SELECT count(*) FROM messages)`,
	).Scan(&s.SessionCount, &s.HiddenSessions, &s.MessageCount)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	if fi, err := os.Stat(db.path); err == nil {
		s.DBSizeBytes = fi.Size()
	}
	return s, nil
}
