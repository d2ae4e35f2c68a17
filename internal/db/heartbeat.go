package db

import (
	"database/sql"
	"fmt"
)

// HeartbeatState is a per-work-item watermark. LastChanged holds
// the source system's change timestamp verbatim; LastProcessed is
// the millisecond epoch of the last local processing.
type HeartbeatState struct {
	Key           string `json:"key"`
	LastChanged   string `json:"lastChanged"`
	LastProcessed int64  `json:"lastProcessed"`
}

// GetHeartbeatState returns the watermark for a key, or nil when
// the item has never been processed.
func (db *DB) GetHeartbeatState(key string) (*HeartbeatState, error) {
	var hs HeartbeatState
	err := db.reader.QueryRow(`
		SELECT key, last_changed, last_processed
		FROM heartbeat_state WHERE key = ?`, key,
	).Scan(&hs.Key, &hs.LastChanged, &hs.LastProcessed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting heartbeat state %s: %w", key, err)
	}
	return &hs, nil
}

// SetHeartbeatState records the watermark for a key, replacing
// any previous value.
func (db *DB) SetHeartbeatState(hs HeartbeatState) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.writer.Exec(`
		INSERT INTO heartbeat_state (key, last_changed, last_processed)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_changed = excluded.last_changed,
			last_processed = excluded.last_processed`,
		hs.Key, hs.LastChanged, hs.LastProcessed,
	)
	if err != nil {
		return fmt.Errorf("setting heartbeat state %s: %w", hs.Key, err)
	}
	return nil
}

// ListHeartbeatStates returns all watermarks ordered by key.
func (db *DB) ListHeartbeatStates() ([]HeartbeatState, error) {
	rows, err := db.reader.Query(`
		SELECT key, last_changed, last_processed
		FROM heartbeat_state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing heartbeat states: %w", err)
	}
	defer rows.Close()

	var states []HeartbeatState
	for rows.Next() {
		var hs HeartbeatState
		if err := rows.Scan(
			&hs.Key, &hs.LastChanged, &hs.LastProcessed,
		); err != nil {
			return nil, fmt.Errorf("scanning heartbeat state: %w", err)
		}
		states = append(states, hs)
	}
	return states, rows.Err()
}
