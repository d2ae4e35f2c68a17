// Package diag keeps a bounded in-memory buffer of recent errors
// for the diagnostics endpoint.
package diag

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained.
const DefaultCapacity = 50

// Entry is one recorded error.
type Entry struct {
	At      int64  `json:"at"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Ring retains the most recent errors, discarding the oldest once
// full. Safe for concurrent use.
type Ring struct {
	mu  sync.Mutex
	buf []Entry
	max int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{max: capacity}
}

// Record appends an error entry, evicting the oldest if the
// buffer is full.
func (r *Ring) Record(source, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, Entry{
		At:      time.Now().UnixMilli(),
		Source:  source,
		Message: message,
	})
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

// Entries returns a copy of the buffer, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.buf))
	copy(out, r.buf)
	return out
}
