package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/claudetools/history-server/internal/db"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200

	// dedupOverfetch compensates for sessions with many matching
	// messages: raw hits are fetched at a multiple of the page
	// size before per-session dedup.
	dedupOverfetch = 3
)

// sanitizeQuery converts free text into an FTS5 prefix query:
// strip metacharacters, split on whitespace, and append * to each
// token. Returns "" when nothing searchable remains.
func sanitizeQuery(q string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\'', '"', '*', '(', ')', '`':
			return -1
		}
		return r
	}, q)

	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		tokens = append(tokens, tok+"*")
	}
	return strings.Join(tokens, " ")
}

func searchSort(r *http.Request) db.SearchSort {
	if r.URL.Query().Get("sort") == "date" {
		return db.SortDate
	}
	return db.SortRelevance
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rawQuery := r.URL.Query().Get("q")
	if rawQuery == "" {
		s.writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	ftsQuery := sanitizeQuery(rawQuery)
	if ftsQuery == "" {
		s.writeError(w, http.StatusBadRequest, "query contains no searchable terms")
		return
	}

	limit, offset := parsePagination(r, defaultSearchLimit, maxSearchLimit)
	sort := searchSort(r)
	automaticOnly := r.URL.Query().Get("automatic") == "true"

	raw, err := s.store.SearchMessages(
		r.Context(), ftsQuery,
		dedupOverfetch*(limit+offset), 0,
		sort, automaticOnly,
	)
	if err != nil {
		if errors.Is(err, db.ErrInvalidQuery) {
			s.writeError(w, http.StatusBadRequest, "invalid search query")
			return
		}
		if errors.Is(err, db.ErrSearchUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable,
				"full-text search is unavailable in this build")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Keep the first (best-ranked) hit per session.
	seen := map[string]struct{}{}
	var unique []db.SearchHit
	for _, hit := range raw {
		if _, dup := seen[hit.SessionID]; dup {
			continue
		}
		seen[hit.SessionID] = struct{}{}
		unique = append(unique, hit)
	}

	results := []db.SearchHit{}
	if offset < len(unique) {
		end := offset + limit
		if end > len(unique) {
			end = len(unique)
		}
		results = unique[offset:end]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"pagination": map[string]any{
			"limit":   limit,
			"offset":  offset,
			"hasMore": len(unique) > offset+limit,
		},
		"query": ftsQuery,
		"sort":  string(sort),
	})
}
