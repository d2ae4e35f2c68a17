package server

import (
	"net/http"
	"strconv"

	"github.com/claudetools/history-server/internal/db"
)

func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func sessionFilter(r *http.Request) db.SessionFilter {
	switch r.URL.Query().Get("automatic") {
	case "true":
		return db.FilterAutomaticOnly
	case "false":
		return db.FilterManualOnly
	}
	return db.FilterAll
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, db.DefaultSessionLimit, db.MaxSessionLimit)

	sessions, err := s.store.ListRecentSessions(
		r.Context(), limit, offset, sessionFilter(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"pagination": map[string]any{
			"limit":   limit,
			"offset":  offset,
			"hasMore": len(sessions) == limit,
		},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	messages, err := s.store.GetMessagesBySessionID(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []db.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.HideSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.MarkRead(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
