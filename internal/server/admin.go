package server

import (
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/claudetools/history-server/internal/config"
)

//go:embed admin.html
var adminPage []byte

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(adminPage)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	sections, err := s.cfg.AllEditableSections()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sections)
}

func (s *Server) handleGetConfigSection(w http.ResponseWriter, r *http.Request) {
	section, ok, err := s.cfg.Section(r.PathValue("section"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown config section")
		return
	}
	writeJSON(w, http.StatusOK, section)
}

func (s *Server) handlePutConfigSection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("section")

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	if err := s.cfg.UpdateSection(name, patch); err != nil {
		if errors.Is(err, config.ErrValidation) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	section, _, err := s.cfg.Section(name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"section": section,
	})
}
