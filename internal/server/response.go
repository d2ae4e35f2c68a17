package server

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encoding response", "err", err)
	}
}

// writeError returns a JSON error body. Messages are operator
// facing; stack traces never cross the wire.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	if status >= 500 {
		s.errors.Record("http", message)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
