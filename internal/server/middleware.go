package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// corsMiddleware applies a permissive CORS policy and answers
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogMiddleware logs each request with its status and
// duration. The logging.requestLogLevel knob selects all requests,
// errors only, or nothing.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := s.cfg.RequestLogLevel()
		if level == "off" {
			return
		}
		if level == "errors-only" && rec.status < 400 {
			return
		}

		fields := []any{
			"method", r.Method,
			"path", redactQuery(r.URL),
			"status", rec.status,
			"durationMs", time.Since(start).Milliseconds(),
		}
		if rec.status >= 500 {
			log.Error("request", fields...)
		} else {
			log.Info("request", fields...)
		}
	})
}

// redactQuery strips credential material from logged URLs.
func redactQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	if q.Has("apiKey") {
		q.Set("apiKey", "[redacted]")
	}
	return u.Path + "?" + q.Encode()
}

// unauthenticatedPath reports whether a path is reachable without
// a key even when auth is configured.
func unauthenticatedPath(path string) bool {
	return path == "/health" || path == "/admin"
}

// authMiddleware enforces the shared-secret gate. HTTP requests
// carry the key in the X-API-Key header; the websocket upgrade,
// where headers are awkward for browser clients, uses the apiKey
// query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.Enabled() || unauthenticatedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		var key string
		if strings.HasPrefix(r.URL.Path, "/ws") {
			key = r.URL.Query().Get("apiKey")
		} else {
			key = r.Header.Get("X-API-Key")
		}
		if !s.gate.Verify(key) {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
