// Package server exposes the HTTP and websocket surfaces over the
// index, the config service, and live session execution.
package server

import (
	"net/http"
	"time"

	"github.com/claudetools/history-server/internal/auth"
	"github.com/claudetools/history-server/internal/config"
	"github.com/claudetools/history-server/internal/db"
	"github.com/claudetools/history-server/internal/diag"
	"github.com/claudetools/history-server/internal/executor"
	"github.com/claudetools/history-server/internal/heartbeat"
	"github.com/claudetools/history-server/internal/indexer"
	"github.com/claudetools/history-server/internal/workdir"
)

// DefaultPort is the TCP port bound when PORT is unset.
const DefaultPort = 3847

// Options wires the server to its collaborators. Heartbeat and
// WatcherRunning are optional.
type Options struct {
	Store          *db.DB
	Indexer        *indexer.Indexer
	Config         *config.Service
	Gate           *auth.Gate
	Validator      *workdir.Validator
	Sessions       *executor.SessionStore
	Heartbeat      *heartbeat.Service
	Errors         *diag.Ring
	WatcherRunning func() bool
}

type Server struct {
	store          *db.DB
	ix             *indexer.Indexer
	cfg            *config.Service
	gate           *auth.Gate
	validator      *workdir.Validator
	sessions       *executor.SessionStore
	heartbeat      *heartbeat.Service
	errors         *diag.Ring
	watcherRunning func() bool

	hub       *hub
	startedAt time.Time
}

func New(opts Options) *Server {
	s := &Server{
		store:          opts.Store,
		ix:             opts.Indexer,
		cfg:            opts.Config,
		gate:           opts.Gate,
		validator:      opts.Validator,
		sessions:       opts.Sessions,
		heartbeat:      opts.Heartbeat,
		errors:         opts.Errors,
		watcherRunning: opts.WatcherRunning,
		startedAt:      time.Now(),
	}
	if s.errors == nil {
		s.errors = diag.NewRing(diag.DefaultCapacity)
	}
	s.hub = newHub(s)
	return s
}

// Handler builds the full middleware chain: CORS, then request
// logging, then auth, then the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("POST /reindex", s.handleReindex)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeatRun)
	mux.HandleFunc("GET /heartbeat/status", s.handleHeartbeatStatus)
	mux.HandleFunc("GET /admin", s.handleAdmin)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("GET /api/config/{section}", s.handleGetConfigSection)
	mux.HandleFunc("PUT /api/config/{section}", s.handlePutConfigSection)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return corsMiddleware(s.requestLogMiddleware(s.authMiddleware(mux)))
}

// Shutdown cancels all websocket clients and their executors.
func (s *Server) Shutdown() {
	s.hub.closeAll()
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	res, err := s.ix.IndexAll(force)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"indexed": res.Indexed,
		"skipped": res.Skipped,
	})
}

func (s *Server) handleHeartbeatRun(w http.ResponseWriter, r *http.Request) {
	if s.heartbeat == nil {
		s.writeError(w, http.StatusServiceUnavailable,
			"heartbeat service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.heartbeat.RunHeartbeat(true))
}

func (s *Server) handleHeartbeatStatus(w http.ResponseWriter, r *http.Request) {
	if s.heartbeat == nil {
		s.writeError(w, http.StatusServiceUnavailable,
			"heartbeat service is not configured")
		return
	}
	status, err := s.heartbeat.Status()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snapshot := map[string]any{
		"uptimeMs":     time.Since(s.startedAt).Milliseconds(),
		"db":           stats,
		"wsClients":    s.hub.count(),
		"liveSessions": s.sessions.Count(),
		"lastIndex":    s.ix.LastResult(),
		"recentErrors": s.errors.Entries(),
	}
	if s.watcherRunning != nil {
		snapshot["watcherRunning"] = s.watcherRunning()
	}
	if s.heartbeat != nil {
		if status, err := s.heartbeat.Status(); err == nil {
			snapshot["heartbeat"] = status
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}
