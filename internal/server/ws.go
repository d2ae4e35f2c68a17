package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claudetools/history-server/internal/executor"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// pongWait is two ping intervals; a client that misses both
	// is considered gone.
	pongWait       = 2 * pingPeriod
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is the message frame in both directions. id is an
// opaque correlation token chosen by the client.
type wsEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type sessionRequest struct {
	SessionID       string `json:"sessionId"`
	Prompt          string `json:"prompt"`
	WorkingDir      string `json:"workingDir"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

type hub struct {
	server *Server

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(s *Server) *hub {
	return &hub{server: s, clients: map[*wsClient]struct{}{}}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// wsClient is one connected websocket peer. Outgoing messages go
// through a bounded send channel; a full channel disconnects the
// client rather than queueing without bound.
type wsClient struct {
	id     string
	hub    *hub
	conn   *websocket.Conn
	send   chan outMessage
	done   chan struct{}
	closer sync.Once
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade", "err", err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		send: make(chan outMessage, sendBufferSize),
		done: make(chan struct{}),
	}
	s.hub.add(c)
	log.Info("websocket client connected", "client", c.id)

	go c.writePump()
	go c.readPump()

	c.enqueue(outMessage{
		Type:    "auth_result",
		Payload: map[string]any{"success": true},
	})
}

func (c *wsClient) close() {
	c.closer.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues an outgoing message. The slow-consumer policy is
// disconnect, not unbounded buffering.
func (c *wsClient) enqueue(msg outMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Warn("websocket send buffer full, disconnecting",
			"client", c.id)
		c.close()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(
				websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.close()
		c.hub.remove(c)
		// Disconnect tears down everything this client started.
		removed := c.hub.server.sessions.RemoveByClient(c.id)
		if len(removed) > 0 {
			log.Info("cancelled sessions on disconnect",
				"client", c.id, "count", len(removed))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read", "client", c.id, "err", err)
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.enqueue(outMessage{
				Type:    "error",
				Payload: map[string]any{"error": "malformed message"},
			})
			continue
		}
		c.dispatch(env)
	}
}

func (c *wsClient) dispatch(env wsEnvelope) {
	switch env.Type {
	case "ping":
		c.enqueue(outMessage{Type: "pong", ID: env.ID})
	case "session.start", "session.resume":
		c.handleSessionStart(env)
	case "session.cancel":
		c.handleSessionCancel(env)
	default:
		// Reference echo mode for unknown types.
		c.enqueue(outMessage{
			Type:    "message",
			ID:      env.ID,
			Payload: map[string]any{"echo": json.RawMessage(env.Payload)},
		})
	}
}

func (c *wsClient) sessionError(sessionID, message string) {
	c.enqueue(outMessage{
		Type: "session.error",
		Payload: map[string]any{
			"sessionId": sessionID,
			"error":     message,
		},
	})
}

func (c *wsClient) handleSessionStart(env wsEnvelope) {
	var req sessionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SessionID == "" {
		c.sessionError(req.SessionID, "session.start requires sessionId, prompt and workingDir")
		return
	}
	if env.Type == "session.resume" && req.ResumeSessionID == "" {
		c.sessionError(req.SessionID, "session.resume requires resumeSessionId")
		return
	}

	srv := c.hub.server
	resolved, err := srv.validator.Validate(req.WorkingDir)
	if err != nil {
		c.sessionError(req.SessionID, err.Error())
		return
	}

	exec, err := srv.sessions.Create(req.SessionID, c.id)
	if err != nil {
		c.sessionError(req.SessionID, err.Error())
		return
	}
	if err := exec.Start(executor.StartOptions{
		Prompt:          req.Prompt,
		WorkingDir:      resolved,
		ResumeSessionID: req.ResumeSessionID,
	}); err != nil {
		srv.sessions.Remove(req.SessionID)
		c.sessionError(req.SessionID, err.Error())
		return
	}
	log.Info("session started",
		"client", c.id, "session", req.SessionID,
		"workingDir", resolved, "resume", req.ResumeSessionID != "")

	go c.streamEvents(req.SessionID, exec)
}

// streamEvents forwards executor events to the client in order.
// The complete event is always last and triggers store removal.
func (c *wsClient) streamEvents(sessionID string, exec *executor.SessionExecutor) {
	for ev := range exec.Events() {
		switch ev.Type {
		case executor.EventMessage:
			c.enqueue(outMessage{
				Type: "session.output",
				Payload: map[string]any{
					"sessionId": sessionID,
					"message":   ev.Message,
				},
			})
		case executor.EventError:
			c.sessionError(sessionID, ev.Text)
		case executor.EventComplete:
			c.enqueue(outMessage{
				Type: "session.complete",
				Payload: map[string]any{
					"sessionId": sessionID,
					"exitCode":  ev.ExitCode,
				},
			})
			c.hub.server.sessions.Remove(sessionID)
		}
	}
}

func (c *wsClient) handleSessionCancel(env wsEnvelope) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SessionID == "" {
		c.sessionError("", "session.cancel requires sessionId")
		return
	}
	exec := c.hub.server.sessions.Get(req.SessionID)
	if exec == nil {
		c.sessionError(req.SessionID, "session not found")
		return
	}
	// SIGTERM only; the real exit produces session.complete.
	exec.Cancel()
}
