package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/claudetools/history-server/internal/auth"
)

func wsURL(ts string, query string) string {
	u := "ws" + strings.TrimPrefix(ts, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var env wsEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil reads messages until one of the given type arrives,
// returning it and any session.error payloads seen on the way.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) wsEnvelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("never received %s", msgType)
	return wsEnvelope{}
}

func TestWSAuthResult(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")

	env := readEnvelope(t, conn)
	require.Equal(t, "auth_result", env.Type)
	var payload map[string]bool
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.True(t, payload["success"])
}

func TestWSAuthViaQueryParam(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cfg.SetAPIKeyHash(
		auth.HashKey("sockkey"), "2026-08-24T00:00:00Z"))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL, ""), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dialWS(t, f, "apiKey=sockkey")
	env := readEnvelope(t, conn)
	require.Equal(t, "auth_result", env.Type)
}

func TestWSPingPong(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")
	readEnvelope(t, conn) // auth_result

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "ping", "id": "corr-1",
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, "pong", env.Type)
	require.Equal(t, "corr-1", env.ID)
}

func TestWSEchoUnknownType(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "mystery", "id": "e1",
		"payload": map[string]any{"k": "v"},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, "message", env.Type)
	require.Equal(t, "e1", env.ID)
	require.Contains(t, string(env.Payload), `"echo"`)
}

func TestWSSessionStartRejectsWorkingDir(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")
	readEnvelope(t, conn)

	// Empty allowlist: every directory is denied.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "session.start",
		"payload": map[string]any{
			"sessionId":  "s1",
			"prompt":     "hello",
			"workingDir": t.TempDir(),
		},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, "session.error", env.Type)
	require.Contains(t, string(env.Payload), "no allowed working directories")
	require.False(t, f.srv.sessions.Has("s1"))
}

func TestWSSessionRunsToCompletion(t *testing.T) {
	agentDir := t.TempDir()
	script := "#!/bin/sh\n" +
		`echo '{"type":"system","subtype":"init","session_id":"real"}'` + "\n" +
		`echo '{"type":"assistant","message":{"content":"done"}}'` + "\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(agentDir, "claude"), []byte(script), 0o755))
	t.Setenv("PATH", agentDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	f := newFixture(t)
	workDir := t.TempDir()
	f.srv.validator.SetAllowedDirs([]string{workDir})

	conn := dialWS(t, f, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "session.start",
		"payload": map[string]any{
			"sessionId":  "s1",
			"prompt":     "run it",
			"workingDir": workDir,
		},
	}))

	var outputs int
	for {
		env := readEnvelope(t, conn)
		switch env.Type {
		case "session.output":
			outputs++
		case "session.complete":
			var payload map[string]any
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			require.Equal(t, "s1", payload["sessionId"])
			require.Equal(t, float64(0), payload["exitCode"])
			require.Equal(t, 2, outputs)
			require.Eventually(t, func() bool {
				return !f.srv.sessions.Has("s1")
			}, 5*time.Second, 50*time.Millisecond,
				"store entry removed on completion")
			return
		case "session.error":
			t.Fatalf("unexpected session.error: %s", env.Payload)
		}
	}
}

func TestWSSessionCancelMissing(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "session.cancel",
		"payload": map[string]any{"sessionId": "ghost"},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, "session.error", env.Type)
	require.Contains(t, string(env.Payload), "session not found")
}

func TestWSDisconnectCancelsSessions(t *testing.T) {
	agentDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(agentDir, "claude"),
		[]byte("#!/bin/sh\nsleep 30\n"), 0o755))
	t.Setenv("PATH", agentDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	f := newFixture(t)
	workDir := t.TempDir()
	f.srv.validator.SetAllowedDirs([]string{workDir})

	conn := dialWS(t, f, "")
	readEnvelope(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "session.start",
		"payload": map[string]any{
			"sessionId":  "s1",
			"prompt":     "linger",
			"workingDir": workDir,
		},
	}))
	require.Eventually(t, func() bool {
		return f.srv.sessions.Has("s1")
	}, 5*time.Second, 50*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return !f.srv.sessions.Has("s1") && f.srv.ClientCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWSClientCount(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 0, f.srv.ClientCount())
	conn := dialWS(t, f, "")
	readEnvelope(t, conn)
	require.Equal(t, 1, f.srv.ClientCount())
	conn.Close()
	require.Eventually(t, func() bool {
		return f.srv.ClientCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
}
