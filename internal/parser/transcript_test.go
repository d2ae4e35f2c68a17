package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abc.jsonl")
	require.NoError(t, os.WriteFile(
		path, []byte(strings.Join(lines, "\n")+"\n"), 0o644,
	))
	return path
}

func TestParseFileBasic(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","sessionId":"abc","cwd":"/home/u/proj","uuid":"u1","timestamp":"1970-01-01T00:00:01Z","message":{"role":"user","content":"How do I create a React component?"}}`,
		`{"type":"assistant","sessionId":"abc","uuid":"a1","timestamp":"1970-01-01T00:00:02Z","message":{"role":"assistant","content":[{"type":"text","text":"Use a function."},{"type":"tool_use","name":"Bash"}]}}`,
	)

	s, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "abc", s.SessionID)
	require.Equal(t, "/home/u/proj", s.Project)
	require.Len(t, s.Messages, 2)
	require.Equal(t, "How do I create a React component?", s.Preview)
	require.Equal(t, int64(1000), *s.StartedAt)
	require.Equal(t, int64(2000), *s.LastActivityAt)
	require.Equal(t, "Use a function.", s.Messages[1].Content)
	require.False(t, s.IsAutomatic)
}

func TestParseFileSkipsJunk(t *testing.T) {
	path := writeTranscript(t,
		``,
		`not json at all`,
		`{"type":"summary","summary":"irrelevant"}`,
		`{"type":"user","sessionId":"abc","uuid":"m1","isMeta":true,"message":{"role":"user","content":"meta noise"}}`,
		`{"type":"user","sessionId":"abc","uuid":"e1","message":{"role":"user","content":""}}`,
		`{"type":"user","sessionId":"abc","uuid":"u1","message":{"role":"user","content":"real question"}}`,
	)

	s, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, s.Messages, 1)
	require.Equal(t, "real question", s.Messages[0].Content)
	require.Equal(t, "real question", s.Preview)
}

func TestParseFilePreviewSkipsCommands(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","sessionId":"abc","uuid":"c1","message":{"role":"user","content":"<command-name>/clear</command-name>"}}`,
		`{"type":"user","sessionId":"abc","uuid":"c2","message":{"role":"user","content":"<local-command-stdout>ok</local-command-stdout>"}}`,
		`{"type":"user","sessionId":"abc","uuid":"u1","message":{"role":"user","content":"actual prompt"}}`,
	)

	s, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, "actual prompt", s.Preview)
	require.Len(t, s.Messages, 3)
}

func TestParseFilePreviewTruncation(t *testing.T) {
	long := strings.Repeat("x", 500)
	path := writeTranscript(t,
		`{"type":"user","sessionId":"abc","uuid":"u1","message":{"role":"user","content":"`+long+`"}}`,
	)

	s, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, s.Preview, 200)
	require.Len(t, s.Messages[0].Content, 500)
}

func TestParseFileAutomaticDetection(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"prefix", `[Heartbeat] AB#123 changed`, true},
		{"marker", `analyze this <!-- HEARTBEAT_SESSION --> item`, true},
		{"plain", `normal user prompt`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTranscript(t,
				`{"type":"user","sessionId":"abc","uuid":"u1","message":{"role":"user","content":"`+tt.content+`"}}`,
			)
			s, err := ParseFile(path)
			require.NoError(t, err)
			require.Equal(t, tt.want, s.IsAutomatic)
		})
	}
}

func TestParseFileNumericTimestamps(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","sessionId":"abc","uuid":"u1","timestamp":5000,"message":{"role":"user","content":"hi"}}`,
		`{"type":"user","sessionId":"abc","uuid":"u2","timestamp":"garbage","message":{"role":"user","content":"later"}}`,
	)

	s, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(5000), *s.StartedAt)
	require.Equal(t, int64(5000), *s.LastActivityAt)
	require.Nil(t, s.Messages[1].Timestamp)
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
}
