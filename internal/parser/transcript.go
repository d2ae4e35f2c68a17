// Package parser streams Claude Code transcript files (JSONL) into
// a normalized session model.
package parser

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
)

const (
	// previewMaxLen caps the session preview length in runes.
	previewMaxLen = 200

	initialBufSize = 64 * 1024
	maxLineSize    = 20 * 1024 * 1024
)

// Markers used by the heartbeat pipeline to tag its sessions.
// Detection is post-hoc from content, so transcripts need no
// schema change.
const (
	HeartbeatPrefix = "[Heartbeat]"
	HeartbeatMarker = "<!-- HEARTBEAT_SESSION -->"
)

// ParsedSession is the normalized projection of one transcript
// file. Timestamps are millisecond epochs.
type ParsedSession struct {
	SessionID      string
	Project        string
	StartedAt      *int64
	LastActivityAt *int64
	Preview        string
	IsAutomatic    bool
	Messages       []ParsedMessage
}

// ParsedMessage is one user or assistant turn.
type ParsedMessage struct {
	UUID      string
	Role      string
	Content   string
	Timestamp *int64
}

// ParseFile streams a transcript file line by line and produces a
// ParsedSession. Unparseable lines are skipped, not fatal; only
// failure to read the file itself returns an error.
func ParseFile(path string) (*ParsedSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	session := &ParsedSession{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialBufSize), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			log.Debug("skipping malformed transcript line",
				"path", path, "line", lineNo)
			continue
		}
		parseLine(session, line, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}

	session.IsAutomatic = detectAutomatic(session)
	return session, nil
}

func parseLine(session *ParsedSession, line []byte, lineNo int) {
	entryType := gjson.GetBytes(line, "type").String()
	if entryType != "user" && entryType != "assistant" {
		return
	}

	if session.SessionID == "" {
		session.SessionID = gjson.GetBytes(line, "sessionId").String()
	}
	if session.Project == "" {
		session.Project = gjson.GetBytes(line, "cwd").String()
	}

	if gjson.GetBytes(line, "isMeta").Bool() {
		return
	}

	content := extractContent(gjson.GetBytes(line, "message.content"))
	if content == "" {
		return
	}

	role := gjson.GetBytes(line, "message.role").String()
	if role == "" {
		role = entryType
	}

	ts := parseTimestamp(gjson.GetBytes(line, "timestamp"))
	if ts != nil {
		if session.StartedAt == nil || *ts < *session.StartedAt {
			session.StartedAt = ts
		}
		if session.LastActivityAt == nil || *ts > *session.LastActivityAt {
			session.LastActivityAt = ts
		}
	}

	uuid := gjson.GetBytes(line, "uuid").String()
	if uuid == "" {
		uuid = fmt.Sprintf("line-%d", lineNo)
	}

	if session.Preview == "" && role == "user" && !isCommandMessage(content) {
		session.Preview = truncate(content, previewMaxLen)
	}

	session.Messages = append(session.Messages, ParsedMessage{
		UUID:      uuid,
		Role:      role,
		Content:   content,
		Timestamp: ts,
	})
}

// extractContent handles both content shapes: a plain string, or
// an array of typed blocks of which only text blocks contribute.
func extractContent(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.String()
	}
	if !res.IsArray() {
		return ""
	}
	var parts []string
	res.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if text := block.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// parseTimestamp accepts RFC 3339 strings or numeric millisecond
// epochs and normalizes to milliseconds.
func parseTimestamp(res gjson.Result) *int64 {
	switch res.Type {
	case gjson.String:
		t, err := time.Parse(time.RFC3339, res.String())
		if err != nil {
			return nil
		}
		ms := t.UnixMilli()
		return &ms
	case gjson.Number:
		ms := res.Int()
		return &ms
	}
	return nil
}

// isCommandMessage reports whether content is a slash-command
// artifact rather than user prose.
func isCommandMessage(content string) bool {
	return strings.HasPrefix(content, "<command-name>") ||
		strings.HasPrefix(content, "<local-command")
}

func detectAutomatic(s *ParsedSession) bool {
	candidates := []string{s.Preview}
	if len(s.Messages) > 0 {
		candidates = append(candidates, s.Messages[0].Content)
	}
	for _, c := range candidates {
		if strings.HasPrefix(c, HeartbeatPrefix) ||
			strings.Contains(c, HeartbeatMarker) {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
