// Package indexer walks the transcript root and keeps the search
// index in sync with transcript files on disk.
package indexer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/claudetools/history-server/internal/db"
	"github.com/claudetools/history-server/internal/parser"
)

const titleIndexFile = "sessions-index.json"

// Result summarizes one indexing pass.
type Result struct {
	Indexed     int   `json:"indexed"`
	Skipped     int   `json:"skipped"`
	CompletedAt int64 `json:"completedAt"`
}

// Indexer ingests transcript files into the store. All indexing
// runs are serialized through one mutex; reads against the store
// proceed concurrently.
type Indexer struct {
	store *db.DB
	root  string

	mu   sync.Mutex
	last Result
}

func New(store *db.DB, root string) *Indexer {
	return &Indexer{store: store, root: root}
}

// Root returns the transcript root directory being indexed.
func (ix *Indexer) Root() string { return ix.root }

// LastResult returns the outcome of the most recent pass.
func (ix *Indexer) LastResult() Result {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.last
}

// skipStem reports whether a filename stem names a non-session
// file (sub-agent transcripts and the title index).
func skipStem(stem string) bool {
	return strings.HasPrefix(stem, "agent-") || stem == "sessions-index"
}

// IndexAll walks every project directory under the root and
// indexes each transcript file. Per-file errors are logged and
// counted as skipped; they never abort the pass.
func (ix *Indexer) IndexAll(force bool) (Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	res := Result{}
	entries, err := os.ReadDir(ix.root)
	if err != nil {
		if os.IsNotExist(err) {
			// No transcripts yet. Not an error; the watcher will
			// pick the directory up once it appears.
			ix.last = finish(res)
			return ix.last, nil
		}
		return res, fmt.Errorf("reading transcript root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projectDir := filepath.Join(ix.root, entry.Name())
		titles := loadTitleMap(projectDir)

		files, err := os.ReadDir(projectDir)
		if err != nil {
			log.Error("reading project directory",
				"dir", projectDir, "err", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			path := filepath.Join(projectDir, f.Name())
			indexed, err := ix.indexFileLocked(
				path, entry.Name(), titles, force,
			)
			if err != nil {
				log.Error("indexing transcript", "path", path, "err", err)
				res.Skipped++
				continue
			}
			if indexed {
				res.Indexed++
			} else {
				res.Skipped++
			}
		}
	}

	ix.last = finish(res)
	return ix.last, nil
}

// IndexFile indexes a single transcript file, typically on behalf
// of the file watcher. Reports whether the file was (re)indexed.
func (ix *Indexer) IndexFile(path string, force bool) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	projectDir := filepath.Dir(path)
	titles := loadTitleMap(projectDir)
	return ix.indexFileLocked(
		path, filepath.Base(projectDir), titles, force,
	)
}

func (ix *Indexer) indexFileLocked(
	path, project string, titles map[string]string, force bool,
) (bool, error) {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if skipStem(stem) {
		return false, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat transcript: %w", err)
	}
	if !force {
		if lastIndexed, ok := ix.store.GetSessionLastIndexed(stem); ok {
			if fi.ModTime().UnixMilli() <= lastIndexed {
				return false, nil
			}
		}
	}

	parsed, err := parser.ParseFile(path)
	if err != nil {
		return false, err
	}
	if parsed.SessionID == "" || len(parsed.Messages) == 0 {
		return false, nil
	}

	// The transcript's recorded working directory is the project;
	// the directory name is a munged fallback for transcripts that
	// never carried a cwd.
	if parsed.Project != "" {
		project = parsed.Project
	}

	var title *string
	if t, ok := titles[stem]; ok && t != "" {
		title = &t
	}

	rec := db.SessionRecord{
		Session: db.Session{
			ID:             stem,
			Project:        project,
			StartedAt:      parsed.StartedAt,
			LastActivityAt: parsed.LastActivityAt,
			Preview:        parsed.Preview,
			Title:          title,
			LastIndexed:    time.Now().UnixMilli(),
			IsAutomatic:    parsed.IsAutomatic,
			IsUnread:       parsed.IsAutomatic,
		},
	}
	for _, m := range parsed.Messages {
		rec.Messages = append(rec.Messages, db.Message{
			UUID:      m.UUID,
			SessionID: stem,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	if err := ix.store.IndexSession(rec); err != nil {
		return false, err
	}
	return true, nil
}

// loadTitleMap reads the optional per-project title index. A
// missing or malformed file yields an empty map.
func loadTitleMap(projectDir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(projectDir, titleIndexFile))
	if err != nil {
		return map[string]string{}
	}
	var titles map[string]string
	if err := json.Unmarshal(data, &titles); err != nil {
		log.Error("malformed title index", "dir", projectDir, "err", err)
		return map[string]string{}
	}
	return titles
}

func finish(res Result) Result {
	res.CompletedAt = time.Now().UnixMilli()
	return res
}
