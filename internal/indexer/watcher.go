package indexer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultQuiescence is how long a transcript file must be quiet
// before it is reindexed. Transcripts are appended to in bursts
// while a session runs; indexing mid-burst wastes work.
const DefaultQuiescence = 2 * time.Second

const flushTick = 500 * time.Millisecond

// Watcher reindexes individual transcript files as they change on
// disk. Events are debounced per file until write quiescence.
type Watcher struct {
	ix         *Indexer
	fw         *fsnotify.Watcher
	quiescence time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// StartWatcher begins watching the indexer's transcript root and
// all existing project directories beneath it. New project
// directories are picked up as they are created.
func StartWatcher(ix *Indexer, quiescence time.Duration) (*Watcher, error) {
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		ix:         ix,
		fw:         fw,
		quiescence: quiescence,
		pending:    map[string]time.Time{},
		done:       make(chan struct{}),
	}

	if err := fw.Add(ix.Root()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching transcript root: %w", err)
	}
	entries, err := os.ReadDir(ix.Root())
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dir := filepath.Join(ix.Root(), e.Name())
				if err := fw.Add(dir); err != nil {
					log.Error("watching project directory",
						"dir", dir, "err", err)
				}
			}
		}
	}

	go w.loop()
	return w, nil
}

// Running reports whether the watcher is still active.
func (w *Watcher) Running() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Error("file watcher", "err", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}

	// A new project directory appears once per project; watch it
	// so its transcripts generate events too. Files written before
	// the watch took effect are enqueued here rather than missed.
	if event.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.fw.Add(event.Name); err != nil {
				log.Error("watching new project directory",
					"dir", event.Name, "err", err)
			}
			entries, err := os.ReadDir(event.Name)
			if err != nil {
				return
			}
			now := time.Now()
			w.mu.Lock()
			for _, e := range entries {
				name := filepath.Join(event.Name, e.Name())
				stem := strings.TrimSuffix(e.Name(), ".jsonl")
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") &&
					!skipStem(stem) {
					w.pending[name] = now
				}
			}
			w.mu.Unlock()
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	stem := strings.TrimSuffix(filepath.Base(event.Name), ".jsonl")
	if skipStem(stem) {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flush indexes every pending file that has been quiet for at
// least the quiescence window.
func (w *Watcher) flush() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.quiescence {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if _, err := w.ix.IndexFile(path, false); err != nil {
			log.Error("reindexing changed transcript",
				"path", path, "err", err)
		} else {
			log.Debug("reindexed changed transcript", "path", path)
		}
	}
}
