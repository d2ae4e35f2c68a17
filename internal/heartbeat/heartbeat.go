// Package heartbeat polls external work-item sources on a timer
// and launches one-shot background agent sessions for changed
// items. The resulting transcripts are picked up by the indexer
// and tagged automatic via content markers.
package heartbeat

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/shlex"
	"github.com/tidwall/gjson"

	"github.com/claudetools/history-server/internal/config"
	"github.com/claudetools/history-server/internal/db"
	"github.com/claudetools/history-server/internal/parser"
)

// changedDateField is the work-item field carrying the source
// system's change timestamp.
const changedDateField = `fields.System\.ChangedDate`

// WorkItem is one entry from a task's work-item source.
type WorkItem struct {
	ID          string
	ChangedDate string
	Raw         string
}

// Key is the watermark key for the item within a task section.
func (w WorkItem) Key(section string) string {
	return section + ":" + w.ID
}

// Result summarizes one heartbeat run.
type Result struct {
	TasksProcessed  int      `json:"tasksProcessed"`
	SessionsCreated int      `json:"sessionsCreated"`
	SessionIDs      []string `json:"sessionIds"`
	Errors          []string `json:"errors"`
}

// Status is the snapshot served by the status endpoint.
type Status struct {
	Enabled          bool                `json:"enabled"`
	IntervalMs       int64               `json:"intervalMs"`
	WorkingDirectory string              `json:"workingDirectory"`
	Watermarks       []db.HeartbeatState `json:"watermarks"`
}

// Service runs the heartbeat pipeline. Runs are serialized; a
// tick overlapping a slow run is skipped.
type Service struct {
	store *db.DB
	cfg   *config.Service

	agentBinary string

	mu      sync.Mutex
	running bool
}

func NewService(store *db.DB, cfg *config.Service) *Service {
	return &Service{
		store:       store,
		cfg:         cfg,
		agentBinary: "claude",
	}
}

// Status reports the current settings and all watermarks.
func (s *Service) Status() (Status, error) {
	settings, err := s.cfg.Heartbeat()
	if err != nil {
		return Status{}, err
	}
	watermarks, err := s.store.ListHeartbeatStates()
	if err != nil {
		return Status{}, err
	}
	if watermarks == nil {
		watermarks = []db.HeartbeatState{}
	}
	return Status{
		Enabled:          settings.Enabled,
		IntervalMs:       settings.IntervalMs,
		WorkingDirectory: settings.WorkingDirectory,
		Watermarks:       watermarks,
	}, nil
}

// RunHeartbeat executes one pass: parse the checklist, poll each
// enabled task's source, and spawn an agent for every new or
// changed item. Per-item failures accumulate without aborting the
// run. force bypasses the enabled flag.
func (s *Service) RunHeartbeat(force bool) Result {
	res := Result{SessionIDs: []string{}, Errors: []string{}}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		res.Errors = append(res.Errors, "heartbeat already running")
		return res
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	settings, err := s.cfg.Heartbeat()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if !settings.Enabled && !force {
		return res
	}
	if settings.WorkingDirectory == "" {
		res.Errors = append(res.Errors,
			"heartbeat working directory is not configured")
		return res
	}

	tasks, err := ParseChecklist(
		filepath.Join(settings.WorkingDirectory, ChecklistFile))
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	processed := 0
	for _, task := range EnabledTasks(tasks) {
		res.TasksProcessed++
		items, err := s.checkForChanges(task, settings.WorkingDirectory)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"task %q: %v", task.Description, err))
			continue
		}
		for _, item := range items {
			if settings.MaxItems > 0 && processed >= settings.MaxItems {
				log.Info("heartbeat item cap reached",
					"maxItems", settings.MaxItems)
				return res
			}
			processed++

			sessionID, err := s.runClaudeAnalysis(
				task, item, settings.WorkingDirectory)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf(
					"item %s: %v", item.ID, err))
			} else {
				res.SessionsCreated++
				res.SessionIDs = append(res.SessionIDs, sessionID)
			}

			// Watermark persists after the spawn, spawn errors
			// included. A watermark failure never reverts the spawn.
			if err := s.store.SetHeartbeatState(db.HeartbeatState{
				Key:           item.Key(task.Section),
				LastChanged:   item.ChangedDate,
				LastProcessed: time.Now().UnixMilli(),
			}); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf(
					"watermark %s: %v", item.Key(task.Section), err))
			}
		}
	}
	return res
}

// checkForChanges runs the task's work-item source command and
// diffs the returned items against stored watermarks. Only new
// and updated items are returned.
func (s *Service) checkForChanges(task Task, workDir string) ([]WorkItem, error) {
	argv, err := shlex.Split(task.Description)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("parsing source command: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("work-item source: %w", err)
	}

	parsed := gjson.ParseBytes(out)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("work-item source: expected a JSON array")
	}

	var changed []WorkItem
	var iterErr error
	parsed.ForEach(func(_, el gjson.Result) bool {
		item := WorkItem{
			ID:          el.Get("id").String(),
			ChangedDate: el.Get(changedDateField).String(),
			Raw:         el.Raw,
		}
		if item.ID == "" {
			return true
		}
		state, err := s.store.GetHeartbeatState(item.Key(task.Section))
		if err != nil {
			iterErr = err
			return false
		}
		switch {
		case state == nil:
			changed = append(changed, item)
		case state.LastChanged != item.ChangedDate:
			changed = append(changed, item)
		}
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	return changed, nil
}

// runClaudeAnalysis spawns a detached agent run for one work item
// and returns the agent-assigned session id from the first init
// line. The child keeps running after this returns.
func (s *Service) runClaudeAnalysis(task Task, item WorkItem, workDir string) (string, error) {
	prompt := fmt.Sprintf(
		"%s %s\n%s\nAnalyze the following work item from section %q"+
			" and take the appropriate action.\n\n%s",
		parser.HeartbeatPrefix, item.ID, parser.HeartbeatMarker,
		task.Section, item.Raw,
	)

	cmd := exec.Command(s.agentBinary,
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "CI=1", "TERM=dumb", "NO_COLOR=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("piping agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting agent: %w", err)
	}

	// Only the init line matters here; the rest of the run is
	// drained in the background so the child is never blocked on
	// a full pipe, and reaped so it never zombifies.
	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := reader.Read(buf); err != nil {
				break
			}
		}
		if err := cmd.Wait(); err != nil {
			log.Debug("heartbeat agent exited", "item", item.ID, "err", err)
		}
	}()
	if err != nil && line == "" {
		return "", fmt.Errorf("reading agent init line: %w", err)
	}

	sessionID := gjson.Get(line, "session_id").String()
	if sessionID == "" {
		return "", fmt.Errorf("agent init line carried no session id")
	}
	log.Info("spawned heartbeat analysis",
		"item", item.ID, "session", sessionID)
	return sessionID, nil
}
