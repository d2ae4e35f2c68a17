// Package executor runs agent subprocesses for live sessions and
// streams their output as events.
package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
)

// AgentBinary is the agent CLI invoked for live sessions.
const AgentBinary = "claude"

// EventType discriminates executor events.
type EventType int

const (
	// EventMessage is one parsed JSON line from the agent's stdout.
	EventMessage EventType = iota
	// EventError carries non-JSON stdout lines and stderr output.
	EventError
	// EventComplete is the final event, carrying the exit code.
	EventComplete
)

// Event is one unit of agent output. Exactly one EventComplete is
// emitted per execution, always last.
type Event struct {
	Type     EventType
	Message  json.RawMessage
	Text     string
	ExitCode int
}

// StartOptions configures one agent invocation.
type StartOptions struct {
	Prompt          string
	WorkingDir      string
	ResumeSessionID string
}

// SessionExecutor supervises a single agent subprocess. The
// session id is client-chosen and distinct from the id the agent
// assigns internally.
type SessionExecutor struct {
	sessionID string
	binary    string
	events    chan Event

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	exited   bool
	complete sync.Once
}

func New(sessionID string) *SessionExecutor {
	return &SessionExecutor{
		sessionID: sessionID,
		binary:    AgentBinary,
		events:    make(chan Event, 64),
	}
}

// SessionID returns the client-chosen session id.
func (e *SessionExecutor) SessionID() string { return e.sessionID }

// Events returns the event stream. The channel is closed after
// the complete event.
func (e *SessionExecutor) Events() <-chan Event { return e.events }

// Start spawns the agent. The subprocess runs non-interactively:
// stdin is closed and permission prompts are skipped.
func (e *SessionExecutor) Start(opts StartOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("session %s already started", e.sessionID)
	}

	var args []string
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	args = append(args,
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	)

	cmd := exec.Command(e.binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), "CI=1", "TERM=dumb", "NO_COLOR=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("piping stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	e.cmd = cmd
	e.started = true

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.readStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		e.readStderr(stderr)
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()

		e.mu.Lock()
		e.exited = true
		e.mu.Unlock()

		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			log.Error("waiting for agent", "session", e.sessionID, "err", err)
			code = -1
		}
		e.complete.Do(func() {
			e.events <- Event{Type: EventComplete, ExitCode: code}
			close(e.events)
		})
	}()
	return nil
}

// readStdout splits stdout on newlines. JSON lines become message
// events; anything else is surfaced as error text. Partial
// trailing lines are retained by the scanner until complete.
func (e *SessionExecutor) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if json.Valid(line) {
			msg := make(json.RawMessage, len(line))
			copy(msg, line)
			e.events <- Event{Type: EventMessage, Message: msg}
		} else {
			e.events <- Event{Type: EventError, Text: string(line)}
		}
	}
}

// readStderr forwards stderr chunks as error text events. Stderr
// output does not terminate the stream.
func (e *SessionExecutor) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.events <- Event{Type: EventError, Text: string(buf[:n])}
		}
		if err != nil {
			return
		}
	}
}

// Cancel sends SIGTERM to the agent if it is running. Idempotent;
// the resulting exit produces the complete event, no synthetic
// completion is emitted here.
func (e *SessionExecutor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.exited || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	if err := e.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug("signaling agent", "session", e.sessionID, "err", err)
	}
}
