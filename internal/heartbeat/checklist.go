package heartbeat

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ChecklistFile is the task list read from the heartbeat working
// directory.
const ChecklistFile = "HEARTBEAT.md"

// Task is one checklist entry. The description doubles as the
// work-item source command line for the task.
type Task struct {
	Section     string
	Description string
	Enabled     bool
}

// ParseChecklist reads a markdown checklist. Sections are `##`
// headings; `- [x]` entries are enabled tasks, `- [ ]` disabled.
// Everything else is ignored.
func ParseChecklist(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checklist: %w", err)
	}
	defer f.Close()

	var tasks []Task
	section := ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "## "):
			section = strings.TrimSpace(strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "- [x] "):
			tasks = append(tasks, Task{
				Section:     section,
				Description: strings.TrimSpace(line[len("- [x] "):]),
				Enabled:     true,
			})
		case strings.HasPrefix(line, "- [ ] "):
			tasks = append(tasks, Task{
				Section:     section,
				Description: strings.TrimSpace(line[len("- [ ] "):]),
				Enabled:     false,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checklist: %w", err)
	}
	return tasks, nil
}

// EnabledTasks filters a checklist down to its enabled entries.
func EnabledTasks(tasks []Task) []Task {
	var out []Task
	for _, t := range tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}
