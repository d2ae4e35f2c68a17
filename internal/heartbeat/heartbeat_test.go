package heartbeat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/claudetools/history-server/internal/config"
	"github.com/claudetools/history-server/internal/db"
)

func TestParseChecklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), ChecklistFile)
	require.NoError(t, os.WriteFile(path, []byte(`# Heartbeat tasks

## Bugs
- [x] cat bugs.json
- [ ] cat stale-bugs.json
some prose that is ignored

## Features
- [x] cat features.json
`), 0o644))

	tasks, err := ParseChecklist(path)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, Task{"Bugs", "cat bugs.json", true}, tasks[0])
	require.Equal(t, Task{"Bugs", "cat stale-bugs.json", false}, tasks[1])
	require.Equal(t, Task{"Features", "cat features.json", true}, tasks[2])
	require.Len(t, EnabledTasks(tasks), 2)
}

func TestParseChecklistMissing(t *testing.T) {
	_, err := ParseChecklist(filepath.Join(t.TempDir(), ChecklistFile))
	require.Error(t, err)
}

func testService(t *testing.T, workDir string) *Service {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.NewService(t.TempDir())
	require.NoError(t, cfg.UpdateSection(config.SectionHeartbeat,
		map[string]any{
			"enabled":          true,
			"workingDirectory": workDir,
		}))
	return NewService(store, cfg)
}

// fakeAgent puts a stand-in agent binary at the front of PATH that
// prints an init line naming a fixed session id.
func fakeAgent(t *testing.T, sessionID string) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\n" +
		`echo '{"type":"system","subtype":"init","session_id":"` +
		sessionID + `"}'` + "\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "claude"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func seedWorkDir(t *testing.T, items string) string {
	t.Helper()
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(workDir, ChecklistFile),
		[]byte("## Bugs\n- [x] cat items.json\n"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(workDir, "items.json"), []byte(items), 0o644))
	return workDir
}

const twoItems = `[
	{"id": 101, "fields": {"System.ChangedDate": "2026-08-20T10:00:00Z"}},
	{"id": 102, "fields": {"System.ChangedDate": "2026-08-21T11:00:00Z"}}
]`

func TestRunHeartbeatDisabled(t *testing.T) {
	svc := testService(t, seedWorkDir(t, twoItems))
	require.NoError(t, svc.cfg.UpdateSection(config.SectionHeartbeat,
		map[string]any{"enabled": false}))

	res := svc.RunHeartbeat(false)
	require.Equal(t, 0, res.TasksProcessed)
	require.Empty(t, res.SessionIDs)
	require.Empty(t, res.Errors)
}

func TestRunHeartbeatSpawnsForChangedItems(t *testing.T) {
	fakeAgent(t, "hb-session-1")
	workDir := seedWorkDir(t, twoItems)
	svc := testService(t, workDir)

	res := svc.RunHeartbeat(false)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.TasksProcessed)
	require.Equal(t, 2, res.SessionsCreated)
	require.Equal(t, []string{"hb-session-1", "hb-session-1"}, res.SessionIDs)

	state, err := svc.store.GetHeartbeatState("Bugs:101")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, "2026-08-20T10:00:00Z", state.LastChanged)

	// Unchanged items are skipped on the next run.
	res = svc.RunHeartbeat(false)
	require.Empty(t, res.Errors)
	require.Equal(t, 0, res.SessionsCreated)

	// A moved change date reprocesses just that item.
	require.NoError(t, os.WriteFile(
		filepath.Join(workDir, "items.json"), []byte(`[
			{"id": 101, "fields": {"System.ChangedDate": "2026-08-22T09:00:00Z"}},
			{"id": 102, "fields": {"System.ChangedDate": "2026-08-21T11:00:00Z"}}
		]`), 0o644))
	res = svc.RunHeartbeat(false)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.SessionsCreated)
}

func TestRunHeartbeatForceOverridesDisabled(t *testing.T) {
	fakeAgent(t, "hb-forced")
	svc := testService(t, seedWorkDir(t, twoItems))
	require.NoError(t, svc.cfg.UpdateSection(config.SectionHeartbeat,
		map[string]any{"enabled": false}))

	res := svc.RunHeartbeat(true)
	require.Empty(t, res.Errors)
	require.Equal(t, 2, res.SessionsCreated)
}

func TestRunHeartbeatMaxItems(t *testing.T) {
	fakeAgent(t, "hb-capped")
	svc := testService(t, seedWorkDir(t, twoItems))
	require.NoError(t, svc.cfg.UpdateSection(config.SectionHeartbeat,
		map[string]any{"maxItems": float64(1)}))

	res := svc.RunHeartbeat(false)
	require.Equal(t, 1, res.SessionsCreated)
}

func TestRunHeartbeatSourceFailure(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(workDir, ChecklistFile),
		[]byte("## Bugs\n- [x] false\n"), 0o644))
	svc := testService(t, workDir)

	res := svc.RunHeartbeat(false)
	require.Equal(t, 1, res.TasksProcessed)
	require.Equal(t, 0, res.SessionsCreated)
	require.Len(t, res.Errors, 1)
}

func TestRunHeartbeatMissingChecklist(t *testing.T) {
	svc := testService(t, t.TempDir())
	res := svc.RunHeartbeat(false)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "checklist")
}

func TestStatus(t *testing.T) {
	svc := testService(t, "/work")
	require.NoError(t, svc.store.SetHeartbeatState(db.HeartbeatState{
		Key: "Bugs:101", LastChanged: "x", LastProcessed: 1,
	}))

	st, err := svc.Status()
	require.NoError(t, err)
	require.True(t, st.Enabled)
	require.Equal(t, "/work", st.WorkingDirectory)
	require.Len(t, st.Watermarks, 1)
}
