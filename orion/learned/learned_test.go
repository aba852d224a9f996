package learned

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func sampleDefinition(name string) ToolDefinition {
	return ToolDefinition{
		ToolName:                 name,
		Objective:                "Gather schedule context before proposing a meeting time",
		TriggerPatterns:          []string{"schedule", "find time"},
		OptimizedSystemPrompt:    "Check availability, then summarise. Ask the user rather than guess.",
		ToolSequence:             []string{"check_time_availability", "get_events_by_timeframe"},
		MaxInternalTurns:         2,
		CreatedAt:                "2024-01-22T10:00:00Z",
		SourceWorkflowComplexity: 7,
	}
}

// TestValidate tests the structural checks on definitions
func TestValidate(t *testing.T) {
	assert.NoError(t, sampleDefinition("schedule_context_gatherer").Validate())

	bad := []ToolDefinition{
		{},
		{ToolName: "x", ToolSequence: []string{"a"}},
		{ToolName: "x", OptimizedSystemPrompt: "p"},
		{ToolName: "x", OptimizedSystemPrompt: "p", ToolSequence: []string{"a"}, MaxInternalTurns: 4},
	}
	for i, def := range bad {
		assert.ErrorIs(t, def.Validate(), ErrInvalidDefinition, "case %d", i)
	}
}

// TestTurns tests the sub-loop bound clamping
func TestTurns(t *testing.T) {
	def := sampleDefinition("x")
	assert.Equal(t, 2, def.Turns(3))
	def.MaxInternalTurns = 0
	assert.Equal(t, 3, def.Turns(3))
	assert.Equal(t, 3, def.Turns(10))
	assert.Equal(t, 1, def.Turns(-1))
}

// TestStoreUpsertAndVersioning tests persistence, version bumps and notifications
func TestStoreUpsertAndVersioning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new_tools.json")
	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), store.Version())
	assert.Equal(t, 0, store.Snapshot().Len())

	var seen []uint64
	unsubscribe := store.OnChange(func(s *Snapshot) { seen = append(seen, s.Version) })

	before := store.Snapshot()
	require.NoError(t, store.Upsert(sampleDefinition("schedule_context_gatherer")))
	require.NoError(t, store.Upsert(sampleDefinition("expense_reviewer")))

	// Old snapshots are never mutated
	assert.Equal(t, 0, before.Len())

	snap := store.Snapshot()
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, []string{"expense_reviewer", "schedule_context_gatherer"}, snap.Names())
	assert.Equal(t, []uint64{1, 2}, seen)

	// The file is the plain name -> definition mapping
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "schedule_context_gatherer", onDisk["schedule_context_gatherer"]["tool_name"])
	assert.EqualValues(t, 7, onDisk["schedule_context_gatherer"]["source_workflow_complexity"])

	// Reloading our own write is not a change
	changed, err := store.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(2), store.Version())

	unsubscribe()
	require.NoError(t, store.Delete("expense_reviewer"))
	require.NoError(t, store.Delete("missing"))
	assert.Equal(t, uint64(3), store.Version())
	assert.Len(t, seen, 2)

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"schedule_context_gatherer"}, reopened.Snapshot().Names())
}

// TestStoreRejectsInvalid tests that invalid definitions never reach disk
func TestStoreRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	err = store.Upsert(ToolDefinition{ToolName: "empty"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	err = store.Update(func(tools map[string]ToolDefinition) (bool, error) {
		tools["alias"] = sampleDefinition("other")
		return true, nil
	})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, uint64(0), store.Version())
}

// TestReloadPicksUpExternalWrites tests that another writer's changes become a new version
func TestReloadPicksUpExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	data, err := json.Marshal(map[string]ToolDefinition{"log_triager": sampleDefinition("log_triager")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	changed, err := store.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(1), store.Version())
	_, ok := store.Snapshot().Get("log_triager")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = store.Reload()
	assert.Error(t, err)
	assert.Equal(t, uint64(1), store.Version())
}

// TestConcurrentUpserts tests that concurrent writers do not lose updates
func TestConcurrentUpserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Upsert(sampleDefinition(fmt.Sprintf("tool_%02d", i))))
			_ = store.Snapshot().Len()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, writers, store.Snapshot().Len())
	assert.Equal(t, uint64(writers), store.Version())

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, writers, reopened.Snapshot().Len())
}

// TestWatcherReloadsOnRewrite tests the fsnotify reload path and goroutine cleanup
func TestWatcherReloadsOnRewrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	// A second store on the same file plays the other process
	other, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	changed := make(chan uint64, 4)
	store.OnChange(func(s *Snapshot) { changed <- s.Version })

	w, err := NewWatcher(store, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	w.Start(context.Background())

	require.NoError(t, other.Upsert(sampleDefinition("repo_investigator")))

	select {
	case v := <-changed:
		assert.Equal(t, uint64(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the store")
	}
	_, ok := store.Snapshot().Get("repo_investigator")
	assert.True(t, ok)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestWatcherStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, err := Open(filepath.Join(t.TempDir(), "tools.json"), zerolog.Nop())
	require.NoError(t, err)
	w, err := NewWatcher(store, 0, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
