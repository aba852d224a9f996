package learned

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of the skill library at one version.
type Snapshot struct {
	Version uint64
	Tools   map[string]ToolDefinition
}

func (s *Snapshot) Get(name string) (ToolDefinition, bool) {
	def, ok := s.Tools[name]
	return def, ok
}

func (s *Snapshot) Len() int { return len(s.Tools) }

// Names returns the tool names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tools sorted by name.
func (s *Snapshot) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(s.Tools))
	for _, name := range s.Names() {
		out = append(out, s.Tools[name])
	}
	return out
}

// Store is the read-mostly skill library backed by one JSON file. Readers
// take snapshots without locking; writers serialize on mu around the
// read, compute and write of the file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	subsMu sync.RWMutex
	subs   map[int]func(*Snapshot)
	nextID int
}

// Open loads the tools file. A missing file is an empty library.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.With().Str("component", "learned_store").Logger(),
		subs:   make(map[int]func(*Snapshot)),
	}
	tools, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.current.Store(&Snapshot{Version: 0, Tools: tools})
	s.logger.Debug().Str("path", path).Int("tools", len(tools)).Msg("Learned tools loaded")
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Snapshot returns the current library. The result must not be modified.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

func (s *Store) Version() uint64 { return s.current.Load().Version }

// OnChange registers fn to run after every version change. The returned
// function removes the subscription.
func (s *Store) OnChange(fn func(*Snapshot)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Update is the single write path. fn receives a private copy of the library
// as currently on disk and reports whether it changed anything. Changes are
// written atomically, published as a new version and announced.
func (s *Store) Update(fn func(tools map[string]ToolDefinition) (bool, error)) error {
	snap, err := s.update(fn)
	if err != nil || snap == nil {
		return err
	}
	s.notify(snap)
	return nil
}

func (s *Store) update(fn func(tools map[string]ToolDefinition) (bool, error)) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools, err := s.readFile()
	if err != nil {
		return nil, err
	}
	changed, err := fn(tools)
	if err != nil || !changed {
		return nil, err
	}
	for name, def := range tools {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if name != def.ToolName {
			return nil, fmt.Errorf("%w: key %q holds %q", ErrInvalidDefinition, name, def.ToolName)
		}
	}
	data, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := s.writeFile(data); err != nil {
		return nil, err
	}
	// Publish what a reader of the file will see so a later Reload of our own
	// write is not a change.
	written, err := decode(data)
	if err != nil {
		return nil, err
	}
	return s.publish(written), nil
}

// Upsert stores def under its name, replacing any previous definition.
func (s *Store) Upsert(def ToolDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return s.Update(func(tools map[string]ToolDefinition) (bool, error) {
		tools[def.ToolName] = def.clone()
		return true, nil
	})
}

// Delete removes a tool. Deleting an unknown name is a no-op.
func (s *Store) Delete(name string) error {
	return s.Update(func(tools map[string]ToolDefinition) (bool, error) {
		if _, ok := tools[name]; !ok {
			return false, nil
		}
		delete(tools, name)
		return true, nil
	})
}

// Reload re-reads the whole file and publishes a new version only when the
// content differs from the current snapshot.
func (s *Store) Reload() (bool, error) {
	snap, err := s.reload()
	if err != nil || snap == nil {
		return false, err
	}
	s.notify(snap)
	return true, nil
}

func (s *Store) reload() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools, err := s.readFile()
	if err != nil {
		return nil, err
	}
	if reflect.DeepEqual(tools, s.current.Load().Tools) {
		return nil, nil
	}
	return s.publish(tools), nil
}

// publish swaps in a new snapshot. Callers hold mu.
func (s *Store) publish(tools map[string]ToolDefinition) *Snapshot {
	snap := &Snapshot{Version: s.current.Load().Version + 1, Tools: tools}
	s.current.Store(snap)
	s.logger.Info().Uint64("version", snap.Version).Int("tools", len(tools)).Msg("Learned tools updated")
	return snap
}

func (s *Store) notify(snap *Snapshot) {
	s.subsMu.RLock()
	subs := make([]func(*Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) readFile() (map[string]ToolDefinition, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]ToolDefinition), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file: %w", err)
	}
	tools, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tools file %s: %w", s.path, err)
	}
	return tools, nil
}

func decode(data []byte) (map[string]ToolDefinition, error) {
	tools := make(map[string]ToolDefinition)
	if len(data) == 0 {
		return tools, nil
	}
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, err
	}
	if tools == nil {
		tools = make(map[string]ToolDefinition)
	}
	return tools, nil
}

func (s *Store) writeFile(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tools directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write tools file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write tools file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write tools file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace tools file: %w", err)
	}
	return nil
}
