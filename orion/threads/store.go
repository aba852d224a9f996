package threads

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrThreadNotFound = errors.New("thread not found")

const (
	filePrefix = "thread_"
	fileSuffix = ".json"
	maxSuffix  = 1000
)

// Summary is the List view of a stored thread.
type Summary struct {
	ID        string    `json:"thread_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Store keeps threads as thread_<id>.json files in one directory.
type Store struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{dir: dir, logger: logger.With().Str("component", "thread_store").Logger()}
}

func (s *Store) Dir() string { return s.dir }

// NewID derives a thread id from the completion time.
func NewID(at time.Time) string {
	return at.Format(IDLayout)
}

// PathFor returns the file a thread id is stored in.
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.dir, filePrefix+id+fileSuffix)
}

// Save writes the thread exactly once. When the id is taken a numeric suffix
// is appended and t.ID is updated to the id actually written.
func (s *Store) Save(t *Thread) (string, error) {
	if t == nil || t.ID == "" {
		return "", fmt.Errorf("%w: thread id is required", ErrMalformedThread)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create threads directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := t.ID
	for i := 1; i <= maxSuffix; i++ {
		id := base
		if i > 1 {
			id = fmt.Sprintf("%s_%d", base, i)
		}
		path := s.PathFor(id)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create thread file: %w", err)
		}

		t.ID = id
		data, err := json.MarshalIndent(t, "", "  ")
		if err == nil {
			_, err = f.Write(data)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			t.ID = base
			return "", fmt.Errorf("failed to write thread %s: %w", id, err)
		}

		s.logger.Info().Str("thread_id", id).Int("turns", len(t.Turns)).Msg("Thread saved")
		return path, nil
	}
	return "", fmt.Errorf("no free file name for thread %s", base)
}

// Replace overwrites the thread stored under t.ID, creating it when it does
// not exist yet. Readers never see a partly written file.
func (s *Store) Replace(t *Thread) (string, error) {
	if t == nil || t.ID == "" {
		return "", fmt.Errorf("%w: thread id is required", ErrMalformedThread)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create threads directory: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode thread %s: %w", t.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PathFor(t.ID)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to write thread %s: %w", t.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write thread %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write thread %s: %w", t.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to replace thread %s: %w", t.ID, err)
	}

	s.logger.Info().Str("thread_id", t.ID).Int("turns", len(t.Turns)).Msg("Thread updated")
	return path, nil
}

// Load reads the thread stored under id.
func (s *Store) Load(id string) (*Thread, error) {
	return s.LoadFile(s.PathFor(id))
}

// LoadFile reads a thread file from any location.
func (s *Store) LoadFile(path string) (*Thread, error) {
	return LoadFile(path)
}

// LoadFile reads and decodes one thread file.
func LoadFile(path string) (*Thread, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &t, nil
}

// List returns the stored threads, newest first. Unreadable files are
// logged and skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		t, err := s.LoadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unreadable thread")
			continue
		}
		out = append(out, Summary{ID: t.ID, Path: path, CreatedAt: t.CreatedAt, Metadata: t.Metadata})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Files returns the paths of every thread file in the directory, sorted by
// name.
func (s *Store) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
