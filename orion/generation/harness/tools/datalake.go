package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Record is one entry of a dataset. Datasets are free-form JSON, so records
// stay untyped and accessors read the fields they filter on.
type Record = map[string]any

// Dataset file names inside the data lake directory.
const (
	CalendarFile     = "calendar.json"
	CodeContextsFile = "code_contexts.json"
	EmailsFile       = "emails.json"
	RepoFile         = "github_repo_alignment.json"
	FilesystemFile   = "local_filesystem.json"
	RestaurantsFile  = "restaurant.json"
	SystemLogsFile   = "system_logs.json"
	TransactionsFile = "transactions.json"
)

// Owner is the default attendee of events created through the calendar tool.
type Owner struct {
	Email string
	Name  string
}

// DataLake reads the JSON datasets behind the tools. Files are re-read on
// every call so edits made outside the process are visible. Each file has its
// own lock; the calendar writer holds it across read, append and rewrite.
type DataLake struct {
	dir   string
	owner Owner
	now   func() string

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

type Option func(*DataLake)

func WithOwner(email, name string) Option {
	return func(d *DataLake) { d.owner = Owner{Email: email, Name: name} }
}

func NewDataLake(dir string, opts ...Option) *DataLake {
	d := &DataLake{
		dir:   dir,
		owner: Owner{Email: "me@localhost", Name: "Me"},
		now:   nowRFC3339,
		locks: make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DataLake) Dir() string { return d.dir }

func (d *DataLake) lock(file string) *sync.RWMutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[file]
	if !ok {
		l = &sync.RWMutex{}
		d.locks[file] = l
	}
	return l
}

// read decodes a dataset file under its read lock.
func (d *DataLake) read(file string, v any) error {
	l := d.lock(file)
	l.RLock()
	defer l.RUnlock()
	return d.readUnlocked(file, v)
}

func (d *DataLake) readUnlocked(file string, v any) error {
	data, err := os.ReadFile(filepath.Join(d.dir, file))
	if err != nil {
		return fmt.Errorf("dataset %s unavailable: %w", file, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dataset %s is malformed: %w", file, err)
	}
	return nil
}

// writeUnlocked replaces a dataset file atomically. Callers hold the write lock.
func (d *DataLake) writeUnlocked(file string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(d.dir, file)
	tmp, err := os.CreateTemp(d.dir, "."+file+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", file, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", file, err)
	}
	return os.Rename(tmp.Name(), path)
}

// records loads the array stored under key in a dataset file.
func (d *DataLake) records(file, key string) ([]Record, error) {
	var doc map[string][]Record
	if err := d.read(file, &doc); err != nil {
		return nil, err
	}
	return doc[key], nil
}

func str(r Record, key string) string {
	s, _ := r[key].(string)
	return s
}

func num(r Record, key string) float64 {
	f, _ := r[key].(float64)
	return f
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// filter returns the matching records, never nil, so empty results encode
// as [].
func filter(in []Record, keep func(Record) bool) []Record {
	out := make([]Record, 0)
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func first(in []Record, match func(Record) bool) Record {
	for _, r := range in {
		if match(r) {
			return r
		}
	}
	return nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("invalid arguments: %w", err)
	}
	return params, nil
}
