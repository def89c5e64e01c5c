package storage

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultPollInterval = 500 * time.Millisecond

// FileStore is a durable Store backed by a single JSON file, shared between
// application instances the way browser localStorage is shared between tabs.
// Writes are atomic (write temp file, rename). A polling watcher surfaces
// writes made by other processes as Events.
type FileStore struct {
	path string

	mu       sync.Mutex
	values   map[string]string
	watchers map[int]func(Event)
	nextID   int

	pollInterval time.Duration
	stopPoll     chan struct{}
	pollOnce     sync.Once
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithPollInterval overrides how often the backing file is checked for
// out-of-process changes (primarily for tests).
func WithPollInterval(d time.Duration) FileStoreOption {
	return func(fs *FileStore) {
		fs.pollInterval = d
	}
}

// NewFileStore opens (or creates) the store at path.
func NewFileStore(path string, options ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		path:         path,
		values:       make(map[string]string),
		watchers:     make(map[int]func(Event)),
		pollInterval: defaultPollInterval,
		stopPoll:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		// A corrupt store file is treated as empty rather than fatal; the
		// auth layer re-authenticates when its keys are missing.
		return nil
	}
	s.values = values
	return nil
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	err := s.persistLocked()
	fns := s.watcherList()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify(fns, Event{Key: key, NewValue: value})
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	err := s.persistLocked()
	fns := s.watcherList()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if existed {
		notify(fns, Event{Key: key, Removed: true})
	}
	return nil
}

func (s *FileStore) Watch(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	// First watcher starts the cross-process poll loop.
	s.pollOnce.Do(func() { go s.pollLoop() })

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// Close stops the poll loop. Safe to call once.
func (s *FileStore) Close() {
	select {
	case <-s.stopPoll:
	default:
		close(s.stopPoll)
	}
}

func (s *FileStore) watcherList() []func(Event) {
	fns := make([]func(Event), 0, len(s.watchers))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// pollLoop re-reads the backing file and synthesizes Events for keys another
// process changed. This stands in for the browser's storage event.
func (s *FileStore) pollLoop() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPoll:
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

func (s *FileStore) reconcile() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	fresh := make(map[string]string)
	if err := json.Unmarshal(data, &fresh); err != nil {
		return
	}

	s.mu.Lock()
	var events []Event
	for key, newVal := range fresh {
		if oldVal, ok := s.values[key]; !ok || oldVal != newVal {
			events = append(events, Event{Key: key, NewValue: newVal})
		}
	}
	for key := range s.values {
		if _, ok := fresh[key]; !ok {
			events = append(events, Event{Key: key, Removed: true})
		}
	}
	s.values = fresh
	fns := s.watcherList()
	s.mu.Unlock()

	for _, ev := range events {
		notify(fns, ev)
	}
}
