package storage

import "sync"

// MemoryStore is an in-memory Store. It backs tests and single-process
// embeddings where cross-instance durability is not needed.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[int]func(Event)
	nextID   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]string),
		watchers: make(map[int]func(Event)),
	}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	fns := m.watcherList()
	m.mu.Unlock()
	notify(fns, Event{Key: key, NewValue: value})
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	fns := m.watcherList()
	m.mu.Unlock()
	if existed {
		notify(fns, Event{Key: key, Removed: true})
	}
	return nil
}

func (m *MemoryStore) Watch(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// watcherList snapshots watchers in registration order while holding mu.
func (m *MemoryStore) watcherList() []func(Event) {
	fns := make([]func(Event), 0, len(m.watchers))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// notify runs outside the lock so watchers may call back into the store.
func notify(fns []func(Event), ev Event) {
	for _, fn := range fns {
		fn(ev)
	}
}

// MemoryVolatile is the in-process VolatileStore.
type MemoryVolatile struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryVolatile returns an empty MemoryVolatile.
func NewMemoryVolatile() *MemoryVolatile {
	return &MemoryVolatile{values: make(map[string]string)}
}

func (m *MemoryVolatile) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryVolatile) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *MemoryVolatile) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}
