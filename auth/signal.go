package auth

import "sync"

// Signal is a minimal observable value: subscribers receive the current
// value on subscription and every subsequent Set, synchronously and in
// registration order. Enough reactive surface for auth state and session
// warnings without pulling in a streaming library.
type Signal[T any] struct {
	// deliver serializes whole Set sequences (store + notify), so
	// notifications for one Set never interleave with another's and the
	// last delivery always matches the current value. Kept separate from
	// mu so Get and Subscribe stay callable from inside a callback.
	deliver sync.Mutex

	mu      sync.Mutex
	current T
	subs    map[int]func(T)
	nextID  int
}

// NewSignal returns a Signal holding initial.
func NewSignal[T any](initial T) *Signal[T] {
	return &Signal[T]{
		current: initial,
		subs:    make(map[int]func(T)),
	}
}

// Get returns the current value.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set stores v and notifies all subscribers before returning. Notifications
// for one Set never interleave with another: callers are serialized for the
// whole store-and-notify sequence, so concurrent setters cannot leave a
// subscriber's last observation disagreeing with Get. A callback must not
// call Set on the signal it observes; hand re-entrant updates to another
// goroutine.
func (s *Signal[T]) Set(v T) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	s.current = v
	fns := s.snapshot()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Subscribe registers fn and immediately delivers the current value. The
// returned function unsubscribes and is safe to call more than once.
func (s *Signal[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	current := s.current
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// snapshot returns subscribers in registration order; callers hold mu.
func (s *Signal[T]) snapshot() []func(T) {
	fns := make([]func(T), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}
