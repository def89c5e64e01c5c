// Package storage abstracts the client-side key/value stores the auth
// subsystem persists into: a durable store shared across application
// instances (with change notifications, the storage-event analog) and a
// volatile per-instance store that dies with the process.
package storage

// Event describes one observed change to a durable store. Events from other
// processes are advisory, eventually-consistent signals, not a lock.
type Event struct {
	Key      string
	NewValue string
	Removed  bool
}

// Store is durable storage shared across application instances. All values
// are strings; callers encode/encrypt before writing.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error

	// Watch registers fn for subsequent change events and returns an
	// unsubscribe function. Delivery is synchronous and in registration
	// order for changes made through this instance; changes made by other
	// processes surface on a best-effort basis.
	Watch(fn func(Event)) (unsubscribe func())
}

// VolatileStore is per-instance storage. Contents never survive a process
// restart, which is exactly what the session encryption salt relies on.
type VolatileStore interface {
	Get(key string) (value string, ok bool)
	Set(key, value string)
	Delete(key string)
}
