// Package updates checks registry digests for newer images, gates
// update candidates through policy patterns, and replaces containers
// in place with rollback.
package updates

import "sync"

// Tracker is the set of composite keys currently mid-update. The health
// checker's auto-restart loop consults it so it never restarts a
// container the executor is about to tear down during rollback. Both the
// old and the new key are registered from the moment the replacement
// container exists until the update returns.
type Tracker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{keys: make(map[string]struct{})}
}

// Add registers composite keys as updating.
func (t *Tracker) Add(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if k != "" {
			t.keys[k] = struct{}{}
		}
	}
}

// Remove unregisters composite keys. Removing an absent key is a no-op.
func (t *Tracker) Remove(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.keys, k)
	}
}

// IsUpdating reports whether a composite key is mid-update.
func (t *Tracker) IsUpdating(compositeKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.keys[compositeKey]
	return ok
}
