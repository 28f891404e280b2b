// Package session provides the shared table mapping live relay
// identifiers to the control handle of the task that owns them. The
// table serializes insert/remove/lookup; it never performs I/O and
// never owns the resource behind a handle.
package session

import "sync"

// Table maps connection-scoped identifiers to control handles. All
// operations are atomic with respect to concurrent callers.
type Table[K comparable, H any] struct {
	mu      sync.Mutex
	entries map[K]H
}

// NewTable creates an empty table.
func NewTable[K comparable, H any]() *Table[K, H] {
	return &Table[K, H]{entries: make(map[K]H)}
}

// Insert adds a handle under id. It returns false if the id is already
// present; identifiers are scoped per connection and must not collide.
func (t *Table[K, H]) Insert(id K, handle H) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return false
	}
	t.entries[id] = handle
	return true
}

// Remove deletes and returns the handle for id, if present.
func (t *Table[K, H]) Remove(id K) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return handle, ok
}

// Lookup returns the handle for id, if present.
func (t *Table[K, H]) Lookup(id K) (H, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.entries[id]
	return handle, ok
}

// Len returns the number of live entries.
func (t *Table[K, H]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// ForEach calls fn for every entry in a snapshot taken under the lock.
// fn itself runs without the lock held, so it may remove entries or
// perform I/O.
func (t *Table[K, H]) ForEach(fn func(id K, handle H)) {
	t.mu.Lock()
	ids := make([]K, 0, len(t.entries))
	handles := make([]H, 0, len(t.entries))
	for id, h := range t.entries {
		ids = append(ids, id)
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for i := range ids {
		fn(ids[i], handles[i])
	}
}

// Drain removes every entry and returns the handles, so the caller can
// cancel each owning task after the connection they belong to has died.
func (t *Table[K, H]) Drain() []H {
	t.mu.Lock()
	defer t.mu.Unlock()

	handles := make([]H, 0, len(t.entries))
	for _, h := range t.entries {
		handles = append(handles, h)
	}
	t.entries = make(map[K]H)
	return handles
}
