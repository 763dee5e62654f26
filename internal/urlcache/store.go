package urlcache

import "sync"

// Store is the in-memory entry table. Writes publish a change event; reads
// never do. Entries are value types, so lookups hand back copies by
// construction.
type Store struct {
	notifier *Notifier

	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewStore constructs an empty store that publishes writes to notifier.
func NewStore(notifier *Notifier) *Store {
	return &Store{notifier: notifier, entries: make(map[Key]Entry)}
}

// Put stores or replaces the entry for key and publishes the change. The
// publish happens after the table lock is released so listeners can read the
// store without deadlocking.
func (s *Store) Put(key Key, entry Entry) {
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	s.notifier.Publish(Update{Key: key, Entry: entry})
}

// Lookup returns the entry for key if one exists. Expired entries are
// returned as-is; staleness is the caller's call to make.
func (s *Store) Lookup(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Len reports the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the full table, used for mirror persistence and
// diagnostics.
func (s *Store) Snapshot() map[Key]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]Entry, len(s.entries))
	for key, entry := range s.entries {
		out[key] = entry
	}
	return out
}
