// Package quarantine records events that a projection group could not
// deserialize or apply, so an operator can inspect them after the fact.
package quarantine

import "sync"

// Entry is a single quarantined event. Event is nil when the failure happened
// before the event could even be decoded (a corrupt slot).
type Entry struct {
	// Seq is the sequence number of the quarantined slot.
	Seq uint64

	// Event is the decoded event, or nil if decoding itself failed.
	Event any

	// Err is the error that caused the quarantine.
	Err error
}

// Log is an append-only, concurrency-safe quarantine list. It grows without
// bound; callers are expected to page through Snapshot for inspection, not to
// prune it.
type Log struct {
	mux     sync.RWMutex
	entries []Entry
}

// New returns an empty Log.
func New() *Log {
	return &Log{}
}

// Add appends an Entry to the Log.
func (l *Log) Add(entry Entry) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.entries = append(l.entries, entry)
}

// Len returns the number of quarantined entries.
func (l *Log) Len() int {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return len(l.entries)
}

// Snapshot returns a defensive copy of the current entries, safe to read
// while the Log continues to grow concurrently.
func (l *Log) Snapshot() []Entry {
	l.mux.RLock()
	defer l.mux.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset clears the Log. Used when the owning projection group is reset back
// to its initial state.
func (l *Log) Reset() {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.entries = nil
}
