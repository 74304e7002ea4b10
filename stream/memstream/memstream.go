// Package memstream is a process-local, in-memory stream.Stream. It is the
// reference Stream the wrapper's own tests run against, the same way the
// teacher's command/builtin tests run against eventbus.New()+eventstore.New()
// rather than mongostore.
//
// A Backend models the remote blob-like store; any number of independent
// Store handles (each with its own local buffer and sequence, exactly like a
// real remote-store client) can be opened against the same Backend, which is
// what lets tests exercise multi-writer conflicts (spec.md §8 scenario 5).
package memstream

import (
	"context"
	"sync"

	"github.com/modernice/streamwrapper/stream"
)

// corrupt marks an event as one that should fail to decode when read back,
// to exercise the quarantine path in tests.
type corrupt struct {
	Err error
}

// Corrupt wraps an event so that, once appended, reading it back through
// TryGetNext yields err instead of the event. Used by tests to exercise the
// corrupt-event quarantine path (spec.md §4.2, §4.4, §8 scenario 6).
func Corrupt(err error) any {
	return corrupt{Err: err}
}

// Backend is the shared, concurrency-safe backing log that every Store
// handle opened against it reads from and writes to.
type Backend struct {
	mux    sync.RWMutex
	events []any
}

// NewBackend returns an empty Backend.
func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) len() uint64 {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return uint64(len(b.events))
}

func (b *Backend) slice(from uint64) []any {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if from >= uint64(len(b.events)) {
		return nil
	}
	out := make([]any, len(b.events)-int(from))
	copy(out, b.events[from:])
	return out
}

// append appends events iff the backend's current length equals
// expectedLen, returning the new length and whether the append happened.
func (b *Backend) append(expectedLen uint64, events []any) (uint64, bool) {
	b.mux.Lock()
	defer b.mux.Unlock()

	if uint64(len(b.events)) != expectedLen {
		return uint64(len(b.events)), false
	}

	b.events = append(b.events, events...)
	return uint64(len(b.events)), true
}

// Store is a single client's view of a Backend: a local buffer filled by
// BackgroundFetch and drained by TryGetNext, plus the local sequence
// (spec.md §3 "stream position").
type Store struct {
	backend *Backend

	mux      sync.Mutex
	buf      []any
	localSeq uint64
}

// New opens a fresh handle against backend. If backend is nil, a new,
// unshared Backend is created (the common case for single-wrapper tests).
func New(backend *Backend) *Store {
	if backend == nil {
		backend = NewBackend()
	}
	return &Store{backend: backend}
}

// Backend returns the Store's underlying Backend, so a test can open a
// second, independent Store handle against the same remote log.
func (s *Store) Backend() *Backend {
	return s.backend
}

func (s *Store) Sequence() uint64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.localSeq + uint64(len(s.buf))
}

func (s *Store) TryGetNext(ctx context.Context) (any, uint64, bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if len(s.buf) == 0 {
		return nil, 0, false, nil
	}

	evt := s.buf[0]
	s.buf = s.buf[1:]
	s.localSeq++
	seq := s.localSeq

	if c, ok := evt.(corrupt); ok {
		return nil, seq, true, c.Err
	}

	return evt, seq, true, nil
}

// BackgroundFetch pulls everything currently in the Backend past the local
// sequence into the local buffer. Since this is an in-memory store the
// "fetch" is instant; FinishFunc reports more=true iff it actually integrated
// any events, so the caller's next loop iteration drains this batch before
// trying another (empty) fetch that terminates the loop.
func (s *Store) BackgroundFetch(ctx context.Context) (stream.FinishFunc, error) {
	s.mux.Lock()
	from := s.localSeq + uint64(len(s.buf))
	s.mux.Unlock()

	fetched := s.backend.slice(from)

	return func(ctx context.Context) (bool, error) {
		s.mux.Lock()
		defer s.mux.Unlock()
		s.buf = append(s.buf, fetched...)
		return len(fetched) > 0, nil
	}, nil
}

func (s *Store) DiscardUpTo(ctx context.Context, seq uint64) (uint64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if seq > s.localSeq {
		s.localSeq = seq - 1
	}
	s.buf = nil

	return s.backend.len(), nil
}

// Write optimistically appends events to the Backend. On success the
// written events are left in the local buffer (not yet delivered) exactly as
// if a BackgroundFetch had just pulled them in, so the caller's own local
// catch-up is what actually delivers them to the projection group.
func (s *Store) Write(ctx context.Context, events []any) (uint64, bool, error) {
	s.mux.Lock()
	tail := s.localSeq + uint64(len(s.buf))
	s.mux.Unlock()

	newLen, ok := s.backend.append(tail, events)
	if !ok {
		return 0, false, nil
	}

	s.mux.Lock()
	s.buf = append(s.buf, events...)
	s.mux.Unlock()

	return newLen, true, nil
}

func (s *Store) Reset() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.localSeq = 0
	s.buf = nil
}
