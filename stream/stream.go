// Package stream specifies the Event Stream contract consumed by the Stream
// Wrapper: a sequence-numbered append log with background prefetch and
// optimistic write. Concrete backends live in subpackages (memstream,
// mongostream); this package only names the contract.
package stream

import "context"

// FinishFunc is returned by BackgroundFetch once a fetch has been started. It
// is called to integrate the fetched events into the local buffer; the
// returned bool reports whether more events may still be available upstream
// (false means the fetch reached the remote tail).
type FinishFunc func(ctx context.Context) (more bool, err error)

// Stream is the append-only event log collaborator. Implementations must be
// safe to call from a single goroutine at a time for the mutating methods
// (TryGetNext, DiscardUpTo, Write, Reset); Sequence may be read concurrently.
type Stream interface {
	// Sequence returns the highest sequence number this Stream has locally
	// observed, whether or not that event has been delivered to a caller of
	// TryGetNext yet.
	Sequence() uint64

	// TryGetNext returns the next locally buffered event and advances the
	// local sequence by one, or ok=false if the local buffer is currently
	// empty. A non-nil error means the slot's payload could not be decoded;
	// the sequence still advances past it (the slot is consumed either way).
	TryGetNext(ctx context.Context) (event any, seq uint64, ok bool, err error)

	// BackgroundFetch starts an asynchronous fetch of new events from the
	// remote store. The returned FinishFunc integrates whatever was fetched
	// into the local buffer and reports whether more events may still be
	// waiting upstream.
	BackgroundFetch(ctx context.Context) (FinishFunc, error)

	// DiscardUpTo fast-forwards the local view past seq-1 without delivering
	// those events to TryGetNext, returning the highest sequence the store is
	// aware of. Used after a snapshot has been loaded.
	DiscardUpTo(ctx context.Context, seq uint64) (maxKnownSeq uint64, err error)

	// Write optimistically appends events to the stream. ok=false signals a
	// conflict (the remote store has grown past the caller's last-known
	// tail) or any other retriable condition: the caller must catch up and
	// retry. A non-nil error signals a non-retriable failure.
	Write(ctx context.Context, events []any) (endSeq uint64, ok bool, err error)

	// Reset clears all local state and sequence, forcing a fresh fetch from
	// the beginning on the next BackgroundFetch/TryGetNext.
	Reset()
}
