package wrapper

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AppendResult is returned by AppendEvents and RunTransaction.
type AppendResult[R any] struct {
	// Added is the number of events actually appended to the stream.
	Added int

	// EndSeq is the sequence of the last appended event, or 0 if Added is 0.
	EndSeq uint64

	// Result is whatever the caller's builder function returned.
	Result R
}

// AppendEvents runs build against the Wrapper's current state to produce
// candidate events, pre-flight-validates them against a clone of the
// projection group, and optimistically writes them to the stream, rebasing
// via CatchUp and retrying on conflict. See spec §4.7.
//
// This is a free function, not a method on Wrapper, because Go methods
// cannot introduce a type parameter (R) beyond the receiver's own — the
// teacher's helper/streams package solves the same problem the same way
// (Walk, Drain are free functions parameterized independently of any
// receiver).
func AppendEvents[TState, R any](ctx context.Context, w *Wrapper[TState], build func(TState) ([]any, R, error)) (AppendResult[R], error) {
	for {
		events, result, err := build(w.Current())
		if err != nil {
			return AppendResult[R]{}, err
		}

		if len(events) == 0 {
			return AppendResult[R]{Result: result}, nil
		}

		if err := w.group.TryApply(w.strm.Sequence(), events); err != nil {
			err = fmt.Errorf("wrapper: pre-flight check failed: %w", err)
			w.log.Error("append events failed", zap.Error(err))
			return AppendResult[R]{}, err
		}

		endSeq, ok, err := w.strm.Write(ctx, events)
		if err != nil {
			if ctx.Err() != nil {
				return AppendResult[R]{}, ctx.Err()
			}
			err = fmt.Errorf("wrapper: write: %w", err)
			w.log.Error("append events failed", zap.Error(err))
			return AppendResult[R]{}, err
		}

		if !ok {
			if err := w.CatchUp(ctx); err != nil {
				if ctx.Err() != nil {
					return AppendResult[R]{}, ctx.Err()
				}
				w.log.Error("append events failed", zap.Error(err))
				return AppendResult[R]{}, err
			}
			continue
		}

		if err := w.drainLocal(ctx); err != nil {
			w.log.Error("append events failed", zap.Error(err))
			return AppendResult[R]{}, err
		}
		if ctx.Err() != nil {
			return AppendResult[R]{}, ctx.Err()
		}

		w.notifier.NotifyRefresh()

		return AppendResult[R]{Added: len(events), EndSeq: endSeq, Result: result}, nil
	}
}
