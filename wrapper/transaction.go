package wrapper

import (
	"context"
	"fmt"

	"github.com/modernice/streamwrapper/projection"
	"go.uber.org/zap"
)

// Transaction is a trial scratchpad: a clone of the projection group plus a
// growable list of staged events. Add applies the event to the clone
// immediately, so the builder callback observes post-event state as it
// stages further events.
type Transaction[TState any] struct {
	group  *projection.Group[TState]
	events []any
}

func newTransaction[TState any](group *projection.Group[TState]) *Transaction[TState] {
	return &Transaction[TState]{group: group}
}

// Add applies event to the transaction's cloned group and stages it for
// writing. If the apply fails, the event is not staged and the error is
// returned; the caller's builder typically aborts at that point.
func (tx *Transaction[TState]) Add(event any) error {
	seq := tx.group.Sequence() + 1
	if err := tx.group.Apply(seq, event); err != nil {
		return fmt.Errorf("transaction: add event at seq %d: %w", seq, err)
	}
	tx.events = append(tx.events, event)
	return nil
}

// State returns the transaction clone's current state, reflecting every
// event staged so far.
func (tx *Transaction[TState]) State() TState {
	return tx.group.State()
}

// Events returns the events staged so far, in the order they were added.
func (tx *Transaction[TState]) Events() []any {
	out := make([]any, len(tx.events))
	copy(out, tx.events)
	return out
}

// RunTransaction builds a Transaction against a clone of the Wrapper's
// projection group, optimistically writes its staged events, and rebases via
// CatchUp and retries on conflict. Because the clone is taken fresh on every
// retry, a retry's builder always observes state that includes whatever was
// fetched by the previous retry's CatchUp. See spec §4.8.
//
// Like AppendEvents, this is a free function rather than a method, for the
// same generic-method limitation reason.
func RunTransaction[TState, R any](ctx context.Context, w *Wrapper[TState], build func(*Transaction[TState]) (R, error)) (AppendResult[R], error) {
	for {
		tx := newTransaction(w.group.Clone())

		result, err := build(tx)
		if err != nil {
			return AppendResult[R]{}, err
		}

		if len(tx.events) == 0 {
			return AppendResult[R]{Result: result}, nil
		}

		endSeq, ok, err := w.strm.Write(ctx, tx.events)
		if err != nil {
			if ctx.Err() != nil {
				return AppendResult[R]{}, ctx.Err()
			}
			err = fmt.Errorf("wrapper: write: %w", err)
			w.log.Error("run transaction failed", zap.Error(err))
			return AppendResult[R]{}, err
		}

		if !ok {
			if err := w.CatchUp(ctx); err != nil {
				if ctx.Err() != nil {
					return AppendResult[R]{}, ctx.Err()
				}
				w.log.Error("run transaction failed", zap.Error(err))
				return AppendResult[R]{}, err
			}
			continue
		}

		if err := w.drainLocal(ctx); err != nil {
			w.log.Error("run transaction failed", zap.Error(err))
			return AppendResult[R]{}, err
		}
		if ctx.Err() != nil {
			return AppendResult[R]{}, ctx.Err()
		}

		w.notifier.NotifyRefresh()

		return AppendResult[R]{Added: len(tx.events), EndSeq: endSeq, Result: result}, nil
	}
}
