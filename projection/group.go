package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modernice/streamwrapper/cache"
)

// Group is the Reified Projection Group (spec.md §4.1): it holds the current
// state of a primary Projection plus any number of auxiliary SideProjections
// that share the same event stream, and it is what the Stream Wrapper clones
// to build Transaction scratchpads.
type Group[TState any] struct {
	primary      Projection[TState]
	primaryCache Cacheable[TState] // nil if primary doesn't support snapshotting

	sides      []SideProjection
	sideCaches []SideCacheable // parallel to sides; nil entries allowed

	mux                  sync.RWMutex
	sequence             uint64
	possiblyInconsistent bool
	state                TState
	sideStates           []any
}

// Option configures a Group at construction time.
type Option[TState any] func(*Group[TState])

// WithSide adds a SideProjection to the Group. If proj also implements
// SideCacheable, it participates in TryLoad/TrySave.
func WithSide[TState any](proj SideProjection) Option[TState] {
	return func(g *Group[TState]) {
		g.sides = append(g.sides, proj)
		sc, _ := proj.(SideCacheable)
		g.sideCaches = append(g.sideCaches, sc)
	}
}

// New returns a Group around the given primary Projection.
func New[TState any](primary Projection[TState], opts ...Option[TState]) *Group[TState] {
	g := &Group[TState]{primary: primary}
	g.primaryCache, _ = primary.(Cacheable[TState])

	for _, opt := range opts {
		opt(g)
	}

	g.resetLocked()
	return g
}

// Sequence returns the sequence of the last event successfully applied to
// every projection in the Group.
func (g *Group[TState]) Sequence() uint64 {
	g.mux.RLock()
	defer g.mux.RUnlock()
	return g.sequence
}

// PossiblyInconsistent reports the Group's sticky inconsistency flag.
func (g *Group[TState]) PossiblyInconsistent() bool {
	g.mux.RLock()
	defer g.mux.RUnlock()
	return g.possiblyInconsistent
}

// SetPossiblyInconsistent sets the sticky inconsistency flag. It never
// clears automatically; only Reset clears it.
func (g *Group[TState]) SetPossiblyInconsistent() {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.possiblyInconsistent = true
}

// State returns the primary projection's current state. The returned value
// is safe to keep across further calls to Apply: projections are expected to
// return immutable (copy-on-write) values, so State never mutates what a
// caller already holds, it only ever gets replaced.
func (g *Group[TState]) State() TState {
	g.mux.RLock()
	defer g.mux.RUnlock()
	return g.state
}

// Apply advances the Group by exactly one event. seq must be greater than
// Sequence(). If any projection's Apply fails, the Group is marked possibly
// inconsistent and Sequence still advances to seq; the caller (normally the
// Stream Wrapper) is responsible for quarantining (seq, event, err).
func (g *Group[TState]) Apply(seq uint64, event any) error {
	g.mux.Lock()
	defer g.mux.Unlock()

	if seq <= g.sequence {
		return fmt.Errorf("projection: Apply: seq %d is not greater than current sequence %d", seq, g.sequence)
	}

	var errs []error

	newState, err := g.primary.Apply(seq, event, g.state)
	if err != nil {
		errs = append(errs, fmt.Errorf("apply to %q: %w", g.primary.FullName(), err))
	} else {
		g.state = newState
	}

	for i, side := range g.sides {
		newSide, err := side.Apply(seq, event, g.sideStates[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("apply to %q: %w", side.FullName(), err))
			continue
		}
		g.sideStates[i] = newSide
	}

	g.sequence = seq

	if len(errs) > 0 {
		g.possiblyInconsistent = true
		return errors.Join(errs...)
	}

	return nil
}

// TryApply is a dry run used for pre-flight validation: it clones the Group
// and applies events sequentially starting at baseSeq+1, failing fast on the
// first error and leaving the real Group untouched.
func (g *Group[TState]) TryApply(baseSeq uint64, events []any) error {
	clone := g.Clone()
	seq := baseSeq
	for _, event := range events {
		seq++
		if err := clone.Apply(seq, event); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep-copies the Group's bookkeeping. Because projection state is
// expected to be immutable, Clone only duplicates the mutable bookkeeping
// (sequence, possibly-inconsistent flag, per-projection state references),
// not the state values themselves.
func (g *Group[TState]) Clone() *Group[TState] {
	g.mux.RLock()
	defer g.mux.RUnlock()

	clone := &Group[TState]{
		primary:              g.primary,
		primaryCache:         g.primaryCache,
		sides:                g.sides,
		sideCaches:           g.sideCaches,
		sequence:             g.sequence,
		possiblyInconsistent: g.possiblyInconsistent,
		state:                g.state,
		sideStates:           make([]any, len(g.sideStates)),
	}
	copy(clone.sideStates, g.sideStates)
	return clone
}

// Reset returns the Group to its initial state (sequence 0, no inconsistency
// flag).
func (g *Group[TState]) Reset() {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.resetLocked()
}

func (g *Group[TState]) resetLocked() {
	g.sequence = 0
	g.possiblyInconsistent = false
	g.state = g.primary.Initial()
	g.sideStates = make([]any, len(g.sides))
	for i, side := range g.sides {
		g.sideStates[i] = side.Initial()
	}
}

// TryLoad attempts to rehydrate the Group from c. ok=false means nothing
// usable was found (no snapshot, a corrupt one, or one from an incompatible
// projection version) and the Group is left in its initial state.
//
// All cacheable projections (primary and sides) must agree on the loaded
// sequence; if any of them fails to load, or disagrees with the others, the
// whole Group load is considered failed, to avoid leaving some projections
// ahead of others.
func (g *Group[TState]) TryLoad(ctx context.Context, c cache.Cache) (bool, error) {
	if g.primaryCache == nil {
		return false, nil
	}

	state, seq, ok, err := g.primaryCache.TryLoad(ctx, c)
	if err != nil {
		return false, fmt.Errorf("load %q: %w", g.primary.FullName(), err)
	}
	if !ok {
		return false, nil
	}

	sideStates := make([]any, len(g.sides))
	for i, side := range g.sides {
		sc := g.sideCaches[i]
		if sc == nil {
			sideStates[i] = side.Initial()
			continue
		}

		sideState, sideSeq, sideOK, err := sc.TryLoad(ctx, c)
		if err != nil {
			return false, fmt.Errorf("load %q: %w", side.FullName(), err)
		}
		if !sideOK || sideSeq != seq {
			return false, nil
		}
		sideStates[i] = sideState
	}

	g.mux.Lock()
	defer g.mux.Unlock()
	g.state = state
	g.sideStates = sideStates
	g.sequence = seq
	g.possiblyInconsistent = false

	return true, nil
}

// TrySave serializes the Group's current state to c. It operates on a
// snapshot taken under a read lock so it can proceed concurrently with
// further Apply calls; a failure is never fatal to the caller.
func (g *Group[TState]) TrySave(ctx context.Context, c cache.Cache) (bool, error) {
	g.mux.RLock()
	state := g.state
	sideStates := make([]any, len(g.sideStates))
	copy(sideStates, g.sideStates)
	seq := g.sequence
	g.mux.RUnlock()

	ok := true

	if g.primaryCache != nil {
		if err := g.primaryCache.TrySave(ctx, c, state, seq); err != nil {
			return false, fmt.Errorf("save %q: %w", g.primary.FullName(), err)
		}
	} else {
		ok = false
	}

	for i, side := range g.sides {
		sc := g.sideCaches[i]
		if sc == nil {
			continue
		}
		if err := sc.TrySave(ctx, c, sideStates[i], seq); err != nil {
			return false, fmt.Errorf("save %q: %w", side.FullName(), err)
		}
	}

	return ok, nil
}
