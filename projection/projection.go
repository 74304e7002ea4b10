// Package projection implements the Reified Projection Group (spec.md §4.1):
// the in-memory holder that applies events to build up the Stream Wrapper's
// state, and the Projection contract it is built from.
package projection

import (
	"context"
	"fmt"
	"regexp"

	"github.com/modernice/streamwrapper/cache"
)

// fullNamePattern matches spec.md §6's "[A-Za-z0-9-]+ with a trailing
// -<version> suffix" requirement.
var fullNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+-v[0-9]+$`)

// ValidateFullName reports whether name satisfies the FullName contract.
// Bumping the trailing version invalidates any cache entry stored under the
// old name, since the Cache is keyed by FullName.
func ValidateFullName(name string) error {
	if !fullNamePattern.MatchString(name) {
		return fmt.Errorf("projection.ValidateFullName: %q does not match %s", name, fullNamePattern.String())
	}
	return nil
}

// Projection is the primary projection of a Group: the one whose state is
// exposed to callers as the Group's single logical TState.
type Projection[TState any] interface {
	// FullName identifies this projection's snapshots in a Cache. Must
	// satisfy ValidateFullName.
	FullName() string

	// Initial returns the zero/starting state.
	Initial() TState

	// Apply folds event (at sequence seq) into prev, returning the new
	// state. Must be pure and deterministic, and must tolerate repeated
	// applies of the same event and gaps in the sequence.
	Apply(seq uint64, event any, prev TState) (TState, error)
}

// Cacheable is implemented by a Projection that supports snapshotting.
// Projections that don't implement it are simply never persisted or
// restored by the Group — that is not an error.
type Cacheable[TState any] interface {
	// TryLoad rehydrates state from c. ok=false (with a nil error) means
	// nothing usable was found (missing, corrupt, or wrong version) and the
	// Group should fall back to Initial().
	TryLoad(ctx context.Context, c cache.Cache) (state TState, seq uint64, ok bool, err error)

	// TrySave persists state at sequence seq to c.
	TrySave(ctx context.Context, c cache.Cache, state TState, seq uint64) error
}

// SideProjection is an auxiliary projection applied alongside the primary
// one, sharing the same event stream and Group sequence but with its own,
// type-erased internal state. Its state is never exposed through a Group's
// State(); it exists to be updated (and optionally persisted) in lock-step.
type SideProjection interface {
	FullName() string
	Initial() any
	Apply(seq uint64, event any, prev any) (any, error)
}

// SideCacheable is the SideProjection analogue of Cacheable.
type SideCacheable interface {
	TryLoad(ctx context.Context, c cache.Cache) (state any, seq uint64, ok bool, err error)
	TrySave(ctx context.Context, c cache.Cache, state any, seq uint64) error
}
