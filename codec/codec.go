// Package codec provides the pluggable byte<->any conversion used by the
// mongostream backend to persist events, and available to projections for
// encoding their snapshots (cache backends store opaque bytes and do not use
// it). The wire format itself is out of scope for this repository
// (spec.md §1); Codec exists only so the reference backends have a default.
package codec

// Codec turns values into bytes and back. Implementations must round-trip:
// Decode(Encode(v), &out) must yield a value equal to v for any v the caller
// actually passes through a given Codec.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}
