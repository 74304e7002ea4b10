package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

var (
	gobRegisteredMux   sync.RWMutex
	gobRegisteredTypes = make(map[string]bool)
)

// GobCodec encodes values using the "encoding/gob" package. Concrete types
// that will be decoded into an `any`-typed destination (projection state,
// event payloads) must be registered once via RegisterGob, the same
// register-before-decode discipline the teacher's GobEncoder uses for
// command payloads.
type GobCodec struct{}

// NewGobCodec returns a new GobCodec.
func NewGobCodec() *GobCodec {
	return &GobCodec{}
}

// RegisterGob registers a concrete type with encoding/gob so that it can be
// encoded/decoded behind an `any` value. Safe to call multiple times for the
// same type.
func RegisterGob(v any) {
	name := fmt.Sprintf("%T", v)

	gobRegisteredMux.Lock()
	defer gobRegisteredMux.Unlock()

	if gobRegisteredTypes[name] {
		return
	}
	gob.Register(v)
	gobRegisteredTypes[name] = true
}

// Encode gob-encodes v. Values whose type was registered via RegisterGob are
// encoded behind an interface, so they decode into an `any` destination; all
// other values are encoded as their concrete type and decode into a pointer
// to that type.
func (GobCodec) Encode(v any) ([]byte, error) {
	gobRegisteredMux.RLock()
	registered := gobRegisteredTypes[fmt.Sprintf("%T", v)]
	gobRegisteredMux.RUnlock()

	var target any = v
	if registered {
		target = &v
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(target); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes data into out, which must be a non-nil pointer.
func (GobCodec) Decode(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("gob decode into %T: %w", out, err)
	}
	return nil
}
