package wrapper_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/modernice/streamwrapper/cache"
	"github.com/modernice/streamwrapper/codec"
	"github.com/modernice/streamwrapper/projection"
	"github.com/modernice/streamwrapper/stream/memstream"
	"github.com/modernice/streamwrapper/wrapper"
)

// logState is the state of logProjection: every event string applied so far,
// in order.
type logState = []string

// logProjection appends string events to a slice. Non-string events fail to
// apply; the quarantine tests below exercise the corrupt-slot path instead,
// via memstream.Corrupt.
type logProjection struct {
	name  string
	codec codec.Codec
}

func newLogProjection(name string) *logProjection {
	return &logProjection{name: name, codec: codec.NewGobCodec()}
}

func (p *logProjection) FullName() string { return p.name }

func (p *logProjection) Initial() logState { return nil }

func (p *logProjection) Apply(seq uint64, event any, prev logState) (logState, error) {
	s, ok := event.(string)
	if !ok {
		return prev, fmt.Errorf("logProjection: unexpected event type %T", event)
	}
	next := make(logState, len(prev), len(prev)+1)
	copy(next, prev)
	return append(next, s), nil
}

type logSnapshot struct {
	State logState
	Seq   uint64
}

func (p *logProjection) TryLoad(ctx context.Context, c cache.Cache) (logState, uint64, bool, error) {
	data, ok, err := c.Load(ctx, p.name)
	if err != nil || !ok {
		return nil, 0, false, err
	}
	var snap logSnapshot
	if err := p.codec.Decode(data, &snap); err != nil {
		return nil, 0, false, nil
	}
	return snap.State, snap.Seq, true, nil
}

func (p *logProjection) TrySave(ctx context.Context, c cache.Cache, state logState, seq uint64) error {
	data, err := p.codec.Encode(logSnapshot{State: state, Seq: seq})
	if err != nil {
		return err
	}
	return c.Save(ctx, p.name, data)
}

// memCache is a trivial in-memory cache.Cache fake.
type memCache struct {
	mux  sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	data, ok := c.data[key]
	return data, ok, nil
}

func (c *memCache) Save(ctx context.Context, key string, data []byte) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.data[key] = data
	return nil
}

func newGroup() *projection.Group[logState] {
	return projection.New[logState](newLogProjection("log-v1"))
}

// scenario 1: empty stream, no snapshot.
func TestInitialize_EmptyStream(t *testing.T) {
	ctx := context.Background()
	strm := memstream.New(nil)
	group := newGroup()
	w := wrapper.New(strm, group)

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := w.Current(); len(got) != 0 {
		t.Fatalf("Current: want empty, got %v", got)
	}
	if w.Sequence() != 0 {
		t.Fatalf("Sequence: want 0, got %d", w.Sequence())
	}

	select {
	case <-w.WaitForState(ctx):
		t.Fatal("WaitForState resolved without a refresh")
	default:
	}
}

// scenario 2: append two events to an empty stream.
func TestAppendEvents_TwoEvents(t *testing.T) {
	ctx := context.Background()
	strm := memstream.New(nil)
	group := newGroup()
	w := wrapper.New(strm, group)

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waiter := w.WaitForState(ctx)

	result, err := wrapper.AppendEvents(ctx, w, func(logState) ([]any, int, error) {
		return []any{"A", "B"}, 42, nil
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	if result.Added != 2 || result.EndSeq != 2 || result.Result != 42 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got := w.Current()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("Current: want [A B], got %v", got)
	}

	select {
	case <-waiter:
	default:
		t.Fatal("WaitForState did not resolve after successful append")
	}
}

// scenario 3: snapshot at seq 100, stream has 150 events — catch-up fetches
// only 101..150.
func TestInitialize_SnapshotBehindStream(t *testing.T) {
	ctx := context.Background()
	backend := memstream.NewBackend()

	seed := memstream.New(backend)
	events := make([]any, 150)
	for i := range events {
		events[i] = fmt.Sprintf("e%d", i+1)
	}
	if _, ok, err := seed.Write(ctx, events); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	c := newMemCache()
	proj := newLogProjection("log-v1")
	snapState := make(logState, 100)
	for i := range snapState {
		snapState[i] = fmt.Sprintf("e%d", i+1)
	}
	if err := proj.TrySave(ctx, c, snapState, 100); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	group := projection.New[logState](proj)
	strm := memstream.New(backend)
	w := wrapper.New(strm, group, wrapper.WithCache(c))

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if w.Sequence() != 150 {
		t.Fatalf("Sequence: want 150, got %d", w.Sequence())
	}
	if len(w.Current()) != 150 {
		t.Fatalf("Current: want 150 entries, got %d", len(w.Current()))
	}
}

// scenario 4: snapshot at seq 100, stream has only 50 events — cache is
// ahead of the store, so both reset to 0 and all 50 events replay.
func TestInitialize_SnapshotAheadOfStream(t *testing.T) {
	ctx := context.Background()
	backend := memstream.NewBackend()

	seed := memstream.New(backend)
	events := make([]any, 50)
	for i := range events {
		events[i] = fmt.Sprintf("e%d", i+1)
	}
	if _, ok, err := seed.Write(ctx, events); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	c := newMemCache()
	proj := newLogProjection("log-v1")
	snapState := make(logState, 100)
	for i := range snapState {
		snapState[i] = fmt.Sprintf("stale%d", i+1)
	}
	if err := proj.TrySave(ctx, c, snapState, 100); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	group := projection.New[logState](proj)
	strm := memstream.New(backend)
	w := wrapper.New(strm, group, wrapper.WithCache(c))

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if w.Sequence() != 50 {
		t.Fatalf("Sequence: want 50, got %d", w.Sequence())
	}
	got := w.Current()
	if len(got) != 50 || got[0] != "e1" {
		t.Fatalf("Current: want replayed events, got %v", got)
	}
}

// scenario 5: append conflict between the wrapper's own writer (W1) and a
// second independent actor (W2) against the same backend: W1's builder runs
// twice, observing W2's event on the second attempt.
func TestAppendEvents_ConflictRebuildsOnRetry(t *testing.T) {
	ctx := context.Background()
	backend := memstream.NewBackend()

	w1Strm := memstream.New(backend)
	w1Group := newGroup()
	w1 := wrapper.New(w1Strm, w1Group)
	if err := w1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize w1: %v", err)
	}

	w2Strm := memstream.New(backend)
	w2Group := newGroup()
	w2 := wrapper.New(w2Strm, w2Group)
	if err := w2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize w2: %v", err)
	}

	var calls int
	result, err := wrapper.AppendEvents(ctx, w1, func(state logState) ([]any, int, error) {
		calls++
		if calls == 1 {
			// Interleave W2's write between W1's pre-flight build and its
			// stream.Write, forcing a conflict on W1's first attempt.
			if _, err := wrapper.AppendEvents(ctx, w2, func(logState) ([]any, struct{}, error) {
				return []any{"from-w2"}, struct{}{}, nil
			}); err != nil {
				t.Fatalf("w2 append: %v", err)
			}
		}
		return []any{fmt.Sprintf("from-w1-attempt-%d-saw-%d", calls, len(state))}, calls, nil
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	if calls != 2 {
		t.Fatalf("builder: want 2 calls (one conflict retry), got %d", calls)
	}
	if result.Result != 2 {
		t.Fatalf("result.Result: want 2, got %d", result.Result)
	}

	got := w1.Current()
	if len(got) != 2 || got[0] != "from-w2" {
		t.Fatalf("Current: want [from-w2 from-w1-...], got %v", got)
	}
}

// scenario 6: an unreadable event at seq 42 ends up quarantined, and
// catch-up still reaches the stream's tail with the group flagged possibly
// inconsistent.
func TestCatchUp_QuarantinesCorruptEvent(t *testing.T) {
	ctx := context.Background()
	backend := memstream.NewBackend()

	seed := memstream.New(backend)
	events := make([]any, 50)
	for i := range events {
		events[i] = fmt.Sprintf("e%d", i+1)
	}
	events[41] = memstream.Corrupt(fmt.Errorf("boom at 42"))
	if _, ok, err := seed.Write(ctx, events); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	strm := memstream.New(backend)
	group := newGroup()
	w := wrapper.New(strm, group)

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if w.Sequence() != 50 {
		t.Fatalf("Sequence: want 50, got %d", w.Sequence())
	}
	if !group.PossiblyInconsistent() {
		t.Fatal("want group marked possibly inconsistent")
	}

	q := w.Quarantine()
	if len(q) != 1 || q[0].Seq != 42 {
		t.Fatalf("Quarantine: want one entry at seq 42, got %+v", q)
	}
	if len(w.Current()) != 49 {
		t.Fatalf("Current: want 49 applied events, got %d", len(w.Current()))
	}
}

func TestRunTransaction_StagesAndWrites(t *testing.T) {
	ctx := context.Background()
	strm := memstream.New(nil)
	group := newGroup()
	w := wrapper.New(strm, group)

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := wrapper.RunTransaction(ctx, w, func(tx *wrapper.Transaction[logState]) (int, error) {
		if err := tx.Add("first"); err != nil {
			return 0, err
		}
		if len(tx.State()) != 1 {
			t.Fatalf("tx.State() after Add: want 1 entry, got %d", len(tx.State()))
		}
		if err := tx.Add("second"); err != nil {
			return 0, err
		}
		return len(tx.Events()), nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	if result.Added != 2 || result.Result != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := w.Current(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("Current: want [first second], got %v", got)
	}
}

func TestRunTransaction_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	strm := memstream.New(nil)
	group := newGroup()
	w := wrapper.New(strm, group)

	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := wrapper.RunTransaction(ctx, w, func(tx *wrapper.Transaction[logState]) (string, error) {
		return "noop", nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	if result.Added != 0 || result.EndSeq != 0 || result.Result != "noop" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReset_ClearsStateAndQuarantine(t *testing.T) {
	ctx := context.Background()
	backend := memstream.NewBackend()

	seed := memstream.New(backend)
	if _, ok, err := seed.Write(ctx, []any{memstream.Corrupt(fmt.Errorf("bad")), "ok"}); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	strm := memstream.New(backend)
	group := newGroup()
	w := wrapper.New(strm, group)
	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(w.Quarantine()) != 1 {
		t.Fatalf("want 1 quarantine entry before reset, got %d", len(w.Quarantine()))
	}

	if err := w.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if w.Sequence() != 0 || len(w.Current()) != 0 || len(w.Quarantine()) != 0 {
		t.Fatalf("Reset did not clear state: seq=%d current=%v quarantine=%v", w.Sequence(), w.Current(), w.Quarantine())
	}
}
