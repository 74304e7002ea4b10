//go:build mongo

// Package mongostream is a MongoDB-backed stream.Stream, adapted from the
// teacher's event/eventstore/mongostore.Store: the same entries-collection
// shape and session-transactional optimistic-version check, applied to a
// single global append log instead of one stream per aggregate.
package mongostream

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/modernice/streamwrapper/codec"
	"github.com/modernice/streamwrapper/stream"
	"github.com/modernice/streamwrapper/stream/natswake"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FetchBatchSize is the number of entries pulled per BackgroundFetch round.
const FetchBatchSize = 500

// Store is the MongoDB stream.Stream.
type Store struct {
	codec      codec.Codec
	dbname     string
	entriesCol string

	client      *mongo.Client
	db          *mongo.Database
	entries     *mongo.Collection
	url         string
	connectOpts []*options.ClientOptions
	waker       *natswake.Waker

	onceConnect sync.Once
	connectErr  error

	mux      sync.Mutex
	buf      []any
	localSeq uint64
}

// entry is the BSON document shape stored per event.
type entry struct {
	Seq  uint64 `bson:"seq"`
	Data []byte `bson:"data"`
}

// Option is a Store option.
type Option func(*Store)

// Client sets the underlying *mongo.Client to use.
func Client(c *mongo.Client) Option {
	return func(s *Store) { s.client = c }
}

// Database sets the Mongo database name. Defaults to "streamwrapper".
func Database(name string) Option {
	return func(s *Store) { s.dbname = name }
}

// Collection sets the collection name events are stored in. Defaults to
// "events".
func Collection(name string) Option {
	return func(s *Store) { s.entriesCol = name }
}

// URL sets the connection URL. If unset, the MONGOSTREAM_URL environment
// variable is used, mirroring the teacher's own URL-from-env fallback.
func URL(url string) Option {
	return func(s *Store) { s.url = url }
}

// Codec overrides the codec used to turn events into bytes. Defaults to
// codec.NewGobCodec().
func Codec(c codec.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// Waker attaches a natswake.Waker that gets notified after every successful
// Write, so that other Stores (e.g. in other processes) watching the same
// subject can short-circuit their own poll loop instead of waiting out a
// fixed interval before their next BackgroundFetch. Purely an optimization:
// Write succeeds the same way whether or not a Waker is attached.
func Waker(w *natswake.Waker) Option {
	return func(s *Store) { s.waker = w }
}

// New returns a MongoDB stream.Stream.
func New(opts ...Option) *Store {
	s := &Store{codec: codec.NewGobCodec()}
	for _, opt := range opts {
		opt(s)
	}
	if strings.TrimSpace(s.dbname) == "" {
		s.dbname = "streamwrapper"
	}
	if strings.TrimSpace(s.entriesCol) == "" {
		s.entriesCol = "events"
	}
	if strings.TrimSpace(s.url) == "" {
		s.url = os.Getenv("MONGOSTREAM_URL")
	}
	return s
}

func (s *Store) connectOnce(ctx context.Context) error {
	s.onceConnect.Do(func() {
		if s.client == nil {
			opts := append([]*options.ClientOptions{options.Client().ApplyURI(s.url)}, s.connectOpts...)
			client, err := mongo.Connect(ctx, opts...)
			if err != nil {
				s.connectErr = fmt.Errorf("connect: %w", err)
				return
			}
			s.client = client
		}
		s.db = s.client.Database(s.dbname)
		s.entries = s.db.Collection(s.entriesCol)
	})
	return s.connectErr
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

	return evt, s.localSeq, true, nil
}

// BackgroundFetch queries entries with seq greater than what's already known
// locally and returns a FinishFunc that decodes and buffers them.
func (s *Store) BackgroundFetch(ctx context.Context) (stream.FinishFunc, error) {
	if err := s.connectOnce(ctx); err != nil {
		return nil, err
	}

	s.mux.Lock()
	from := s.localSeq + uint64(len(s.buf))
	s.mux.Unlock()

	cur, err := s.entries.Find(ctx, bson.D{{Key: "seq", Value: bson.D{{Key: "$gt", Value: from}}}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(FetchBatchSize))
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	return func(ctx context.Context) (bool, error) {
		defer cur.Close(ctx)

		var fetched []any
		count := 0
		for cur.Next(ctx) {
			count++
			var e entry
			if err := cur.Decode(&e); err != nil {
				return false, fmt.Errorf("decode entry: %w", err)
			}
			var evt any
			if err := s.codec.Decode(e.Data, &evt); err != nil {
				return false, fmt.Errorf("decode event at seq %d: %w", e.Seq, err)
			}
			fetched = append(fetched, evt)
		}
		if err := cur.Err(); err != nil {
			return false, fmt.Errorf("cursor: %w", err)
		}

		s.mux.Lock()
		s.buf = append(s.buf, fetched...)
		s.mux.Unlock()

		// Report more=true whenever this page integrated anything, even a
		// partial final page: the caller's next loop iteration drains it,
		// then a following empty fetch is what actually ends the loop. Using
		// count == FetchBatchSize here would skip draining a short final
		// page entirely.
		return count > 0, nil
	}, nil
}

func (s *Store) DiscardUpTo(ctx context.Context, seq uint64) (uint64, error) {
	if err := s.connectOnce(ctx); err != nil {
		return 0, err
	}

	maxSeq, err := s.maxSeq(ctx)
	if err != nil {
		return 0, err
	}

	s.mux.Lock()
	if seq > s.localSeq {
		s.localSeq = seq - 1
	}
	s.buf = nil
	s.mux.Unlock()

	return maxSeq, nil
}

func (s *Store) maxSeq(ctx context.Context) (uint64, error) {
	cur, err := s.entries.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(1))
	if err != nil {
		return 0, fmt.Errorf("find max seq: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return 0, nil
	}
	var e entry
	if err := cur.Decode(&e); err != nil {
		return 0, fmt.Errorf("decode max seq entry: %w", err)
	}
	return e.Seq, nil
}

// Write inserts events transactionally, first checking the highest stored
// sequence against the caller's known tail — the global-stream analogue of
// mongostore.validateVersion.
func (s *Store) Write(ctx context.Context, events []any) (uint64, bool, error) {
	if err := s.connectOnce(ctx); err != nil {
		return 0, false, err
	}

	s.mux.Lock()
	tail := s.localSeq + uint64(len(s.buf))
	s.mux.Unlock()

	var newTail uint64
	var conflict bool

	err := s.client.UseSession(ctx, func(sctx mongo.SessionContext) error {
		if err := sctx.StartTransaction(); err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}

		maxSeq, err := s.maxSeq(sctx)
		if err != nil {
			_ = sctx.AbortTransaction(sctx)
			return err
		}

		if maxSeq != tail {
			conflict = true
			return sctx.AbortTransaction(sctx)
		}

		docs := make([]any, 0, len(events))
		for i, evt := range events {
			data, err := s.codec.Encode(evt)
			if err != nil {
				_ = sctx.AbortTransaction(sctx)
				return fmt.Errorf("encode event %d: %w", i, err)
			}
			docs = append(docs, entry{Seq: tail + uint64(i) + 1, Data: data})
		}

		if len(docs) > 0 {
			if _, err := s.entries.InsertMany(sctx, docs); err != nil {
				_ = sctx.AbortTransaction(sctx)
				return fmt.Errorf("insert: %w", err)
			}
		}

		if err := sctx.CommitTransaction(sctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}

		newTail = tail + uint64(len(events))
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if conflict {
		return 0, false, nil
	}

	// Leave the written events in the local buffer, undelivered, exactly as
	// BackgroundFetch would have left them: the caller's own local catch-up
	// is what actually applies them to the projection group.
	s.mux.Lock()
	s.buf = append(s.buf, events...)
	s.mux.Unlock()

	if s.waker != nil {
		// Best-effort: a missed wake just means other Stores fall back to
		// waiting out their own poll interval before the next fetch.
		_ = s.waker.Wake()
	}

	return newTail, true, nil
}

// WaitForWake subscribes to the attached Waker (if any) and returns a channel
// that receives a value whenever another Store writes to the same stream,
// letting an outer poll loop wait on it instead of sleeping a fixed interval
// before the next BackgroundFetch. Returns ok=false if no Waker is attached.
func (s *Store) WaitForWake() (ch <-chan struct{}, unsubscribe func(), ok bool, err error) {
	if s.waker == nil {
		return nil, nil, false, nil
	}
	ch, unsubscribe, err = s.waker.Subscribe()
	if err != nil {
		return nil, nil, false, fmt.Errorf("subscribe to wake signal: %w", err)
	}
	return ch, unsubscribe, true, nil
}

func (s *Store) Reset() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.localSeq = 0
	s.buf = nil
}
