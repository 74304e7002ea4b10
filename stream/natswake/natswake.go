// Package natswake is an optional accelerator for any stream.Stream: it
// publishes a NATS message whenever a Write succeeds, and lets a waiting
// BackgroundFetch caller subscribe to be woken immediately instead of
// polling on an interval. Adapted from the teacher's
// event/eventbus/nats.EventBus (connect-on-first-use, functional options).
//
// This is pure optimization: spec.md's ordering guarantees (§5) hold whether
// or not a Waker is wired in, since the underlying Stream's Write/
// BackgroundFetch semantics are unchanged.
package natswake

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Waker publishes and subscribes to a single NATS subject used purely as a
// "new events may be available" wake signal; it carries no payload data.
type Waker struct {
	subject     string
	url         string
	connectOpts []nats.Option

	connMux sync.Mutex
	conn    *nats.Conn

	onceConnect sync.Once
	connectErr  error
}

// Option is a Waker option.
type Option func(*Waker)

// URL sets the NATS connection URL. If unset, nats.DefaultURL is used.
func URL(url string) Option {
	return func(w *Waker) { w.url = url }
}

// ConnectWith adds custom nats.Options used when connecting.
func ConnectWith(opts ...nats.Option) Option {
	return func(w *Waker) { w.connectOpts = append(w.connectOpts, opts...) }
}

// New returns a Waker that wakes subscribers on subject.
func New(subject string, opts ...Option) *Waker {
	w := &Waker{subject: subject, url: nats.DefaultURL}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Waker) connect() error {
	w.onceConnect.Do(func() {
		conn, err := nats.Connect(w.url, w.connectOpts...)
		if err != nil {
			w.connectErr = fmt.Errorf("natswake: connect: %w", err)
			return
		}
		w.connMux.Lock()
		w.conn = conn
		w.connMux.Unlock()
	})
	return w.connectErr
}

// Wake publishes a wake signal. Call this after a successful stream.Write.
func (w *Waker) Wake() error {
	if err := w.connect(); err != nil {
		return err
	}
	if err := w.conn.Publish(w.subject, nil); err != nil {
		return fmt.Errorf("natswake: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives a value every time Wake is
// called (by this or any other process sharing the subject), and an
// unsubscribe function. Used to short-circuit a poll-based BackgroundFetch
// loop instead of waiting out a fixed interval.
func (w *Waker) Subscribe() (<-chan struct{}, func(), error) {
	if err := w.connect(); err != nil {
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	sub, err := w.conn.Subscribe(w.subject, func(*nats.Msg) {
		select {
		case out <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("natswake: subscribe: %w", err)
	}

	return out, func() { _ = sub.Unsubscribe() }, nil
}

// Close closes the underlying NATS connection, if one was established.
func (w *Waker) Close() {
	w.connMux.Lock()
	defer w.connMux.Unlock()
	if w.conn != nil {
		w.conn.Close()
	}
}
