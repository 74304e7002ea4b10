//go:build nats

package natswake

import (
	"testing"
	"time"
)

func TestWaker_WakeSubscribe(t *testing.T) {
	w := New("streamwrapper.wake.test")
	defer w.Close()

	ch, unsubscribe, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := w.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive a wake signal within 1s")
	}
}

func TestWaker_MultipleWakesDoNotBlock(t *testing.T) {
	w := New("streamwrapper.wake.test.multi")
	defer w.Close()

	ch, unsubscribe, err := w.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		if err := w.Wake(); err != nil {
			t.Fatalf("Wake[%d]: %v", i, err)
		}
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive any wake signal within 1s")
	}
}
