package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()
	bus := NewBus(discardLogger(), 16)
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	bus.Subscribe(func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	bus.Start(context.Background())

	bus.Publish(SendingSetChanged{Dialog: 1, Sending: true})
	bus.Publish(MessageConfirmed{OldID: -1, NewID: 10, Dialog: 1})
	bus.Publish(SendingSetChanged{Dialog: 1, Sending: false})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	topics := []string{got[0].Topic(), got[1].Topic(), got[2].Topic()}
	want := []string{TopicSendingSetChanged, TopicMessageConfirmed, TopicSendingSetChanged}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", topics, want)
		}
	}
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := NewBus(discardLogger(), 16)
	first := make(chan Event, 1)
	second := make(chan Event, 1)
	bus.Subscribe(func(_ context.Context, ev Event) { first <- ev })
	bus.Subscribe(func(_ context.Context, ev Event) { second <- ev })
	bus.Start(context.Background())
	defer bus.Close()

	bus.Publish(MessageSendError{ID: -4, Dialog: 2, Code: "LOCAL"})
	for _, ch := range []chan Event{first, second} {
		select {
		case ev := <-ch:
			if ev.Topic() != TopicMessageSendError {
				t.Fatalf("topic = %s", ev.Topic())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBusCloseDrainsQueued(t *testing.T) {
	t.Parallel()
	bus := NewBus(discardLogger(), 16)
	var mu sync.Mutex
	var count int
	bus.Subscribe(func(_ context.Context, ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Start(context.Background())
	for i := 0; i < 5; i++ {
		bus.Publish(UploadProgress{Path: "p", Loaded: int64(i), Total: 5})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("delivered %d events, want 5 drained before close", count)
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	// No delivery goroutine is running, so the buffer fills and overflow drops.
	bus := NewBus(discardLogger(), 2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(SendingSetChanged{Dialog: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	t.Parallel()
	bus := NewBus(discardLogger(), 4)
	bus.Start(context.Background())
	bus.Close()

	// Late publishers (upload progress callbacks racing shutdown) are dropped.
	bus.Publish(UploadProgress{Path: "late", Loaded: 1, Total: 2})
	bus.Close()
}

func TestBusPublishRacingClose(t *testing.T) {
	t.Parallel()
	bus := NewBus(discardLogger(), 4)
	bus.Subscribe(func(context.Context, Event) {})
	bus.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(SendingSetChanged{Dialog: int64(i)})
		}
	}()
	bus.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stuck during close")
	}
}

func TestBusSubscribeAfterStartPanics(t *testing.T) {
	t.Parallel()
	bus := NewBus(discardLogger(), 4)
	bus.Start(context.Background())
	defer bus.Close()
	defer func() {
		if recover() == nil {
			t.Fatal("Subscribe after Start must panic")
		}
	}()
	bus.Subscribe(func(context.Context, Event) {})
}
