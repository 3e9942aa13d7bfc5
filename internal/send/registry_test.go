package send

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/courierim/courier/internal/events"
)

func testRecord(localID, dialog int64) *Record {
	return &Record{
		LocalID:  localID,
		RandomID: localID * -100,
		Dialog:   dialog,
		State:    StateSending,
	}
}

func collectEvents(t *testing.T) (*events.Bus, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), 64)
	ch := make(chan events.Event, 64)
	bus.Subscribe(func(_ context.Context, ev events.Event) { ch <- ev })
	bus.Start(context.Background())
	t.Cleanup(bus.Close)
	return bus, ch
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRegistrySendingTransitions(t *testing.T) {
	t.Parallel()
	bus, ch := collectEvents(t)
	reg := NewRegistry(bus)

	reg.Track(testRecord(-1, 5))
	ev := nextEvent(t, ch)
	changed, ok := ev.(events.SendingSetChanged)
	if !ok || !changed.Sending || changed.Dialog != 5 {
		t.Fatalf("first event = %+v, want sending=true for dialog 5", ev)
	}

	// A second in-flight record must not fire another transition.
	reg.Track(testRecord(-2, 5))
	if !reg.IsSendingInDialog(5) {
		t.Fatal("dialog should be sending")
	}

	reg.Untrack(-1)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event on N->N-1: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	reg.Untrack(-2)
	ev = nextEvent(t, ch)
	changed, ok = ev.(events.SendingSetChanged)
	if !ok || changed.Sending {
		t.Fatalf("final event = %+v, want sending=false", ev)
	}
	if reg.IsSendingInDialog(5) {
		t.Fatal("dialog still sending after last untrack")
	}
}

func TestRegistryScheduledExcluded(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(nil)
	rec := testRecord(-1, 9)
	rec.Scheduled = true
	reg.Track(rec)
	if reg.IsSendingInDialog(9) {
		t.Fatal("scheduled record must not count as sending")
	}
	if _, ok := reg.Get(-1); !ok {
		t.Fatal("scheduled record must still be tracked")
	}
}

func TestRegistryReplace(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(nil)
	rec := testRecord(-3, 2)
	reg.Track(rec)

	got := reg.Replace(-3, 800)
	if got != rec || rec.LocalID != 800 {
		t.Fatalf("Replace returned %+v, want same record re-keyed to 800", got)
	}
	if _, ok := reg.Get(-3); ok {
		t.Fatal("old id still resolvable")
	}
	if _, ok := reg.Get(800); !ok {
		t.Fatal("new id not resolvable")
	}
	if reg.IsSendingInDialog(2) {
		t.Fatal("replaced record still counts as sending")
	}
}

func TestRegistryMarkErrorAndSending(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(nil)
	rec := testRecord(-4, 3)
	reg.Track(rec)

	reg.MarkError(-4, "BAD_REQUEST")
	if rec.State != StateError || rec.ErrorCode != "BAD_REQUEST" {
		t.Fatalf("record = {state: %s, code: %s}", rec.State, rec.ErrorCode)
	}
	if reg.IsSendingInDialog(3) {
		t.Fatal("errored record still counts as sending")
	}

	reg.MarkSending(-4)
	if rec.State != StateSending || rec.ErrorCode != "" {
		t.Fatalf("record after MarkSending = {state: %s, code: %s}", rec.State, rec.ErrorCode)
	}
	if !reg.IsSendingInDialog(3) {
		t.Fatal("retried record must count as sending again")
	}
}

func TestRegistrySendingInDialog(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(nil)
	reg.Track(testRecord(-1, 7))
	reg.Track(testRecord(-2, 7))
	sent := testRecord(-3, 7)
	sent.State = StateSent
	reg.Track(sent)
	reg.Track(testRecord(-4, 8))

	if got := len(reg.SendingInDialog(7)); got != 2 {
		t.Fatalf("SendingInDialog(7) = %d records, want 2", got)
	}
	if got := len(reg.SendingInDialog(99)); got != 0 {
		t.Fatalf("SendingInDialog(99) = %d records, want 0", got)
	}
}

func TestRegistryUploadingDelta(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(nil)
	reg.UploadingDelta(1, 1)
	reg.UploadingDelta(1, 1)
	if !reg.IsUploadingInDialog(1) {
		t.Fatal("dialog should be uploading")
	}
	reg.UploadingDelta(1, -1)
	if !reg.IsUploadingInDialog(1) {
		t.Fatal("one upload still outstanding")
	}
	reg.UploadingDelta(1, -1)
	if reg.IsUploadingInDialog(1) {
		t.Fatal("uploading counter not drained")
	}
}
