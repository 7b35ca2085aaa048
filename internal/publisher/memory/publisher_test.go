package memory

import (
	"context"
	"testing"

	"github.com/Rorqualx/scrollharvest/internal/job"
)

var _ job.Notifier = (*Publisher)(nil)

func TestPublisherStoresEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	_ = pub.Notify(context.Background(), job.Event{JobID: "a", Status: job.StatusCompleted})
	_ = pub.Notify(context.Background(), job.Event{JobID: "b", Status: job.StatusFailed})

	events := pub.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].JobID != "a" || events[1].JobID != "b" {
		t.Fatalf("events not recorded in order: %+v", events)
	}

	events[0].JobID = "modified"
	if pub.Events()[0].JobID == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}

func TestSubscribeReceivesLaterEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	_ = pub.Notify(context.Background(), job.Event{JobID: "before"})

	ch := pub.Subscribe(1)
	_ = pub.Notify(context.Background(), job.Event{JobID: "after"})
	// Buffer is full; this one is dropped for the subscriber.
	_ = pub.Notify(context.Background(), job.Event{JobID: "dropped"})

	ev := <-ch
	if ev.JobID != "after" {
		t.Fatalf("expected 'after', got %q", ev.JobID)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q", ev.JobID)
	default:
	}
	if len(pub.Events()) != 3 {
		t.Fatalf("expected all 3 events recorded, got %d", len(pub.Events()))
	}
}
