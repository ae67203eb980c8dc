package broker

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
)

func TestSubscribeDoesNotReplayHistory(t *testing.T) {
	b := New(4)
	b.Publish(eventfold.RecordedEvent{GlobalPosition: 0})

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	select {
	case msg := <-sub.C():
		t.Fatalf("expected no replay, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDeliversToLiveSubscriber(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	event := eventfold.RecordedEvent{GlobalPosition: 1, EventID: uuid.New()}
	b.Publish(event)

	select {
	case msg := <-sub.C():
		if msg.Lagged {
			t.Fatal("unexpected lag marker")
		}
		if msg.Event.EventID != event.EventID {
			t.Fatalf("event mismatch: got %+v, want %+v", msg.Event, event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New(4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish(eventfold.RecordedEvent{GlobalPosition: 5})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case msg := <-sub.C():
			if msg.Event.GlobalPosition != 5 {
				t.Fatalf("unexpected position %d", msg.Event.GlobalPosition)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for publish")
		}
	}
}

func TestSlowSubscriberGetsLaggedMarker(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	// Fill the single-slot buffer, then publish again to force an
	// overflow without draining.
	b.Publish(eventfold.RecordedEvent{GlobalPosition: 0})
	b.Publish(eventfold.RecordedEvent{GlobalPosition: 1})

	msg := <-sub.C()
	if !msg.Lagged {
		t.Fatalf("expected a Lagged marker after overflow, got %+v", msg)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := New(4)
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers initially")
	}
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatal("expected 1 subscriber after Subscribe")
	}
	sub.Unsubscribe()
	if b.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers after Unsubscribe")
	}
}
