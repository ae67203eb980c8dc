package subscriber

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/broker"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/codec"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/streamindex"
)

// fakeLog is an in-memory LogReader/FrameLookup pair backing a sequence of
// encoded frames, standing in for Store + the engine's frame index.
type fakeLog struct {
	frames    [][]byte
	positions []struct {
		offset int64
		length int
	}
}

func newFakeLog() *fakeLog { return &fakeLog{} }

func (f *fakeLog) append(event eventfold.RecordedEvent) {
	frame := codec.EncodeRecord(&event)
	offset := int64(0)
	for _, existing := range f.frames {
		offset += int64(len(existing))
	}
	f.positions = append(f.positions, struct {
		offset int64
		length int
	}{offset: offset, length: len(frame)})
	f.frames = append(f.frames, frame)
}

func (f *fakeLog) ReadAt(offset int64, length int) ([]byte, error) {
	for i, p := range f.positions {
		if p.offset == offset && p.length == length {
			return f.frames[i], nil
		}
	}
	panic("unknown offset/length in test fake")
}

func (f *fakeLog) FrameLocation(globalPosition uint64) (int64, int, bool) {
	if int(globalPosition) >= len(f.positions) {
		return 0, 0, false
	}
	p := f.positions[globalPosition]
	return p.offset, p.length, true
}

func (f *fakeLog) count() uint64 { return uint64(len(f.frames)) }

func TestSubscribeAllBackfillsThenDeliversLive(t *testing.T) {
	log := newFakeLog()
	streams := streamindex.New()
	b := broker.New(16)

	streamID := uuid.New()
	committed := eventfold.RecordedEvent{EventID: uuid.New(), StreamID: streamID, StreamVersion: 0, GlobalPosition: 0, EventType: "widget.created"}
	log.append(committed)
	streams.Append(streamID, 0)

	sub := New(b, streams, log, log, log.count, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := sub.SubscribeAll(ctx, 0)

	backfilled := recv(t, messages)
	if backfilled.Kind != KindEvent || backfilled.Event.EventType != "widget.created" {
		t.Fatalf("expected backfilled event, got %+v", backfilled)
	}
	caughtUp := recv(t, messages)
	if caughtUp.Kind != KindCaughtUp {
		t.Fatalf("expected CaughtUp, got %+v", caughtUp)
	}

	live := eventfold.RecordedEvent{EventID: uuid.New(), StreamID: streamID, StreamVersion: 1, GlobalPosition: 1, EventType: "widget.renamed"}
	log.append(live)
	streams.Append(streamID, 1)
	b.Publish(live)

	liveMsg := recv(t, messages)
	if liveMsg.Kind != KindEvent || liveMsg.Event.EventType != "widget.renamed" {
		t.Fatalf("expected live event, got %+v", liveMsg)
	}
}

func TestSubscribeStreamFiltersOtherStreams(t *testing.T) {
	log := newFakeLog()
	streams := streamindex.New()
	b := broker.New(16)

	streamA, streamB := uuid.New(), uuid.New()
	sub := New(b, streams, log, log, log.count, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := sub.SubscribeStream(ctx, streamA, 0)
	caughtUp := recv(t, messages)
	if caughtUp.Kind != KindCaughtUp {
		t.Fatalf("expected immediate CaughtUp on an empty stream, got %+v", caughtUp)
	}

	other := eventfold.RecordedEvent{EventID: uuid.New(), StreamID: streamB, StreamVersion: 0, GlobalPosition: 0, EventType: "widget.created"}
	log.append(other)
	streams.Append(streamB, 0)
	b.Publish(other)

	mine := eventfold.RecordedEvent{EventID: uuid.New(), StreamID: streamA, StreamVersion: 0, GlobalPosition: 1, EventType: "widget.created"}
	log.append(mine)
	streams.Append(streamA, 1)
	b.Publish(mine)

	msg := recv(t, messages)
	if msg.Kind != KindEvent || msg.Event.StreamID != streamA {
		t.Fatalf("expected only streamA's event, got %+v", msg)
	}
}

// TestSubscribeAllClosesChannelOnContextCancellation exercises the other
// terminal path: the caller giving up rather than the subscriber lagging.
func TestSubscribeAllClosesChannelOnContextCancellation(t *testing.T) {
	log := newFakeLog()
	streams := streamindex.New()
	b := broker.New(16)

	sub := New(b, streams, log, log, log.count, 16)
	ctx, cancel := context.WithCancel(context.Background())

	messages := sub.SubscribeAll(ctx, 0)
	caughtUp := recv(t, messages)
	if caughtUp.Kind != KindCaughtUp {
		t.Fatalf("expected CaughtUp, got %+v", caughtUp)
	}

	cancel()
	select {
	case _, ok := <-messages:
		if ok {
			t.Fatal("expected channel to drain then close after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel to close")
	}
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber message")
		return Message{}
	}
}
