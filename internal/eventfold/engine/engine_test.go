package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/subscriber"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/writer"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Config{LogPath: filepath.Join(t.TempDir(), "log.efdb")}, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestAppendThenReadAll(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	stream := uuid.New()

	result, err := e.Append(ctx, stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.created", Payload: []byte("a")},
		{EventID: uuid.New(), EventType: "widget.renamed", Payload: []byte("b")},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if result.FirstGlobalPosition != 0 || result.LastGlobalPosition != 1 {
		t.Fatalf("unexpected positions: %+v", result)
	}

	events, err := e.ReadAll(0, 100)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != "a" || string(events[1].Payload) != "b" {
		t.Fatalf("unexpected payload order: %+v", events)
	}
}

func TestAppendThenReadStream(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	streamA := uuid.New()
	streamB := uuid.New()

	if _, err := e.Append(ctx, streamA, eventfold.NoStream(), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.created"},
	}); err != nil {
		t.Fatalf("append to A: %v", err)
	}
	if _, err := e.Append(ctx, streamB, eventfold.NoStream(), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.created"},
	}); err != nil {
		t.Fatalf("append to B: %v", err)
	}
	if _, err := e.Append(ctx, streamA, eventfold.Exact(1), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.renamed"},
	}); err != nil {
		t.Fatalf("second append to A: %v", err)
	}

	events, err := e.ReadStream(streamA, 0, 100)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events in stream A, got %d", len(events))
	}
	if events[0].EventType != "widget.created" || events[1].EventType != "widget.renamed" {
		t.Fatalf("unexpected stream order: %+v", events)
	}
}

func TestSubscribeAllCatchesUpThenDeliversLive(t *testing.T) {
	e := openTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := uuid.New()

	if _, err := e.Append(context.Background(), stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.created"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	messages := e.SubscribeAll(ctx, 0)

	first := recv(t, messages)
	if first.Kind != subscriber.KindEvent || first.Event.EventType != "widget.created" {
		t.Fatalf("expected backfilled event first, got %+v", first)
	}
	caughtUp := recv(t, messages)
	if caughtUp.Kind != subscriber.KindCaughtUp {
		t.Fatalf("expected CaughtUp marker, got %+v", caughtUp)
	}

	if _, err := e.Append(context.Background(), stream, eventfold.Exact(1), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.renamed"},
	}); err != nil {
		t.Fatalf("live append: %v", err)
	}
	live := recv(t, messages)
	if live.Kind != subscriber.KindEvent || live.Event.EventType != "widget.renamed" {
		t.Fatalf("expected live event, got %+v", live)
	}
}

func recv(t *testing.T, ch <-chan subscriber.Message) subscriber.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber message")
		return subscriber.Message{}
	}
}

func TestRecoveryRebuildsIndexesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.efdb")
	stream := uuid.New()

	e1, err := Open(Config{LogPath: path}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e1.Append(context.Background(), stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.created"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(Config{LogPath: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	events, err := e2.ReadStream(stream, 0, 10)
	if err != nil {
		t.Fatalf("read stream after reopen: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event recovered, got %d", len(events))
	}

	result, err := e2.Append(context.Background(), stream, eventfold.Exact(1), []writer.NewEvent{
		{EventID: uuid.New(), EventType: "widget.renamed"},
	})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if result.FirstGlobalPosition != 1 {
		t.Fatalf("expected global position counter to resume at 1, got %d", result.FirstGlobalPosition)
	}
}

// TestDedupCacheSurvivesRestart covers scenario S4: an event_id committed
// before a restart must still short-circuit as a replay afterward, proving
// the dedup cache is correctly reconstructed from the full forward replay
// Store.Recover performs during Open, not merely from in-memory state.
func TestDedupCacheSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.efdb")
	stream := uuid.New()
	eventID := uuid.New()

	e1, err := Open(Config{LogPath: path}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	original, err := e1.Append(context.Background(), stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: eventID, EventType: "widget.created", Payload: []byte("a")},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(Config{LogPath: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	// Resubmit the identical event_id under a precondition that would fail
	// if re-evaluated, to prove the dedup short-circuit fires before any
	// precondition check runs.
	replay, err := e2.Append(context.Background(), stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: eventID, EventType: "widget.created", Payload: []byte("a")},
	})
	if err != nil {
		t.Fatalf("replay append after restart: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("expected a previously committed event_id to replay after restart")
	}
	want := original
	want.Replayed = true
	if replay != want {
		t.Fatalf("expected replayed result to match the pre-restart commit: got %+v, want %+v", replay, want)
	}

	events, err := e2.ReadAll(0, 100)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event after restart and replay, got %d", len(events))
	}
}

// TestDedupHitDoesNotPublishToSubscription covers scenario S6: a batch that
// short-circuits as a dedup replay must never reach the Broker, so a live
// subscriber sees the original commit exactly once and nothing for the
// resubmission.
func TestDedupHitDoesNotPublishToSubscription(t *testing.T) {
	e := openTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := uuid.New()
	eventID := uuid.New()

	messages := e.SubscribeAll(ctx, 0)
	caughtUp := recv(t, messages)
	if caughtUp.Kind != subscriber.KindCaughtUp {
		t.Fatalf("expected immediate CaughtUp on an empty log, got %+v", caughtUp)
	}

	if _, err := e.Append(context.Background(), stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: eventID, EventType: "widget.created"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	first := recv(t, messages)
	if first.Kind != subscriber.KindEvent || first.Event.EventID != eventID {
		t.Fatalf("expected the live commit to arrive, got %+v", first)
	}

	replay, err := e.Append(context.Background(), stream, eventfold.NoStream(), []writer.NewEvent{
		{EventID: eventID, EventType: "widget.created"},
	})
	if err != nil {
		t.Fatalf("replay append: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("expected the resubmitted event_id to be a dedup replay")
	}

	select {
	case msg := <-messages:
		t.Fatalf("expected no further message after a dedup-hit append, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
