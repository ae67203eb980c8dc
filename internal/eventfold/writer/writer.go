// Package writer implements the single-owner append pipeline: one
// goroutine drains a bounded FIFO of append commands and is the only
// mutator of the Store, the StreamIndex and the DedupCache, so every
// commit is strictly ordered with no additional locking. Each command
// carries its own one-shot reply channel, in the same shape as a
// request/ackCh pair drained by a single dedicated flush goroutine.
package writer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/broker"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/codec"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/dedup"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/store"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/streamindex"
)

// NewEvent is one client-supplied event awaiting a position assignment.
type NewEvent struct {
	EventID   uuid.UUID
	EventType string
	Metadata  []byte
	Payload   []byte
}

// AppendCommand is one unit of work submitted to the Writer: a batch of
// events for a single stream, under one optimistic-concurrency
// precondition, with a reply channel the Writer uses exactly once.
type AppendCommand struct {
	StreamID uuid.UUID
	Expected eventfold.ExpectedVersion
	Events   []NewEvent
	Reply    chan<- AppendReply
}

// AppendReply is the one-shot response to an AppendCommand.
type AppendReply struct {
	Result eventfold.AppendResult
	Err    error
}

// FrameIndexer is notified of each committed frame's on-disk location so a
// caller (the engine) can resolve global_position to log bytes without
// keeping every event body resident in memory. Implementations must not
// block the Writer goroutine.
type FrameIndexer interface {
	IndexFrame(globalPosition uint64, offset int64, length int)
}

// Writer is the single-owner append pipeline component.
type Writer struct {
	store   *store.Store
	streams *streamindex.Index
	dedup   *dedup.Cache
	broker  *broker.Broker
	indexer FrameIndexer

	inbox chan AppendCommand

	nextGlobalPosition uint64
	failed             error
}

// New constructs a Writer. nextGlobalPosition is the position that will be
// assigned to the next freshly committed event — for a brand-new log this
// is 0; after recovery it is the count of records already on disk.
// queueDepth bounds the inbox channel; Submit blocks, rather than drops,
// once it is full.
func New(s *store.Store, streams *streamindex.Index, dedupCache *dedup.Cache, b *broker.Broker, indexer FrameIndexer, queueDepth int, nextGlobalPosition uint64) *Writer {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Writer{
		store:              s,
		streams:            streams,
		dedup:              dedupCache,
		broker:             b,
		indexer:            indexer,
		inbox:              make(chan AppendCommand, queueDepth),
		nextGlobalPosition: nextGlobalPosition,
	}
}

// Submit enqueues cmd for processing, blocking while the inbox is full.
// Returns ctx.Err() if ctx is cancelled before the command is accepted.
func (w *Writer) Submit(ctx context.Context, cmd AppendCommand) error {
	select {
	case w.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the inbox until ctx is cancelled. It is intended to run in a
// single dedicated goroutine for the lifetime of the engine.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-w.inbox:
			w.process(cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Writer) process(cmd AppendCommand) {
	reply := w.processLocked(cmd)
	cmd.Reply <- reply
}

// processLocked runs the full commit sequence for one batch. It is called
// only from the Writer's single goroutine, so it never needs its own
// locking — the mutexes inside StreamIndex and DedupCache exist for
// concurrent readers, not for this.
func (w *Writer) processLocked(cmd AppendCommand) AppendReply {
	if w.failed != nil {
		return AppendReply{Err: &eventfold.InternalError{Cause: fmt.Errorf("writer disabled after prior failure: %w", w.failed)}}
	}

	// Step 1: empty batch is rejected outright.
	if len(cmd.Events) == 0 {
		return AppendReply{Err: &eventfold.InvalidArgumentError{Reason: "append batch must contain at least one event"}}
	}
	for _, e := range cmd.Events {
		if len(e.EventType) == 0 || len(e.EventType) > eventfold.MaxEventTypeLen {
			return AppendReply{Err: &eventfold.InvalidArgumentError{Reason: "event_type must be 1.." + fmt.Sprint(eventfold.MaxEventTypeLen) + " bytes"}}
		}
	}

	// Step 2: probe the whole batch for a prior commit under the same
	// event_ids. A batch hits only when every event_id is already known; a
	// partial overlap is treated as a fresh batch, including the
	// already-known ids (see DESIGN.md's Open Question resolution).
	ids := make([][16]byte, len(cmd.Events))
	for i, e := range cmd.Events {
		ids[i] = e.EventID
	}
	outcomes := w.dedup.ProbeBatch(ids)
	if allHit(outcomes) {
		return AppendReply{Result: replayedResult(outcomes)}
	}

	// Step 3+4: evaluate the optimistic-concurrency precondition against
	// the stream's current version.
	currentVersion, exists := w.streams.CurrentVersion(cmd.StreamID)
	expectedNext := uint64(0)
	if exists {
		expectedNext = currentVersion + 1
	}
	if err := checkExpectedVersion(cmd.Expected, exists, expectedNext); err != nil {
		return AppendReply{Err: err}
	}

	// Step 5: assign dense positions and build the on-disk records.
	records := make([]eventfold.RecordedEvent, len(cmd.Events))
	frames := make([][]byte, len(cmd.Events))
	firstGlobal := w.nextGlobalPosition
	firstStreamVersion := expectedNext
	for i, e := range cmd.Events {
		records[i] = eventfold.RecordedEvent{
			EventID:        e.EventID,
			StreamID:       cmd.StreamID,
			StreamVersion:  expectedNext + uint64(i),
			GlobalPosition: w.nextGlobalPosition + uint64(i),
			EventType:      e.EventType,
			Metadata:       e.Metadata,
			Payload:        e.Payload,
		}
		frames[i] = codec.EncodeRecord(&records[i])
	}

	// Step 6: a single durable flush for the whole batch.
	offsets, err := w.store.AppendRaw(frames)
	if err != nil {
		w.failed = err
		return AppendReply{Err: &eventfold.InternalError{Cause: err}}
	}
	w.nextGlobalPosition += uint64(len(records))

	// Step 7: update the in-memory indexes now that the batch is durable.
	for i, rec := range records {
		w.streams.Append(rec.StreamID, rec.GlobalPosition)
		w.dedup.Record(rec.EventID, eventfold.CommittedPlacement{
			GlobalPosition: rec.GlobalPosition,
			StreamVersion:  rec.StreamVersion,
			StreamID:       rec.StreamID,
		})
		if w.indexer != nil {
			w.indexer.IndexFrame(rec.GlobalPosition, offsets[i], len(frames[i]))
		}
	}

	// Step 8: publish to live subscribers in commit order.
	for _, rec := range records {
		w.broker.Publish(rec)
	}

	// Step 9: reply.
	last := len(records) - 1
	return AppendReply{Result: eventfold.AppendResult{
		FirstGlobalPosition: firstGlobal,
		LastGlobalPosition:  records[last].GlobalPosition,
		FirstStreamVersion:  firstStreamVersion,
		LastStreamVersion:   records[last].StreamVersion,
	}}
}

func allHit(outcomes []dedup.Outcome) bool {
	for _, o := range outcomes {
		if !o.Hit {
			return false
		}
	}
	return true
}

func replayedResult(outcomes []dedup.Outcome) eventfold.AppendResult {
	first := outcomes[0].Placement
	last := outcomes[len(outcomes)-1].Placement
	return eventfold.AppendResult{
		FirstGlobalPosition: first.GlobalPosition,
		LastGlobalPosition:  last.GlobalPosition,
		FirstStreamVersion:  first.StreamVersion,
		LastStreamVersion:   last.StreamVersion,
		Replayed:            true,
	}
}

func checkExpectedVersion(expected eventfold.ExpectedVersion, exists bool, expectedNext uint64) error {
	switch expected.Kind {
	case eventfold.ExpectedAny:
		return nil
	case eventfold.ExpectedNoStream:
		if exists {
			return &eventfold.WrongExpectedVersionError{Expected: 0, Actual: expectedNext}
		}
		return nil
	case eventfold.ExpectedStreamExists:
		if !exists {
			return &eventfold.WrongExpectedVersionError{Expected: expected.Version, Actual: 0}
		}
		return nil
	case eventfold.ExpectedExact:
		if expected.Version != expectedNext {
			return &eventfold.WrongExpectedVersionError{Expected: expected.Version, Actual: expectedNext}
		}
		return nil
	default:
		return &eventfold.InvalidArgumentError{Reason: "unknown expected_version kind"}
	}
}
