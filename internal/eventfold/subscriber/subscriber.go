// Package subscriber implements the catch-up-then-live read path: a
// subscription joins the Broker's live feed first, replays whatever was
// already committed ahead of the requested starting point from the log,
// emits a CaughtUp marker, then forwards live events with the backfilled
// range filtered out. Joining before backfilling, rather than after, is
// what avoids a gap between the two phases.
package subscriber

import (
	"context"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/broker"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/codec"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/streamindex"
)

// Kind tags the variant of a Message.
type Kind int

const (
	// KindEvent carries one committed event, either backfilled or live.
	KindEvent Kind = iota
	// KindCaughtUp marks the end of backfill: everything at or after this
	// point arrives live. Exactly one is emitted per subscription.
	KindCaughtUp
	// KindError is terminal: the subscription has ended (data loss or a
	// read failure) and no further messages follow.
	KindError
)

// Message is one item delivered to a caller of SubscribeAll/SubscribeStream.
type Message struct {
	Kind  Kind
	Event eventfold.RecordedEvent
	Err   error
}

// FrameLookup resolves a committed global_position to the byte range of its
// frame in the log, so backfill can read historical records without the
// engine keeping every event body in memory. Implemented by the engine,
// which builds the table from Store.Recover and from Writer commits.
type FrameLookup interface {
	FrameLocation(globalPosition uint64) (offset int64, length int, ok bool)
}

// LogReader reads raw bytes from the durable log, implemented by *store.Store.
type LogReader interface {
	ReadAt(offset int64, length int) ([]byte, error)
}

// Subscriber is the catch-up-then-live read component.
type Subscriber struct {
	broker     *broker.Broker
	streams    *streamindex.Index
	lookup     FrameLookup
	log        LogReader
	tail       func() uint64 // current committed count == next global_position
	bufferSize int
}

// New constructs a Subscriber. tail must return the count of events
// committed so far (i.e. the global_position that will be assigned next),
// consistent with the Broker subscription taken at the start of each call.
func New(b *broker.Broker, streams *streamindex.Index, lookup FrameLookup, log LogReader, tail func() uint64, bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Subscriber{broker: b, streams: streams, lookup: lookup, log: log, tail: tail, bufferSize: bufferSize}
}

// SubscribeAll streams every event from fromPosition onward, oldest first,
// catching up from the log before switching to the live broker feed. The
// returned channel is closed when ctx is cancelled or after a terminal
// KindError message.
func (s *Subscriber) SubscribeAll(ctx context.Context, fromPosition uint64) <-chan Message {
	out := make(chan Message, s.bufferSize)
	go s.run(ctx, out, fromPosition, nil)
	return out
}

// SubscribeStream streams events of one stream from fromVersion onward,
// with the same catch-up-then-live handoff as SubscribeAll.
func (s *Subscriber) SubscribeStream(ctx context.Context, streamID uuid.UUID, fromVersion uint64) <-chan Message {
	out := make(chan Message, s.bufferSize)
	filter := &streamFilter{streamID: streamID, fromVersion: fromVersion, streams: s.streams}
	go s.run(ctx, out, 0, filter)
	return out
}

type streamFilter struct {
	streamID    uuid.UUID
	fromVersion uint64
	streams     *streamindex.Index
}

func (s *Subscriber) run(ctx context.Context, out chan<- Message, fromPosition uint64, filter *streamFilter) {
	defer close(out)

	sub := s.broker.Subscribe()
	defer sub.Unsubscribe()

	// Snapshot the tail after joining the live feed: every position below
	// T is guaranteed either already durable (backfill will find it) or
	// about to arrive on the live channel, so there is no gap either way.
	tail := s.tail()

	if filter != nil {
		if !s.backfillStream(ctx, out, filter, tail) {
			return
		}
	} else {
		if !s.backfillAll(ctx, out, fromPosition, tail) {
			return
		}
	}

	select {
	case out <- Message{Kind: KindCaughtUp}:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Lagged {
				select {
				case out <- Message{Kind: KindError, Err: &eventfold.DataLossError{Reason: "subscriber fell behind the live broker buffer"}}:
				case <-ctx.Done():
				}
				return
			}
			if msg.Event.GlobalPosition < tail {
				// Already delivered during backfill.
				continue
			}
			if filter == nil && msg.Event.GlobalPosition < fromPosition {
				continue
			}
			if filter != nil && msg.Event.StreamID != filter.streamID {
				continue
			}
			if filter != nil && msg.Event.StreamVersion < filter.fromVersion {
				continue
			}
			select {
			case out <- Message{Kind: KindEvent, Event: msg.Event}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// backfillAll emits every committed event in [fromPosition, tail) in order.
func (s *Subscriber) backfillAll(ctx context.Context, out chan<- Message, fromPosition, tail uint64) bool {
	for pos := fromPosition; pos < tail; pos++ {
		event, err := s.readAt(pos)
		if err != nil {
			return s.emitError(ctx, out, err)
		}
		if !s.emitEvent(ctx, out, event) {
			return false
		}
	}
	return true
}

// backfillStream emits every committed event of filter.streamID at or
// after filter.fromVersion, in stream order.
func (s *Subscriber) backfillStream(ctx context.Context, out chan<- Message, filter *streamFilter, tail uint64) bool {
	positions := s.streams.PositionsFrom(filter.streamID, filter.fromVersion, -1)
	for _, pos := range positions {
		if pos >= tail {
			break
		}
		event, err := s.readAt(pos)
		if err != nil {
			return s.emitError(ctx, out, err)
		}
		if !s.emitEvent(ctx, out, event) {
			return false
		}
	}
	return true
}

func (s *Subscriber) readAt(position uint64) (eventfold.RecordedEvent, error) {
	offset, length, ok := s.lookup.FrameLocation(position)
	if !ok {
		return eventfold.RecordedEvent{}, &eventfold.InternalError{Cause: errPositionNotIndexed(position)}
	}
	buf, err := s.log.ReadAt(offset, length)
	if err != nil {
		return eventfold.RecordedEvent{}, &eventfold.InternalError{Cause: err}
	}
	outcome, err := codec.DecodeRecord(buf)
	if err != nil {
		return eventfold.RecordedEvent{}, err
	}
	if !outcome.Complete {
		return eventfold.RecordedEvent{}, &eventfold.InternalError{Cause: errPositionNotIndexed(position)}
	}
	return outcome.Event, nil
}

func (s *Subscriber) emitEvent(ctx context.Context, out chan<- Message, event eventfold.RecordedEvent) bool {
	select {
	case out <- Message{Kind: KindEvent, Event: event}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) emitError(ctx context.Context, out chan<- Message, err error) bool {
	select {
	case out <- Message{Kind: KindError, Err: err}:
	case <-ctx.Done():
	}
	return false
}

type errPositionNotIndexed uint64

func (e errPositionNotIndexed) Error() string {
	return "global position not found in frame index"
}
