// Package engine wires the leaf components (Store, StreamIndex, DedupCache,
// Broker, Writer, Subscriber) into the single service-level API the RPC
// surface calls: Append, ReadAll, ReadStream, SubscribeAll, SubscribeStream.
// It owns startup recovery and the global position-to-byte-range index that
// lets reads resolve a global_position without keeping every event body in
// memory. A single Open both recovers the log and hands back a ready-to-use
// engine, rather than splitting construction from recovery.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/broker"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/codec"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/dedup"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/store"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/streamindex"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/subscriber"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/writer"
)

// Config bounds the in-memory resources of an Engine.
type Config struct {
	LogPath              string
	DedupCapacity        int
	BrokerBufferSize     int
	WriterQueueDepth     int
	SubscriberBufferSize int
}

// Engine is the assembled EventfoldDB core.
type Engine struct {
	store      *store.Store
	streams    *streamindex.Index
	dedup      *dedup.Cache
	broker     *broker.Broker
	writer     *writer.Writer
	subscriber *subscriber.Subscriber
	frames     *frameIndex

	logger *slog.Logger
	cancel context.CancelFunc
}

// frameIndex maps a dense global_position to the byte range of its frame in
// the log. It is appended to in order by the Writer (via IndexFrame) and
// during Open's recovery pass, and read concurrently by ReadAll/ReadStream
// and by the Subscriber's backfill phase.
type frameIndex struct {
	mu        sync.RWMutex
	locations []frameLocation
}

type frameLocation struct {
	offset int64
	length int
}

func (f *frameIndex) IndexFrame(globalPosition uint64, offset int64, length int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(globalPosition) != len(f.locations) {
		// The Writer commits strictly in order; a gap here would mean a
		// programming error in the recovery or commit path.
		panic(fmt.Sprintf("frame index out of order: got position %d, expected %d", globalPosition, len(f.locations)))
	}
	f.locations = append(f.locations, frameLocation{offset: offset, length: length})
}

func (f *frameIndex) FrameLocation(globalPosition uint64) (int64, int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if globalPosition >= uint64(len(f.locations)) {
		return 0, 0, false
	}
	loc := f.locations[globalPosition]
	return loc.offset, loc.length, true
}

func (f *frameIndex) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.locations))
}

// Open recovers the log at cfg.LogPath (creating it if absent) and starts
// the Writer's commit goroutine. Callers must call Close when done.
func Open(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := store.Open(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	streams := streamindex.New()
	dedupCache, err := dedup.New(positiveOr(cfg.DedupCapacity, 100_000))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("new dedup cache: %w", err)
	}
	frames := &frameIndex{}

	recovered := 0
	err = s.Recover(func(rec store.RecoveredFrame) error {
		frames.IndexFrame(rec.Event.GlobalPosition, rec.FrameOffset, rec.FrameLength)
		streams.Append(rec.Event.StreamID, rec.Event.GlobalPosition)
		dedupCache.Record(rec.Event.EventID, eventfold.CommittedPlacement{
			GlobalPosition: rec.Event.GlobalPosition,
			StreamVersion:  rec.Event.StreamVersion,
			StreamID:       rec.Event.StreamID,
		})
		recovered++
		return nil
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("recover log: %w", err)
	}
	logger.Info("recovered log", "records", recovered)

	b := broker.New(positiveOr(cfg.BrokerBufferSize, 256))
	w := writer.New(s, streams, dedupCache, b, frames, positiveOr(cfg.WriterQueueDepth, 256), uint64(recovered))
	sub := subscriber.New(b, streams, frames, s, frames.Count, positiveOr(cfg.SubscriberBufferSize, 256))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	return &Engine{
		store:      s,
		streams:    streams,
		dedup:      dedupCache,
		broker:     b,
		writer:     w,
		subscriber: sub,
		frames:     frames,
		logger:     logger,
		cancel:     cancel,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Append submits a batch of events for streamID under the given
// optimistic-concurrency precondition and waits for the Writer to commit
// or reject them.
func (e *Engine) Append(ctx context.Context, streamID uuid.UUID, expected eventfold.ExpectedVersion, events []writer.NewEvent) (eventfold.AppendResult, error) {
	replyCh := make(chan writer.AppendReply, 1)
	cmd := writer.AppendCommand{StreamID: streamID, Expected: expected, Events: events, Reply: replyCh}
	if err := e.writer.Submit(ctx, cmd); err != nil {
		return eventfold.AppendResult{}, err
	}
	select {
	case reply := <-replyCh:
		return reply.Result, reply.Err
	case <-ctx.Done():
		return eventfold.AppendResult{}, ctx.Err()
	}
}

// ReadAll returns up to maxCount committed events starting at fromPosition,
// in global_position order.
func (e *Engine) ReadAll(fromPosition uint64, maxCount int) ([]eventfold.RecordedEvent, error) {
	tail := e.frames.Count()
	var out []eventfold.RecordedEvent
	for pos := fromPosition; pos < tail && (maxCount <= 0 || len(out) < maxCount); pos++ {
		event, err := e.readFrame(pos)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

// ReadStream returns up to maxCount committed events of streamID starting
// at fromVersion, in stream order.
func (e *Engine) ReadStream(streamID uuid.UUID, fromVersion uint64, maxCount int) ([]eventfold.RecordedEvent, error) {
	positions := e.streams.PositionsFrom(streamID, fromVersion, maxCount)
	out := make([]eventfold.RecordedEvent, 0, len(positions))
	for _, pos := range positions {
		event, err := e.readFrame(pos)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func (e *Engine) readFrame(position uint64) (eventfold.RecordedEvent, error) {
	offset, length, ok := e.frames.FrameLocation(position)
	if !ok {
		return eventfold.RecordedEvent{}, &eventfold.InternalError{Cause: fmt.Errorf("global position %d not indexed", position)}
	}
	buf, err := e.store.ReadAt(offset, length)
	if err != nil {
		return eventfold.RecordedEvent{}, &eventfold.InternalError{Cause: err}
	}
	outcome, err := codec.DecodeRecord(buf)
	if err != nil {
		return eventfold.RecordedEvent{}, err
	}
	if !outcome.Complete {
		return eventfold.RecordedEvent{}, &eventfold.InternalError{Cause: fmt.Errorf("indexed frame at %d is incomplete", position)}
	}
	return outcome.Event, nil
}

// SubscribeAll streams every committed event from fromPosition onward,
// catching up from the log before switching to the live feed.
func (e *Engine) SubscribeAll(ctx context.Context, fromPosition uint64) <-chan subscriber.Message {
	return e.subscriber.SubscribeAll(ctx, fromPosition)
}

// SubscribeStream streams events of one stream from fromVersion onward.
func (e *Engine) SubscribeStream(ctx context.Context, streamID uuid.UUID, fromVersion uint64) <-chan subscriber.Message {
	return e.subscriber.SubscribeStream(ctx, streamID, fromVersion)
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (e *Engine) SubscriberCount() int { return e.broker.SubscriberCount() }

// DedupCacheLen reports the current dedup cache occupancy, for metrics.
func (e *Engine) DedupCacheLen() int { return e.dedup.Len() }

// Close stops the Writer goroutine and flushes and closes the log file.
func (e *Engine) Close() error {
	e.cancel()
	return e.store.Close()
}
