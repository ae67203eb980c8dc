// Package eventfold holds the data model shared by every core subsystem:
// codec, store, streamindex, dedup, broker, writer and subscriber.
package eventfold

import "github.com/google/uuid"

// MaxEventTypeLen bounds event_type at 256 bytes, tighter than the codec's
// 16-bit length field allows.
const MaxEventTypeLen = 256

// RecordedEvent is the unit of storage: an immutable, client-supplied
// record with an identity, a type, metadata and a payload, plus the two
// positions assigned by the Writer at commit time.
type RecordedEvent struct {
	EventID        uuid.UUID
	StreamID       uuid.UUID
	StreamVersion  uint64
	GlobalPosition uint64
	EventType      string
	Metadata       []byte
	Payload        []byte
}

// ExpectedVersionKind enumerates the optimistic-concurrency precondition
// variants an Append command may carry.
type ExpectedVersionKind int

const (
	// ExpectedAny always passes.
	ExpectedAny ExpectedVersionKind = iota
	// ExpectedNoStream passes iff the stream is unknown.
	ExpectedNoStream
	// ExpectedStreamExists passes iff the stream already exists.
	ExpectedStreamExists
	// ExpectedExact passes iff current version + 1 == Version.
	ExpectedExact
)

// ExpectedVersion is an optimistic-concurrency precondition for an Append.
type ExpectedVersion struct {
	Kind    ExpectedVersionKind
	Version uint64 // only meaningful when Kind == ExpectedExact
}

// Any returns the "always pass" precondition.
func Any() ExpectedVersion { return ExpectedVersion{Kind: ExpectedAny} }

// NoStream returns the "stream must not exist yet" precondition.
func NoStream() ExpectedVersion { return ExpectedVersion{Kind: ExpectedNoStream} }

// StreamExists returns the "stream must already exist" precondition.
func StreamExists() ExpectedVersion { return ExpectedVersion{Kind: ExpectedStreamExists} }

// Exact returns the "next write starts at version v" precondition.
func Exact(v uint64) ExpectedVersion { return ExpectedVersion{Kind: ExpectedExact, Version: v} }

// CommittedPlacement is where a previously committed event_id landed in the
// log; it is what the DedupCache stores and what a dedup hit replies with.
type CommittedPlacement struct {
	GlobalPosition uint64
	StreamVersion  uint64
	StreamID       uuid.UUID
}

// AppendResult is the reply to a successful Append: the first and last
// positions assigned to the batch, whether fresh or replayed from dedup.
type AppendResult struct {
	FirstGlobalPosition uint64
	LastGlobalPosition  uint64
	FirstStreamVersion  uint64
	LastStreamVersion   uint64
	// Replayed is true when every event_id in the batch was already known
	// and no new record was written.
	Replayed bool
}
