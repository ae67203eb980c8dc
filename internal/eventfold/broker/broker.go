// Package broker implements the bounded-buffer broadcast of committed
// events to live subscribers: a mutex-guarded subscriber table with
// non-blocking, drop-on-full sends, carrying a single global commit feed
// (per-stream filtering happens in the Subscriber) and surfacing a lagging
// subscriber's dropped messages as a coalesced Lagged flag rather than a
// silent drop.
package broker

import (
	"sync"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
)

// Message is one item delivered to a subscriber: either a committed event
// or a lag notification.
type Message struct {
	Event  eventfold.RecordedEvent
	Lagged bool
}

// Subscription is a live receiver returned by Subscribe. The channel is
// closed when Unsubscribe is called. Publish never blocks on it: a caller
// that stops draining it falls behind, and on overflow its buffered
// messages are replaced by a Lagged marker.
type Subscription struct {
	ch     chan Message
	broker *Broker
	id     uint64
}

// C returns the channel of messages for this subscription.
func (s *Subscription) C() <-chan Message { return s.ch }

// Unsubscribe removes the subscription from the broker and closes its
// channel.
func (s *Subscription) Unsubscribe() {
	s.broker.unsubscribe(s.id)
}

// Broker is the live-subscription broadcast component.
type Broker struct {
	mu         sync.RWMutex
	subs       map[uint64]chan Message
	nextID     uint64
	bufferSize int
}

// New creates a Broker whose per-subscriber buffer holds bufferSize
// messages before the subscriber is considered lagging.
func New(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Broker{subs: make(map[uint64]chan Message), bufferSize: bufferSize}
}

// Subscribe registers a new live receiver starting from the current
// publish point; it does not replay history.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Message, b.bufferSize)
	b.subs[id] = ch
	return &Subscription{ch: ch, broker: b, id: id}
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish enqueues event to every live subscriber. A subscriber whose
// buffer is full does not block the Writer: instead every entry still
// buffered for it is discarded and a single Lagged marker takes their
// place, so the subscriber sees the loss before any event past the gap
// (coalesced — repeated lag does not queue more than one Lagged message
// ahead of fresh events).
func (b *Broker) Publish(event eventfold.RecordedEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- Message{Event: event}:
		default:
			// Buffer full: discard everything still queued for this
			// subscriber, then leave one Lagged marker in its place.
		drained:
			for {
				select {
				case <-ch:
				default:
					break drained
				}
			}
			markLagged(ch)
		}
	}
}

// markLagged makes a best-effort attempt to enqueue a Lagged marker
// without blocking the publisher.
func markLagged(ch chan Message) {
	select {
	case ch <- Message{Lagged: true}:
	default:
	}
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
