// Package dedup implements the idempotent-append cache: a bounded
// event_id -> CommittedPlacement map with LRU eviction on both hits and
// inserts, reconstructed at restart by a single forward pass over the log.
// Built on github.com/hashicorp/golang-lru/v2 rather than a hand-rolled
// list+map.
package dedup

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eventfolddb/eventfolddb/internal/eventfold"
)

// Outcome is the result of probing one event_id against the cache.
type Outcome struct {
	Hit       bool
	Placement eventfold.CommittedPlacement
}

// Cache is the DedupCache component.
type Cache struct {
	lru *lru.Cache[[16]byte, eventfold.CommittedPlacement]
}

// New creates a DedupCache with the given positive capacity.
func New(capacity int) (*Cache, error) {
	c, err := lru.New[[16]byte, eventfold.CommittedPlacement](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// ProbeBatch returns, for each event_id in order, whether it is already
// present in the cache and its placement if so. Every lookup is a
// cache-touching Get, so a probe refreshes an entry's LRU recency the same
// as an insert would.
func (c *Cache) ProbeBatch(eventIDs [][16]byte) []Outcome {
	out := make([]Outcome, len(eventIDs))
	for i, id := range eventIDs {
		placement, ok := c.lru.Get(id)
		out[i] = Outcome{Hit: ok, Placement: placement}
	}
	return out
}

// Record inserts or refreshes the placement for eventID after a
// successful commit.
func (c *Cache) Record(eventID [16]byte, placement eventfold.CommittedPlacement) {
	c.lru.Add(eventID, placement)
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int { return c.lru.Len() }
