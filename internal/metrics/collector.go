// Package metrics accumulates participant network-quality records during a
// consensus round and computes summaries over a collected set.
package metrics

import (
	"errors"
	"fmt"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

var (
	// ErrCapacityExceeded is returned when a round already holds a record
	// for every topology slot.
	ErrCapacityExceeded = errors.New("metrics: round capacity exceeded")
	// ErrInvalidRecord is returned for records that fail range validation.
	ErrInvalidRecord = errors.New("metrics: invalid record")
)

// Collector holds one round's metrics, at most one record per participant.
// Add is an upsert keyed by participant ID: retransmitted records replace
// the earlier copy instead of duplicating it, so at-least-once relay of
// stats packets cannot corrupt the set.
type Collector struct {
	capacity int
	records  []model.ParticipantMetrics
	index    map[model.ParticipantID]int
}

// NewCollector creates a collector sized to the current topology.
func NewCollector(capacity int) *Collector {
	return &Collector{
		capacity: capacity,
		index:    make(map[model.ParticipantID]int, capacity),
	}
}

// Add validates and upserts a record. A record for a new participant beyond
// capacity fails with ErrCapacityExceeded and leaves the set unchanged.
func (c *Collector) Add(m model.ParticipantMetrics) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if i, ok := c.index[m.Participant]; ok {
		c.records[i] = m
		return nil
	}
	if len(c.records) >= c.capacity {
		return fmt.Errorf("%w: %d records", ErrCapacityExceeded, c.capacity)
	}
	c.index[m.Participant] = len(c.records)
	c.records = append(c.records, m)
	return nil
}

// Has reports whether a record for id is present.
func (c *Collector) Has(id model.ParticipantID) bool {
	_, ok := c.index[id]
	return ok
}

// Count returns the number of collected records.
func (c *Collector) Count() int {
	return len(c.records)
}

// Capacity returns the maximum number of records for this round.
func (c *Collector) Capacity() int {
	return c.capacity
}

// Reset discards all records, keeping capacity.
func (c *Collector) Reset() {
	c.records = c.records[:0]
	c.index = make(map[model.ParticipantID]int, c.capacity)
}

// Snapshot returns a copy of the records in insertion order.
func (c *Collector) Snapshot() []model.ParticipantMetrics {
	out := make([]model.ParticipantMetrics, len(c.records))
	copy(out, c.records)
	return out
}
