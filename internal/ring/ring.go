// Package ring maintains the ordered logical ring of session participants.
// Each participant forwards protocol packets to exactly one next hop; the
// next hop of the last entry wraps to the first.
package ring

import (
	"errors"
	"fmt"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

// MaxParticipants is the largest supported ring.
const MaxParticipants = 64

var (
	// ErrInvalidTopology is returned for empty, oversized or duplicated
	// participant lists.
	ErrInvalidTopology = errors.New("ring: invalid topology")
	// ErrUnknownParticipant is returned when a participant ID is not a
	// member of the current topology.
	ErrUnknownParticipant = errors.New("ring: unknown participant")
)

// Topology is the ordered, deduplicated participant list for one session,
// plus the local participant's identity and initiator role. Replacement is
// atomic: a rejected update leaves the previous ordering untouched.
type Topology struct {
	self   model.ParticipantID
	leader bool

	order []model.ParticipantID
	index map[model.ParticipantID]int
}

// New builds a topology from the given ordered participant list.
func New(self model.ParticipantID, leader bool, ids []model.ParticipantID) (*Topology, error) {
	t := &Topology{self: self, leader: leader}
	if err := t.Replace(ids); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace swaps in a new participant ordering wholesale. The update is
// validated before any state changes, so callers never observe a half
// replaced ring.
func (t *Topology) Replace(ids []model.ParticipantID) error {
	if len(ids) == 0 || len(ids) > MaxParticipants {
		return fmt.Errorf("%w: %d participants", ErrInvalidTopology, len(ids))
	}
	index := make(map[model.ParticipantID]int, len(ids))
	order := make([]model.ParticipantID, len(ids))
	for i, id := range ids {
		if _, dup := index[id]; dup {
			return fmt.Errorf("%w: duplicate participant %s", ErrInvalidTopology, id)
		}
		index[id] = i
		order[i] = id
	}
	t.order = order
	t.index = index
	return nil
}

// NextHop returns the participant immediately following from in ring order,
// wrapping from the last entry back to the first.
func (t *Topology) NextHop(from model.ParticipantID) (model.ParticipantID, error) {
	i, ok := t.index[from]
	if !ok {
		return model.ParticipantID{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, from)
	}
	return t.order[(i+1)%len(t.order)], nil
}

// Contains reports whether id is a member of the topology.
func (t *Topology) Contains(id model.ParticipantID) bool {
	_, ok := t.index[id]
	return ok
}

// Size returns the number of participants.
func (t *Topology) Size() int {
	return len(t.order)
}

// Self returns the local participant's ID.
func (t *Topology) Self() model.ParticipantID {
	return t.self
}

// IsLeader reports whether the local participant initiates rounds.
func (t *Topology) IsLeader() bool {
	return t.leader
}

// Participants returns a copy of the ring ordering.
func (t *Topology) Participants() []model.ParticipantID {
	out := make([]model.ParticipantID, len(t.order))
	copy(out, t.order)
	return out
}
