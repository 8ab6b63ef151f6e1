// Package schedule tracks when consensus rounds are due. The cadence is
// anchored to the end of the previous round's convergence rather than its
// start, so slow rounds do not drift the schedule.
package schedule

import "time"

const (
	// RoundInterval is the wall-clock spacing between rounds, measured
	// from the previous convergence.
	RoundInterval = 5 * time.Minute
	// CollectDeadline is how long a round accepts metrics before the
	// leader elects with whatever it has.
	CollectDeadline = 30 * time.Second
)

// Scheduler decides when the next round should begin. It never sends
// packets itself; the state machine polls it from the process tick.
type Scheduler struct {
	now    func() time.Time
	anchor time.Time // zero until the first convergence
}

// New creates a scheduler. A nil clock defaults to time.Now. A fresh
// scheduler reports a round due immediately so a new session elects a host
// without waiting out a full interval.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now}
}

// Due reports whether a new round should start.
func (s *Scheduler) Due() bool {
	return s.TimeUntilNextRound() == 0
}

// TimeUntilNextRound returns the time remaining before the next round, or 0
// if one is due or overdue.
func (s *Scheduler) TimeUntilNextRound() time.Duration {
	if s.anchor.IsZero() {
		return 0
	}
	d := s.anchor.Add(RoundInterval).Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// MarkConverged re-anchors the cadence at the current time. Called when a
// round converges.
func (s *Scheduler) MarkConverged() {
	s.anchor = s.now()
}

// Deadline returns the collection deadline for a round starting now.
func (s *Scheduler) Deadline() time.Time {
	return s.now().Add(CollectDeadline)
}
