package schedule

import (
	"testing"
	"time"
)

// fakeClock is a settable clock for deterministic cadence tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFreshSchedulerIsDueImmediately(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := New(clk.now)
	if !s.Due() {
		t.Fatal("fresh scheduler should be due")
	}
	if got := s.TimeUntilNextRound(); got != 0 {
		t.Fatalf("time until next round=%v", got)
	}
}

func TestCadenceAnchorsOnConvergence(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := New(clk.now)

	s.MarkConverged()
	if s.Due() {
		t.Fatal("round due immediately after convergence")
	}
	if got := s.TimeUntilNextRound(); got != RoundInterval {
		t.Fatalf("remaining=%v, want %v", got, RoundInterval)
	}

	clk.advance(RoundInterval / 2)
	if got := s.TimeUntilNextRound(); got != RoundInterval/2 {
		t.Fatalf("remaining=%v", got)
	}

	clk.advance(RoundInterval) // well past due
	if !s.Due() {
		t.Fatal("round should be overdue")
	}
	if got := s.TimeUntilNextRound(); got != 0 {
		t.Fatalf("overdue remaining=%v, want 0", got)
	}
}

func TestCadenceMeasuredFromConvergenceNotStart(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := New(clk.now)

	// A slow round: convergence lands a minute after the round began.
	clk.advance(time.Minute)
	s.MarkConverged()

	clk.advance(RoundInterval - time.Second)
	if s.Due() {
		t.Fatal("cadence drifted: due before interval since convergence")
	}
	clk.advance(time.Second)
	if !s.Due() {
		t.Fatal("not due a full interval after convergence")
	}
}

func TestDeadline(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := New(clk.now)
	if got := s.Deadline(); !got.Equal(clk.t.Add(CollectDeadline)) {
		t.Fatalf("deadline=%v", got)
	}
}
