// Package consensus implements the ring consensus engine: a packet-driven
// state machine that lets every participant in a session converge on the
// same elected host and standby backup from locally measured network
// metrics relayed around the logical ring.
//
// The engine is single-threaded by contract. One logical owner must
// serialize Process and the three packet handlers; independent engines for
// different sessions share no state.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/election"
	"github.com/zfogg/ascii-chat-sub003/internal/metrics"
	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/packet"
	"github.com/zfogg/ascii-chat-sub003/internal/ring"
	"github.com/zfogg/ascii-chat-sub003/internal/schedule"
)

var (
	// ErrInvalidParam covers null, zero-count or out-of-range inputs,
	// including malformed inbound packets. Rejected locally with no state
	// mutation; never fatal.
	ErrInvalidParam = errors.New("consensus: invalid parameter")
	// ErrTransport wraps a failed SendPacket callback. The state machine
	// does not advance past the failed step; the same send is retried on
	// the next tick.
	ErrTransport = errors.New("consensus: transport send failed")
	// ErrNotReady is returned by ElectedHost before any round has
	// converged. A normal condition for a fresh engine.
	ErrNotReady = errors.New("consensus: no converged election result")
	// ErrNotLeader flags a leader-only transition reached on a non-leader
	// engine: a topology/leader misconfiguration on the caller's side.
	ErrNotLeader = errors.New("consensus: leader-only transition on non-leader")
)

// State is the engine's position in the round lifecycle.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateElecting
	StateBroadcasting
	StateConverged
)

// String returns the string representation of an engine state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateElecting:
		return "electing"
	case StateBroadcasting:
		return "broadcasting"
	case StateConverged:
		return "converged"
	default:
		return "unknown"
	}
}

// Callbacks is the engine's only channel to the outside world. SendPacket,
// GetMetrics and OnElection are required; Elect optionally replaces the
// default scoring. The C-style opaque context pointer becomes whatever the
// closures capture.
type Callbacks struct {
	// SendPacket delivers one encoded packet to the named next hop.
	SendPacket func(next model.ParticipantID, payload []byte) error
	// GetMetrics synchronously measures the local participant's network
	// quality.
	GetMetrics func(self model.ParticipantID) (model.ParticipantMetrics, error)
	// OnElection fires exactly once per converged round.
	OnElection func(res model.ElectionResult) error
	// Elect, when non-nil, replaces the default scoring and returns the
	// best and backup indices into the records slice.
	Elect func(records []model.ParticipantMetrics) (best, backup int, err error)
}

type outbound struct {
	next    model.ParticipantID
	payload []byte
}

// Engine is one session's consensus state machine.
type Engine struct {
	top   *ring.Topology
	cb    Callbacks
	sched *schedule.Scheduler
	now   func() time.Time

	state      State
	roundID    uint64
	deadline   time.Time
	collector  *metrics.Collector
	pending    *outbound
	result     *model.ElectionResult
	closed     bool
}

// New creates an engine for the local participant. participants is the
// full ring ordering and must include self; exactly one participant in the
// session runs with leader set. A nil clock defaults to time.Now.
func New(self model.ParticipantID, leader bool, participants []model.ParticipantID, cb Callbacks, now func() time.Time) (*Engine, error) {
	if cb.SendPacket == nil || cb.GetMetrics == nil || cb.OnElection == nil {
		return nil, fmt.Errorf("%w: missing required callback", ErrInvalidParam)
	}
	top, err := ring.New(self, leader, participants)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if !top.Contains(self) {
		return nil, fmt.Errorf("%w: local participant not in topology", ErrInvalidParam)
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		top:   top,
		cb:    cb,
		sched: schedule.New(now),
		now:   now,
		state: StateIdle,
	}, nil
}

// Close tears the engine down. Idempotent and safe at any state, including
// mid-round; safe on a nil receiver.
func (e *Engine) Close() error {
	if e == nil || e.closed {
		return nil
	}
	e.closed = true
	e.pending = nil
	e.collector = nil
	return nil
}

// Process is the non-blocking tick. budget is an advisory bound for
// internal polling, not a limit on callback I/O; it must be non-negative.
// When a pending send from a previous failed step exists it is retried
// before anything else.
func (e *Engine) Process(budget time.Duration) error {
	if e == nil || e.closed {
		return fmt.Errorf("%w: engine closed", ErrInvalidParam)
	}
	if budget < 0 {
		return fmt.Errorf("%w: negative budget", ErrInvalidParam)
	}

	if e.pending != nil {
		if err := e.cb.SendPacket(e.pending.next, e.pending.payload); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		e.pending = nil
	}

	switch e.state {
	case StateConverged:
		e.closeRound()
	case StateIdle:
		if e.top.IsLeader() && e.sched.Due() {
			return e.startRound()
		}
	case StateCollecting:
		if !e.now().Before(e.deadline) {
			if e.top.IsLeader() {
				// Deadline reached: elect with partial data. The
				// leader's own record is always present.
				return e.elect()
			}
			// A non-leader cannot complete a dead round; the next
			// scheduled round starts from scratch.
			e.abandonRound()
		}
	case StateBroadcasting:
		// Waiting for our own election result to complete the circuit. A
		// lost broadcast must not pin the engine here: past the deadline
		// the round is abandoned and the scheduler opens the next one.
		// The sticky result already holds the elected pair.
		if !e.now().Before(e.deadline) {
			e.abandonRound()
		}
	}
	return nil
}

// SetTopology replaces the ring wholesale. Any in-progress round is
// abandoned without firing OnElection; the sticky result survives.
func (e *Engine) SetTopology(participants []model.ParticipantID) error {
	if e == nil || e.closed {
		return fmt.Errorf("%w: engine closed", ErrInvalidParam)
	}
	if err := e.top.Replace(participants); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	e.abandonRound()
	return nil
}

// HandleCollectionStart begins a round on a non-leader participant: adopt
// the round identity, measure local metrics and forward them to the next
// hop as a stats update.
func (e *Engine) HandleCollectionStart(roundID uint64, deadline time.Time) error {
	if e == nil || e.closed {
		return fmt.Errorf("%w: engine closed", ErrInvalidParam)
	}
	if roundID == 0 {
		return fmt.Errorf("%w: zero round id", ErrInvalidParam)
	}
	if e.top.IsLeader() {
		// Only the leader initiates rounds; a second initiator means the
		// session is misconfigured.
		return fmt.Errorf("%w: leader received collection start for round %d", ErrInvalidParam, roundID)
	}
	if roundID <= e.roundID {
		return fmt.Errorf("%w: stale round %d (last seen %d)", ErrInvalidParam, roundID, e.roundID)
	}

	e.adoptRound(roundID, deadline)
	if err := e.addOwnMetrics(); err != nil {
		e.abandonRound()
		return err
	}
	e.state = StateCollecting
	return e.sendStats()
}

// HandleStatsUpdate merges relayed metrics into the round. Non-leaders add
// their own record if missing and relay onward; the leader is the sink and
// elects once the set is complete.
func (e *Engine) HandleStatsUpdate(sender model.ParticipantID, roundID uint64, records []model.ParticipantMetrics) error {
	if e == nil || e.closed {
		return fmt.Errorf("%w: engine closed", ErrInvalidParam)
	}
	if n := len(records); n == 0 || n > e.top.Size() {
		return fmt.Errorf("%w: %d metrics records for topology of %d", ErrInvalidParam, len(records), e.top.Size())
	}
	if !e.top.Contains(sender) {
		return fmt.Errorf("%w: unknown sender %s", ErrInvalidParam, sender)
	}
	for _, m := range records {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParam, err)
		}
		if !e.top.Contains(m.Participant) {
			return fmt.Errorf("%w: metrics for unknown participant %s", ErrInvalidParam, m.Participant)
		}
	}

	if e.top.IsLeader() {
		if e.state != StateCollecting || roundID != e.roundID {
			return fmt.Errorf("%w: stats for round %d outside active round %d", ErrInvalidParam, roundID, e.roundID)
		}
		e.merge(records)
		if e.collector.Count() == e.top.Size() {
			// Full circuit: every participant reported.
			return e.elect()
		}
		return nil
	}

	switch e.state {
	case StateCollecting:
		if roundID != e.roundID {
			return fmt.Errorf("%w: stats for round %d during round %d", ErrInvalidParam, roundID, e.roundID)
		}
	default:
		// The collection start was lost, or this participant converged
		// already and a newer round is circulating. Adopt the round from
		// the relay itself. Round ids are monotonic per session, so a
		// stale id is a late retransmission of a closed round.
		if roundID <= e.roundID {
			return fmt.Errorf("%w: stale round %d (last seen %d)", ErrInvalidParam, roundID, e.roundID)
		}
		e.adoptRound(roundID, time.Time{})
		e.state = StateCollecting
	}

	e.merge(records)

	// A failed local measurement must not break the relay chain: forward
	// what was merged and surface the error once the send is on its way.
	var measureErr error
	if !e.collector.Has(e.top.Self()) {
		measureErr = e.addOwnMetrics()
	}
	if err := e.sendStats(); err != nil {
		return err
	}
	return measureErr
}

// HandleElectionResult converges the round: store the result, fire
// OnElection exactly once and, on non-leaders, relay the broadcast onward.
// The leader receiving its own result completes the circuit and stops it.
func (e *Engine) HandleElectionResult(res model.ElectionResult) error {
	if e == nil || e.closed {
		return fmt.Errorf("%w: engine closed", ErrInvalidParam)
	}
	if err := validateResult(res); err != nil {
		return err
	}
	if !e.top.Contains(res.Host.ID) || !e.top.Contains(res.Backup.ID) {
		return fmt.Errorf("%w: elected endpoint not in topology", ErrInvalidParam)
	}

	// Retransmitted broadcast of a result we already hold, in whatever
	// state it catches us: a stale duplicate must neither refire
	// OnElection nor destroy an in-flight round. The one exception is the
	// leader mid-broadcast, whose own result coming back around is what
	// completes the circuit.
	if e.result != nil && res.Equal(*e.result) && !(e.top.IsLeader() && e.state == StateBroadcasting) {
		return nil
	}

	if e.top.IsLeader() {
		if e.state != StateBroadcasting {
			return fmt.Errorf("%w: unexpected election result in state %s", ErrInvalidParam, e.state)
		}
		if e.result == nil || !res.Equal(*e.result) {
			return fmt.Errorf("%w: broadcast result does not match elected result", ErrInvalidParam)
		}
		return e.converge(res)
	}

	cbErr := e.converge(res)

	next, err := e.top.NextHop(e.top.Self())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	sendErr := e.send(next, packet.Frame{
		Kind:   packet.KindElectionResult,
		Sender: e.top.Self(),
		Result: resultToWire(res),
	})
	if cbErr != nil {
		return cbErr
	}
	return sendErr
}

// ElectedHost returns the last converged result. The result is sticky: it
// survives failed and abandoned rounds and is only replaced by a newer
// completed election.
func (e *Engine) ElectedHost() (model.ElectionResult, error) {
	if e == nil || e.closed {
		return model.ElectionResult{}, fmt.Errorf("%w: engine closed", ErrInvalidParam)
	}
	if e.result == nil {
		return model.ElectionResult{}, ErrNotReady
	}
	return *e.result, nil
}

// IsReady reports whether any round has converged.
func (e *Engine) IsReady() bool {
	return e != nil && !e.closed && e.result != nil
}

// GetState returns the engine's current lifecycle state.
func (e *Engine) GetState() State {
	if e == nil {
		return StateIdle
	}
	return e.state
}

// TimeUntilNextRound returns the time remaining before the next scheduled
// round, or 0 if one is due.
func (e *Engine) TimeUntilNextRound() time.Duration {
	if e == nil || e.closed {
		return 0
	}
	return e.sched.TimeUntilNextRound()
}

// MetricsCount returns the number of records collected in the active
// round, 0 outside a round, or -1 for a closed engine.
func (e *Engine) MetricsCount() int {
	if e == nil || e.closed {
		return -1
	}
	if e.collector == nil {
		return 0
	}
	return e.collector.Count()
}

// CollectedMetrics returns a copy of the records gathered in the active
// round, empty outside a round. Inside an OnElection callback it holds
// the set the convergence was computed over.
func (e *Engine) CollectedMetrics() []model.ParticipantMetrics {
	if e == nil || e.closed || e.collector == nil {
		return nil
	}
	return e.collector.Snapshot()
}

// startRound begins a new round on the leader: allocate the round id, arm
// the deadline, record local metrics and announce collection to the next
// hop.
func (e *Engine) startRound() error {
	if !e.top.IsLeader() {
		return ErrNotLeader
	}
	e.roundID++
	e.deadline = e.sched.Deadline()
	e.collector = metrics.NewCollector(e.top.Size())
	if err := e.addOwnMetrics(); err != nil {
		e.abandonRound()
		return err
	}
	e.state = StateCollecting

	next, err := e.top.NextHop(e.top.Self())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if next == e.top.Self() {
		// Single-participant ring: the circuit is trivially complete.
		return e.elect()
	}
	return e.send(next, packet.Frame{
		Kind:   packet.KindCollectionStart,
		Sender: e.top.Self(),
		Start: &packet.CollectionStart{
			RoundID:        e.roundID,
			DeadlineUnixNs: e.deadline.UnixNano(),
		},
	})
}

// elect scores the collected records, stores the result and starts the
// broadcast. Leader only.
func (e *Engine) elect() error {
	if !e.top.IsLeader() {
		return ErrNotLeader
	}
	e.state = StateElecting
	records := e.collector.Snapshot()

	var best, backup int
	var err error
	if e.cb.Elect != nil {
		best, backup, err = e.cb.Elect(records)
	} else {
		best, backup, err = election.Rank(records)
	}
	if err != nil {
		e.abandonRound()
		return fmt.Errorf("consensus: election failed: %w", err)
	}

	res, err := election.Result(records, best, backup)
	if err != nil {
		e.abandonRound()
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}

	e.result = &res
	e.state = StateBroadcasting
	// The broadcast gets its own timeout window; the collection deadline
	// may already have passed when electing with partial data.
	e.deadline = e.sched.Deadline()

	next, err := e.top.NextHop(e.top.Self())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if next == e.top.Self() {
		return e.converge(res)
	}
	return e.send(next, packet.Frame{
		Kind:   packet.KindElectionResult,
		Sender: e.top.Self(),
		Result: resultToWire(res),
	})
}

// converge stores the result, re-anchors the round cadence and fires the
// election callback. The round itself is closed on the next tick.
func (e *Engine) converge(res model.ElectionResult) error {
	e.result = &res
	e.state = StateConverged
	e.sched.MarkConverged()
	if err := e.cb.OnElection(res); err != nil {
		return fmt.Errorf("consensus: election callback: %w", err)
	}
	return nil
}

func (e *Engine) closeRound() {
	e.state = StateIdle
	e.collector = nil
	e.deadline = time.Time{}
}

func (e *Engine) abandonRound() {
	e.state = StateIdle
	e.collector = nil
	e.pending = nil
	e.deadline = time.Time{}
}

func (e *Engine) adoptRound(roundID uint64, deadline time.Time) {
	e.roundID = roundID
	if deadline.IsZero() {
		deadline = e.sched.Deadline()
	}
	e.deadline = deadline
	e.collector = metrics.NewCollector(e.top.Size())
	e.pending = nil
}

// addOwnMetrics measures the local participant and records it. The engine
// owns the identity field regardless of what the callback filled in.
func (e *Engine) addOwnMetrics() error {
	m, err := e.cb.GetMetrics(e.top.Self())
	if err != nil {
		return fmt.Errorf("consensus: metrics callback: %w", err)
	}
	m.Participant = e.top.Self()
	if err := e.collector.Add(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return nil
}

// merge upserts pre-validated records into the collector.
func (e *Engine) merge(records []model.ParticipantMetrics) {
	for _, m := range records {
		// Records were validated against the topology, so capacity
		// cannot be exceeded and Add cannot fail.
		_ = e.collector.Add(m)
	}
}

func (e *Engine) sendStats() error {
	next, err := e.top.NextHop(e.top.Self())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	snapshot := e.collector.Snapshot()
	wire := make([]packet.Metrics, len(snapshot))
	for i, m := range snapshot {
		wire[i] = packet.MetricsFromModel(m)
	}
	return e.send(next, packet.Frame{
		Kind:   packet.KindStatsUpdate,
		Sender: e.top.Self(),
		Stats:  &packet.StatsUpdate{RoundID: e.roundID, Metrics: wire},
	})
}

// send encodes and transmits a frame. On transport failure the frame is
// queued and retried by the next Process tick, making relay at-least-once.
func (e *Engine) send(next model.ParticipantID, f packet.Frame) error {
	payload, err := packet.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if err := e.cb.SendPacket(next, payload); err != nil {
		e.pending = &outbound{next: next, payload: payload}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func validateResult(res model.ElectionResult) error {
	if res.Host.ID == (model.ParticipantID{}) || res.Backup.ID == (model.ParticipantID{}) {
		return fmt.Errorf("%w: zero elected participant id", ErrInvalidParam)
	}
	if len(res.Host.Addr) > model.MaxAddrLen || len(res.Backup.Addr) > model.MaxAddrLen {
		return fmt.Errorf("%w: oversized address", ErrInvalidParam)
	}
	return nil
}

func resultToWire(res model.ElectionResult) *packet.ElectionResult {
	return &packet.ElectionResult{
		Host:   packet.Endpoint{ID: res.Host.ID, Addr: res.Host.Addr, Port: res.Host.Port},
		Backup: packet.Endpoint{ID: res.Backup.ID, Addr: res.Backup.Addr, Port: res.Backup.Port},
	}
}
