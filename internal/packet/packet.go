// Package packet defines the wire format of ring-consensus messages. Each
// frame is an ASCII magic prefix followed by a JSON envelope whose kind
// field is the demux key for the three protocol packet types.
package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/ring"
)

const (
	// Magic prefixes every consensus frame on the wire.
	Magic = "acring1:"
	// EchoMagic prefixes RTT echo probes, answered by the transport
	// without touching engine state.
	EchoMagic = "acring1-echo:"
)

// ErrMalformed is returned for frames that fail decoding or validation.
var ErrMalformed = errors.New("packet: malformed frame")

// Kind is the demux key identifying a protocol packet type.
type Kind int

const (
	KindCollectionStart Kind = iota + 1
	KindStatsUpdate
	KindElectionResult
)

// String returns the string representation of a packet kind.
func (k Kind) String() string {
	switch k {
	case KindCollectionStart:
		return "collection_start"
	case KindStatsUpdate:
		return "stats_update"
	case KindElectionResult:
		return "election_result"
	default:
		return "unknown"
	}
}

// Metrics is the wire form of one participant's measurement record.
type Metrics struct {
	Participant    model.ParticipantID `json:"participant"`
	NATTier        int                 `json:"nat_tier"`
	UploadKbps     uint32              `json:"upload_kbps"`
	RTTNs          int64               `json:"rtt_ns"`
	STUNSuccessPct int                 `json:"stun_success_pct"`
	PublicAddr     string              `json:"public_addr"`
	PublicPort     uint16              `json:"public_port"`
	ConnType       int                 `json:"conn_type"`
	MeasuredAtNs   int64               `json:"measured_at_unix_ns"`
	WindowNs       int64               `json:"window_ns"`
}

// MetricsFromModel converts a measurement record to its wire form.
func MetricsFromModel(m model.ParticipantMetrics) Metrics {
	return Metrics{
		Participant:    m.Participant,
		NATTier:        int(m.Tier),
		UploadKbps:     m.UploadKbps,
		RTTNs:          m.RTT.Nanoseconds(),
		STUNSuccessPct: m.STUNSuccessPct,
		PublicAddr:     m.PublicAddr,
		PublicPort:     m.PublicPort,
		ConnType:       int(m.Conn),
		MeasuredAtNs:   m.MeasuredAt.UnixNano(),
		WindowNs:       m.Window.Nanoseconds(),
	}
}

// ToModel converts a wire record back to the model form.
func (m Metrics) ToModel() model.ParticipantMetrics {
	return model.ParticipantMetrics{
		Participant:    m.Participant,
		Tier:           model.NATTier(m.NATTier),
		UploadKbps:     m.UploadKbps,
		RTT:            time.Duration(m.RTTNs),
		STUNSuccessPct: m.STUNSuccessPct,
		PublicAddr:     m.PublicAddr,
		PublicPort:     m.PublicPort,
		Conn:           model.ConnectionType(m.ConnType),
		MeasuredAt:     time.Unix(0, m.MeasuredAtNs),
		Window:         time.Duration(m.WindowNs),
	}
}

// CollectionStart announces a new round and its collection deadline.
type CollectionStart struct {
	RoundID        uint64 `json:"round_id"`
	DeadlineUnixNs int64  `json:"deadline_unix_ns"`
}

// StatsUpdate relays the metrics collected so far around the ring.
type StatsUpdate struct {
	RoundID uint64    `json:"round_id"`
	Metrics []Metrics `json:"metrics"`
}

// Endpoint is an elected participant plus its reachable address.
type Endpoint struct {
	ID   model.ParticipantID `json:"id"`
	Addr string              `json:"addr"`
	Port uint16              `json:"port"`
}

// ElectionResult broadcasts the converged host and backup.
type ElectionResult struct {
	Host   Endpoint `json:"host"`
	Backup Endpoint `json:"backup"`
}

// Frame is one consensus message. Exactly one payload field matching Kind
// is set.
type Frame struct {
	Kind   Kind                `json:"kind"`
	Sender model.ParticipantID `json:"sender"`
	Start  *CollectionStart    `json:"start,omitempty"`
	Stats  *StatsUpdate        `json:"stats,omitempty"`
	Result *ElectionResult     `json:"result,omitempty"`
}

// Validate checks structural invariants: the payload matches the kind,
// metrics counts respect ring bounds and address fields fit the fixed
// 64-byte buffers.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindCollectionStart:
		if f.Start == nil || f.Stats != nil || f.Result != nil {
			return fmt.Errorf("%w: payload does not match kind %s", ErrMalformed, f.Kind)
		}
		if f.Start.RoundID == 0 {
			return fmt.Errorf("%w: zero round id", ErrMalformed)
		}
	case KindStatsUpdate:
		if f.Stats == nil || f.Start != nil || f.Result != nil {
			return fmt.Errorf("%w: payload does not match kind %s", ErrMalformed, f.Kind)
		}
		if n := len(f.Stats.Metrics); n == 0 || n > ring.MaxParticipants {
			return fmt.Errorf("%w: %d metrics records", ErrMalformed, n)
		}
		for _, m := range f.Stats.Metrics {
			if len(m.PublicAddr) > model.MaxAddrLen {
				return fmt.Errorf("%w: oversized address", ErrMalformed)
			}
		}
	case KindElectionResult:
		if f.Result == nil || f.Start != nil || f.Stats != nil {
			return fmt.Errorf("%w: payload does not match kind %s", ErrMalformed, f.Kind)
		}
		if len(f.Result.Host.Addr) > model.MaxAddrLen || len(f.Result.Backup.Addr) > model.MaxAddrLen {
			return fmt.Errorf("%w: oversized address", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, int(f.Kind))
	}
	return nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return append([]byte(Magic), body...), nil
}

// IsFrame reports whether the datagram carries a consensus frame.
func IsFrame(b []byte) bool {
	return bytes.HasPrefix(b, []byte(Magic))
}

// Decode parses and validates a frame from the wire.
func Decode(b []byte) (Frame, error) {
	if !IsFrame(b) {
		return Frame{}, fmt.Errorf("%w: missing magic", ErrMalformed)
	}
	var f Frame
	if err := json.Unmarshal(b[len(Magic):], &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
