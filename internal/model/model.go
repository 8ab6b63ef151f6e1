package model

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParticipantID identifies one session participant. IDs are 16-byte values,
// unique within a topology, and ordered lexicographically for tie-breaking.
type ParticipantID = uuid.UUID

// MaxAddrLen is the longest hostname-or-IP string carried in protocol
// packets and election results.
const MaxAddrLen = 64

// NewParticipantID returns a fresh random participant ID.
func NewParticipantID() ParticipantID {
	return uuid.New()
}

// ParseParticipantID parses the canonical string form of a participant ID.
func ParseParticipantID(s string) (ParticipantID, error) {
	return uuid.Parse(s)
}

// CompareIDs orders two participant IDs lexicographically by their raw bytes.
func CompareIDs(a, b ParticipantID) int {
	return bytes.Compare(a[:], b[:])
}

// NATTier classifies how reachable a participant is from the public
// internet. Lower is better.
type NATTier int

const (
	TierLAN        NATTier = iota // same network, no NAT in the path
	TierCone                      // full/port-cone NAT, directly dialable once mapped
	TierRestricted                // address-restricted NAT, needs hole punching
	TierSymmetric                 // symmetric NAT, per-destination mappings
	TierRelay                     // unreachable without a relay
)

// String returns the string representation of a NATTier.
func (t NATTier) String() string {
	switch t {
	case TierLAN:
		return "lan"
	case TierCone:
		return "cone"
	case TierRestricted:
		return "restricted"
	case TierSymmetric:
		return "symmetric"
	case TierRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ConnectionType describes how a participant expects peers to reach it.
type ConnectionType int

const (
	ConnDirect ConnectionType = iota
	ConnUPnP
	ConnSTUNAssisted
	ConnRelay
)

// String returns the string representation of a ConnectionType.
func (c ConnectionType) String() string {
	switch c {
	case ConnDirect:
		return "direct"
	case ConnUPnP:
		return "upnp"
	case ConnSTUNAssisted:
		return "stun"
	case ConnRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ParticipantMetrics is a single measurement of one participant's network
// quality, produced locally and relayed around the ring during a round.
// Values are owned by whoever holds the struct; collectors copy, never alias.
type ParticipantMetrics struct {
	Participant    ParticipantID
	Tier           NATTier
	UploadKbps     uint32
	RTT            time.Duration // to the current session host, 0 if unknown
	STUNSuccessPct int           // 0..100
	PublicAddr     string
	PublicPort     uint16
	Conn           ConnectionType
	MeasuredAt     time.Time
	Window         time.Duration
}

// Validate checks the record's range invariants.
func (m ParticipantMetrics) Validate() error {
	if m.Participant == uuid.Nil {
		return fmt.Errorf("metrics: zero participant id")
	}
	if m.Tier < TierLAN || m.Tier > TierRelay {
		return fmt.Errorf("metrics: nat tier %d out of range", m.Tier)
	}
	if m.STUNSuccessPct < 0 || m.STUNSuccessPct > 100 {
		return fmt.Errorf("metrics: stun success %d out of range", m.STUNSuccessPct)
	}
	if len(m.PublicAddr) > MaxAddrLen {
		return fmt.Errorf("metrics: address longer than %d bytes", MaxAddrLen)
	}
	return nil
}

// HostEndpoint is one elected endpoint: a participant plus the address and
// port peers should connect to.
type HostEndpoint struct {
	ID   ParticipantID
	Addr string
	Port uint16
}

// ElectionResult is the outcome of one converged round. The backup equals
// the host when the round had a single candidate.
type ElectionResult struct {
	Host   HostEndpoint
	Backup HostEndpoint
}

// Equal reports whether two results name the same endpoints.
func (r ElectionResult) Equal(other ElectionResult) bool {
	return r.Host == other.Host && r.Backup == other.Backup
}

// String renders the result for logs.
func (r ElectionResult) String() string {
	return fmt.Sprintf("host=%s@%s:%d backup=%s@%s:%d",
		r.Host.ID, r.Host.Addr, r.Host.Port,
		r.Backup.ID, r.Backup.Addr, r.Backup.Port)
}
