package packet

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/ring"
)

func wireMetrics() Metrics {
	return MetricsFromModel(model.ParticipantMetrics{
		Participant:    model.NewParticipantID(),
		Tier:           model.TierCone,
		UploadKbps:     2500,
		RTT:            12 * time.Millisecond,
		STUNSuccessPct: 80,
		PublicAddr:     "198.51.100.9",
		PublicPort:     4242,
		Conn:           model.ConnSTUNAssisted,
		MeasuredAt:     time.Unix(0, 1700000000000000000),
		Window:         3 * time.Second,
	})
}

func TestEncodeDecode_AllKinds(t *testing.T) {
	t.Parallel()

	sender := model.NewParticipantID()
	frames := []Frame{
		{Kind: KindCollectionStart, Sender: sender, Start: &CollectionStart{RoundID: 7, DeadlineUnixNs: 12345}},
		{Kind: KindStatsUpdate, Sender: sender, Stats: &StatsUpdate{RoundID: 7, Metrics: []Metrics{wireMetrics()}}},
		{Kind: KindElectionResult, Sender: sender, Result: &ElectionResult{
			Host:   Endpoint{ID: sender, Addr: "203.0.113.4", Port: 9000},
			Backup: Endpoint{ID: sender, Addr: "203.0.113.4", Port: 9000},
		}},
	}

	for _, f := range frames {
		b, err := Encode(f)
		if err != nil {
			t.Fatalf("%s encode: %v", f.Kind, err)
		}
		if !IsFrame(b) {
			t.Fatalf("%s: magic missing", f.Kind)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("%s decode: %v", f.Kind, err)
		}
		if got.Kind != f.Kind || got.Sender != f.Sender {
			t.Fatalf("%s: envelope mismatch", f.Kind)
		}
	}
}

func TestMetricsRoundTripPreservesRecord(t *testing.T) {
	t.Parallel()

	m := wireMetrics()
	back := m.ToModel()
	if MetricsFromModel(back) != m {
		t.Fatalf("round trip changed record: %+v", back)
	}
}

func TestDecode_RejectsMissingMagic(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"kind":1}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v", err)
	}
}

func TestDecode_RejectsGarbageBody(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(Magic + "{not json")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_KindPayloadMismatch(t *testing.T) {
	t.Parallel()

	f := Frame{Kind: KindCollectionStart, Stats: &StatsUpdate{RoundID: 1, Metrics: []Metrics{wireMetrics()}}}
	if err := f.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v", err)
	}

	f = Frame{Kind: Kind(99), Start: &CollectionStart{RoundID: 1}}
	if err := f.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v", err)
	}
}

func TestValidate_StatsCountBounds(t *testing.T) {
	t.Parallel()

	f := Frame{Kind: KindStatsUpdate, Stats: &StatsUpdate{RoundID: 1}}
	if err := f.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("zero records: %v", err)
	}

	over := make([]Metrics, ring.MaxParticipants+1)
	for i := range over {
		over[i] = wireMetrics()
	}
	f.Stats.Metrics = over
	if err := f.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("oversized records: %v", err)
	}
}

func TestValidate_AddressBufferLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", model.MaxAddrLen+1)

	m := wireMetrics()
	m.PublicAddr = long
	f := Frame{Kind: KindStatsUpdate, Stats: &StatsUpdate{RoundID: 1, Metrics: []Metrics{m}}}
	if err := f.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("stats addr: %v", err)
	}

	f = Frame{Kind: KindElectionResult, Result: &ElectionResult{Host: Endpoint{Addr: long}}}
	if err := f.Validate(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("result addr: %v", err)
	}
}
