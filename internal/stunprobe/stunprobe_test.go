package stunprobe

import (
	"context"
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

func TestTierFor(t *testing.T) {
	t.Parallel()

	if got := TierFor(nil, "", 0); got != model.TierRelay {
		t.Fatalf("no answers: got=%v", got)
	}
	// The reflexive port differs from any local port even without NAT;
	// only the host decides.
	if got := TierFor([]string{"10.0.0.5:31844"}, "10.0.0.5", 100); got != model.TierLAN {
		t.Fatalf("reflexive host==interface host: got=%v", got)
	}
	if got := TierFor([]string{"1.2.3.4:1"}, "10.0.0.5", 50); got != model.TierRestricted {
		t.Fatalf("single answer: got=%v", got)
	}
	if got := TierFor([]string{"1.2.3.4:1", "1.2.3.4:1"}, "10.0.0.5", 100); got != model.TierCone {
		t.Fatalf("stable mapping: got=%v", got)
	}
	if got := TierFor([]string{"1.2.3.4:1", "1.2.3.4:2"}, "10.0.0.5", 100); got != model.TierSymmetric {
		t.Fatalf("shifting mapping: got=%v", got)
	}
}

func TestConnFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tier model.NATTier
		want model.ConnectionType
	}{
		{model.TierLAN, model.ConnDirect},
		{model.TierCone, model.ConnSTUNAssisted},
		{model.TierRestricted, model.ConnSTUNAssisted},
		{model.TierSymmetric, model.ConnRelay},
		{model.TierRelay, model.ConnRelay},
	}
	for _, c := range cases {
		if got := ConnFor(c.tier); got != c.want {
			t.Fatalf("tier=%v got=%v want=%v", c.tier, got, c.want)
		}
	}
}

func TestSuccessPct(t *testing.T) {
	t.Parallel()

	if got := SuccessPct(0, 0); got != 0 {
		t.Fatalf("got=%d", got)
	}
	if got := SuccessPct(1, 3); got != 33 {
		t.Fatalf("got=%d", got)
	}
	if got := SuccessPct(3, 3); got != 100 {
		t.Fatalf("got=%d", got)
	}
}

func TestMeasure_NoServersDegrades(t *testing.T) {
	t.Parallel()

	self := model.NewParticipantID()
	p := New(self, nil, 4800, "127.0.0.1:9000")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := p.Measure(ctx)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if m.Participant != self {
		t.Fatalf("participant mismatch")
	}
	if m.Tier != model.TierRelay || m.STUNSuccessPct != 0 {
		t.Fatalf("expected degraded sample, got tier=%v pct=%d", m.Tier, m.STUNSuccessPct)
	}
	if m.UploadKbps != 4800 {
		t.Fatalf("upload=%d", m.UploadKbps)
	}
	if m.PublicAddr != "127.0.0.1" || m.PublicPort != 9000 {
		t.Fatalf("fallback endpoint: %s:%d", m.PublicAddr, m.PublicPort)
	}
	if m.RTT != 0 {
		t.Fatalf("rtt should be unmeasured, got %v", m.RTT)
	}
}
