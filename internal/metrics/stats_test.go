package metrics

import (
	"testing"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	records := []model.ParticipantMetrics{
		{Participant: model.NewParticipantID(), Tier: model.TierLAN, UploadKbps: 1000, RTT: 10 * time.Millisecond},
		{Participant: model.NewParticipantID(), Tier: model.TierCone, UploadKbps: 3000, RTT: 30 * time.Millisecond},
	}

	s := Summarize(records)
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.MinRTT != 10*time.Millisecond || s.MaxRTT != 30*time.Millisecond {
		t.Fatalf("min/max=%v/%v", s.MinRTT, s.MaxRTT)
	}
	if s.AvgRTT != 20*time.Millisecond {
		t.Fatalf("avg=%v", s.AvgRTT)
	}
	if s.AvgUpload != 2000 {
		t.Fatalf("avg_upload=%d", s.AvgUpload)
	}
	if s.TierCounts[model.TierLAN] != 1 || s.TierCounts[model.TierCone] != 1 {
		t.Fatalf("tier counts=%v", s.TierCounts)
	}
}

func TestSummarize_SkipsUnknownRTT(t *testing.T) {
	t.Parallel()

	records := []model.ParticipantMetrics{
		{Participant: model.NewParticipantID(), Tier: model.TierRelay, RTT: 0},
		{Participant: model.NewParticipantID(), Tier: model.TierCone, RTT: 40 * time.Millisecond},
	}

	s := Summarize(records)
	if s.AvgRTT != 40*time.Millisecond || s.MinRTT != 40*time.Millisecond {
		t.Fatalf("avg=%v min=%v", s.AvgRTT, s.MinRTT)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	s := Summarize(nil)
	if s.Count != 0 || s.AvgRTT != 0 {
		t.Fatalf("empty summary: %+v", s)
	}
}
