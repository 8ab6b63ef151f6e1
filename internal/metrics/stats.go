package metrics

import (
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

// Summary is a basic statistics snapshot over one round's records.
type Summary struct {
	Count      int
	MinRTT     time.Duration
	AvgRTT     time.Duration
	MaxRTT     time.Duration
	AvgUpload  uint32
	TierCounts [int(model.TierRelay) + 1]int
}

// Summarize computes summary metrics for a collected record set. Records
// with an unknown RTT (zero) are excluded from the RTT aggregates.
func Summarize(records []model.ParticipantMetrics) Summary {
	s := Summary{Count: len(records)}
	if len(records) == 0 {
		return s
	}

	var sumRTT time.Duration
	var sumUpload uint64
	rttSamples := 0

	for _, m := range records {
		if m.Tier >= model.TierLAN && m.Tier <= model.TierRelay {
			s.TierCounts[m.Tier]++
		}
		sumUpload += uint64(m.UploadKbps)
		if m.RTT <= 0 {
			continue
		}
		if rttSamples == 0 || m.RTT < s.MinRTT {
			s.MinRTT = m.RTT
		}
		if m.RTT > s.MaxRTT {
			s.MaxRTT = m.RTT
		}
		sumRTT += m.RTT
		rttSamples++
	}

	if rttSamples > 0 {
		s.AvgRTT = sumRTT / time.Duration(rttSamples)
	}
	s.AvgUpload = uint32(sumUpload / uint64(len(records)))
	return s
}
