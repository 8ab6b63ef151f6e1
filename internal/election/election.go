// Package election picks a session host and standby backup from a round's
// collected metrics. The default ordering is deterministic and total, so
// every participant scoring the same record set names the same pair.
package election

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

var (
	// ErrNoCandidates is returned when the record set is empty.
	ErrNoCandidates = errors.New("election: no candidates")
	// ErrIndexOutOfRange is returned when a supplied candidate index does
	// not refer to a record in the set.
	ErrIndexOutOfRange = errors.New("election: candidate index out of range")
)

// Better reports whether candidate a should be preferred over b as session
// host. The order is: NAT tier ascending, upload bandwidth descending, RTT
// ascending, STUN success descending, then participant ID ascending as the
// final tie-break. Zero RTT means unmeasured and sorts after any real RTT.
func Better(a, b model.ParticipantMetrics) bool {
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	if a.UploadKbps != b.UploadKbps {
		return a.UploadKbps > b.UploadKbps
	}
	if a.RTT != b.RTT {
		if a.RTT <= 0 {
			return false
		}
		if b.RTT <= 0 {
			return true
		}
		return a.RTT < b.RTT
	}
	if a.STUNSuccessPct != b.STUNSuccessPct {
		return a.STUNSuccessPct > b.STUNSuccessPct
	}
	return model.CompareIDs(a.Participant, b.Participant) < 0
}

// Rank returns the indices of the best and backup candidates under the
// default ordering. With a single candidate the backup equals the host.
func Rank(records []model.ParticipantMetrics) (best, backup int, err error) {
	if len(records) == 0 {
		return 0, 0, ErrNoCandidates
	}

	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return Better(records[order[i]], records[order[j]])
	})

	best = order[0]
	backup = best
	if len(order) > 1 {
		backup = order[1]
	}
	return best, backup, nil
}

// Result builds an ElectionResult from the record set and the chosen
// candidate indices, validating both before dereferencing.
func Result(records []model.ParticipantMetrics, best, backup int) (model.ElectionResult, error) {
	if len(records) == 0 {
		return model.ElectionResult{}, ErrNoCandidates
	}
	if best < 0 || best >= len(records) {
		return model.ElectionResult{}, fmt.Errorf("%w: best %d of %d", ErrIndexOutOfRange, best, len(records))
	}
	if backup < 0 || backup >= len(records) {
		return model.ElectionResult{}, fmt.Errorf("%w: backup %d of %d", ErrIndexOutOfRange, backup, len(records))
	}
	return model.ElectionResult{
		Host:   endpoint(records[best]),
		Backup: endpoint(records[backup]),
	}, nil
}

func endpoint(m model.ParticipantMetrics) model.HostEndpoint {
	return model.HostEndpoint{ID: m.Participant, Addr: m.PublicAddr, Port: m.PublicPort}
}
