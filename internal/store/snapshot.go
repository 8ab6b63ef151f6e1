package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zfogg/ascii-chat-sub003/internal/metrics"
	"github.com/zfogg/ascii-chat-sub003/internal/model"
)

// Snapshot persists the most recent converged election so a restarted
// process can report the session host before its first round finishes.
type Snapshot struct {
	UpdatedAt time.Time `yaml:"updated_at"`
	Host      Endpoint  `yaml:"host"`
	Backup    Endpoint  `yaml:"backup"`
	Round     Round     `yaml:"round"`
}

// Round records summary statistics over the record set the election
// converged on.
type Round struct {
	Participants int     `yaml:"participants"`
	MinRTTMs     float64 `yaml:"min_rtt_ms"`
	AvgRTTMs     float64 `yaml:"avg_rtt_ms"`
	MaxRTTMs     float64 `yaml:"max_rtt_ms"`
	AvgUpload    uint32  `yaml:"avg_upload_kbps"`
	TierCounts   []int   `yaml:"tier_counts"`
}

// Endpoint is the on-disk form of an elected participant.
type Endpoint struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	Port uint16 `yaml:"port"`
}

// LoadSnapshot loads the snapshot from disk. If the file is missing, returns an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveSnapshot writes the snapshot to disk.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// FromResult converts a converged election into its persisted form.
func FromResult(res model.ElectionResult, sum metrics.Summary) *Snapshot {
	return &Snapshot{
		Host:   Endpoint{ID: res.Host.ID.String(), Addr: res.Host.Addr, Port: res.Host.Port},
		Backup: Endpoint{ID: res.Backup.ID.String(), Addr: res.Backup.Addr, Port: res.Backup.Port},
		Round: Round{
			Participants: sum.Count,
			MinRTTMs:     ms(sum.MinRTT),
			AvgRTTMs:     ms(sum.AvgRTT),
			MaxRTTMs:     ms(sum.MaxRTT),
			AvgUpload:    sum.AvgUpload,
			TierCounts:   sum.TierCounts[:],
		},
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// Empty reports whether the snapshot has never recorded an election.
func (s *Snapshot) Empty() bool {
	return s == nil || s.Host.ID == ""
}
