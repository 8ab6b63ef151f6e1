package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen         = "0.0.0.0:47810"
	DefaultUploadKbps     = 5000
	DefaultTickIntervalMs = 250
	DefaultSnapshotPath   = "/var/lib/ringd/session.yaml"
)

// DefaultSTUNServers are public servers used when the config names none.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// Peer names one other session participant and where to reach it.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config holds the settings for one ring participant process.
type Config struct {
	ParticipantID  string   `yaml:"participant_id"`
	Name           string   `yaml:"name"`
	Listen         string   `yaml:"listen"`
	Leader         bool     `yaml:"leader"`
	Peers          []Peer   `yaml:"peers"`
	STUNServers    []string `yaml:"stun_servers"`
	UploadKbps     uint32   `yaml:"upload_kbps"`
	SnapshotPath   string   `yaml:"snapshot_path"`
	TickIntervalMs int      `yaml:"tick_interval_ms"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cfg.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	for i, p := range cfg.Peers {
		if p.ID == "" {
			return fmt.Errorf("peers[%d].id is required", i)
		}
		if p.Addr == "" {
			return fmt.Errorf("peers[%d].addr is required", i)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.UploadKbps == 0 {
		cfg.UploadKbps = DefaultUploadKbps
	}
	if cfg.TickIntervalMs == 0 {
		cfg.TickIntervalMs = DefaultTickIntervalMs
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = DefaultSnapshotPath
	}
	// An explicit empty list disables STUN probing; only an absent key
	// picks up the defaults.
	if cfg.STUNServers == nil {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
}
