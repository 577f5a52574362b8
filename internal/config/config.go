// Package config defines the JSON configuration file for a watchmesh
// device.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/watchmesh/watchmesh/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Mesh     Mesh     `json:"mesh"`
	Media    Media    `json:"media"`
	Bridge   Bridge   `json:"bridge"`
	Logging  Logging  `json:"logging"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	DataDir string `json:"data_dir"`
}

type P2P struct {
	ListenPort     int    `json:"listen_port"`
	DirectoryTopic string `json:"directory_topic"`
	MdnsTag        string `json:"mdns_tag"`
}

type Mesh struct {
	MaxAttempts       int `json:"max_attempts"`
	BaseDelayMs       int `json:"base_delay_ms"`
	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	HeartbeatSec      int `json:"heartbeat_sec"`
}

type Media struct {
	VideoDisabled bool `json:"video_disabled"`
}

type Bridge struct {
	HTTPAddr string `json:"http_addr"`
}

type Logging struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			DataDir: "data",
		},
		P2P: P2P{
			ListenPort:     0,
			DirectoryTopic: "watchmesh.directory.v1",
			MdnsTag:        "watchmesh-mdns",
		},
		Mesh: Mesh{
			MaxAttempts:       3,
			BaseDelayMs:       2000,
			ConnectTimeoutSec: 30,
			HeartbeatSec:      5,
		},
		Media: Media{
			VideoDisabled: false,
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:8890",
		},
		Logging: Logging{
			Level: "warn",
		},
	}
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.DataDir) == "" {
		return errors.New("identity.data_dir is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.DirectoryTopic) == "" {
		return errors.New("p2p.directory_topic is required")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Mesh
	if c.Mesh.MaxAttempts <= 0 {
		return errors.New("mesh.max_attempts must be > 0")
	}
	if c.Mesh.BaseDelayMs <= 0 {
		return errors.New("mesh.base_delay_ms must be > 0")
	}
	if c.Mesh.ConnectTimeoutSec <= 0 {
		return errors.New("mesh.connect_timeout_sec must be > 0")
	}
	if c.Mesh.HeartbeatSec < 0 {
		return errors.New("mesh.heartbeat_sec must be >= 0")
	}

	// Logging
	if !validLevels[c.Logging.Level] {
		return errors.New("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
