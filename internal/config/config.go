package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration of one AVSim peer process
type Config struct {
	App        string        `yaml:"app"`         // peer identity on the bus (e.g. avsim-cam)
	LogLevel   string        `yaml:"log_level"`   // debug, info, warn, error
	HealthAddr string        `yaml:"health_addr"` // listen address of the health/status server, empty disables it
	MQTT       MQTTConfig    `yaml:"mqtt"`
	Camera     CameraConfig  `yaml:"camera"`
	Neon       NeonConfig    `yaml:"neon"`
	Manager    ManagerConfig `yaml:"manager"`
}

// MQTTConfig contains broker settings
type MQTTConfig struct {
	Broker     string `yaml:"broker"`      // host:port
	KeepaliveS int    `yaml:"keepalive_s"` // MQTT keepalive in seconds (default: 60)
}

// CameraConfig contains settings of the in-cabin camera peer
type CameraConfig struct {
	DeviceIDs      []int          `yaml:"device_ids"`       // V4L2 device indices (/dev/videoN)
	Source         string         `yaml:"source"`           // synthetic, v4l2
	Width          int            `yaml:"width"`            // capture width in pixels
	Height         int            `yaml:"height"`           // capture height in pixels
	FPS            int            `yaml:"fps"`              // target acquisition rate
	DataDir        string         `yaml:"data_dir"`         // recording output root
	StillDir       string         `yaml:"still_dir"`        // still image output directory
	CloseTimeoutMS int            `yaml:"close_timeout_ms"` // bound for worker Close (default: 1000)
	Detector       DetectorConfig `yaml:"detector"`
}

// DetectorConfig configures the optional pose detector subprocess
type DetectorConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Command   string   `yaml:"command"` // executable speaking length-prefixed msgpack on stdio
	Args      []string `yaml:"args"`
	TimeoutMS int      `yaml:"timeout_ms"` // per-frame inference bound (default: 500)
}

// NeonConfig contains settings of the eye-tracker peer
type NeonConfig struct {
	Address          string `yaml:"address"`            // base URL of the companion device realtime API
	RequestTimeoutMS int    `yaml:"request_timeout_ms"` // HTTP request bound (default: 5000)
	StatusIntervalS  int    `yaml:"status_interval_s"`  // device status poll period, 0 disables polling
}

// ManagerConfig contains settings of the scenario manager peer
type ManagerConfig struct {
	Peers          []string `yaml:"peers"`            // co-applications shown in the liveness table
	TickIntervalMS int      `yaml:"tick_interval_ms"` // scheduler tick (default: 100)
	ScenarioFile   string   `yaml:"scenario_file"`    // optional scenario loaded at startup
	ScenarioDir    string   `yaml:"scenario_dir"`     // HTTP load/save are confined here (default: dir of scenario_file, else "scenarios")
	WatchScenario  bool     `yaml:"watch_scenario"`   // reload scenario file when it changes
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Keepalive returns the MQTT keepalive as a duration
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.MQTT.KeepaliveS) * time.Second
}

// CloseTimeout returns the bound for capture worker shutdown
func (c *CameraConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutMS) * time.Millisecond
}

// TickInterval returns the scheduler tick period
func (m *ManagerConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalMS) * time.Millisecond
}

// RequestTimeout returns the bound for one eye-tracker API request
func (n *NeonConfig) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutMS) * time.Millisecond
}

// StatusInterval returns the eye-tracker status poll period, zero when disabled
func (n *NeonConfig) StatusInterval() time.Duration {
	return time.Duration(n.StatusIntervalS) * time.Second
}

// Timeout returns the per-frame detector bound
func (d *DetectorConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}
