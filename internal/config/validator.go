package config

import (
	"fmt"
	"path/filepath"
	"regexp"
)

var appPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	defaultBroker         = "127.0.0.1:1883"
	defaultKeepaliveS     = 60
	defaultTickIntervalMS = 100
	defaultCloseTimeoutMS = 1000
	defaultDetectorMS     = 500
	defaultNeonTimeoutMS  = 5000
	defaultScenarioDir    = "scenarios"
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.App == "" {
		return fmt.Errorf("app is required")
	}
	if !appPattern.MatchString(cfg.App) {
		return fmt.Errorf("app must match pattern [a-z0-9-]+")
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = defaultBroker
	}
	if cfg.MQTT.KeepaliveS < 0 {
		return fmt.Errorf("mqtt.keepalive_s must be >= 0")
	}
	if cfg.MQTT.KeepaliveS == 0 {
		cfg.MQTT.KeepaliveS = defaultKeepaliveS
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if cfg.Neon.RequestTimeoutMS <= 0 {
		cfg.Neon.RequestTimeoutMS = defaultNeonTimeoutMS
	}
	if cfg.Neon.StatusIntervalS < 0 {
		return fmt.Errorf("neon.status_interval_s must be >= 0")
	}

	if cfg.Manager.TickIntervalMS < 0 {
		return fmt.Errorf("manager.tick_interval_ms must be > 0")
	}
	if cfg.Manager.TickIntervalMS == 0 {
		cfg.Manager.TickIntervalMS = defaultTickIntervalMS
	}
	if cfg.Manager.ScenarioDir == "" {
		cfg.Manager.ScenarioDir = defaultScenarioDir
		if cfg.Manager.ScenarioFile != "" {
			cfg.Manager.ScenarioDir = filepath.Dir(cfg.Manager.ScenarioFile)
		}
	}
	for _, peer := range cfg.Manager.Peers {
		if !appPattern.MatchString(peer) {
			return fmt.Errorf("manager.peers: %q must match pattern [a-z0-9-]+", peer)
		}
	}

	return nil
}

func validateCamera(cam *CameraConfig) error {
	if len(cam.DeviceIDs) == 0 {
		cam.DeviceIDs = []int{0, 2, 4, 6}
	}
	seen := make(map[int]bool, len(cam.DeviceIDs))
	for _, id := range cam.DeviceIDs {
		if id < 0 {
			return fmt.Errorf("device id %d must be >= 0", id)
		}
		if seen[id] {
			return fmt.Errorf("device id %d listed twice", id)
		}
		seen[id] = true
	}

	switch cam.Source {
	case "":
		cam.Source = "synthetic"
	case "synthetic", "v4l2":
	default:
		return fmt.Errorf("unknown source %q (must be 'synthetic' or 'v4l2')", cam.Source)
	}

	if cam.Width <= 0 {
		cam.Width = 1920
	}
	if cam.Height <= 0 {
		cam.Height = 1080
	}
	if cam.FPS <= 0 {
		cam.FPS = 30
	}
	if cam.DataDir == "" {
		cam.DataDir = "data"
	}
	if cam.StillDir == "" {
		cam.StillDir = "."
	}
	if cam.CloseTimeoutMS <= 0 {
		cam.CloseTimeoutMS = defaultCloseTimeoutMS
	}

	if cam.Detector.Enabled && cam.Detector.Command == "" {
		return fmt.Errorf("detector.command is required when the detector is enabled")
	}
	if cam.Detector.TimeoutMS <= 0 {
		cam.Detector.TimeoutMS = defaultDetectorMS
	}

	return nil
}
