// Package eyetracker drives the head-mounted eye tracker used by the
// avsim-neon peer.
package eyetracker

//go:generate mockgen -destination=mock_device.go -package=eyetracker github.com/e7canasta/flame-avsim/internal/eyetracker Device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoDevice is returned when no eye tracker is reachable or Open was not called.
	ErrNoDevice = errors.New("eye tracker not available")
)

// Device is the command surface of an eye tracker.
type Device interface {
	Open(ctx context.Context) error
	Close() error
	RecordStart(ctx context.Context) (string, error)
	RecordStop(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// Status is a snapshot of the companion device.
type Status struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	BatteryLevel    int    `json:"battery_level"`
	BatteryState    string `json:"battery_state"`
	MemoryFreeBytes int64  `json:"memory_free_bytes"`
	MemoryState     string `json:"memory_state"`
	RecordingID     string `json:"recording_id,omitempty"`
}

// FreeGB reports free storage in whole gigabytes.
func (s Status) FreeGB() int64 {
	return s.MemoryFreeBytes / (1 << 30)
}

// APIError is a non-success answer from the device.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: device answered %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: device answered %d: %s", e.Op, e.StatusCode, e.Message)
}
