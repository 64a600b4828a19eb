package eyetracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/metrics"
)

const (
	pathStatus      = "/api/status"
	pathRecordStart = "/api/recording:start"
	pathRecordStop  = "/api/recording:stop_and_save"

	defaultRequestTimeout = 5 * time.Second
)

// NeonOptions configures a Neon companion device client.
type NeonOptions struct {
	Address string        // host:port or base URL of the realtime API
	Timeout time.Duration // per-request bound (default: 5s)
	Client  *http.Client  // optional, for tests
}

// Neon talks to a Pupil Labs Neon companion phone over its realtime HTTP API.
type Neon struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger

	mu        sync.Mutex
	opened    bool
	recording string
}

var _ Device = (*Neon)(nil)

// NewNeon creates an unopened client.
func NewNeon(opts NeonOptions) *Neon {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	base := strings.TrimRight(opts.Address, "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Neon{
		baseURL: base,
		client:  client,
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "neon").Str("address", base)
		}),
	}
}

// Open checks that the device answers a status request.
func (n *Neon) Open(ctx context.Context) error {
	if n.baseURL == "" {
		return fmt.Errorf("no device address configured: %w", ErrNoDevice)
	}
	st, err := n.fetchStatus(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	n.mu.Lock()
	n.opened = true
	n.recording = st.RecordingID
	n.mu.Unlock()

	n.logger.Info().
		Str("name", st.Name).
		Int("battery", st.BatteryLevel).
		Int64("free_gb", st.FreeGB()).
		Msg("eye tracker connected")
	return nil
}

// Close forgets the device. The companion keeps any recording in progress.
func (n *Neon) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.opened {
		return nil
	}
	n.opened = false
	n.logger.Info().Msg("eye tracker closed")
	return nil
}

// RecordStart begins a recording and returns its id.
func (n *Neon) RecordStart(ctx context.Context) (string, error) {
	if !n.isOpen() {
		return "", ErrNoDevice
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := n.do(ctx, "recording_start", http.MethodPost, pathRecordStart, &result); err != nil {
		return "", err
	}

	n.mu.Lock()
	n.recording = result.ID
	n.mu.Unlock()
	metrics.EyeTrackerRecording.Set(1)

	n.logger.Info().Str("recording_id", result.ID).Msg("recording started")
	return result.ID, nil
}

// RecordStop stops the current recording and has the companion save it.
func (n *Neon) RecordStop(ctx context.Context) error {
	if !n.isOpen() {
		return ErrNoDevice
	}

	if err := n.do(ctx, "recording_stop", http.MethodPost, pathRecordStop, nil); err != nil {
		return err
	}

	n.mu.Lock()
	id := n.recording
	n.recording = ""
	n.mu.Unlock()
	metrics.EyeTrackerRecording.Set(0)

	n.logger.Info().Str("recording_id", id).Msg("recording stopped and saved")
	return nil
}

// Status queries the companion device.
func (n *Neon) Status(ctx context.Context) (Status, error) {
	if !n.isOpen() {
		return Status{}, ErrNoDevice
	}
	return n.fetchStatus(ctx)
}

func (n *Neon) isOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened
}

// statusComponent is one element of the status result array; Data depends on Model.
type statusComponent struct {
	Model string          `json:"model"`
	Data  json.RawMessage `json:"data"`
}

type phoneData struct {
	BatteryLevel int    `json:"battery_level"`
	BatteryState string `json:"battery_state"`
	DeviceName   string `json:"device_name"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	Memory       int64  `json:"memory"`
	MemoryState  string `json:"memory_state"`
}

type recordingData struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (n *Neon) fetchStatus(ctx context.Context) (Status, error) {
	var components []statusComponent
	if err := n.do(ctx, "status", http.MethodGet, pathStatus, &components); err != nil {
		return Status{}, err
	}

	var st Status
	for _, c := range components {
		switch c.Model {
		case "Phone":
			var p phoneData
			if err := json.Unmarshal(c.Data, &p); err != nil {
				return Status{}, fmt.Errorf("failed to decode phone status: %w", err)
			}
			st.Name = p.DeviceName
			st.Address = p.IP
			if p.Port != 0 {
				st.Address = fmt.Sprintf("%s:%d", p.IP, p.Port)
			}
			st.BatteryLevel = p.BatteryLevel
			st.BatteryState = p.BatteryState
			st.MemoryFreeBytes = p.Memory
			st.MemoryState = p.MemoryState
		case "Recording":
			var r recordingData
			if err := json.Unmarshal(c.Data, &r); err != nil {
				return Status{}, fmt.Errorf("failed to decode recording status: %w", err)
			}
			if r.Action == "START" {
				st.RecordingID = r.ID
			}
		}
	}

	metrics.EyeTrackerBatteryPercent.Set(float64(st.BatteryLevel))
	metrics.EyeTrackerFreeBytes.Set(float64(st.MemoryFreeBytes))
	return st, nil
}

// envelope is the body of every realtime API answer.
type envelope struct {
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (n *Neon) do(ctx context.Context, op, method, path string, out any) error {
	err := n.roundTrip(ctx, op, method, path, out)
	if err != nil {
		metrics.EyeTrackerErrorsTotal.WithLabelValues(op).Inc()
	}
	return err
}

func (n *Neon) roundTrip(ctx context.Context, op, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, decodeErr)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", op, err)
	}
	return nil
}

// IsAPIError reports whether err carries a device answer.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
