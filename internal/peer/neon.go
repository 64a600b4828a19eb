package peer

import (
	"context"
	"sync"
	"time"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/eyetracker"
	"github.com/e7canasta/flame-avsim/internal/mapi"
)

const neonJobQueue = 8

// NeonOptions configures the eye-tracker peer.
type NeonOptions struct {
	Self           mapi.PeerID
	Bus            bus.Client
	Device         eyetracker.Device
	StatusInterval time.Duration // device status poll period, zero disables polling
	QueueSize      int
}

// Neon is the eye-tracker controller peer. Device calls are network round
// trips, so MAPI commands are queued to a device goroutine instead of
// running on the event loop.
type Neon struct {
	*node
	device   eyetracker.Device
	interval time.Duration
	jobs     chan func(context.Context)

	devMu     sync.Mutex // serialises device calls
	mu        sync.RWMutex
	available bool
	last      eyetracker.Status
	recording string
}

// NewNeon wires the eye-tracker command handlers.
func NewNeon(opts NeonOptions) *Neon {
	n := &Neon{
		node:     newNode(opts.Self, opts.Bus, opts.QueueSize, "neon-peer"),
		device:   opts.Device,
		interval: opts.StatusInterval,
		jobs:     make(chan func(context.Context), neonJobQueue),
	}

	n.dispatcher.Register(mapi.TopicNeonRecordStart, func(mapi.Envelope) {
		n.enqueue("record_start", func(ctx context.Context) { _, _ = n.RecordStart(ctx) })
	})
	n.dispatcher.Register(mapi.TopicNeonRecordStop, func(mapi.Envelope) {
		n.enqueue("record_stop", func(ctx context.Context) { _ = n.RecordStop(ctx) })
	})
	return n
}

func (n *Neon) enqueue(op string, job func(context.Context)) {
	select {
	case n.jobs <- job:
	default:
		n.logger.Warn().Str("op", op).Msg("eye tracker busy, command dropped")
	}
}

// Run opens the device, serves the bus until ctx is cancelled and closes
// the device. A missing device is logged; the peer keeps answering
// liveness requests.
func (n *Neon) Run(ctx context.Context) error {
	if err := n.device.Open(ctx); err != nil {
		n.logger.Error().Err(err).Msg("eye tracker not connected")
	} else {
		n.mu.Lock()
		n.available = true
		n.mu.Unlock()
		n.refreshStatus(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.deviceLoop(ctx)
	}()

	err := n.run(ctx)
	wg.Wait()

	if cerr := n.device.Close(); cerr != nil {
		n.logger.Error().Err(cerr).Msg("eye tracker close failed")
	}
	return err
}

// deviceLoop executes queued commands and polls the device status.
func (n *Neon) deviceLoop(ctx context.Context) {
	var poll <-chan time.Time
	if n.interval > 0 {
		t := time.NewTicker(n.interval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-n.jobs:
			job(ctx)
		case <-poll:
			if n.Available() {
				n.refreshStatus(ctx)
			}
		}
	}
}

// Available reports whether the device was opened.
func (n *Neon) Available() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.available
}

// RecordStart starts an eye-tracker recording.
func (n *Neon) RecordStart(ctx context.Context) (string, error) {
	if !n.Available() {
		n.logger.Warn().Msg("record start ignored, no eye tracker")
		return "", eyetracker.ErrNoDevice
	}

	n.devMu.Lock()
	id, err := n.device.RecordStart(ctx)
	n.devMu.Unlock()
	if err != nil {
		n.logger.Error().Err(err).Msg("eye tracker record start failed")
		return "", err
	}

	n.mu.Lock()
	n.recording = id
	n.mu.Unlock()
	return id, nil
}

// RecordStop stops and saves the current recording.
func (n *Neon) RecordStop(ctx context.Context) error {
	if !n.Available() {
		n.logger.Warn().Msg("record stop ignored, no eye tracker")
		return eyetracker.ErrNoDevice
	}

	n.devMu.Lock()
	err := n.device.RecordStop(ctx)
	n.devMu.Unlock()
	if err != nil {
		n.logger.Error().Err(err).Msg("eye tracker record stop failed")
		return err
	}

	n.mu.Lock()
	n.recording = ""
	n.mu.Unlock()
	return nil
}

func (n *Neon) refreshStatus(ctx context.Context) {
	n.devMu.Lock()
	st, err := n.device.Status(ctx)
	n.devMu.Unlock()
	if err != nil {
		n.logger.Warn().Err(err).Msg("eye tracker status unavailable")
		return
	}

	n.mu.Lock()
	n.last = st
	n.mu.Unlock()

	n.logger.Debug().
		Str("name", st.Name).
		Int("battery", st.BatteryLevel).
		Str("battery_state", st.BatteryState).
		Int64("free_gb", st.FreeGB()).
		Str("memory_state", st.MemoryState).
		Msg("eye tracker status")
}

// NeonStatus is reported by the status endpoint.
type NeonStatus struct {
	BusConnected bool              `json:"bus_connected"`
	Available    bool              `json:"available"`
	Device       eyetracker.Status `json:"device"`
	RecordingID  string            `json:"recording_id,omitempty"`
}

// Status returns the last polled device status.
func (n *Neon) Status(context.Context) (NeonStatus, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NeonStatus{
		BusConnected: n.bus.IsConnected(),
		Available:    n.available,
		Device:       n.last,
		RecordingID:  n.recording,
	}, nil
}
