package peer

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/capture"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/mapi"
)

// CameraOptions configures the camera peer.
type CameraOptions struct {
	Self      mapi.PeerID
	Bus       bus.Client
	Workers   []*capture.Worker // one per configured device
	Display   Display           // optional consumer of annotated frames
	DataDir   string            // recording root, reported with its free space
	QueueSize int
}

// Camera is the in-cabin camera recorder peer.
type Camera struct {
	*node
	workers []*capture.Worker
	display Display
	dataDir string

	mu     sync.Mutex
	opened []*capture.Worker

	pumps sync.WaitGroup
}

// NewCamera wires the camera command handlers.
func NewCamera(opts CameraOptions) *Camera {
	c := &Camera{
		node:    newNode(opts.Self, opts.Bus, opts.QueueSize, "camera"),
		workers: opts.Workers,
		display: opts.Display,
		dataDir: opts.DataDir,
	}

	c.dispatcher.Register(mapi.TopicCamRecordStart, func(mapi.Envelope) { c.RecordStart() })
	c.dispatcher.Register(mapi.TopicCamRecordStop, func(mapi.Envelope) { c.RecordStop() })
	c.dispatcher.Register(mapi.TopicCamCaptureImage, func(env mapi.Envelope) {
		delay, _ := env.Float("delay")
		c.CaptureImage(time.Duration(delay * float64(time.Second)))
	})
	return c
}

// OpenAll opens every configured device and starts the opened ones.
// Devices that fail to open are reported and skipped. It returns the
// number of running workers.
func (c *Camera) OpenAll(ctx context.Context) int {
	var opened []*capture.Worker
	for _, w := range c.workers {
		if !w.Open(ctx) {
			c.logger.Warn().Int(log.FieldDevice, w.ID()).Msg("camera unavailable, skipped")
			continue
		}
		if err := w.Start(ctx); err != nil {
			c.logger.Error().Err(err).Int(log.FieldDevice, w.ID()).Msg("cannot start capture loop")
			continue
		}
		opened = append(opened, w)

		if c.display != nil {
			c.pumps.Add(1)
			go c.pump(w)
		}
	}

	c.mu.Lock()
	c.opened = opened
	c.mu.Unlock()

	c.logger.Info().Int("opened", len(opened)).Int("configured", len(c.workers)).Msg("cameras connected")
	return len(opened)
}

// pump hands every annotated frame to the display until the worker closes.
func (c *Camera) pump(w *capture.Worker) {
	defer c.pumps.Done()
	for {
		f := w.Frames().Take()
		if f == nil {
			return
		}
		c.display.Show(f)
	}
}

func (c *Camera) running() []*capture.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*capture.Worker(nil), c.opened...)
}

// RecordStart starts recording on every opened device.
func (c *Camera) RecordStart() {
	for _, w := range c.running() {
		w.StartRecording()
	}
}

// RecordStop stops recording on every opened device.
func (c *Camera) RecordStop() {
	for _, w := range c.running() {
		w.StopRecording()
	}
}

// CaptureImage requests one still per opened device after delay.
func (c *Camera) CaptureImage(delay time.Duration) {
	for _, w := range c.running() {
		w.StartCapturing(delay)
	}
}

// Run opens the devices, serves the bus until ctx is cancelled, then
// closes every worker.
func (c *Camera) Run(ctx context.Context) error {
	c.OpenAll(ctx)
	err := c.run(ctx)
	c.closeAll()
	return err
}

func (c *Camera) closeAll() {
	var wg sync.WaitGroup
	for _, w := range c.workers {
		wg.Add(1)
		go func(w *capture.Worker) {
			defer wg.Done()
			if err := w.Close(); err != nil {
				c.logger.Error().Err(err).Int(log.FieldDevice, w.ID()).Msg("camera close failed")
			}
		}(w)
	}
	wg.Wait()
	c.pumps.Wait()

	c.mu.Lock()
	c.opened = nil
	c.mu.Unlock()
}

// CameraStatus is reported by the status endpoint.
type CameraStatus struct {
	BusConnected bool            `json:"bus_connected"`
	Devices      []capture.Stats `json:"devices"`
	DataDir      string          `json:"data_dir"`
	DiskFreeGB   float64         `json:"disk_free_gb,omitempty"`
	DiskUsedPct  float64         `json:"disk_used_percent,omitempty"`
}

// Status reports every running device and the free space of the
// recording volume.
func (c *Camera) Status(ctx context.Context) (CameraStatus, error) {
	st := CameraStatus{
		BusConnected: c.bus.IsConnected(),
		DataDir:      c.dataDir,
		Devices:      []capture.Stats{},
	}
	for _, w := range c.running() {
		st.Devices = append(st.Devices, w.Stats())
	}

	if c.dataDir != "" {
		usage, err := disk.UsageWithContext(ctx, c.dataDir)
		if err != nil {
			c.logger.Debug().Err(err).Str(log.FieldPath, c.dataDir).Msg("disk usage unavailable")
		} else {
			st.DiskFreeGB = float64(usage.Free) / (1 << 30)
			st.DiskUsedPct = usage.UsedPercent
		}
	}
	return st, nil
}
