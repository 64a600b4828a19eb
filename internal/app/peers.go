package app

import (
	"context"
	"fmt"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/capture"
	"github.com/e7canasta/flame-avsim/internal/config"
	"github.com/e7canasta/flame-avsim/internal/detect"
	"github.com/e7canasta/flame-avsim/internal/eyetracker"
	"github.com/e7canasta/flame-avsim/internal/health"
	"github.com/e7canasta/flame-avsim/internal/livefeed"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/manager"
	"github.com/e7canasta/flame-avsim/internal/mapi"
	"github.com/e7canasta/flame-avsim/internal/peer"
)

// SourceFactory opens the frame source of one configured device.
type SourceFactory func(cam config.CameraConfig, deviceID int) capture.Source

// SyntheticSources produces test-pattern sources.
func SyntheticSources(cam config.CameraConfig, deviceID int) capture.Source {
	return capture.NewSyntheticSource(deviceID, cam.Width, cam.Height, cam.FPS)
}

// CameraPeer is the camera recorder with its optional detector process.
type CameraPeer struct {
	Camera    *peer.Camera
	Snapshots *peer.Snapshots
	detector  *detect.Subprocess
}

// NewCameraPeer builds one capture worker per configured device.
func NewCameraPeer(self mapi.PeerID, cfg *config.Config, client bus.Client, sources SourceFactory) (*CameraPeer, error) {
	cam := cfg.Camera
	p := &CameraPeer{Snapshots: peer.NewSnapshots()}

	var det detect.Detector
	if cam.Detector.Enabled {
		sub, err := detect.NewSubprocess(detect.SubprocessConfig{
			Command: cam.Detector.Command,
			Args:    cam.Detector.Args,
			Timeout: cam.Detector.Timeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("detector: %w", err)
		}
		p.detector = sub
		det = sub
	}

	sinks := capture.FileSinkFactory{DataDir: cam.DataDir, StillDir: cam.StillDir}
	workers := make([]*capture.Worker, 0, len(cam.DeviceIDs))
	for _, id := range cam.DeviceIDs {
		workers = append(workers, capture.NewWorker(capture.Options{
			DeviceID:     id,
			Source:       sources(cam, id),
			Sinks:        sinks,
			Detector:     det,
			CloseTimeout: cam.CloseTimeout(),
		}))
	}

	p.Camera = peer.NewCamera(peer.CameraOptions{
		Self:    self,
		Bus:     client,
		Workers: workers,
		Display: p.Snapshots,
		DataDir: cam.DataDir,
	})
	return p, nil
}

// Run starts the detector, if any, and serves the camera peer. A detector
// that fails to start leaves recording without pose data.
func (p *CameraPeer) Run(ctx context.Context) error {
	if p.detector != nil {
		if err := p.detector.Start(ctx); err != nil {
			logger := log.WithComponent("camera")
			logger.Error().Err(err).Msg("pose detector not started")
		}
		defer func() { _ = p.detector.Stop() }()
	}
	return p.Camera.Run(ctx)
}

// Health returns the camera's HTTP surface.
func (p *CameraPeer) Health(cfg *config.Config) health.Options {
	return health.Options{
		Addr:    cfg.HealthAddr,
		App:     cfg.App,
		Ready:   p.Camera.Connected,
		Status:  func(ctx context.Context) (any, error) { return p.Camera.Status(ctx) },
		Control: health.CameraRoutes(p.Camera, p.Snapshots),
	}
}

// NewNeonPeer builds the eye-tracker peer on the Neon realtime API.
func NewNeonPeer(self mapi.PeerID, cfg *config.Config, client bus.Client) *peer.Neon {
	device := eyetracker.NewNeon(eyetracker.NeonOptions{
		Address: cfg.Neon.Address,
		Timeout: cfg.Neon.RequestTimeout(),
	})
	return peer.NewNeon(peer.NeonOptions{
		Self:           self,
		Bus:            client,
		Device:         device,
		StatusInterval: cfg.Neon.StatusInterval(),
	})
}

// NeonHealth returns the eye-tracker's HTTP surface.
func NeonHealth(cfg *config.Config, n *peer.Neon) health.Options {
	return health.Options{
		Addr:    cfg.HealthAddr,
		App:     cfg.App,
		Ready:   n.Connected,
		Status:  func(ctx context.Context) (any, error) { return n.Status(ctx) },
		Control: health.NeonRoutes(n),
	}
}

// ManagerPeer is the scenario manager with its operator feed.
type ManagerPeer struct {
	Manager *manager.Manager
	Feed    *livefeed.Hub
}

// NewManagerPeer builds the manager. Presenter calls go to the log and to
// the websocket feed.
func NewManagerPeer(cfg *config.Config, client bus.Client) *ManagerPeer {
	peers := make([]mapi.PeerID, len(cfg.Manager.Peers))
	for i, p := range cfg.Manager.Peers {
		peers[i] = mapi.PeerID(p)
	}

	feed := livefeed.NewHub()
	m := manager.New(manager.Options{
		Self:          mapi.PeerID(cfg.App),
		Bus:           client,
		Peers:         peers,
		TickInterval:  cfg.Manager.TickInterval(),
		ScenarioFile:  cfg.Manager.ScenarioFile,
		WatchScenario: cfg.Manager.WatchScenario,
		Presenter:     manager.Presenters{manager.NewLogPresenter(), feed},
	})
	return &ManagerPeer{Manager: m, Feed: feed}
}

// Run serves the manager and disconnects feed clients on exit.
func (p *ManagerPeer) Run(ctx context.Context) error {
	defer p.Feed.Close()
	return p.Manager.Run(ctx)
}

// Health returns the manager's HTTP surface.
func (p *ManagerPeer) Health(cfg *config.Config) health.Options {
	return health.Options{
		Addr:    cfg.HealthAddr,
		App:     cfg.App,
		Ready:   p.Manager.Connected,
		Status:  func(ctx context.Context) (any, error) { return p.Manager.Status(ctx) },
		Control: health.ManagerRoutes(p.Manager, cfg.Manager.ScenarioDir),
		Feed:    p.Feed,
	}
}

// Demo identities of the peers hosted by a loopback manager.
const (
	DemoCamera mapi.PeerID = "avsim-cam"
	DemoNeon   mapi.PeerID = "avsim-neon"
)

// BuildManager is the avsim-manager Builder. In loopback mode the process
// also hosts a synthetic camera peer and an eye-tracker peer on the same
// in-process bus, so a scenario can be exercised end to end without a
// broker.
func BuildManager(cfg *config.Config, hub *bus.Hub) (*Peer, error) {
	mgr := NewManagerPeer(cfg, NewBusClient(cfg, hub))
	p := &Peer{
		Components: []Component{mgr.Run},
		Health:     mgr.Health(cfg),
	}
	if hub == nil {
		return p, nil
	}

	cam, err := NewCameraPeer(DemoCamera, cfg, hub.Client(), SyntheticSources)
	if err != nil {
		return nil, err
	}
	neon := NewNeonPeer(DemoNeon, cfg, hub.Client())
	p.Components = append(p.Components, cam.Run, neon.Run)
	return p, nil
}

// BuildNeon is the avsim-neon Builder.
func BuildNeon(cfg *config.Config, hub *bus.Hub) (*Peer, error) {
	n := NewNeonPeer(mapi.PeerID(cfg.App), cfg, NewBusClient(cfg, hub))
	return &Peer{
		Components: []Component{n.Run},
		Health:     NeonHealth(cfg, n),
	}, nil
}

// CameraBuilder returns the avsim-cam Builder for the given sources.
func CameraBuilder(sources SourceFactory) Builder {
	return func(cfg *config.Config, hub *bus.Hub) (*Peer, error) {
		cam, err := NewCameraPeer(mapi.PeerID(cfg.App), cfg, NewBusClient(cfg, hub), sources)
		if err != nil {
			return nil, err
		}
		return &Peer{
			Components: []Component{cam.Run},
			Health:     cam.Health(cfg),
		}, nil
	}
}
