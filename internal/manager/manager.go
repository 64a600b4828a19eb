// Package manager runs scenarios: it replays a scenario's commands on the
// bus at their scheduled times and keeps the co-application liveness table.
//
// All manager state lives on one eventloop.Loop. Bus callbacks, ticker
// fires, control requests and file watcher events are posted there, so the
// scheduler and presenter are never touched concurrently.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/eventloop"
	"github.com/e7canasta/flame-avsim/internal/liveness"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/mapi"
	"github.com/e7canasta/flame-avsim/internal/metrics"
	"github.com/e7canasta/flame-avsim/internal/scenario"
)

// ErrNoScenarioFile is returned by Reload and Save when no path is known.
var ErrNoScenarioFile = errors.New("no scenario file")

// Options configures a Manager.
type Options struct {
	Self          mapi.PeerID
	Bus           bus.Client
	Peers         []mapi.PeerID
	TickInterval  time.Duration
	ScenarioFile  string // loaded by Run when set
	WatchScenario bool   // follow the loaded scenario file on disk
	Presenter     Presenter
	QueueSize     int

	newTicker     func(time.Duration) ticker
	watchDebounce time.Duration
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) ticker { return timeTicker{time.NewTicker(d)} }

// Manager is the scenario manager peer.
type Manager struct {
	self       mapi.PeerID
	bus        bus.Client
	loop       *eventloop.Loop
	dispatcher *mapi.Dispatcher
	tracker    *liveness.Tracker
	presenter  Presenter
	logger     zerolog.Logger
	newTicker  func(time.Duration) ticker
	watch      bool
	debounce   time.Duration

	// Owned by the loop goroutine.
	sched    *scenario.Scheduler
	path     string
	digest   []byte             // document of the installed scenario
	pending  *scenario.Scenario // on-disk change waiting for the run to stop
	gen      uint64
	stopTick func()

	tickWG   sync.WaitGroup
	watchCtx context.Context
	watcher  *scenario.Watcher
	watched  string
}

// New wires a manager. Nothing runs until Run.
func New(opts Options) *Manager {
	presenter := opts.Presenter
	if presenter == nil {
		presenter = NewLogPresenter()
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = newTimeTicker
	}

	m := &Manager{
		self:       opts.Self,
		bus:        opts.Bus,
		loop:       eventloop.New(opts.QueueSize),
		dispatcher: mapi.NewDispatcher(opts.Self),
		tracker:    liveness.NewTracker(opts.Self, opts.Bus, opts.Peers...),
		presenter:  presenter,
		logger:     log.WithComponent("manager"),
		newTicker:  newTicker,
		watch:      opts.WatchScenario,
		debounce:   opts.watchDebounce,
		sched:      scenario.NewScheduler(opts.TickInterval),
		path:       opts.ScenarioFile,
	}

	// Notifications and registrations both feed the liveness table.
	m.dispatcher.Register(mapi.TopicNotifyActive, m.tracker.HandleNotify)
	m.dispatcher.Register(mapi.TopicManager, m.tracker.HandleNotify)
	m.tracker.OnChange(m.presenter.MarkPeer)

	for _, p := range opts.Peers {
		m.presenter.MarkPeer(p, liveness.Unknown)
	}
	return m
}

// Tracker exposes the liveness table.
func (m *Manager) Tracker() *liveness.Tracker { return m.tracker }

// Connected reports whether the bus client holds a broker connection.
func (m *Manager) Connected() bool { return m.bus.IsConnected() }

// Run connects to the bus and processes events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for _, topic := range m.dispatcher.Topics() {
		m.bus.Subscribe(string(topic))
	}
	m.bus.OnMessage(func(topic string, payload []byte) {
		m.loop.Post(func() { m.dispatcher.Dispatch(topic, payload) })
	})
	m.bus.OnConnect(func() {
		m.loop.Post(func() {
			m.presenter.StatusText("Connected to broker")
			m.tracker.RequestActive()
		})
	})
	m.bus.OnConnectionLost(func(err error) {
		m.loop.Post(func() {
			m.presenter.StatusText(fmt.Sprintf("Disconnected from broker (%v)", err))
		})
	})

	m.watchCtx = ctx
	if m.path != "" {
		// The loop is not running yet, so the watcher can be set up here.
		m.watchFile(m.path)
		if s, err := scenario.LoadFile(m.path); err != nil {
			m.logger.Error().Err(err).Str(log.FieldPath, m.path).Msg("initial scenario load failed")
		} else {
			path := m.path
			m.loop.Post(func() { m.apply(s, path) })
		}
	}

	if err := m.bus.Connect(ctx); err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}

	m.logger.Info().Str(log.FieldPeer, string(m.self)).Msg("scenario manager running")
	m.loop.Run(ctx)

	m.disarm()
	m.tickWG.Wait()
	m.stopWatcher()
	m.bus.Disconnect()
	m.logger.Info().Msg("scenario manager stopped")
	return nil
}

// watchFile points the file watcher at path, replacing the watcher of a
// previously loaded file. Loop only.
func (m *Manager) watchFile(path string) {
	if !m.watch || path == m.watched {
		return
	}
	m.stopWatcher()

	w, err := scenario.NewWatcher(path, m.debounce, func() { m.fileChanged(path) })
	if err == nil {
		err = w.Start(m.watchCtx)
	}
	if err != nil {
		m.logger.Error().Err(err).Str(log.FieldPath, path).Msg("scenario watcher disabled")
		return
	}
	m.watcher = w
	m.watched = path
}

func (m *Manager) stopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
		m.watcher = nil
		m.watched = ""
	}
}

// fileChanged runs on the watcher's timer goroutine. Parsing happens here;
// the decision is made on the loop.
func (m *Manager) fileChanged(path string) {
	s, err := scenario.LoadFile(path)
	if err != nil {
		m.logger.Error().Err(err).Str(log.FieldEvent, "scenario.auto_reload_failed").Msg("automatic scenario reload failed")
		return
	}
	doc, err := s.Marshal()
	if err != nil {
		m.logger.Error().Err(err).Str(log.FieldPath, path).Msg("scenario encode failed")
		return
	}
	m.loop.Post(func() { m.autoReload(path, s, doc) })
}

// autoReload installs an on-disk change. A file whose document matches the
// installed scenario (our own save, a touch) is ignored. While a run is in
// progress the change waits until the scheduler stops. Loop only.
func (m *Manager) autoReload(path string, s *scenario.Scenario, doc []byte) {
	if path != m.path {
		return
	}
	if bytes.Equal(doc, m.digest) {
		m.pending = nil
		m.logger.Debug().Str(log.FieldPath, path).Msg("scenario file unchanged")
		return
	}
	if m.sched.State() != scenario.Stopped {
		m.pending = s
		m.presenter.StatusText("Scenario file changed, reload deferred until the run stops")
		m.logger.Warn().
			Str(log.FieldPath, path).
			Str("state", m.sched.State().String()).
			Msg("scenario file changed during run, reload deferred")
		return
	}
	m.apply(s, path)
}

// applyPending installs a deferred on-disk change once stopped. Loop only.
func (m *Manager) applyPending() {
	if m.pending == nil || m.sched.State() != scenario.Stopped {
		return
	}
	s := m.pending
	m.pending = nil
	m.apply(s, m.path)
}

// RunScenario starts, resumes or re-arms the scheduler.
func (m *Manager) RunScenario(ctx context.Context) error {
	return m.call(ctx, func() error {
		if err := m.sched.Run(); err != nil {
			return err
		}
		m.arm()
		m.presenter.StatusText("Scenario is running")
		m.logger.Info().Float64(log.FieldScenarioTime, m.sched.Index()).Msg("scenario running")
		return nil
	})
}

// StopScenario halts and rewinds the scheduler.
func (m *Manager) StopScenario(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.disarm()
		m.sched.Stop()
		m.presenter.StatusText("Scenario is stopped")
		m.applyPending()
		return nil
	})
}

// PauseScenario halts the scheduler and keeps its position.
func (m *Manager) PauseScenario(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.disarm()
		m.sched.Pause()
		m.presenter.StatusText("Scenario runner is paused")
		m.logger.Info().Float64(log.FieldScenarioTime, m.sched.Index()).Msg("scenario paused")
		return nil
	})
}

// LoadScenario parses path and replaces the scenario. On failure the
// current scenario and run state are kept.
func (m *Manager) LoadScenario(ctx context.Context, path string) error {
	s, err := scenario.LoadFile(path)
	if err != nil {
		m.logger.Error().Err(err).Str(log.FieldPath, path).Msg("scenario load failed")
		return err
	}
	return m.call(ctx, func() error {
		m.apply(s, path)
		return nil
	})
}

// ReloadScenario loads the current scenario file again.
func (m *Manager) ReloadScenario(ctx context.Context) error {
	var path string
	if err := m.call(ctx, func() error {
		path = m.path
		return nil
	}); err != nil {
		return err
	}
	if path == "" {
		return ErrNoScenarioFile
	}
	return m.LoadScenario(ctx, path)
}

// SaveScenario writes the loaded scenario to path, or to the file it was
// loaded from when path is empty.
func (m *Manager) SaveScenario(ctx context.Context, path string) error {
	var s *scenario.Scenario
	if err := m.call(ctx, func() error {
		s = m.sched.Scenario()
		if path == "" {
			path = m.path
		}
		return nil
	}); err != nil {
		return err
	}
	if s == nil {
		return scenario.ErrNoScenario
	}
	if path == "" {
		return ErrNoScenarioFile
	}
	if err := scenario.SaveFile(path, s); err != nil {
		return err
	}
	m.logger.Info().Str(log.FieldPath, path).Int(log.FieldEvents, s.Len()).Msg("scenario saved")
	return nil
}

// Status is a point-in-time view of the manager.
type Status struct {
	State        string               `json:"state"`
	ScenarioTime float64              `json:"scenario_time"`
	EndTime      float64              `json:"end_time"`
	ScenarioFile string               `json:"scenario_file,omitempty"`
	Events       int                  `json:"events"`
	PendingFile  bool                 `json:"reload_pending,omitempty"`
	BusConnected bool                 `json:"bus_connected"`
	Peers        []liveness.PeerState `json:"peers"`
}

// Status snapshots the manager from its event loop.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.call(ctx, func() error {
		st = Status{
			State:        m.sched.State().String(),
			ScenarioTime: m.sched.Index(),
			ScenarioFile: m.path,
			PendingFile:  m.pending != nil,
			BusConnected: m.bus.IsConnected(),
			Peers:        m.tracker.Snapshot(),
		}
		if s := m.sched.Scenario(); s != nil {
			st.EndTime = s.EndTime()
			st.Events = s.Len()
		}
		return nil
	})
	return st, err
}

func (m *Manager) call(ctx context.Context, fn func() error) error {
	var err error
	if callErr := m.loop.Call(ctx, func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

// apply installs a parsed scenario. Loop only.
func (m *Manager) apply(s *scenario.Scenario, path string) {
	m.disarm()
	if err := m.sched.Load(s); err != nil {
		m.logger.Error().Err(err).Msg("scenario rejected")
		return
	}
	m.path = path
	m.pending = nil
	if doc, err := s.Marshal(); err == nil {
		m.digest = doc
	} else {
		m.digest = nil
	}
	m.watchFile(path)
	m.presenter.SetRows(s.Rows())
	m.presenter.StatusText(fmt.Sprintf("Scenario loaded: %s", path))
	m.logger.Info().
		Str(log.FieldPath, path).
		Int(log.FieldEvents, s.Len()).
		Float64(log.FieldEndTime, s.EndTime()).
		Msg("scenario loaded")
}

// arm (re)starts the ticker. Loop only. Fires from an older generation
// that are still queued are ignored by onTick.
func (m *Manager) arm() {
	m.disarm()
	m.gen++
	gen := m.gen

	t := m.newTicker(m.sched.Interval())
	done := make(chan struct{})
	m.stopTick = func() {
		t.Stop()
		close(done)
	}

	m.tickWG.Add(1)
	go func() {
		defer m.tickWG.Done()
		for {
			select {
			case <-done:
				return
			case <-t.C():
				m.loop.Post(func() { m.onTick(gen) })
			}
		}
	}()
}

// disarm stops the ticker. Loop only.
func (m *Manager) disarm() {
	if m.stopTick != nil {
		m.stopTick()
		m.stopTick = nil
	}
	m.gen++
}

func (m *Manager) onTick(gen uint64) {
	if gen != m.gen {
		return
	}

	tk := m.sched.Tick()
	if tk.End {
		m.disarm()
		m.presenter.StatusText("Scenario end")
		m.presenter.ScenarioEnded()
		m.logger.Info().Float64(log.FieldScenarioTime, tk.Key).Msg("scenario ended")
		m.applyPending()
		return
	}
	if len(tk.Events) == 0 {
		return
	}

	for _, ev := range tk.Events {
		m.publish(tk.Key, ev)
	}

	m.presenter.ResetRows()
	for i, row := range m.sched.Scenario().Rows() {
		if row.Key() == tk.Key {
			m.presenter.HighlightRow(i)
		}
	}
}

func (m *Manager) publish(key float64, ev scenario.Event) {
	err := m.bus.Publish(string(ev.Topic), ev.Payload())
	switch {
	case err == nil:
		metrics.ScenarioEventsTotal.Inc()
		m.logger.Debug().
			Float64(log.FieldScenarioTime, key).
			Str(log.FieldTopic, string(ev.Topic)).
			Msg("scenario event published")
	case errors.Is(err, bus.ErrNotConnected):
		m.logger.Warn().
			Float64(log.FieldScenarioTime, key).
			Str(log.FieldTopic, string(ev.Topic)).
			Msg("bus disconnected, scenario event skipped")
	default:
		m.logger.Error().Err(err).
			Float64(log.FieldScenarioTime, key).
			Str(log.FieldTopic, string(ev.Topic)).
			Msg("scenario event publish failed")
	}
}
