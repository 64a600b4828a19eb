// Package capture runs the per-device acquisition loop and its
// recording / still-capture state machine.
//
// Command methods (StartRecording, StopRecording, StartCapturing) only
// change state under a mutex and never block on I/O. The acquisition loop
// reads that state at the top of every iteration and is the only code
// that opens, writes or closes the recording sinks, so a frame is never
// half-written when recording stops.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/e7canasta/flame-avsim/internal/detect"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/metrics"
	"github.com/e7canasta/flame-avsim/internal/types"
)

// ErrNotOpen is returned when the device has not been opened.
var ErrNotOpen = errors.New("capture device not open")

const (
	defaultCloseTimeout = time.Second
	readRetryDelay      = 100 * time.Millisecond
)

// Options configures a Worker.
type Options struct {
	DeviceID     int
	Source       Source
	Sinks        SinkFactory
	Detector     detect.Detector // nil disables pose detection
	CloseTimeout time.Duration
	Now          func() time.Time
}

// Worker owns one device, its acquisition goroutine and its sinks.
type Worker struct {
	id     int
	source Source
	sinks  SinkFactory
	det    detect.Detector
	now    func() time.Time
	label  string
	logger zerolog.Logger

	closeTimeout time.Duration

	mu             sync.Mutex
	state          RecorderState
	opened         bool
	session        uint64 // bumped on every StartRecording
	sessionStart   time.Time
	stillRequested time.Time
	stillDelay     time.Duration

	// Owned by the acquisition loop. sinkMu lets Close release them when
	// the loop fails to exit in time.
	sinkMu      sync.Mutex
	rec         RecordingSinks
	recSession  uint64
	recID       string
	readErrLog  rate.Sometimes
	detErrLog   rate.Sometimes
	writeErrLog rate.Sometimes

	mailbox *Mailbox

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	stats workerCounters
}

type workerCounters struct {
	mu       sync.Mutex
	captured uint64
	recorded uint64
	stills   uint64
	lastPath string
}

// NewWorker creates a worker for one device. Open must succeed before Start.
func NewWorker(opts Options) *Worker {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	label := strconv.Itoa(opts.DeviceID)

	return &Worker{
		id:           opts.DeviceID,
		source:       opts.Source,
		sinks:        opts.Sinks,
		det:          opts.Detector,
		now:          opts.Now,
		label:        label,
		closeTimeout: opts.CloseTimeout,
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "capture").Int(log.FieldDevice, opts.DeviceID)
		}),
		readErrLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		detErrLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
		writeErrLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		mailbox: NewMailbox(func() {
			metrics.FramesDroppedTotal.WithLabelValues(label).Inc()
		}),
	}
}

// ID returns the device index.
func (w *Worker) ID() int { return w.id }

// Open acquires the device. It reports failure as false; the caller must
// not Start the worker until a later Open succeeds.
func (w *Worker) Open(ctx context.Context) bool {
	if w.source == nil {
		return false
	}
	if err := w.source.Open(ctx); err != nil {
		w.logger.Error().Err(err).Msg("cannot open capture device")
		return false
	}

	w.mu.Lock()
	w.opened = true
	w.state = Idle
	w.mu.Unlock()

	w.logger.Info().Msg("connected capture device")
	return true
}

// Start launches the acquisition loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	opened := w.opened
	w.mu.Unlock()
	if !opened {
		return ErrNotOpen
	}

	started := false
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancel = cancel
		w.done = make(chan struct{})
		w.mu.Unlock()

		go w.run(ctx)
		started = true
	})
	if !started {
		return fmt.Errorf("capture worker %d already started", w.id)
	}
	return nil
}

// Frames returns the latest-frame mailbox for display consumers.
func (w *Worker) Frames() *Mailbox { return w.mailbox }

// State returns the current command state.
func (w *Worker) State() RecorderState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// StartRecording switches to Recording. Calling it while already
// recording does nothing; the sinks are opened by the loop.
func (w *Worker) StartRecording() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Recording {
		return
	}
	if w.state == CapturingStill {
		w.logger.Info().Msg("pending still capture cancelled by recording")
	}
	w.state = Recording
	w.session++
	w.sessionStart = w.now()
	w.logger.Info().Str(log.FieldState, Recording.String()).Msg("recording requested")
}

// StopRecording returns to Idle if recording. The sinks are released at
// the next loop boundary.
func (w *Worker) StopRecording() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Recording {
		return
	}
	w.state = Idle
	w.logger.Info().Str(log.FieldState, Idle.String()).Msg("recording stop requested")
}

// StartCapturing requests one still image once delay has elapsed. It is
// ignored while a still is pending and refused while recording.
func (w *Worker) StartCapturing(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case CapturingStill:
		return
	case Recording:
		w.logger.Warn().Msg("still capture refused while recording")
		return
	}
	if delay < 0 {
		delay = 0
	}
	w.state = CapturingStill
	w.stillRequested = w.now()
	w.stillDelay = delay
	w.logger.Info().Dur("delay", delay).Msg("still capture requested")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.releaseSinks("loop exit")

	w.logger.Info().Msg("acquisition loop started")
	for ctx.Err() == nil {
		w.step(ctx)
	}
	w.logger.Info().Msg("acquisition loop interrupted")
}

// step runs one acquisition iteration.
func (w *Worker) step(ctx context.Context) {
	w.mu.Lock()
	state := w.state
	session, sessionStart := w.session, w.sessionStart
	w.mu.Unlock()

	if !w.syncSinks(state, session, sessionStart) && state == Recording {
		// Opening failed, syncSinks already fell back to Idle.
		state = Idle
	}

	frame, err := w.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.readErrLog.Do(func() { w.logger.Warn().Err(err).Msg("frame grab failed") })
		sleepCtx(ctx, readRetryDelay)
		return
	}
	metrics.FramesCapturedTotal.WithLabelValues(w.label).Inc()
	w.stats.mu.Lock()
	w.stats.captured++
	w.stats.mu.Unlock()

	var res types.PoseResult
	if w.det != nil {
		res, err = w.det.Detect(ctx, frame)
		if err != nil {
			metrics.DetectorErrorsTotal.WithLabelValues(w.label).Inc()
			w.detErrLog.Do(func() { w.logger.Warn().Err(err).Msg("pose detection failed, no detections this frame") })
			res = types.PoseResult{}
		}
	}

	annotated := frame.Clone()
	DrawKeypoints(annotated, res)

	switch state {
	case Recording:
		w.record(frame, annotated, res)
	case CapturingStill:
		w.maybeWriteStill(frame)
	}

	w.mailbox.Publish(annotated)
}

// syncSinks opens sinks for a new recording session and closes them once
// recording stopped. It reports whether sinks are open afterwards.
func (w *Worker) syncSinks(state RecorderState, session uint64, startedAt time.Time) bool {
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()

	if w.rec != nil && (state != Recording || w.recSession != session) {
		w.closeSinksLocked("recording stopped")
	}
	if state != Recording || w.rec != nil {
		return w.rec != nil
	}

	rec, err := w.sinks.OpenRecording(w.id, startedAt)
	if err != nil {
		w.logger.Error().Err(err).Msg("cannot open recording sinks, back to idle")
		w.mu.Lock()
		if w.session == session && w.state == Recording {
			w.state = Idle
		}
		w.mu.Unlock()
		return false
	}
	w.rec = rec
	w.recSession = session
	w.recID = uuid.NewString()
	w.logger.Info().Str(log.FieldSession, w.recID).Str(log.FieldPath, rec.Dir()).Msg("recording started")
	return true
}

func (w *Worker) record(raw, annotated *types.Frame, res types.PoseResult) {
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()
	if w.rec == nil {
		return
	}

	err := errors.Join(
		w.rec.WriteRaw(raw),
		w.rec.WriteProcessed(annotated),
		w.rec.WritePose(raw.Timestamp, res),
	)
	if err != nil {
		w.writeErrLog.Do(func() { w.logger.Error().Err(err).Msg("recording write failed") })
		return
	}
	metrics.FramesRecordedTotal.WithLabelValues(w.label).Inc()
	w.stats.mu.Lock()
	w.stats.recorded++
	w.stats.mu.Unlock()
}

func (w *Worker) maybeWriteStill(frame *types.Frame) {
	w.mu.Lock()
	due := w.state == CapturingStill && w.now().Sub(w.stillRequested) >= w.stillDelay
	w.mu.Unlock()
	if !due {
		return
	}

	path, err := w.sinks.WriteStill(w.id, frame)
	if err != nil {
		w.logger.Error().Err(err).Msg("still capture failed")
	} else {
		metrics.StillsWrittenTotal.WithLabelValues(w.label).Inc()
		w.stats.mu.Lock()
		w.stats.stills++
		w.stats.lastPath = path
		w.stats.mu.Unlock()
		w.logger.Info().Str(log.FieldPath, path).Msg("captured still image")
	}

	w.mu.Lock()
	if w.state == CapturingStill {
		w.state = Idle
	}
	w.mu.Unlock()
}

func (w *Worker) releaseSinks(reason string) {
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()
	w.closeSinksLocked(reason)
}

func (w *Worker) closeSinksLocked(reason string) {
	if w.rec == nil {
		return
	}
	if err := w.rec.Close(); err != nil {
		w.logger.Error().Err(err).Str(log.FieldSession, w.recID).Msg("closing recording sinks failed")
	}
	w.logger.Info().Str(log.FieldSession, w.recID).Str(log.FieldReason, reason).Msg("recording sinks released")
	w.rec = nil
	w.recID = ""
}

// Close stops the loop, waiting at most the close timeout, then releases
// the sinks and the device. It is idempotent and safe without Open.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		cancel, done, opened := w.cancel, w.done, w.opened
		w.opened = false
		w.state = Idle
		w.mu.Unlock()

		if cancel != nil {
			cancel()
			timer := time.NewTimer(w.closeTimeout)
			select {
			case <-done:
				timer.Stop()
			case <-timer.C:
				w.logger.Warn().Dur("timeout", w.closeTimeout).Msg("acquisition loop did not stop in time, releasing anyway")
			}
		}

		if w.sinkMu.TryLock() {
			w.closeSinksLocked("close")
			w.sinkMu.Unlock()
		} else {
			w.logger.Warn().Msg("recording sinks busy, loop releases them on exit")
		}

		if opened && w.source != nil {
			if cerr := w.source.Close(); cerr != nil {
				err = fmt.Errorf("close device %d: %w", w.id, cerr)
			}
		}
		w.mailbox.Close()
		w.logger.Info().Msg("capture worker closed")
	})
	return err
}

// Stats is a snapshot of worker counters.
type Stats struct {
	DeviceID      int          `json:"device"`
	State         string       `json:"state"`
	Captured      uint64       `json:"frames_captured"`
	Recorded      uint64       `json:"frames_recorded"`
	Stills        uint64       `json:"stills"`
	LastStillPath string       `json:"last_still_path,omitempty"`
	Display       MailboxStats `json:"display"`
}

func (w *Worker) Stats() Stats {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()
	return Stats{
		DeviceID:      w.id,
		State:         w.State().String(),
		Captured:      w.stats.captured,
		Recorded:      w.stats.recorded,
		Stills:        w.stats.stills,
		LastStillPath: w.stats.lastPath,
		Display:       w.mailbox.Stats(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
