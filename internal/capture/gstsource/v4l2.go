// Package gstsource captures frames from V4L2 cameras through GStreamer.
//
// Pipeline structure:
//
//	v4l2src device=/dev/videoN → videoconvert → videoscale →
//	capsfilter(video/x-raw,format=RGB,width,height) → appsink(max-buffers=1, drop)
package gstsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/types"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("v4l2 source closed")

// V4L2Source implements capture.Source for /dev/video<DeviceID>.
type V4L2Source struct {
	deviceID int
	width    int
	height   int
	logger   zerolog.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	frames  chan *types.Frame // depth 1, newest wins
	closed  chan struct{}
	errMu   sync.Mutex
	lastErr error // reported by the pipeline bus

	seq     uint64
	dropped uint64
}

// NewV4L2Source creates an unopened source.
func NewV4L2Source(deviceID, width, height int) *V4L2Source {
	return &V4L2Source{
		deviceID: deviceID,
		width:    width,
		height:   height,
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "gstsource").Int(log.FieldDevice, deviceID)
		}),
	}
}

// Open builds the pipeline and sets it to PLAYING.
func (s *V4L2Source) Open(ctx context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	if err := src.SetProperty("device", fmt.Sprintf("/dev/video%d", s.deviceID)); err != nil {
		return fmt.Errorf("failed to set v4l2src device: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", s.width, s.height)
	if err := capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr)); err != nil {
		return fmt.Errorf("failed to set caps: %w", err)
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	frames := make(chan *types.Frame, 1)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, frames)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pipeline = pipeline
	s.sink = appsink
	s.frames = frames
	s.closed = make(chan struct{})
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(monitorCtx, pipeline)

	s.logger.Info().Str("caps", capsStr).Msg("v4l2 pipeline playing")
	return nil
}

// onNewSample copies the mapped buffer (GStreamer reuses it) and replaces
// any unread frame.
func (s *V4L2Source) onNewSample(sink *app.Sink, frames chan *types.Frame) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := &types.Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		DeviceID:  s.deviceID,
		Width:     s.width,
		Height:    s.height,
		Data:      frameData,
		TraceID:   uuid.NewString(),
	}

	select {
	case frames <- frame:
	default:
		select {
		case <-frames:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
		select {
		case frames <- frame:
		default:
		}
	}
	return gst.FlowOK
}

func (s *V4L2Source) monitor(ctx context.Context, pipeline *gst.Pipeline) {
	defer s.wg.Done()

	bus := pipeline.GetPipelineBus()
	for ctx.Err() == nil {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.setErr(errors.New("end of stream"))
			s.logger.Warn().Msg("v4l2 end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			s.setErr(fmt.Errorf("pipeline error: %s", gerr.Error()))
			s.logger.Error().Str("error", gerr.Error()).Str("debug", gerr.DebugString()).Msg("v4l2 pipeline error")
		}
	}
}

func (s *V4L2Source) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Read waits for the next frame.
func (s *V4L2Source) Read(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	frames, closed := s.frames, s.closed
	s.mu.Unlock()
	if frames == nil {
		return nil, fmt.Errorf("v4l2 source %d not open", s.deviceID)
	}
	s.errMu.Lock()
	err := s.lastErr
	s.errMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case f := <-frames:
		return f, nil
	case <-closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the pipeline. Safe to call more than once.
func (s *V4L2Source) Close() error {
	s.mu.Lock()
	pipeline, cancel, closed := s.pipeline, s.cancel, s.closed
	s.pipeline, s.cancel = nil, nil
	s.mu.Unlock()

	if pipeline == nil {
		return nil
	}
	cancel()
	close(closed)
	s.wg.Wait()

	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	s.logger.Info().
		Uint64("frames", atomic.LoadUint64(&s.seq)).
		Uint64("dropped", atomic.LoadUint64(&s.dropped)).
		Msg("v4l2 pipeline stopped")
	return nil
}
