package detect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/framing"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/types"
)

// SubprocessConfig describes the external pose model process.
type SubprocessConfig struct {
	Command string
	Args    []string
	Env     []string      // appended to the current environment
	Timeout time.Duration // per-frame bound (default: 500ms)
}

// Subprocess talks to a model process over stdin/stdout using
// length-prefixed msgpack. Requests are answered strictly in order, so
// Detect calls are serialised.
//
// Request:  {frame_data, width, height, meta: {seq, device, timestamp}}
// Response: {detections: [...], timings: {...}, error?}
type Subprocess struct {
	cfg    SubprocessConfig
	logger zerolog.Logger

	mu     sync.Mutex // serialises request/response pairs
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	active atomic.Bool
	wg     sync.WaitGroup
	cancel context.CancelFunc

	processed atomic.Uint64
	failures  atomic.Uint64
}

type request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	Device    int    `msgpack:"device"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

type response struct {
	Detections []types.Detection `msgpack:"detections"`
	Timings    types.Timings     `msgpack:"timings"`
	Error      string            `msgpack:"error"`
}

// NewSubprocess validates cfg and returns an unstarted detector.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Subprocess{
		cfg:    cfg,
		logger: log.WithComponent("detector"),
	}, nil
}

// Start spawns the model process.
func (d *Subprocess) Start(ctx context.Context) error {
	if d.active.Load() {
		return fmt.Errorf("detector already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
	cmd.Env = append(os.Environ(), d.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start detector process: %w", err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.cancel = cancel
	d.mu.Unlock()
	d.active.Store(true)

	d.wg.Add(2)
	go d.logStderr(stderr)
	go d.waitProcess(ctx)

	d.logger.Info().Str("command", d.cfg.Command).Int("pid", cmd.Process.Pid).Msg("detector process started")
	return nil
}

// Detect sends one frame and waits for its result.
func (d *Subprocess) Detect(ctx context.Context, frame *types.Frame) (types.PoseResult, error) {
	if !d.active.Load() {
		return types.PoseResult{}, ErrNotRunning
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	req := request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: requestMeta{
			Seq:       frame.Seq,
			Device:    frame.DeviceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
		},
	}

	type outcome struct {
		resp response
		err  error
	}
	done := make(chan outcome, 1)
	stdin, stdout := d.stdin, d.stdout
	go func() {
		if _, err := framing.Write(stdin, req); err != nil {
			done <- outcome{err: err}
			return
		}
		var resp response
		err := framing.Read(stdout, &resp)
		done <- outcome{resp: resp, err: err}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	select {
	case o := <-done:
		if o.err != nil {
			d.failures.Add(1)
			d.shutdownLocked("stream error")
			return types.PoseResult{}, fmt.Errorf("detector exchange: %w", o.err)
		}
		if o.resp.Error != "" {
			d.failures.Add(1)
			return types.PoseResult{}, fmt.Errorf("detector: %s", o.resp.Error)
		}
		d.processed.Add(1)
		return types.PoseResult{Detections: o.resp.Detections, Timings: o.resp.Timings}, nil
	case <-ctx.Done():
		// The pending exchange leaves the stream out of step; the process
		// cannot be reused.
		d.failures.Add(1)
		d.shutdownLocked("timeout")
		return types.PoseResult{}, ErrTimeout
	}
}

// Stop terminates the model process. Safe to call more than once.
func (d *Subprocess) Stop() error {
	d.mu.Lock()
	d.shutdownLocked("stop")
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		d.logger.Warn().Msg("detector stop timeout, force killing process")
		d.mu.Lock()
		if d.cmd != nil && d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		d.mu.Unlock()
	}

	d.logger.Info().
		Uint64("processed", d.processed.Load()).
		Uint64("failures", d.failures.Load()).
		Msg("detector stopped")
	return nil
}

func (d *Subprocess) shutdownLocked(reason string) {
	if !d.active.Swap(false) {
		return
	}
	d.logger.Info().Str(log.FieldReason, reason).Msg("shutting down detector process")
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	if reason != "stop" && d.cancel != nil {
		d.cancel()
	}
}

func (d *Subprocess) logStderr(stderr io.Reader) {
	defer d.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			d.logger.Error().Str("log", line).Msg("detector process error")
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			d.logger.Warn().Str("log", line).Msg("detector process warning")
		default:
			d.logger.Debug().Str("log", line).Msg("detector process log")
		}
	}
}

func (d *Subprocess) waitProcess(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
	}()

	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()

	err := cmd.Wait()
	d.active.Store(false)
	switch {
	case err == nil:
		d.logger.Info().Int("pid", cmd.Process.Pid).Msg("detector process exited cleanly")
	case ctx.Err() != nil:
		d.logger.Debug().Int("pid", cmd.Process.Pid).Msg("detector process exited (shutdown)")
	default:
		d.logger.Error().Err(err).Int("pid", cmd.Process.Pid).Msg("detector process exited unexpectedly")
	}
}
