package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/e7canasta/flame-avsim/internal/detect"
	"github.com/e7canasta/flame-avsim/internal/types"
)

type fakeSource struct {
	mu      sync.Mutex
	seq     uint64
	openErr error
	readErr error
	closed  int
	stuck   chan struct{} // when set, Read blocks on it and ignores ctx
}

func (s *fakeSource) Open(context.Context) error { return s.openErr }

func (s *fakeSource) Read(ctx context.Context) (*types.Frame, error) {
	if s.stuck != nil {
		<-s.stuck
		return nil, errors.New("released")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.seq++
	return &types.Frame{Seq: s.seq, Width: 4, Height: 4, Data: make([]byte, 4*4*3), Timestamp: time.Now()}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeSinks struct {
	mu       sync.Mutex
	opens    int
	openErr  error
	started  []time.Time
	current  *fakeRecording
	all      []*fakeRecording
	stills   int
	stillErr error
}

type fakeRecording struct {
	raw, proc int
	poses     []types.PoseResult
	closed    bool
}

func (r *fakeRecording) WriteRaw(*types.Frame) error       { r.raw++; return nil }
func (r *fakeRecording) WriteProcessed(*types.Frame) error { r.proc++; return nil }
func (r *fakeRecording) WritePose(_ time.Time, res types.PoseResult) error {
	r.poses = append(r.poses, res)
	return nil
}
func (r *fakeRecording) Dir() string  { return "mem" }
func (r *fakeRecording) Close() error { r.closed = true; return nil }

func (f *fakeSinks) OpenRecording(_ int, startedAt time.Time) (RecordingSinks, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	f.started = append(f.started, startedAt)
	f.current = &fakeRecording{}
	f.all = append(f.all, f.current)
	return f.current, nil
}

func (f *fakeSinks) WriteStill(int, *types.Frame) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stillErr != nil {
		return "", f.stillErr
	}
	f.stills++
	return "mem.png", nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWorker(t *testing.T, det detect.Detector) (*Worker, *fakeSource, *fakeSinks, *fakeClock) {
	t.Helper()
	src := &fakeSource{}
	sinks := &fakeSinks{}
	clock := &fakeClock{now: time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)}
	w := NewWorker(Options{
		DeviceID:     2,
		Source:       src,
		Sinks:        sinks,
		Detector:     det,
		CloseTimeout: 200 * time.Millisecond,
		Now:          clock.Now,
	})
	require.True(t, w.Open(context.Background()))
	return w, src, sinks, clock
}

func TestWorker_StartRecordingTwiceOpensOneSinkSet(t *testing.T) {
	w, _, sinks, _ := newTestWorker(t, nil)
	ctx := context.Background()

	w.StartRecording()
	w.step(ctx)
	w.StartRecording()
	w.step(ctx)
	w.step(ctx)

	assert.Equal(t, Recording, w.State())
	assert.Equal(t, 1, sinks.opens)
	assert.Equal(t, 3, sinks.current.raw)
	assert.Equal(t, 3, sinks.current.proc)
	assert.Len(t, sinks.current.poses, 3)
}

func TestWorker_StopRecordingReleasesSinksAtNextIteration(t *testing.T) {
	w, _, sinks, _ := newTestWorker(t, nil)
	ctx := context.Background()

	w.StartRecording()
	w.step(ctx)
	rec := sinks.current

	w.StopRecording()
	assert.Equal(t, Idle, w.State())
	assert.False(t, rec.closed)

	w.step(ctx)
	assert.True(t, rec.closed)
	assert.Equal(t, 1, rec.raw)

	w.StopRecording()
	assert.Equal(t, Idle, w.State())
}

func TestWorker_RestartBetweenIterationsOpensNewSession(t *testing.T) {
	w, _, sinks, clock := newTestWorker(t, nil)
	ctx := context.Background()

	w.StartRecording()
	w.step(ctx)
	clock.Advance(2 * time.Second)
	w.StopRecording()
	w.StartRecording()
	w.step(ctx)

	require.Equal(t, 2, sinks.opens)
	assert.True(t, sinks.all[0].closed)
	assert.False(t, sinks.all[1].closed)
	assert.Equal(t, 2*time.Second, sinks.started[1].Sub(sinks.started[0]))
}

func TestWorker_SinkOpenFailureFallsBackToIdle(t *testing.T) {
	w, _, sinks, _ := newTestWorker(t, nil)
	sinks.openErr = errors.New("disk full")

	w.StartRecording()
	w.step(context.Background())

	assert.Equal(t, Idle, w.State())
	assert.Equal(t, 0, sinks.opens)
}

func TestWorker_StillWithZeroDelayWrittenOnNextTick(t *testing.T) {
	w, _, sinks, _ := newTestWorker(t, nil)

	w.StartCapturing(0)
	assert.Equal(t, CapturingStill, w.State())

	w.step(context.Background())
	assert.Equal(t, 1, sinks.stills)
	assert.Equal(t, Idle, w.State())
	assert.Equal(t, uint64(1), w.Stats().Stills)
}

func TestWorker_StillWaitsForDelay(t *testing.T) {
	w, _, sinks, clock := newTestWorker(t, nil)
	ctx := context.Background()

	w.StartCapturing(10 * time.Second)
	w.step(ctx)
	clock.Advance(9 * time.Second)
	w.step(ctx)
	assert.Equal(t, 0, sinks.stills)

	// A second request while pending keeps the original deadline.
	w.StartCapturing(30 * time.Second)
	clock.Advance(time.Second)
	w.step(ctx)

	assert.Equal(t, 1, sinks.stills)
	assert.Equal(t, Idle, w.State())
}

func TestWorker_StillRefusedWhileRecording(t *testing.T) {
	w, _, sinks, _ := newTestWorker(t, nil)

	w.StartRecording()
	w.StartCapturing(0)
	w.step(context.Background())

	assert.Equal(t, Recording, w.State())
	assert.Equal(t, 0, sinks.stills)
}

func TestWorker_StillFailureReturnsToIdle(t *testing.T) {
	w, _, sinks, _ := newTestWorker(t, nil)
	sinks.stillErr = errors.New("read-only")

	w.StartCapturing(0)
	w.step(context.Background())
	assert.Equal(t, Idle, w.State())
}

func TestWorker_DetectorFailureMeansNoDetections(t *testing.T) {
	calls := 0
	det := detect.Func(func(context.Context, *types.Frame) (types.PoseResult, error) {
		calls++
		if calls == 1 {
			return types.PoseResult{}, errors.New("model crashed")
		}
		return types.PoseResult{Detections: []types.Detection{{
			Keypoints: []types.Keypoint{{X: 1, Y: 1}},
		}}}, nil
	})
	w, _, sinks, _ := newTestWorker(t, det)
	ctx := context.Background()

	w.StartRecording()
	w.step(ctx)
	w.step(ctx)

	poses := sinks.current.poses
	require.Len(t, poses, 2)
	assert.Empty(t, poses[0].Detections)
	assert.Len(t, poses[1].Detections, 1)
}

func TestWorker_PublishesAnnotatedFrameEveryTick(t *testing.T) {
	det := detect.Func(func(context.Context, *types.Frame) (types.PoseResult, error) {
		return types.PoseResult{Detections: []types.Detection{{
			Keypoints: []types.Keypoint{{X: 0, Y: 0}},
		}}}, nil
	})
	w, _, _, _ := newTestWorker(t, det)

	w.step(context.Background())
	w.step(context.Background())

	f, ok := w.Frames().TryTake()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
	assert.Equal(t, markerColor[:], f.Data[:3])
	assert.Equal(t, uint64(1), w.Frames().Stats().TotalDrops)
}

func TestWorker_ReadErrorKeepsLooping(t *testing.T) {
	w, src, _, _ := newTestWorker(t, nil)
	src.readErr = errors.New("no signal")

	w.step(context.Background())
	assert.Equal(t, uint64(0), w.Stats().Captured)

	src.readErr = nil
	w.step(context.Background())
	assert.Equal(t, uint64(1), w.Stats().Captured)
}

func TestWorker_CloseBeforeOpen(t *testing.T) {
	w := NewWorker(Options{DeviceID: 0, Source: &fakeSource{}, Sinks: &fakeSinks{}, CloseTimeout: 100 * time.Millisecond})

	start := time.Now()
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWorker_OpenFailure(t *testing.T) {
	src := &fakeSource{openErr: errors.New("no such device")}
	w := NewWorker(Options{DeviceID: 6, Source: src, Sinks: &fakeSinks{}})

	assert.False(t, w.Open(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrNotOpen)
	assert.NoError(t, w.Close())
	assert.Equal(t, 0, src.closed)
}

func TestWorker_LoopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w, src, sinks, _ := newTestWorker(t, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	w.StartRecording()
	require.Eventually(t, func() bool {
		sinks.mu.Lock()
		defer sinks.mu.Unlock()
		return sinks.opens == 1
	}, time.Second, 5*time.Millisecond)

	require.NotNil(t, w.Frames().Take())

	require.NoError(t, w.Close())
	assert.Equal(t, 1, src.closed)
	assert.Nil(t, w.Frames().Take())

	sinks.mu.Lock()
	defer sinks.mu.Unlock()
	assert.True(t, sinks.current.closed)
}

func TestWorker_CloseIsBoundedWhenLoopIsStuck(t *testing.T) {
	src := &fakeSource{stuck: make(chan struct{})}
	t.Cleanup(func() { close(src.stuck) })

	w := NewWorker(Options{DeviceID: 4, Source: src, Sinks: &fakeSinks{}, CloseTimeout: 50 * time.Millisecond})
	require.True(t, w.Open(context.Background()))
	require.NoError(t, w.Start(context.Background()))

	start := time.Now()
	require.NoError(t, w.Close())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, src.closed)
}
