package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/flame-avsim/internal/types"
)

// Source produces frames for one device. Read blocks until the next frame
// is available; it is only called from the worker's acquisition loop.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*types.Frame, error)
	Close() error
}

// SyntheticSource generates a moving test pattern at a fixed rate.
type SyntheticSource struct {
	deviceID int
	width    int
	height   int
	interval time.Duration

	mu     sync.Mutex
	opened bool
	seq    uint64
	last   time.Time
}

// NewSyntheticSource creates a test pattern source. fps <= 0 produces
// frames as fast as they are read.
func NewSyntheticSource(deviceID, width, height, fps int) *SyntheticSource {
	var interval time.Duration
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	return &SyntheticSource{
		deviceID: deviceID,
		width:    width,
		height:   height,
		interval: interval,
	}
}

func (s *SyntheticSource) Open(ctx context.Context) error {
	if s.width <= 0 || s.height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", s.width, s.height)
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) Read(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	wait := time.Duration(0)
	if s.interval > 0 && !s.last.IsZero() {
		wait = s.interval - time.Since(s.last)
	}
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, ErrNotOpen
	}
	s.seq++
	s.last = time.Now()

	return &types.Frame{
		Seq:       s.seq,
		Timestamp: s.last,
		DeviceID:  s.deviceID,
		Width:     s.width,
		Height:    s.height,
		Data:      pattern(s.width, s.height, s.seq),
		TraceID:   uuid.NewString(),
	}, nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
	return nil
}

// pattern draws diagonal colour bands shifted by seq.
func pattern(w, h int, seq uint64) []byte {
	data := make([]byte, w*h*3)
	shift := int(seq % 256)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			v := (x + y + shift) & 0xff
			data[i] = byte(v)
			data[i+1] = byte(255 - v)
			data[i+2] = byte((v * 2) & 0xff)
		}
	}
	return data
}
