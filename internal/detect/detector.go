// Package detect provides pose detectors for the capture workers. The
// model itself runs outside this process; detectors only move frames in
// and keypoints out.
package detect

import (
	"context"
	"errors"

	"github.com/e7canasta/flame-avsim/internal/types"
)

var (
	// ErrNotRunning is returned when the detector process is not available.
	ErrNotRunning = errors.New("detector not running")
	// ErrTimeout is returned when a frame is not answered in time.
	ErrTimeout = errors.New("detector timeout")
)

// Detector runs pose estimation on one frame.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) (types.PoseResult, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, frame *types.Frame) (types.PoseResult, error)

func (f Func) Detect(ctx context.Context, frame *types.Frame) (types.PoseResult, error) {
	return f(ctx, frame)
}
