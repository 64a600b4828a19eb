package peer

import (
	"sync"

	"github.com/e7canasta/flame-avsim/internal/types"
)

// Display consumes annotated frames handed off by the capture workers.
// Show is called from one pump goroutine per device.
type Display interface {
	Show(f *types.Frame)
}

// Snapshots keeps the most recent frame of every device.
type Snapshots struct {
	mu     sync.RWMutex
	frames map[int]*types.Frame
}

// NewSnapshots creates an empty store.
func NewSnapshots() *Snapshots {
	return &Snapshots{frames: make(map[int]*types.Frame)}
}

func (s *Snapshots) Show(f *types.Frame) {
	s.mu.Lock()
	s.frames[f.DeviceID] = f
	s.mu.Unlock()
}

// Latest returns the last frame shown for device.
func (s *Snapshots) Latest(device int) (*types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frames[device]
	return f, ok
}
