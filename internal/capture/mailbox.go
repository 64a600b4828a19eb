package capture

import (
	"sync"
	"time"

	"github.com/e7canasta/flame-avsim/internal/types"
)

// Mailbox hands the latest frame from a capture worker to one display
// consumer.
//
//   - single slot, a new frame replaces an unread one (counted as a drop)
//   - Take blocks until a frame is available or the mailbox is closed
//   - Publish never blocks the acquisition loop
type Mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame // nil = consumed

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
	onDrop func()
}

// NewMailbox creates an empty mailbox. onDrop, if set, is called (under
// the mailbox lock) every time an unread frame is overwritten.
func NewMailbox(onDrop func()) *Mailbox {
	m := &Mailbox{onDrop: onDrop, lastConsumedAt: time.Now()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores f, replacing any unread frame.
func (m *Mailbox) Publish(f *types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.frame != nil {
		m.consecutiveDrops++
		m.totalDrops++
		if m.onDrop != nil {
			m.onDrop()
		}
	}
	m.frame = f
	m.cond.Signal()
}

// Take blocks until a frame is available and consumes it. It returns nil
// once the mailbox is closed.
func (m *Mailbox) Take() *types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.frame == nil && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil
	}
	return m.consumeLocked()
}

// TryTake consumes the pending frame without blocking.
func (m *Mailbox) TryTake() (*types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame == nil || m.closed {
		return nil, false
	}
	return m.consumeLocked(), true
}

func (m *Mailbox) consumeLocked() *types.Frame {
	f := m.frame
	m.frame = nil
	m.lastConsumedAt = time.Now()
	m.lastConsumedSeq = f.Seq
	m.consecutiveDrops = 0
	return f
}

// Close wakes a blocked Take; later Publish calls are ignored. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.frame = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

// MailboxStats is a snapshot of the mailbox counters.
type MailboxStats struct {
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	LastConsumedSeq  uint64    `json:"last_consumed_seq"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	TotalDrops       uint64    `json:"total_drops"`
}

func (m *Mailbox) Stats() MailboxStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MailboxStats{
		LastConsumedAt:   m.lastConsumedAt,
		LastConsumedSeq:  m.lastConsumedSeq,
		ConsecutiveDrops: m.consecutiveDrops,
		TotalDrops:       m.totalDrops,
	}
}
