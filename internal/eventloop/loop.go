// Package eventloop provides the single-threaded event context of a peer.
//
// Bus callbacks, scheduler ticks, HTTP control requests and file watcher
// events arrive on arbitrary goroutines. They are posted to a Loop as
// closures and executed one at a time on the Loop goroutine, so the state
// they touch (scheduler, liveness table, presenter) needs no locking.
// Closures must run to completion quickly: no sleeps, no device I/O.
package eventloop

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/metrics"
)

// DefaultQueueSize bounds the number of pending closures.
const DefaultQueueSize = 64

// Loop executes posted closures sequentially.
type Loop struct {
	queue  chan func()
	logger zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// New creates a loop with the given queue size (DefaultQueueSize if <= 0).
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		queue:  make(chan func(), size),
		logger: log.WithComponent("eventloop"),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn without blocking. It returns false when the queue is
// full or the loop has stopped; the closure is dropped in both cases.
func (l *Loop) Post(fn func()) bool {
	return l.post(fn) == nil
}

func (l *Loop) post(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}

	select {
	case l.queue <- fn:
		return nil
	default:
		metrics.EventLoopDroppedTotal.Inc()
		l.logger.Warn().Int("queue_size", cap(l.queue)).Msg("event queue full, dropping event")
		return ErrQueueFull
	}
}

// Call posts fn and waits until it has run or ctx is done.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := l.post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Run processes closures until ctx is cancelled. Closures still queued at
// that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			l.execute(fn)
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}
