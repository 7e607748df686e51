// Package eventloop serializes the sync layer's work onto one goroutine.
//
// Timers, channel callbacks and fetch completions never touch shared state
// directly. They Post a closure, and the loop runs closures one at a time in
// the order they were posted. Code running on the loop therefore needs no
// locks, and a closure can never observe another one half finished.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// DefaultQueueSize is the number of closures that can be pending before
// Post blocks.
const DefaultQueueSize = 1024

// Loop is a FIFO queue of closures drained by a single goroutine.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a Loop with the given queue size (DefaultQueueSize if <= 0).
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn. It returns false if the loop has been closed, in which
// case fn is dropped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run executes posted closures until ctx is canceled or Close is called.
// Only one goroutine may call Run.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

// Drain runs every closure currently queued, including ones posted while
// draining, and returns how many ran. It must not be called concurrently
// with Run. Tests use it to step the loop deterministically.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.queue:
			fn()
			n++
		default:
			return n
		}
	}
}

// Step waits up to timeout for one closure and runs it. It reports whether
// a closure ran. Like Drain, it is for callers that own the loop goroutine.
func (l *Loop) Step(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case fn := <-l.queue:
		fn()
		return true
	case <-timer.C:
		return false
	}
}

// Close stops Run and makes further Posts fail. Pending closures are
// discarded. Close is idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
