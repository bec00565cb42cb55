// Package eventloop provides a single-consumer serial executor: closures posted
// to a Loop run one at a time, in posting order, on one named goroutine.
//
// The queue is unbounded so that a closure running on the loop can post further
// work without blocking on itself.
package eventloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
)

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopped

	// DefaultQueueSize is the initial queue capacity used when New receives a non-positive size.
	DefaultQueueSize = 256
)

// Loop runs posted closures serially on its own goroutine.
type Loop struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	state   uint32 // guarded by mu for writes, read atomically
	pending []func()

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	processed int64
	panics    int64
}

// New creates a stopped loop. Call Start before posting.
func New(name string, size int, logger *logrus.Logger) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		name:    name,
		logger:  logger,
		pending: make([]func(), 0, size),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine. A Loop can be started once.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateNotRunning {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("event loop %q cannot be started from state %d", l.name, state)
	}
	atomic.StoreUint32(&l.state, StateRunning)
	l.mu.Unlock()
	l.started.Store(true)

	groutine.Go(ctx, l.name, func(ctx context.Context) {
		defer close(l.done)
		for {
			select {
			case <-l.wake:
				l.drain()
			case <-l.stop:
				return
			case <-ctx.Done():
				l.setState(StateStopped)
				return
			}
		}
	})
	return nil
}

// Post enqueues fn and reports false once the loop is not running. It never blocks.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop terminates the consumer goroutine and waits for it to exit. Closures still
// queued are discarded. Stop is idempotent.
func (l *Loop) Stop() {
	l.setState(StateStopped)
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started.Load() {
		<-l.done
	}
}

// Done is closed once the consumer goroutine exited, through Stop or context
// cancellation. Closures still queued at that point never run.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Running reports whether the loop accepts closures.
func (l *Loop) Running() bool {
	return atomic.LoadUint32(&l.state) == StateRunning
}

// Processed returns the number of closures run so far.
func (l *Loop) Processed() int64 {
	return atomic.LoadInt64(&l.processed)
}

// Panics returns the number of closures that panicked.
func (l *Loop) Panics() int64 {
	return atomic.LoadInt64(&l.panics)
}

func (l *Loop) setState(state uint32) {
	l.mu.Lock()
	atomic.StoreUint32(&l.state, state)
	l.mu.Unlock()
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			select {
			case <-l.stop:
				return
			default:
			}
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		atomic.AddInt64(&l.processed, 1)
		if r := recover(); r != nil {
			atomic.AddInt64(&l.panics, 1)
			l.logger.WithFields(logrus.Fields{
				"loop":  l.name,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Event handler panicked")
		}
	}()
	fn()
}
