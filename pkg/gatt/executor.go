package gatt

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/eventloop"
)

// Executor runs closures serially, in posting order. Post reports false when the
// closure was rejected (for example after shutdown).
type Executor interface {
	Post(fn func()) bool
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func()) bool

func (f ExecutorFunc) Post(fn func()) bool {
	return f(fn)
}

// ownedExecutor is the default executor a session starts and stops itself.
type ownedExecutor interface {
	Executor
	Start(ctx context.Context) error
	Stop()
}

func newDefaultExecutor(name string, size int, logger *logrus.Logger) ownedExecutor {
	return eventloop.New(name, size, logger)
}

// stoppable is implemented by executors that can exit with closures still
// queued, such as the default event loop.
type stoppable interface {
	Done() <-chan struct{}
}

// syncExecutor blocks until every closure posted to e before the call has run.
// It reports false when e rejected the marker or exited before running it. It
// must not be called from a closure running on e.
func syncExecutor(e Executor) bool {
	done := make(chan struct{})
	if !e.Post(func() { close(done) }) {
		return false
	}
	s, ok := e.(stoppable)
	if !ok {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-s.Done():
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}
