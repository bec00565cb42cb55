// Package groutine starts named goroutines. Names show up as pprof labels and
// can be read back from the goroutine's context for logging.
package groutine

import (
	"context"
	"runtime/pprof"
	"strings"
	"sync"
	"time"
)

type ctxKey struct{}

// LabelKey is the pprof label carrying the goroutine name.
const LabelKey = "goroutine_name"

// Go starts fn on a new goroutine named name. A nil parentCtx means
// context.Background().
//
//	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
//	    <-ctx.Done()
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	go pprof.Do(parentCtx, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the name given to the goroutine that owns ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}

// PeerName builds a per-peer goroutine name such as "goble-monitor-aabbccddeeff".
func PeerName(prefix, peer string) string {
	peer = strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(peer))
	if peer == "" {
		return prefix
	}
	return prefix + "-" + peer
}

// Group tracks named goroutines so their owner can wait for them on shutdown.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go is the package-level Go, counted by the group.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started by the group returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// WaitTimeout is Wait bounded by d. It reports false when goroutines were still
// running after d.
func (g *Group) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
