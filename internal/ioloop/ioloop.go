// Package ioloop implements spec §4 component 1 (event loop & timers) and
// the loop-pool sharding of spec §5: single-threaded cooperative dispatch
// per loop, with multiple loops run on distinct goroutines (Go's
// equivalent of distinct OS threads for a cooperative scheduler), sized by
// configuration, and sessions sharded round-robin across the pool.
//
// Grounded on nabbar/golib/runner's start/stop supervised-goroutine
// lifecycle; the loop pool itself is supervised with golang.org/x/sync's
// errgroup the way nabbar/golib composes goroutine groups.
package ioloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// TimerState mirrors spec §5: a timer is armed (future), fired-and-pending
// (dispatched as an event), or expired.
type TimerState int

const (
	TimerArmed TimerState = iota
	TimerFired
	TimerExpired
)

// Timer is a single scheduled callback. Stop-and-re-arm of the same Timer
// is atomic (guarded by its own mutex).
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	state TimerState
}

// Stop cancels the timer if still armed.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = TimerExpired
}

// Rearm atomically stops and reschedules the timer for d from now.
func (t *Timer) Rearm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state = TimerArmed
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.state = TimerFired
		t.mu.Unlock()
		fn()
	})
}

// Loop is one cooperative dispatch context. Work submitted via Post runs
// serialized on the loop's own goroutine, the Go analogue of the spec's
// single-threaded per-loop dispatch.
type Loop struct {
	id    int
	tasks chan func()
}

// Run executes posted tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post schedules fn to run on this loop. Never call this from inside a
// handler running on the same loop with a blocking send; the channel is
// buffered to keep that safe for the common case.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// Pool is a set of Loops; sessions are assigned round-robin (spec §5:
// "one loop dispatches events for many sessions").
type Pool struct {
	loops []*Loop
	next  atomic.Uint64
	group *errgroup.Group
	ctx   context.Context
}

// NewPool creates n loops, each with the given task queue depth, and starts
// them running under ctx.
func NewPool(ctx context.Context, n, queueDepth int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{group: g, ctx: gctx}
	for i := 0; i < n; i++ {
		l := &Loop{id: i, tasks: make(chan func(), queueDepth)}
		p.loops = append(p.loops, l)
		g.Go(func() error { return l.Run(gctx) })
	}
	return p
}

// Assign returns the next loop for a new session, round-robin.
func (p *Pool) Assign() *Loop {
	idx := p.next.Add(1) - 1
	return p.loops[idx%uint64(len(p.loops))]
}

// Wait blocks until every loop's context is cancelled.
func (p *Pool) Wait() error { return p.group.Wait() }
