package ioloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAssignRoundRobins(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, 3, 4)
	seen := map[int]int{}
	for i := 0; i < 9; i++ {
		l := p.Assign()
		seen[l.id]++
	}
	assert.Len(t, seen, 3)
	for _, count := range seen {
		assert.Equal(t, 3, count)
	}
}

func TestLoopPostRunsSerialized(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(ctx, 1, 16)
	l := p.Assign()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted tasks never completed")
	}
	assert.Len(t, order, 5)
}

func TestPoolWaitReturnsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(ctx, 2, 4)

	done := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after cancellation")
	}
}

func TestTimerRearmFiresOnce(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	timer := &Timer{}
	done := make(chan struct{})
	timer.Rearm(10*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.Equal(t, int32(1), fired.Load())
}

func TestTimerStopPreventsFire(t *testing.T) {
	t.Parallel()
	var fired atomic.Bool
	timer := &Timer{}
	timer.Rearm(30*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}
