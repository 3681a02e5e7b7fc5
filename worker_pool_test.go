package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolExecutesSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var wg sync.WaitGroup
	var counter int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int64(100), atomic.LoadInt64(&counter))
	pool.Stop()
}

func TestWorkerPoolStopReturnsPromptly(t *testing.T) {
	pool := NewWorkerPool(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return — worker loop is stuck busy-looping on a closed queue")
	}
}

func TestWorkerPoolDropsTasksWhenQueueFull(t *testing.T) {
	pool := NewWorkerPool(1)
	// never started: no workers draining, so the buffered queue fills up.
	capacity := cap(pool.taskQueue)
	for i := 0; i < capacity+5; i++ {
		pool.Submit(func() {})
	}
	assert.Greater(t, pool.GetDroppedTasks(), int64(0))
}

func TestWorkerPoolSubmitAfterStopIsRejectedNotPanic(t *testing.T) {
	pool := NewWorkerPool(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	pool.Stop()
	pool.Stop() // must be a no-op, not a double-close panic

	assert.NotPanics(t, func() {
		ok := pool.Submit(func() {})
		assert.False(t, ok)
	})
}
