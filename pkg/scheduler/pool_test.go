package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolSynchronousRunsInline(t *testing.T) {
	pool := newWorkerPool(1)
	assert.True(t, pool.synchronous)

	var ran bool
	pool.Submit("a", func() { ran = true })
	assert.True(t, ran)
}

func TestWorkerPoolAsyncRunsConcurrently(t *testing.T) {
	pool := newWorkerPool(4)
	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		key := string(rune('a' + i))
		pool.Submit(key, func() {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
		})
	}
	wg.Wait()
	pool.Wait()
	assert.EqualValues(t, 3, count)
}

func TestWorkerPoolDropsDuplicateInFlightKey(t *testing.T) {
	pool := newWorkerPool(4)
	started := make(chan struct{})
	release := make(chan struct{})
	var secondRan int32

	pool.Submit("same", func() {
		close(started)
		<-release
	})
	<-started

	pool.Submit("same", func() {
		atomic.AddInt32(&secondRan, 1)
	})
	// Give the dropped submission a moment to prove it never runs.
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, secondRan)

	close(release)
	pool.Wait()
}
