// Package scheduler implements the debounce/dispatch loop from spec §4.9:
// a single FIFO queue of change events (paths or a full-sync sentinel),
// drained after a short coalescing sleep, feeding a bounded worker pool
// that guarantees at most one concurrent worker per source-relative path.
// It is grounded on the teacher's pkg/session/controller.go run-loop shape
// (a single goroutine pumping an event queue, with separate goroutines for
// periodic and external triggers), adapted to this spec's explicit
// queue+semaphore+worker-pool structure.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/must"
	"github.com/GregorR/nibackup/pkg/traversal"
)

// event is a single queued change: either a source-relative path or the
// full-sync sentinel.
type event struct {
	path     string
	sentinel bool
}

// Options carries the timing and concurrency knobs from spec §6/§4.9.
type Options struct {
	// WaitAfterNotif is the coalescing sleep after the semaphore wakes the
	// main loop, before the queue is drained.
	WaitAfterNotif time.Duration
	// FullSyncCycle is the period of the periodic full-sync producer.
	FullSyncCycle time.Duration
	// Threads is the worker pool size (>= 1).
	Threads int
}

// Scheduler owns the FIFO event queue, the periodic full-sync producer, and
// the worker pool, and drives all of them against a single traversal
// Driver over one source/destination root pair.
type Scheduler struct {
	sourceRootPath string
	sourceRoot     *fsutil.Directory
	destRoot       *fsutil.Directory

	traversal *traversal.Driver
	engine    engine.Options
	logger    *logging.Logger

	opts Options

	mu    sync.Mutex
	queue []event
	signal chan struct{}

	fullSyncActive int32
	workers        *workerPool

	wg sync.WaitGroup
}

// New constructs a Scheduler. sourceRootPath is the absolute path
// corresponding to sourceRoot, used to resolve incoming absolute paths to
// source-relative ones.
func New(sourceRootPath string, sourceRoot, destRoot *fsutil.Directory, driver *traversal.Driver, engineOpts engine.Options, opts Options, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		sourceRootPath: sourceRootPath,
		sourceRoot:     sourceRoot,
		destRoot:       destRoot,
		traversal:      driver,
		engine:         engineOpts,
		logger:         logger,
		opts:           opts,
		signal:         make(chan struct{}, 1),
		workers:        newWorkerPool(opts.Threads),
	}
}

// EnqueuePath enqueues a single absolute changed path.
func (s *Scheduler) EnqueuePath(absolutePath string) {
	s.enqueue(event{path: absolutePath})
}

// EnqueueFullSync enqueues the full-sync sentinel.
func (s *Scheduler) EnqueueFullSync() {
	s.enqueue(event{sentinel: true})
}

func (s *Scheduler) enqueue(ev event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run starts the main loop, the periodic full-sync producer, and blocks
// until ctx is cancelled. It does not return until every background
// goroutine it started has exited and every in-flight worker has drained.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go s.runFullSyncProducer(ctx)

	s.mainLoop(ctx)

	s.wg.Wait()
	s.workers.Wait()
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.WaitAfterNotif):
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			if ev.sentinel {
				s.maybeStartFullSync()
				continue
			}
			s.dispatchPath(ev.path)
		}
	}
}

func (s *Scheduler) runFullSyncProducer(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FullSyncCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EnqueueFullSync()
		}
	}
}

// maybeStartFullSync spawns a full-sync worker unless one is already
// running, in which case the sentinel is silently dropped (spec §4.9 step
// 3).
func (s *Scheduler) maybeStartFullSync() {
	if !atomic.CompareAndSwapInt32(&s.fullSyncActive, 0, 1) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.StoreInt32(&s.fullSyncActive, 0)
		if err := s.traversal.FullSync(s.sourceRoot, s.destRoot); err != nil {
			s.logger.Warn(err)
		}
	}()
}

// dispatchPath walks to the changed path's parent synchronously, then hands
// the final component to the worker pool.
func (s *Scheduler) dispatchPath(absolutePath string) {
	sourceDir, destDir, finalName, ok, err := s.traversal.PathSync(s.sourceRoot, s.destRoot, s.sourceRootPath, absolutePath)
	if err != nil {
		s.logger.Warn(err)
		return
	}
	if !ok {
		return
	}

	key := strings.TrimPrefix(absolutePath, s.sourceRootPath)
	engineOpts := s.engine
	s.workers.Submit(key, func() {
		defer must.Close(sourceDir, s.logger)
		defer must.Close(destDir, s.logger)
		if _, err := engine.Process(sourceDir, destDir, finalName, engineOpts); err != nil {
			s.logger.Warn(err)
		}
	})
}
