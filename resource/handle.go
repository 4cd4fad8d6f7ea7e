package resource

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Request is a caller's desired allocation; Manager.Allocate clamps it
// to the remaining global budget.
type Request struct {
	Threads      uint64
	MemoryBytes  uint64
}

// Usage is the caller-reported snapshot a Handle carries (§4.10).
type Usage struct {
	ThreadsUsed     uint64
	MemoryUsedBytes uint64
	QueueLength     uint64
	TuplesProcessed uint64
	ErrorsCount     uint64
	AvgLatencyMs    float64
}

const defaultTaskQueueLength = 256

// Handle is the quota and task-queue endpoint a caller holds after a
// successful Allocate. Tasks submitted to it run on a fixed pool of
// goroutines sized to the handle's effective thread allocation.
type Handle struct {
	mu        sync.Mutex
	name      string
	partition Partition
	request   Request // the effective (clamped) allocation, not the raw ask
	valid     bool
	usage     Usage

	tasks   chan func()
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	throttleFactor float64
	bucket         *tokenBucket

	// sem bounds the number of task closures actively executing across
	// every handle in the owning Manager at once, at max_threads — a
	// live concurrency bound, independent of the static per-handle
	// thread allocation tracked in request.Threads (§5: "ResourceManager
	// worker pool: bound in total by the global max_threads").
	sem *semaphore.Weighted

	mgr *Manager
}

func newHandle(mgr *Manager, name string, partition Partition, effective Request, queueLen uint64, sem *semaphore.Weighted) *Handle {
	if queueLen == 0 {
		queueLen = defaultTaskQueueLength
	}
	h := &Handle{
		mgr:            mgr,
		name:           name,
		partition:      partition,
		request:        effective,
		valid:          true,
		tasks:          make(chan func(), queueLen),
		stopCh:         make(chan struct{}),
		throttleFactor: 1.0,
		sem:            sem,
	}
	threads := effective.Threads
	if threads == 0 {
		threads = 1 // memory-only allocations still get one worker to drain submitted tasks
	}
	h.wg.Add(int(threads))
	for i := uint64(0); i < threads; i++ {
		go h.worker()
	}
	return h
}

func (h *Handle) worker() {
	defer h.wg.Done()
	for {
		select {
		case fn, ok := <-h.tasks:
			if !ok {
				return
			}
			h.throttleIfNeeded()
			h.runTask(fn)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Handle) throttleIfNeeded() {
	h.mu.Lock()
	bucket := h.bucket
	h.mu.Unlock()
	if bucket == nil {
		return
	}
	for !bucket.allow() {
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *Handle) runTask(fn func()) {
	if h.sem != nil {
		if err := h.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer h.sem.Release(1)
	}
	defer func() {
		if r := recover(); r != nil {
			h.mu.Lock()
			h.usage.ErrorsCount++
			h.mu.Unlock()
		}
	}()
	fn()
}

// SubmitTask enqueues fn for execution on one of the handle's
// workers. Rejected iff the handle has been invalidated; exceptions
// (panics) raised inside fn are caught and counted, never propagated
// to the worker loop.
func (h *Handle) SubmitTask(fn func()) bool {
	h.mu.Lock()
	valid := h.valid
	h.mu.Unlock()
	if !valid {
		return false
	}
	select {
	case h.tasks <- fn:
		return true
	case <-h.stopCh:
		return false
	}
}

// ReportUsage records a caller-driven metrics update.
func (h *Handle) ReportUsage(u Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage = u
}

// Allocated returns the handle's effective (clamped) allocation.
func (h *Handle) Allocated() Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.request
}

// IsValid reports whether the handle has not yet been released.
func (h *Handle) IsValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.valid
}

// usageSnapshot returns the handle's last reported Usage.
func (h *Handle) usageSnapshot() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// setThrottle installs or updates the handle's dispatch-rate limiter.
// factor is the fraction of the handle's thread count to sustain as a
// dispatch rate per second — a recorded intent, per §4.10, modeled
// here as an actual per-worker delay rather than just bookkeeping.
func (h *Handle) setThrottle(factor float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.throttleFactor = factor
	rate := factor * float64(h.request.Threads)
	if rate <= 0 {
		rate = 0.1
	}
	if h.bucket == nil {
		h.bucket = newTokenBucket(rate, rate)
		return
	}
	h.bucket.setRate(rate, rate)
}

// invalidate marks the handle released: no further tasks are
// accepted and workers stop polling for new ones, but any task
// already running is allowed to complete (§5 cancellation semantics).
func (h *Handle) invalidate() {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		close(h.stopCh)
	}
	h.valid = false
	h.mu.Unlock()
	h.wg.Wait()
}
