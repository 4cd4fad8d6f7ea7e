// Package resource implements ResourceManager (§4.10): bounded
// thread/memory budgets issued as Handles to named callers (plug-ins
// or compute engines), backed by a worker pool per handle and an
// in-process token bucket for throttle_compute.
//
// Grounded in the teacher's worker-pool pattern (lsm/flush_worker.go's
// FlushPool: a fixed goroutine pool draining a task channel, a stop
// signal checked between iterations) generalized from "flush jobs
// only" to arbitrary caller-submitted closures, and bounded overall
// by golang.org/x/sync/semaphore against the configured max_threads,
// matching the corpus's preference for that package over a hand-
// rolled counting mutex.
package resource

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tsdb/config"
)

// Partition separates plug-in-held handles from compute-engine-held
// ones, per §4.10's "registry of active handles partitioned into
// {plugins, compute engines}".
type Partition int

const (
	PartitionPlugin Partition = iota
	PartitionCompute
)

// Manager owns the global thread and memory budget and every handle
// drawn from it.
type Manager struct {
	mu sync.Mutex

	maxThreads     uint64
	maxMemoryBytes uint64
	pressureRatio  float64
	queueLength    uint64

	threadsUsed     uint64
	memoryUsedBytes uint64

	handles map[string]*Handle // keyed by name, across both partitions
	sem     *semaphore.Weighted

	log *zap.Logger
}

// New creates a Manager bounded by cfg.ResourceManager.
func New(cfg *config.EngineConfig, log *zap.Logger) *Manager {
	return &Manager{
		maxThreads:     cfg.ResourceManager.MaxThreads,
		maxMemoryBytes: cfg.ResourceManager.MaxMemoryBytes,
		pressureRatio:  cfg.ResourceManager.PressureRatio,
		queueLength:    cfg.ResourceManager.TaskQueueLength,
		handles:        make(map[string]*Handle),
		sem:            semaphore.NewWeighted(int64(cfg.ResourceManager.MaxThreads)),
		log:            log,
	}
}

// Allocate grants name a plugin-partition handle for request, clamped
// to the remaining global budget.
func (m *Manager) Allocate(name string, request Request) (*Handle, bool) {
	return m.allocate(name, request, PartitionPlugin)
}

// AllocateForCompute grants name a compute-partition handle.
func (m *Manager) AllocateForCompute(name string, request Request) (*Handle, bool) {
	return m.allocate(name, request, PartitionCompute)
}

func (m *Manager) allocate(name string, request Request, partition Partition) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handles[name]; exists {
		return nil, false
	}

	remainingThreads := uint64(0)
	if m.maxThreads > m.threadsUsed {
		remainingThreads = m.maxThreads - m.threadsUsed
	}
	remainingMemory := uint64(0)
	if m.maxMemoryBytes > m.memoryUsedBytes {
		remainingMemory = m.maxMemoryBytes - m.memoryUsedBytes
	}

	effective := Request{
		Threads:     minU64(request.Threads, remainingThreads),
		MemoryBytes: minU64(request.MemoryBytes, remainingMemory),
	}
	if effective.Threads == 0 && effective.MemoryBytes == 0 {
		return nil, false
	}

	h := newHandle(m, name, partition, effective, m.queueLength, m.sem)
	m.handles[name] = h
	m.threadsUsed += effective.Threads
	m.memoryUsedBytes += effective.MemoryBytes
	return h, true
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Release invalidates and removes a plugin-partition handle.
func (m *Manager) Release(name string) {
	m.release(name)
}

// ReleaseCompute invalidates and removes a compute-partition handle.
func (m *Manager) ReleaseCompute(name string) {
	m.release(name)
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	h, ok := m.handles[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.handles, name)
	m.threadsUsed -= h.Allocated().Threads
	m.memoryUsedBytes -= h.Allocated().MemoryBytes
	m.mu.Unlock()

	h.invalidate()
}

// QueryUsage returns the named handle's last-reported usage.
func (m *Manager) QueryUsage(name string) (Usage, bool) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return Usage{}, false
	}
	return h.usageSnapshot(), true
}

// TotalUsage sums reported usage across every live handle.
func (m *Manager) TotalUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total Usage
	for _, h := range m.handles {
		u := h.usageSnapshot()
		total.ThreadsUsed += u.ThreadsUsed
		total.MemoryUsedBytes += u.MemoryUsedBytes
		total.QueueLength += u.QueueLength
		total.TuplesProcessed += u.TuplesProcessed
		total.ErrorsCount += u.ErrorsCount
	}
	return total
}

// IsUnderPressure reports whether any budget dimension — live thread
// or memory allocation, not just reported usage — is at or above the
// configured pressure ratio of its cap.
func (m *Manager) IsUnderPressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxThreads > 0 && float64(m.threadsUsed)/float64(m.maxThreads) >= m.pressureRatio {
		return true
	}
	if m.maxMemoryBytes > 0 && float64(m.memoryUsedBytes)/float64(m.maxMemoryBytes) >= m.pressureRatio {
		return true
	}
	return false
}

// ThrottleCompute records that name's compute engine should slow its
// task submission rate by factor: the handle's dispatch rate is capped
// at factor x its thread allocation per second, so 1.0 also sets a cap.
func (m *Manager) ThrottleCompute(name string, factor float64) {
	m.mu.Lock()
	h, ok := m.handles[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	h.setThrottle(factor)
}

// AdjustMemory changes a live handle's memory allocation without
// releasing it — the one quota dimension §4.10 allows to change at
// runtime; thread count changes require release-then-reallocate.
func (m *Manager) AdjustMemory(name string, newBytes uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[name]
	if !ok {
		return false
	}
	current := h.Allocated().MemoryBytes
	if newBytes > current {
		delta := newBytes - current
		if m.memoryUsedBytes+delta > m.maxMemoryBytes {
			return false
		}
		m.memoryUsedBytes += delta
	} else {
		m.memoryUsedBytes -= current - newBytes
	}

	h.mu.Lock()
	h.request.MemoryBytes = newBytes
	h.mu.Unlock()
	return true
}
