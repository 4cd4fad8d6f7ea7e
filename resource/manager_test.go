package resource

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tsdb/config"
	"tsdb/logging"
)

func testCfg() *config.EngineConfig {
	cfg := &config.EngineConfig{}
	cfg.ResourceManager.MaxThreads = 4
	cfg.ResourceManager.MaxMemoryBytes = 1 << 30
	cfg.ResourceManager.PressureRatio = 0.9
	cfg.ResourceManager.TaskQueueLength = 16
	return cfg
}

// TestResourceCapEnforcement is Scenario F.
func TestResourceCapEnforcement(t *testing.T) {
	m := New(testCfg(), logging.Nop())

	h1, ok := m.Allocate("plugin-a", Request{Threads: 3})
	require.True(t, ok)
	require.Equal(t, uint64(3), h1.Allocated().Threads)

	h2, ok := m.Allocate("plugin-b", Request{Threads: 3})
	require.True(t, ok)
	require.Equal(t, uint64(1), h2.Allocated().Threads) // clamped to what's left

	_, ok = m.Allocate("plugin-c", Request{Threads: 1})
	require.False(t, ok)

	require.True(t, m.IsUnderPressure())

	m.Release("plugin-a")
	m.Release("plugin-b")
}

func TestSubmitTaskRejectedAfterRelease(t *testing.T) {
	m := New(testCfg(), logging.Nop())
	h, ok := m.Allocate("p", Request{Threads: 1})
	require.True(t, ok)

	m.Release("p")
	require.False(t, h.IsValid())
	require.False(t, h.SubmitTask(func() {}))
}

func TestSubmitTaskRunsAndReportsUsage(t *testing.T) {
	m := New(testCfg(), logging.Nop())
	h, ok := m.Allocate("p", Request{Threads: 2})
	require.True(t, ok)
	defer m.Release("p")

	var ran int32
	done := make(chan struct{})
	accepted := h.SubmitTask(func() {
		atomic.AddInt32(&ran, 1)
		close(done)
	})
	require.True(t, accepted)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestPanicInTaskIsCaughtAndCounted(t *testing.T) {
	m := New(testCfg(), logging.Nop())
	h, ok := m.Allocate("p", Request{Threads: 1})
	require.True(t, ok)
	defer m.Release("p")

	done := make(chan struct{})
	h.SubmitTask(func() { close(done) }) // warm the worker first
	<-done

	h.SubmitTask(func() { panic("boom") })
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.usage.ErrorsCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAllocateRejectsDuplicateName(t *testing.T) {
	m := New(testCfg(), logging.Nop())
	_, ok := m.Allocate("dup", Request{Threads: 1})
	require.True(t, ok)

	_, ok = m.Allocate("dup", Request{Threads: 1})
	require.False(t, ok)
}

func TestAdjustMemoryWithinCap(t *testing.T) {
	m := New(testCfg(), logging.Nop())
	h, ok := m.Allocate("p", Request{MemoryBytes: 100})
	require.True(t, ok)
	defer m.Release("p")

	require.True(t, m.AdjustMemory("p", 200))
	require.Equal(t, uint64(200), h.Allocated().MemoryBytes)

	require.False(t, m.AdjustMemory("p", 1<<40)) // exceeds global cap
}
