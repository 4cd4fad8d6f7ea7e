// Package window implements WindowScheduler (§4.11): it turns ingest
// notifications from watched StreamTables into triggered calls against
// a compute.Engine, one window at a time.
//
// Grounded in the teacher's lsm background worker (a single goroutine
// selecting on a signal channel and a stop channel — see
// lsm/compaction.go's backgroundWorker) generalized from
// "run compaction when signaled" to "drain ready windows on a timer."
// Per §9's REDESIGN FLAG, the dependency is one-way: Scheduler holds a
// *compute.Engine and calls its pure ExecuteWindowJoin; nothing in
// compute imports window.
package window

import (
	"container/heap"
	"sync"
	"time"
)

// Type is the window-boundary policy (§4.11).
type Type int

const (
	Tumbling Type = iota
	Sliding
	Session
)

// TriggerPolicy decides when an Accepting window becomes Ready.
type TriggerPolicy int

const (
	TimeBased TriggerPolicy = iota
	CountBased
	Hybrid
	Manual
)

// State is a window's position in its lifecycle (§4.11).
type State int

const (
	StateCreated State = iota
	StateAccepting
	StateReady
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAccepting:
		return "accepting"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Window is one bounded time range under management by a Scheduler.
type Window struct {
	mu sync.Mutex

	ID    int64
	Start int64
	End   int64
	state State

	streamSCount int64
	streamRCount int64

	submittedAt time.Time
	finishedAt  time.Time
}

func newWindow(id, start, end int64) *Window {
	return &Window{ID: id, Start: start, End: end, state: StateAccepting}
}

// Snapshot is an immutable, lock-free copy of a Window's fields, the
// shape handed to on-completed/on-failed callbacks (§4.11d) so
// callback code never touches the scheduler's internal mutex.
type Snapshot struct {
	ID           int64
	Start        int64
	End          int64
	State        State
	StreamSCount int64
	StreamRCount int64
	SubmittedAt  time.Time
	FinishedAt   time.Time
}

func (w *Window) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID: w.ID, Start: w.Start, End: w.End, State: w.state,
		StreamSCount: w.streamSCount, StreamRCount: w.streamRCount,
		SubmittedAt: w.submittedAt, FinishedAt: w.finishedAt,
	}
}

func (w *Window) getState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Window) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// bump adds count to the stream's record counter; which is "s" or "r".
func (w *Window) bump(stream string, count int64) {
	w.mu.Lock()
	if stream == "s" {
		w.streamSCount += count
	} else {
		w.streamRCount += count
	}
	w.mu.Unlock()
}

// windowHeap is a min-heap of window ids, backing the priority queue
// §4.11 describes ("enqueues it in a priority queue ordered by
// window_id").
type windowHeap []int64

func (h windowHeap) Len() int            { return len(h) }
func (h windowHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h windowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *windowHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *windowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

var _ = heap.Interface(&windowHeap{})
