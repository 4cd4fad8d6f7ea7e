package window

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tsdb/compute"
	"tsdb/config"
	"tsdb/resource"
)

// Config configures one Scheduler instance (§4.11).
type Config struct {
	WindowType            Type
	TriggerPolicy         TriggerPolicy
	WindowLenUs           int64
	SlideLenUs            int64
	WatermarkSlackUs      int64
	TriggerCountThreshold int64
	MaxDelayUs            int64
	MaxConcurrentWindows  int64
	StreamSTableName      string
	StreamRTableName      string
	ResultTableName       string
}

// CompletionCallback is invoked after a window finishes, successfully
// or not, with a point-in-time Snapshot and the engine's status.
type CompletionCallback func(Snapshot, compute.ComputeStatus)

// Scheduler is WindowScheduler (§4.11): it owns no stream data itself,
// only window lifecycle bookkeeping and a one-way call out to a
// compute.Engine.
type Scheduler struct {
	cfg             Config
	triggerInterval time.Duration
	retention       int64

	engine *compute.Engine
	handle *resource.Handle

	mu               sync.Mutex
	windows          map[int64]*Window
	queue            windowHeap
	queued           map[int64]bool
	largestEventTime int64
	watermark        int64
	executing        int64

	onCompleted []CompletionCallback
	onFailed    []CompletionCallback

	stopCh   chan struct{}
	stopped  bool
	loopDone chan struct{}
	active   sync.WaitGroup // windows currently Executing

	log *zap.Logger
}

// New constructs a Scheduler bound to engine (and, optionally, a
// ResourceHandle used to submit execution tasks — when nil, or when
// the handle refuses a task, each window runs on a fresh goroutine).
func New(cfg Config, engineCfg *config.EngineConfig, engine *compute.Engine, handle *resource.Handle, log *zap.Logger) *Scheduler {
	maxConcurrent := cfg.MaxConcurrentWindows
	if maxConcurrent <= 0 {
		maxConcurrent = int64(engineCfg.WindowScheduler.MaxConcurrentDefault)
	}
	cfg.MaxConcurrentWindows = maxConcurrent

	s := &Scheduler{
		cfg:             cfg,
		triggerInterval: time.Duration(engineCfg.WindowScheduler.TriggerIntervalUs) * time.Microsecond,
		retention:       engineCfg.WindowScheduler.RetentionWindows,
		engine:          engine,
		handle:          handle,
		windows:         make(map[int64]*Window),
		queued:          make(map[int64]bool),
		stopCh:          make(chan struct{}),
		loopDone:        make(chan struct{}),
		log:             log,
	}
	heap.Init(&s.queue)
	go s.loop()
	return s
}

// OnCompleted registers a callback invoked after every successfully
// completed window.
func (s *Scheduler) OnCompleted(fn CompletionCallback) {
	s.mu.Lock()
	s.onCompleted = append(s.onCompleted, fn)
	s.mu.Unlock()
}

// OnFailed registers a callback invoked after every failed window.
func (s *Scheduler) OnFailed(fn CompletionCallback) {
	s.mu.Lock()
	s.onFailed = append(s.onFailed, fn)
	s.mu.Unlock()
}

// OnDataInserted is the watched-table contract's notification entry
// point (§4.11): a table that has registered itself with the
// scheduler calls this after every insert.
func (s *Scheduler) OnDataInserted(tableName string, timestamp int64, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timestamp > s.largestEventTime {
		s.largestEventTime = timestamp
	}
	candidate := s.largestEventTime - s.cfg.MaxDelayUs
	if candidate > s.watermark {
		s.watermark = candidate
	}

	stream := s.streamKey(tableName)
	if stream == "" {
		return
	}

	for _, id := range s.windowIDsForLocked(timestamp) {
		w := s.windowForLocked(id)
		w.bump(stream, count)
	}

	// Re-evaluate every still-Accepting window, not just the one(s) the
	// new record landed in: the watermark just advanced for the whole
	// scheduler, so any TimeBased/Hybrid window whose deadline it now
	// covers must become eligible even if no further data ever lands
	// inside that specific window's own range again (§9: a literal
	// per-touched-window re-check would leave a TimeBased tumbling
	// window stuck forever once its own data stops arriving, since the
	// watermark only catches up to it via data landing in *later*
	// windows).
	for _, w := range s.windows {
		if w.getState() == StateAccepting {
			s.evaluateTriggerLocked(w)
		}
	}
}

func (s *Scheduler) streamKey(tableName string) string {
	switch tableName {
	case s.cfg.StreamSTableName:
		return "s"
	case s.cfg.StreamRTableName:
		return "r"
	default:
		return ""
	}
}

// windowIDsForLocked returns every window id that ts belongs to,
// per §4.11's boundary-derivation rules. Caller holds s.mu.
func (s *Scheduler) windowIDsForLocked(ts int64) []int64 {
	switch s.cfg.WindowType {
	case Tumbling:
		start := floorDiv(ts, s.cfg.WindowLenUs) * s.cfg.WindowLenUs
		return []int64{start}

	case Sliding:
		slide := s.cfg.SlideLenUs
		if slide <= 0 {
			slide = s.cfg.WindowLenUs
		}
		kMax := floorDiv(ts, slide)
		var ids []int64
		for k := kMax; k >= 0; k-- {
			start := k * slide
			if start > ts {
				continue
			}
			if start+s.cfg.WindowLenUs <= ts {
				break // windows only get older (smaller start) from here
			}
			ids = append(ids, start)
		}
		return ids

	case Session:
		// Merge into any existing Accepting session window whose gap
		// timeout has not yet elapsed; otherwise start a new one.
		for id, w := range s.windows {
			if w.getState() != StateAccepting {
				continue
			}
			if ts <= w.End {
				w.mu.Lock()
				w.End = ts + s.cfg.WindowLenUs
				w.mu.Unlock()
				return []int64{id}
			}
		}
		return []int64{ts}

	default:
		return nil
	}
}

func floorDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// windowForLocked returns the window for id, creating it with the
// boundary derivation matching s.cfg.WindowType if it doesn't exist
// yet. Caller holds s.mu.
func (s *Scheduler) windowForLocked(id int64) *Window {
	if w, ok := s.windows[id]; ok {
		return w
	}
	// Every window type here uses its window id as the start boundary
	// (tumbling and sliding starts are already window-aligned by
	// windowIDsForLocked; a session window's id is the event timestamp
	// that opened it), so one formula covers all three.
	w := newWindow(id, id, id+s.cfg.WindowLenUs)
	s.windows[id] = w
	return w
}

// evaluateTriggerLocked re-checks w's trigger predicate and, if
// satisfied, marks it Ready and enqueues it. Caller holds s.mu.
func (s *Scheduler) evaluateTriggerLocked(w *Window) {
	state := w.getState()
	if state == StateExecuting || state == StateCompleted || state == StateFailed {
		return
	}
	if !s.triggerSatisfiedLocked(w) {
		return
	}
	w.setState(StateReady)
	if !s.queued[w.ID] {
		heap.Push(&s.queue, w.ID)
		s.queued[w.ID] = true
	}
}

func (s *Scheduler) triggerSatisfiedLocked(w *Window) bool {
	snap := w.snapshot()
	switch s.cfg.TriggerPolicy {
	case TimeBased:
		return s.watermark >= snap.End+s.cfg.WatermarkSlackUs
	case CountBased:
		return snap.StreamSCount+snap.StreamRCount >= s.cfg.TriggerCountThreshold
	case Hybrid:
		return s.watermark >= snap.End+s.cfg.WatermarkSlackUs ||
			snap.StreamSCount+snap.StreamRCount >= s.cfg.TriggerCountThreshold
	case Manual:
		return false
	default:
		return false
	}
}

// ScheduleWindow is Manual mode's direct entry point: force window id
// with the given [start,end) range straight to Ready, bypassing the
// trigger predicate entirely.
func (s *Scheduler) ScheduleWindow(id, start, end int64) {
	s.mu.Lock()
	w, ok := s.windows[id]
	if !ok {
		w = newWindow(id, start, end)
		s.windows[id] = w
	}
	w.setState(StateReady)
	if !s.queued[id] {
		heap.Push(&s.queue, id)
		s.queued[id] = true
	}
	s.mu.Unlock()
}

// TriggerPendingWindows is Manual mode's other entry point: force
// every currently Accepting window straight to Ready.
func (s *Scheduler) TriggerPendingWindows() {
	s.mu.Lock()
	for id, w := range s.windows {
		if w.getState() != StateAccepting {
			continue
		}
		w.setState(StateReady)
		if !s.queued[id] {
			heap.Push(&s.queue, id)
			s.queued[id] = true
		}
	}
	s.mu.Unlock()
}

// loop is the scheduler's one dedicated goroutine (§4.11): wake on a
// timer, drain the ready queue up to the concurrency cap, then sweep
// old completed windows.
func (s *Scheduler) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.triggerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drainQueue()
			s.cleanupCompleted()
		}
	}
}

func (s *Scheduler) drainQueue() {
	for {
		s.mu.Lock()
		if atomic.LoadInt64(&s.executing) >= s.cfg.MaxConcurrentWindows || s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		id := heap.Pop(&s.queue).(int64)
		delete(s.queued, id)
		w, ok := s.windows[id]
		s.mu.Unlock()
		if !ok || w.getState() != StateReady {
			continue
		}
		s.executeWindowAsync(w)
	}
}

// executeWindowAsync marks w Executing, records the submit time, and
// submits its compute task — onto the ResourceHandle if one was
// configured, otherwise run inline on a fresh goroutine (§4.11).
func (s *Scheduler) executeWindowAsync(w *Window) {
	w.mu.Lock()
	w.state = StateExecuting
	w.submittedAt = time.Now()
	w.mu.Unlock()

	atomic.AddInt64(&s.executing, 1)
	s.active.Add(1)

	task := func() {
		defer s.active.Done()
		defer atomic.AddInt64(&s.executing, -1)
		s.runWindowTask(w)
	}

	if s.handle != nil && s.handle.SubmitTask(task) {
		return
	}
	go task()
}

func (s *Scheduler) runWindowTask(w *Window) {
	status := s.engine.ExecuteWindowJoin(w.ID, compute.TimeRange{Start: w.Start, End: w.End})

	w.mu.Lock()
	if status.Success {
		w.state = StateCompleted
	} else {
		w.state = StateFailed
	}
	w.finishedAt = time.Now()
	w.mu.Unlock()

	snap := w.snapshot()
	s.mu.Lock()
	callbacks := s.onCompleted
	if !status.Success {
		callbacks = s.onFailed
	}
	s.mu.Unlock()
	s.invokeCallbacks(callbacks, snap, status)
}

// invokeCallbacks runs every callback, recovering a panicking callback
// rather than letting it crash the worker that ran this window. The
// panic is logged; no count of callback panics is kept.
func (s *Scheduler) invokeCallbacks(callbacks []CompletionCallback, snap Snapshot, status compute.ComputeStatus) {
	for _, cb := range callbacks {
		s.safeCall(cb, snap, status)
	}
}

func (s *Scheduler) safeCall(cb CompletionCallback, snap Snapshot, status compute.ComputeStatus) {
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("window completion callback panicked", zap.Int64("window_id", snap.ID), zap.Any("recovered", r))
		}
	}()
	cb(snap, status)
}

// cleanupCompleted drops windows that finished more than
// retention-many windows ago, bounding memory for a long-running
// scheduler.
func (s *Scheduler) cleanupCompleted() {
	if s.retention <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := make([]int64, 0)
	for id, w := range s.windows {
		st := w.getState()
		if st == StateCompleted || st == StateFailed {
			finished = append(finished, id)
		}
	}
	if int64(len(finished)) <= s.retention {
		return
	}
	excess := int64(len(finished)) - s.retention
	// No ordering guarantee beyond "oldest window ids first", since ids
	// correlate with window start time for every window type here.
	sortInt64s(finished)
	for i := int64(0); i < excess; i++ {
		delete(s.windows, finished[i])
	}
}

func sortInt64s(a []int64) {
	for i := 1; i < len(a); i++ {
		v := a[i]
		j := i - 1
		for j >= 0 && a[j] > v {
			a[j+1] = a[j]
			j--
		}
		a[j+1] = v
	}
}

// ActiveWindowCount reports how many windows are currently Executing.
func (s *Scheduler) ActiveWindowCount() int64 {
	return atomic.LoadInt64(&s.executing)
}

// Watermark returns the scheduler's current monotonic watermark.
func (s *Scheduler) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Window returns a snapshot of one tracked window, if it exists.
func (s *Scheduler) Window(id int64) (Snapshot, bool) {
	s.mu.Lock()
	w, ok := s.windows[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return w.snapshot(), true
}

// Stop requests termination of the scheduler's main loop; if
// waitCompletion is true the call blocks until every Executing window
// finishes (no forced cancellation — §4.11).
func (s *Scheduler) Stop(waitCompletion bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	<-s.loopDone
	if waitCompletion {
		s.active.Wait()
	}
}
