package compute

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tsdb/config"
	"tsdb/errs"
	"tsdb/metrics"
	"tsdb/record"
	"tsdb/resource"
	"tsdb/table"
)

// TimeRange is the half-open [Start, End) window bound ExecuteWindowJoin
// is handed; it is converted into the inclusive table.TimeRange
// [Start, End-1] (§9) when querying the stream tables.
type TimeRange struct {
	Start, End int64
}

// Config configures one ComputeEngine instance (§4.12).
type Config struct {
	OperatorType OperatorType
	WindowLenUs  int64
	SlideLenUs   int64
	TimeoutMs    int64 // 0 uses config.ComputeEngine.DefaultTimeoutMs
	EnableAQP    bool
}

// ComputeStatus is what ExecuteWindowJoin reports for one window.
type ComputeStatus struct {
	Success           bool
	WindowID          int64
	InputSCount       int64
	InputRCount       int64
	JoinCount         int64
	AQPComputed       bool // an AQP estimate was computed alongside or instead of the exact count
	UsedAQP           bool // the AQP estimate was reported as the window's result (timeout fallback)
	AQPEstimate       float64
	Selectivity       float64
	ComputationTimeMs float64
	MemoryUsedBytes   uint64
	TimeoutOccurred   bool
	Err               error
}

// Metrics accumulates ExecuteWindowJoin outcomes across the engine's
// lifetime, per §4.12's reporting contract: a bounded ring buffer of
// recent latencies (never an unbounded slice) plus running aggregates.
type Metrics struct {
	mu sync.Mutex

	totalCompleted int64
	failedWindows  int64
	timeoutWindows int64
	tuplesSeen     int64

	latencies  []float64
	latPos     int
	latFilled  int

	selSum   float64
	selCount int64

	peakMemoryBytes uint64

	aqpInvocations int64
	aqpErrSum      float64
	aqpErrCount    int64
}

// Snapshot is a read-only copy of Metrics for callers.
type Snapshot struct {
	TotalWindowsCompleted int64
	FailedWindows         int64
	TimeoutWindows        int64
	TotalTuplesProcessed  int64
	AvgLatencyMs          float64
	MinLatencyMs          float64
	MaxLatencyMs          float64
	P99LatencyMs          float64
	AvgJoinSelectivity    float64
	PeakMemoryBytes       uint64
	AQPInvocations        int64
	AvgAQPErrorRate       float64
}

func newMetrics(ringLen int) *Metrics {
	if ringLen <= 0 {
		ringLen = 1000
	}
	return &Metrics{latencies: make([]float64, ringLen)}
}

func (m *Metrics) recordLatency(ms float64) {
	m.latencies[m.latPos] = ms
	m.latPos = (m.latPos + 1) % len(m.latencies)
	if m.latFilled < len(m.latencies) {
		m.latFilled++
	}
}

func (m *Metrics) recordWindow(status ComputeStatus, tuplesFed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status.Success {
		m.totalCompleted++
	} else {
		m.failedWindows++
	}
	if status.TimeoutOccurred {
		m.timeoutWindows++
	}
	m.tuplesSeen += tuplesFed
	m.recordLatency(status.ComputationTimeMs)

	m.selSum += status.Selectivity
	m.selCount++

	if status.MemoryUsedBytes > m.peakMemoryBytes {
		m.peakMemoryBytes = status.MemoryUsedBytes
	}

	if status.AQPComputed {
		m.aqpInvocations++
		m.aqpErrSum += status.AQPError()
		m.aqpErrCount++
	}
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		TotalWindowsCompleted: m.totalCompleted,
		FailedWindows:         m.failedWindows,
		TimeoutWindows:        m.timeoutWindows,
		TotalTuplesProcessed:  m.tuplesSeen,
		PeakMemoryBytes:       m.peakMemoryBytes,
		AQPInvocations:        m.aqpInvocations,
	}
	if m.selCount > 0 {
		out.AvgJoinSelectivity = m.selSum / float64(m.selCount)
	}
	if m.aqpErrCount > 0 {
		out.AvgAQPErrorRate = m.aqpErrSum / float64(m.aqpErrCount)
	}
	if m.latFilled == 0 {
		return out
	}
	samples := append([]float64(nil), m.latencies[:m.latFilled]...)
	out.MinLatencyMs, out.MaxLatencyMs = samples[0], samples[0]
	var sum float64
	for _, v := range samples {
		sum += v
		if v < out.MinLatencyMs {
			out.MinLatencyMs = v
		}
		if v > out.MaxLatencyMs {
			out.MaxLatencyMs = v
		}
	}
	out.AvgLatencyMs = sum / float64(len(samples))
	out.P99LatencyMs = percentile(samples, 0.99)
	return out
}

// reset zeros every counter without touching configuration, per §4.12's
// reset() contract ("metrics only; configuration is untouched").
func (m *Metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCompleted, m.failedWindows, m.timeoutWindows, m.tuplesSeen = 0, 0, 0, 0
	for i := range m.latencies {
		m.latencies[i] = 0
	}
	m.latPos, m.latFilled = 0, 0
	m.selSum, m.selCount = 0, 0
	m.peakMemoryBytes = 0
	m.aqpInvocations, m.aqpErrSum, m.aqpErrCount = 0, 0, 0
}

func percentile(sorted []float64, p float64) float64 {
	cp := append([]float64(nil), sorted...)
	insertionSort(cp)
	idx := int(p * float64(len(cp)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(cp) {
		idx = len(cp) - 1
	}
	return cp[idx]
}

func insertionSort(a []float64) {
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

// AQPError computes |exact - aqp| / max(exact, 1) per §4.12 step 7,
// available whenever an AQP estimate was computed alongside (or in
// place of) the exact result.
func (s ComputeStatus) AQPError() float64 {
	if !s.AQPComputed {
		return 0
	}
	denom := float64(s.JoinCount)
	if denom < 1 {
		denom = 1
	}
	diff := s.AQPEstimate - float64(s.JoinCount)
	if diff < 0 {
		diff = -diff
	}
	return diff / denom
}

// Engine is the ComputeEngine (§4.12): a stateless per-window join
// executor sitting in front of two StreamTables (S and R) and one
// JoinResultTable, bound to a single Operator plug-in.
//
// Grounded in the one-way dependency REDESIGN FLAG (§9): Engine exposes
// only ExecuteWindowJoin, a pure function of (window id, range) with no
// callback into the scheduler that invokes it.
type Engine struct {
	mu sync.Mutex

	cfg            Config
	defaultTimeout time.Duration

	streamS, streamR *table.StreamTable
	result           *table.JoinResultTable
	resourceHandle   *resource.Handle

	initialized bool
	metrics     *Metrics
	prom        *promMetrics
	log         *zap.Logger
}

// promMetrics mirrors a subset of Metrics as Prometheus collectors, so
// a caller with a real registry (§1: the core never exports metrics
// itself, it only updates collectors against a caller-owned registry)
// can scrape window-join outcomes the same way it scrapes everything
// else in the process.
type promMetrics struct {
	windowsTotal *prometheus.CounterVec
	latencyMs    prometheus.Observer
	selectivity  prometheus.Gauge
	aqpErrorRate prometheus.Gauge
	memoryBytes  prometheus.Gauge
}

func newPromMetrics(reg metrics.Registry) *promMetrics {
	return &promMetrics{
		windowsTotal: metrics.CounterVec(reg, "compute", "windows_total", "window join outcomes by result", "outcome"),
		latencyMs:    metrics.HistogramVec(reg, "compute", "window_latency_ms", "window join computation time in milliseconds", []float64{1, 5, 10, 50, 100, 500, 1000, 5000}).WithLabelValues(),
		selectivity:  metrics.GaugeVec(reg, "compute", "join_selectivity", "most recent window's join selectivity").WithLabelValues(),
		aqpErrorRate: metrics.GaugeVec(reg, "compute", "aqp_error_rate", "most recent window's AQP error rate").WithLabelValues(),
		memoryBytes:  metrics.GaugeVec(reg, "compute", "window_memory_bytes", "most recent window's approximate memory usage").WithLabelValues(),
	}
}

func (p *promMetrics) observe(status ComputeStatus) {
	if p == nil {
		return
	}
	outcome := "success"
	switch {
	case status.TimeoutOccurred && !status.Success:
		outcome = "timeout"
	case !status.Success:
		outcome = "failed"
	}
	p.windowsTotal.WithLabelValues(outcome).Inc()
	p.latencyMs.Observe(status.ComputationTimeMs)
	p.selectivity.Set(status.Selectivity)
	p.memoryBytes.Set(float64(status.MemoryUsedBytes))
	if status.AQPComputed {
		p.aqpErrorRate.Set(status.AQPError())
	}
}

// NewEngine constructs an uninitialized Engine; callers must call
// Initialize before ExecuteWindowJoin. reg registers the engine's
// Prometheus collectors; pass metrics.Noop when no registry is wired.
func NewEngine(log *zap.Logger, reg metrics.Registry) *Engine {
	return &Engine{log: log, prom: newPromMetrics(reg)}
}

// Initialize binds the engine to its operator config, its two input
// tables, its result table, and (optionally) a ResourceManager handle.
// The handle is only stored: ExecuteWindowJoin neither submits work
// through it nor reports usage to it.
func (e *Engine) Initialize(cfg Config, engineCfg *config.EngineConfig, streamS, streamR *table.StreamTable, result *table.JoinResultTable, handle *resource.Handle) error {
	if _, ok := aqpSupport[cfg.OperatorType]; !ok {
		return errs.Wrap(errs.InvalidArgument, "unknown operator type %q", cfg.OperatorType)
	}
	if cfg.EnableAQP && !aqpSupport[cfg.OperatorType] {
		return errs.Wrap(errs.InvalidArgument, "operator %q does not support AQP", cfg.OperatorType)
	}

	timeoutMs := cfg.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = engineCfg.ComputeEngine.DefaultTimeoutMs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.defaultTimeout = time.Duration(timeoutMs) * time.Millisecond
	e.streamS, e.streamR, e.result = streamS, streamR, result
	e.resourceHandle = handle
	e.metrics = newMetrics(engineCfg.ComputeEngine.MetricsRingBufferLen)
	e.initialized = true
	return nil
}

// ExecuteWindowJoin runs the ten-step window-join algorithm (§4.12):
// query S and R over tr, feed both tuple streams to a fresh operator
// instance, collect the exact or AQP result under a timeout, persist a
// WindowJoinResult, and update the engine's running metrics.
func (e *Engine) ExecuteWindowJoin(windowID int64, tr TimeRange) ComputeStatus {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ComputeStatus{WindowID: windowID, Success: false, Err: errs.Wrap(errs.InvalidArgument, "compute engine not initialized")}
	}
	cfg := e.cfg
	streamS, streamR, result := e.streamS, e.streamR, e.result
	timeout := e.defaultTimeout
	metrics := e.metrics
	e.mu.Unlock()

	start := time.Now()
	status := ComputeStatus{WindowID: windowID}

	// 1-2: query both input streams over the window's range. tr is
	// half-open [Start, End) (§4.11's window boundaries); table.TimeRange
	// is inclusive on both ends, so the upper bound is converted once,
	// here, rather than carried as an ambiguous convention into table.
	queryRange := table.TimeRange{Start: tr.Start, End: tr.End - 1}
	sRecs, err := streamS.Query(queryRange, nil)
	if err != nil {
		status.Err = err
		return e.finish(status, metrics, start, result, 0)
	}
	rRecs, err := streamR.Query(queryRange, nil)
	if err != nil {
		status.Err = err
		return e.finish(status, metrics, start, result, 0)
	}
	status.InputSCount = int64(len(sRecs))
	status.InputRCount = int64(len(rRecs))

	// 3: instantiate a fresh operator and configure it for this window.
	op, err := NewOperator(cfg.OperatorType)
	if err != nil {
		status.Err = err
		return e.finish(status, metrics, start, result, 0)
	}
	op.SetWindow(cfg.WindowLenUs, cfg.SlideLenUs)
	op.Start()
	defer op.Stop()

	// 4: feed both streams, using each record's timestamp uniformly as
	// both event time and arrival time (§9: the engine standardizes on
	// the record's single timestamp rather than tracking two clocks,
	// since every record already carries exactly one).
	for _, r := range sRecs {
		op.FeedTupleS(toTuple(r))
	}
	for _, r := range rRecs {
		op.FeedTupleR(toTuple(r))
	}
	tuplesFed := int64(len(sRecs) + len(rRecs))

	// 5-7: collect get_result()/get_aqp_result() under a deadline; a
	// timeout falls back to the AQP estimate when cfg.EnableAQP is set and
	// the operator supports one, otherwise it's reported as a failed window.
	resultCh := make(chan joinOutcome, 1)
	go func() {
		out := joinOutcome{exact: op.GetResult()}
		if op.SupportsAQP() {
			out.aqp = op.GetAQPResult()
			out.hasAQP = true
		}
		resultCh <- out
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case out := <-resultCh:
		status.JoinCount = out.exact
		status.AQPEstimate = out.aqp
		status.AQPComputed = out.hasAQP
		status.UsedAQP = false // exact result available; estimate is supplementary
		status.Success = true
	case <-ctx.Done():
		status.TimeoutOccurred = true
		if cfg.EnableAQP && op.SupportsAQP() {
			status.UsedAQP = true
			status.AQPComputed = true
			status.AQPEstimate = op.GetAQPResult()
			status.Success = true
		} else {
			status.Success = false
			status.Err = errs.Wrap(errs.Timeout, "window %d exceeded %s", windowID, timeout)
		}
	}

	// 8: derive selectivity as the fraction of the S*R cross product
	// that actually joined.
	if status.InputSCount > 0 && status.InputRCount > 0 {
		status.Selectivity = float64(status.JoinCount) / float64(status.InputSCount*status.InputRCount)
	}
	status.MemoryUsedBytes = approxTupleMemory(tuplesFed)

	return e.finish(status, metrics, start, result, tuplesFed)
}

type joinOutcome struct {
	exact  int64
	aqp    float64
	hasAQP bool
}

// finish stamps ComputationTimeMs, writes the result row (9), and
// updates metrics (10) — the algorithm's last two steps, common to
// every exit path including early errors.
func (e *Engine) finish(status ComputeStatus, metrics *Metrics, start time.Time, result *table.JoinResultTable, tuplesFed int64) ComputeStatus {
	status.ComputationTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	if result != nil {
		res := table.WindowJoinResult{
			WindowID:          table.WindowIDString(status.WindowID),
			Algorithm:         string(e.cfg.OperatorType),
			JoinCount:         status.JoinCount,
			Selectivity:       status.Selectivity,
			ComputationTimeMs: status.ComputationTimeMs,
			MemoryUsedBytes:   status.MemoryUsedBytes,
			UsedAQP:           status.UsedAQP,
			AQPEstimate:       status.AQPEstimate,
		}
		if status.Err != nil {
			res.Extra = map[string]string{"error": status.Err.Error()}
		}
		if _, werr := result.InsertResult(start.UnixMicro(), res); werr != nil && e.log != nil {
			e.log.Error("failed to persist window join result", zap.Int64("window_id", status.WindowID), zap.Error(werr))
		}
	}

	if metrics != nil {
		metrics.recordWindow(status, tuplesFed)
	}
	e.prom.observe(status)
	return status
}

// Metrics returns a snapshot of the engine's running aggregates.
func (e *Engine) Metrics() Snapshot {
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m == nil {
		return Snapshot{}
	}
	return m.snapshot()
}

// Reset zeros the engine's metrics only, per §4.12 — configuration and
// bound tables are untouched.
func (e *Engine) Reset() {
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m != nil {
		m.reset()
	}
}

// toTuple derives an operator Tuple from a stored record per §4.12
// step 4: key from the "key" tag (absent → 0), value from the "value"
// field (absent → 0), and the record's own timestamp standing in for
// both event_time and arrival_time.
func toTuple(r *record.Record) Tuple {
	key := int64(0)
	if k, ok := r.Tag("key"); ok {
		key, _ = strconv.ParseInt(k, 10, 64)
	}
	value := 0.0
	if v, ok := r.Field("value"); ok {
		value, _ = strconv.ParseFloat(v, 64)
	}
	return Tuple{Key: key, Value: value, EventTime: r.Timestamp, ArrivalTime: r.Timestamp}
}

// approxTupleMemory is a rough accounting figure: each fed tuple
// occupies three int64s and a float64 once held by the operator core.
func approxTupleMemory(tupleCount int64) uint64 {
	const perTuple = 32
	return uint64(tupleCount) * perTuple
}
