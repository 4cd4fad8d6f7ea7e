package table

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"tsdb/config"
	"tsdb/record"
)

// JoinResultTable is a StreamTable specialized for per-window join
// summaries (§4.8): every record carries mandatory tags window_id and
// algorithm, and the fields enumerated below. It maintains a
// window_id -> []record_index index, which QueryByWindow consults only
// to return early for a window with no results.
type JoinResultTable struct {
	*StreamTable

	mu       sync.RWMutex
	byWindow map[string][]int
}

// WindowJoinResult is the payload the compute engine writes for one
// completed (or failed) window.
type WindowJoinResult struct {
	WindowID          string
	Algorithm         string
	JoinCount         int64
	Selectivity       float64
	ComputationTimeMs float64
	MemoryUsedBytes   uint64
	UsedAQP           bool
	AQPEstimate       float64
	Extra             map[string]string
}

// AggregateStats summarizes WindowJoinResults over a time range, per
// §4.8 — a pure-read derivation that never mutates state.
type AggregateStats struct {
	TotalWindows          int
	TotalJoins            int64
	AvgJoinCount          float64
	AvgComputationTimeMs  float64
	AvgSelectivity        float64
	AQPUsageCount         int
	ErrorCount            int
}

// OpenJoinResultTable opens or creates the underlying StreamTable and
// rebuilds the window_id index from whatever it already holds.
func OpenJoinResultTable(dir, name string, cfg *config.EngineConfig, log *zap.Logger) (*JoinResultTable, error) {
	st, err := Open(dir, name, cfg, log)
	if err != nil {
		return nil, err
	}
	j := &JoinResultTable{StreamTable: st, byWindow: make(map[string][]int)}
	if err := j.rebuildWindowIndex(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *JoinResultTable) rebuildWindowIndex() error {
	all, err := j.StreamTable.Query(TimeRange{Start: minInt64, End: maxInt64}, nil)
	if err != nil {
		return err
	}
	for idx, r := range all {
		if wid, ok := r.Tag("window_id"); ok {
			j.byWindow[wid] = append(j.byWindow[wid], idx)
		}
	}
	return nil
}

// InsertResult writes res as a new record, tagging window_id and
// algorithm and populating the field set §4.8 mandates.
func (j *JoinResultTable) InsertResult(ts int64, res WindowJoinResult) (int, error) {
	tags := map[string]string{
		"window_id": res.WindowID,
		"algorithm": res.Algorithm,
	}
	fields := map[string]string{
		"join_count":           strconv.FormatInt(res.JoinCount, 10),
		"selectivity":          strconv.FormatFloat(res.Selectivity, 'g', -1, 64),
		"computation_time_ms":  strconv.FormatFloat(res.ComputationTimeMs, 'g', -1, 64),
		"memory_used_bytes":    strconv.FormatUint(res.MemoryUsedBytes, 10),
		"used_aqp":             strconv.FormatBool(res.UsedAQP),
		"aqp_estimate":         strconv.FormatFloat(res.AQPEstimate, 'g', -1, 64),
	}
	for k, v := range res.Extra {
		fields[k] = v
	}

	rec := record.NewScalar(ts, float64(res.JoinCount), tags, fields)
	idx, err := j.StreamTable.Insert(rec)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	j.byWindow[res.WindowID] = append(j.byWindow[res.WindowID], idx)
	j.mu.Unlock()
	return idx, nil
}

// QueryByWindow returns every result record tagged with windowID. A
// window absent from the index returns at once; otherwise the table's
// full time range is scanned and filtered by the window_id tag, so the
// cost grows with the table's size, not with the window's result count.
func (j *JoinResultTable) QueryByWindow(windowID string) ([]*record.Record, error) {
	j.mu.RLock()
	indices := append([]int(nil), j.byWindow[windowID]...)
	j.mu.RUnlock()
	if len(indices) == 0 {
		return nil, nil
	}

	all, err := j.StreamTable.Query(TimeRange{Start: minInt64, End: maxInt64}, TagFilter{"window_id": windowID})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Aggregate derives summary statistics over every result whose
// timestamp falls in tr.
func (j *JoinResultTable) Aggregate(tr TimeRange) (AggregateStats, error) {
	recs, err := j.StreamTable.Query(tr, nil)
	if err != nil {
		return AggregateStats{}, err
	}

	var stats AggregateStats
	windows := make(map[string]bool)
	var sumJoin, sumTime, sumSel float64
	for _, r := range recs {
		wid, _ := r.Tag("window_id")
		windows[wid] = true

		joinCount := parseInt(r.Fields["join_count"])
		sumJoin += float64(joinCount)
		stats.TotalJoins += joinCount

		sumTime += parseFloat(r.Fields["computation_time_ms"])
		sumSel += parseFloat(r.Fields["selectivity"])

		if r.Fields["used_aqp"] == "true" {
			stats.AQPUsageCount++
		}
		if _, isErr := r.Field("error"); isErr {
			stats.ErrorCount++
		}
	}

	stats.TotalWindows = len(windows)
	if len(recs) > 0 {
		stats.AvgJoinCount = sumJoin / float64(len(recs))
		stats.AvgComputationTimeMs = sumTime / float64(len(recs))
		stats.AvgSelectivity = sumSel / float64(len(recs))
	}
	return stats, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
