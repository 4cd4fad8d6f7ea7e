package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tsdb/logging"
)

func TestInsertResultAndQueryByWindow(t *testing.T) {
	jt, err := OpenJoinResultTable(t.TempDir(), "joins", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer jt.Close()

	_, err = jt.InsertResult(100, WindowJoinResult{
		WindowID: "1", Algorithm: "SHJ", JoinCount: 20, Selectivity: 0.2, ComputationTimeMs: 5,
	})
	require.NoError(t, err)
	_, err = jt.InsertResult(200, WindowJoinResult{
		WindowID: "2", Algorithm: "SHJ", JoinCount: 10, Selectivity: 0.1, ComputationTimeMs: 3,
	})
	require.NoError(t, err)

	got, err := jt.QueryByWindow("1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	algo, ok := got[0].Tag("algorithm")
	require.True(t, ok)
	require.Equal(t, "SHJ", algo)
	wid, ok := got[0].Tag("window_id")
	require.True(t, ok)
	require.Equal(t, "1", wid)
}

func TestAggregateAcrossWindows(t *testing.T) {
	jt, err := OpenJoinResultTable(t.TempDir(), "joins", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer jt.Close()

	_, err = jt.InsertResult(1, WindowJoinResult{WindowID: "1", Algorithm: "SHJ", JoinCount: 20, Selectivity: 0.2, ComputationTimeMs: 5})
	require.NoError(t, err)
	_, err = jt.InsertResult(2, WindowJoinResult{WindowID: "2", Algorithm: "SHJ", JoinCount: 10, Selectivity: 0.1, ComputationTimeMs: 3, UsedAQP: true})
	require.NoError(t, err)

	stats, err := jt.Aggregate(TimeRange{Start: minInt64, End: maxInt64})
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalWindows)
	require.Equal(t, int64(30), stats.TotalJoins)
	require.InDelta(t, 15.0, stats.AvgJoinCount, 0.001)
	require.Equal(t, 1, stats.AQPUsageCount)
}
