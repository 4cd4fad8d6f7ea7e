package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tsdb/config"
	"tsdb/logging"
	"tsdb/record"
)

func testCfg() *config.EngineConfig {
	cfg := &config.EngineConfig{}
	cfg.LSM.MaxLevels = 4
	cfg.LSM.L0CompactionTrigger = 4
	cfg.LSM.LevelSizeMultiplier = 4
	cfg.LSM.BaseLevelSizeBytes = 1 << 20
	cfg.MemTable.MaxBytes = 1 << 16
	cfg.WAL.FileName = "wal.log"
	cfg.BloomFilter.BitsPerKey = 10
	cfg.BloomFilter.NumHashFunctions = 3
	return cfg
}

func TestInsertQueryByTimeRange(t *testing.T) {
	st, err := Open(t.TempDir(), "s0", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	for i := int64(0); i < 100; i++ {
		idx, err := st.Insert(record.NewScalar(1000+i*1000, float64(i), map[string]string{"sensor": "temp_0"}, nil))
		require.NoError(t, err)
		require.Equal(t, int(i), idx)
	}

	got, err := st.Query(TimeRange{Start: 1000, End: 101000}, nil)
	require.NoError(t, err)
	require.Len(t, got, 100)
	require.Equal(t, int64(1000), got[0].Timestamp)
	require.Equal(t, float64(99), got[99].Scalar)
}

func TestQueryTagFilterIntersection(t *testing.T) {
	st, err := Open(t.TempDir(), "s0", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	for i := int64(0); i < 9; i++ {
		sensor := "a"
		if i%3 == 0 {
			sensor = "b"
		}
		_, err := st.Insert(record.NewScalar(i, float64(i), map[string]string{"sensor": sensor}, nil))
		require.NoError(t, err)
	}

	got, err := st.Query(TimeRange{Start: 0, End: 8}, TagFilter{"sensor": "b"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, r := range got {
		require.Equal(t, int64(r.Timestamp)%3, int64(0))
	}
}

func TestQueryFallsBackToScanWhenTagUnindexed(t *testing.T) {
	st, err := Open(t.TempDir(), "s0", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Insert(record.NewScalar(1, 1, map[string]string{"sensor": "a"}, nil))
	require.NoError(t, err)

	got, err := st.Query(TimeRange{Start: 0, End: 10}, TagFilter{"sensor": "nonexistent"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueryLatestDescending(t *testing.T) {
	st, err := Open(t.TempDir(), "s0", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	for i := int64(0); i < 10; i++ {
		_, err := st.Insert(record.NewScalar(i, float64(i), nil, nil))
		require.NoError(t, err)
	}

	got, err := st.QueryLatest(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int64{9, 8, 7}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
}

func TestClearEmptiesTableAndIndex(t *testing.T) {
	st, err := Open(t.TempDir(), "s0", testCfg(), logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Insert(record.NewScalar(1, 1, map[string]string{"sensor": "a"}, nil))
	require.NoError(t, err)
	require.NoError(t, st.Clear())

	require.True(t, st.Empty())
	got, err := st.Query(TimeRange{Start: minInt64, End: maxInt64}, nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
