package tablemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tsdb/config"
	"tsdb/logging"
	"tsdb/record"
	"tsdb/table"
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

func TestCreateGetDropLifecycle(t *testing.T) {
	m, err := New(t.TempDir(), testCfg(), logging.Nop())
	require.NoError(t, err)

	_, err = m.CreateStreamTable("s0")
	require.NoError(t, err)
	require.True(t, m.Has("s0"))

	_, err = m.CreateStreamTable("s0")
	require.Error(t, err) // already exists

	st, err := m.GetStreamTable("s0")
	require.NoError(t, err)
	require.NotNil(t, st)

	require.NoError(t, m.Drop("s0"))
	require.False(t, m.Has("s0"))
}

func TestCreatePECJTables(t *testing.T) {
	m, err := New(t.TempDir(), testCfg(), logging.Nop())
	require.NoError(t, err)

	s, r, j, err := m.CreatePECJTables("q1_")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NotNil(t, r)
	require.NotNil(t, j)
	require.Equal(t, 3, m.Count())
	require.True(t, m.Has("q1_stream_s"))
	require.True(t, m.Has("q1_stream_r"))
	require.True(t, m.Has("q1_join_results"))
}

func TestInsertBatchAndQueryBatch(t *testing.T) {
	m, err := New(t.TempDir(), testCfg(), logging.Nop())
	require.NoError(t, err)
	_, err = m.CreateStreamTable("a")
	require.NoError(t, err)
	_, err = m.CreateStreamTable("b")
	require.NoError(t, err)

	results, err := m.InsertBatchToTables(map[string][]*record.Record{
		"a": {record.NewScalar(1, 1, nil, nil), record.NewScalar(2, 2, nil, nil)},
		"b": {record.NewScalar(3, 3, nil, nil)},
	})
	require.NoError(t, err)
	require.Len(t, results["a"], 2)
	require.Len(t, results["b"], 1)

	queried, err := m.QueryBatchFromTables(map[string]table.TimeRange{
		"a": {Start: 0, End: 10},
		"b": {Start: 0, End: 10},
	})
	require.NoError(t, err)
	require.Len(t, queried["a"], 2)
	require.Len(t, queried["b"], 1)
}

func TestGlobalMemoryLimitTriggersFlushInsteadOfRejecting(t *testing.T) {
	cfg := testCfg()
	cfg.TableManager.GlobalMemoryLimitSet = true
	cfg.TableManager.GlobalMemoryLimitB = 1 // force the limit to always be exceeded

	m, err := New(t.TempDir(), cfg, logging.Nop())
	require.NoError(t, err)
	_, err = m.CreateStreamTable("a")
	require.NoError(t, err)

	_, err = m.InsertBatchToTables(map[string][]*record.Record{
		"a": {record.NewScalar(1, 1, nil, nil)},
	})
	require.NoError(t, err) // insert succeeds; the manager flushes, it does not reject
}
