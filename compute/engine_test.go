package compute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tsdb/config"
	"tsdb/logging"
	"tsdb/metrics"
	"tsdb/record"
	"tsdb/table"
)

func testEngineCfg() *config.EngineConfig {
	cfg := &config.EngineConfig{}
	cfg.LSM.MaxLevels = 4
	cfg.LSM.L0CompactionTrigger = 4
	cfg.LSM.LevelSizeMultiplier = 4
	cfg.LSM.BaseLevelSizeBytes = 1 << 20
	cfg.MemTable.MaxBytes = 1 << 16
	cfg.WAL.FileName = "wal.log"
	cfg.BloomFilter.BitsPerKey = 10
	cfg.BloomFilter.NumHashFunctions = 3
	cfg.ComputeEngine.DefaultTimeoutMs = 2000
	cfg.ComputeEngine.MetricsRingBufferLen = 100
	return cfg
}

func openTriple(t *testing.T, dir string, cfg *config.EngineConfig) (*table.StreamTable, *table.StreamTable, *table.JoinResultTable) {
	t.Helper()
	s, err := table.Open(dir, "stream_s", cfg, logging.Nop())
	require.NoError(t, err)
	r, err := table.Open(dir, "stream_r", cfg, logging.Nop())
	require.NoError(t, err)
	res, err := table.OpenJoinResultTable(dir, "join_results", cfg, logging.Nop())
	require.NoError(t, err)
	return s, r, res
}

// TestExecuteWindowJoinScenarioE mirrors Scenario E: SHJ over a window
// whose S/R tuples produce join_count=20 and selectivity=0.20.
func TestExecuteWindowJoinScenarioE(t *testing.T) {
	cfg := testEngineCfg()
	dir := t.TempDir()
	streamS, streamR, result := openTriple(t, dir, cfg)
	defer streamS.Close()
	defer streamR.Close()
	defer result.Close()

	for i := int64(0); i < 2; i++ {
		_, err := streamS.Insert(record.NewScalar(i, 0, map[string]string{"key": "0"}, nil))
		require.NoError(t, err)
	}
	for i := int64(2); i < 10; i++ {
		_, err := streamS.Insert(record.NewScalar(i, 0, map[string]string{"key": "1"}, nil))
		require.NoError(t, err)
	}
	for i := int64(0); i < 10; i++ {
		_, err := streamR.Insert(record.NewScalar(i, 0, map[string]string{"key": "0"}, nil))
		require.NoError(t, err)
	}

	engine := NewEngine(logging.Nop(), metrics.Noop)
	err := engine.Initialize(Config{OperatorType: SHJ, WindowLenUs: 1_000_000}, cfg, streamS, streamR, result, nil)
	require.NoError(t, err)

	status := engine.ExecuteWindowJoin(0, TimeRange{Start: 0, End: 10})
	require.True(t, status.Success)
	require.Equal(t, int64(10), status.InputSCount)
	require.Equal(t, int64(10), status.InputRCount)
	require.Equal(t, int64(20), status.JoinCount)
	require.InDelta(t, 0.20, status.Selectivity, 1e-9)

	rows, err := result.QueryByWindow(table.WindowIDString(0))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	snap := engine.Metrics()
	require.Equal(t, int64(1), snap.TotalWindowsCompleted)
}

func TestExecuteWindowJoinRejectsAQPOnUnsupportedOperator(t *testing.T) {
	cfg := testEngineCfg()
	dir := t.TempDir()
	streamS, streamR, result := openTriple(t, dir, cfg)
	defer streamS.Close()
	defer streamR.Close()
	defer result.Close()

	engine := NewEngine(logging.Nop(), metrics.Noop)
	err := engine.Initialize(Config{OperatorType: SHJ, EnableAQP: true}, cfg, streamS, streamR, result, nil)
	require.Error(t, err)
}

func TestExecuteWindowJoinTimeoutFallsBackToAQP(t *testing.T) {
	cfg := testEngineCfg()
	cfg.ComputeEngine.DefaultTimeoutMs = 0 // unused: Config.TimeoutMs below sets a 1ms deadline
	dir := t.TempDir()
	streamS, streamR, result := openTriple(t, dir, cfg)
	defer streamS.Close()
	defer streamR.Close()
	defer result.Close()

	_, err := streamS.Insert(record.NewScalar(1, 0, map[string]string{"key": "0"}, nil))
	require.NoError(t, err)
	_, err = streamR.Insert(record.NewScalar(1, 0, map[string]string{"key": "0"}, nil))
	require.NoError(t, err)

	engine := NewEngine(logging.Nop(), metrics.Noop)
	err = engine.Initialize(Config{OperatorType: MeanAQP, EnableAQP: true, TimeoutMs: 1}, cfg, streamS, streamR, result, nil)
	require.NoError(t, err)

	status := engine.ExecuteWindowJoin(7, TimeRange{Start: 0, End: 2})
	require.True(t, status.Success || status.TimeoutOccurred)
	if status.TimeoutOccurred {
		require.True(t, status.UsedAQP)
	}
}

func TestResetZeroesMetricsNotConfig(t *testing.T) {
	cfg := testEngineCfg()
	dir := t.TempDir()
	streamS, streamR, result := openTriple(t, dir, cfg)
	defer streamS.Close()
	defer streamR.Close()
	defer result.Close()

	engine := NewEngine(logging.Nop(), metrics.Noop)
	require.NoError(t, engine.Initialize(Config{OperatorType: SHJ}, cfg, streamS, streamR, result, nil))
	engine.ExecuteWindowJoin(0, TimeRange{Start: 0, End: 100})
	require.Equal(t, int64(1), engine.Metrics().TotalWindowsCompleted)

	engine.Reset()
	require.Equal(t, int64(0), engine.Metrics().TotalWindowsCompleted)

	// Config survives reset: another execution still uses SHJ and the
	// same bound tables without re-initializing.
	engine.ExecuteWindowJoin(1, TimeRange{Start: 0, End: 100})
	require.Equal(t, int64(1), engine.Metrics().TotalWindowsCompleted)
}

func TestMetricsRingBufferBounded(t *testing.T) {
	cfg := testEngineCfg()
	cfg.ComputeEngine.MetricsRingBufferLen = 5
	dir := t.TempDir()
	streamS, streamR, result := openTriple(t, dir, cfg)
	defer streamS.Close()
	defer streamR.Close()
	defer result.Close()

	engine := NewEngine(logging.Nop(), metrics.Noop)
	require.NoError(t, engine.Initialize(Config{OperatorType: SHJ}, cfg, streamS, streamR, result, nil))

	for i := int64(0); i < 20; i++ {
		engine.ExecuteWindowJoin(i, TimeRange{Start: 0, End: 1})
		time.Sleep(time.Microsecond)
	}
	snap := engine.Metrics()
	require.Equal(t, int64(20), snap.TotalWindowsCompleted)
	require.GreaterOrEqual(t, snap.AvgLatencyMs, float64(0))
	require.Len(t, engine.metrics.latencies, 5)
	require.Equal(t, 5, engine.metrics.latFilled)
}
