// Package config loads the engine's configuration from a JSON file,
// following the same shape the teacher storage engine uses: a single
// process-wide instance, lazily created with sane defaults when no file
// is present. Components receive it as an explicit *EngineConfig.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// EngineConfig holds every tunable of the storage and compute layers.
type EngineConfig struct {
	LSM struct {
		DataDir             string `json:"data_dir"`
		MaxLevels           uint64 `json:"max_levels"`
		L0CompactionTrigger uint64 `json:"l0_compaction_trigger"`
		LevelSizeMultiplier uint64 `json:"level_size_multiplier"`
		BaseLevelSizeBytes  uint64 `json:"base_level_size_bytes"`
	} `json:"lsm"`

	MemTable struct {
		MaxBytes uint64 `json:"max_bytes"`
	} `json:"memtable"`

	WAL struct {
		FileName string `json:"file_name"`
		SyncEach bool   `json:"sync_each"`
	} `json:"wal"`

	BloomFilter struct {
		BitsPerKey        uint64  `json:"bits_per_key"`
		NumHashFunctions  uint64  `json:"num_hash_functions"`
		FalsePositiveRate float64 `json:"false_positive_rate"`
	} `json:"bloom_filter"`

	Cache struct {
		BlockCacheEntries uint64 `json:"block_cache_entries"`
	} `json:"cache"`

	TableManager struct {
		BaseDataDir          string `json:"base_data_dir"`
		GlobalMemoryLimitB   uint64 `json:"global_memory_limit_bytes"`
		GlobalMemoryLimitSet bool   `json:"global_memory_limit_set"`
	} `json:"table_manager"`

	ResourceManager struct {
		MaxThreads      uint64  `json:"max_threads"`
		MaxMemoryBytes  uint64  `json:"max_memory_bytes"`
		PressureRatio   float64 `json:"pressure_ratio"`
		TaskQueueLength uint64  `json:"task_queue_length"`
	} `json:"resource_manager"`

	WindowScheduler struct {
		TriggerIntervalUs    int64  `json:"trigger_interval_us"`
		RetentionWindows     int64  `json:"retention_window_count"`
		MaxConcurrentDefault uint64 `json:"max_concurrent_windows_default"`
	} `json:"window_scheduler"`

	ComputeEngine struct {
		DefaultTimeoutMs     int64 `json:"default_timeout_ms"`
		MetricsRingBufferLen int   `json:"metrics_ring_buffer_len"`
	} `json:"compute_engine"`
}

var (
	instance *EngineConfig
	once     sync.Once
)

// Get returns the process-wide configuration singleton, loading it from
// TSDB_CONFIG_PATH (or a bundled default) on first call.
func Get() *EngineConfig {
	once.Do(func() {
		instance = load()
	})
	return instance
}

// SetForTest installs cfg as the singleton, bypassing file loading.
// Intended for test setup only.
func SetForTest(cfg *EngineConfig) {
	once.Do(func() {})
	instance = cfg
}

func load() *EngineConfig {
	path := os.Getenv("TSDB_CONFIG_PATH")
	if path == "" {
		return defaultConfig()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultConfig()
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return defaultConfig()
	}
	return cfg
}

func defaultConfig() *EngineConfig {
	cfg := &EngineConfig{}

	cfg.LSM.DataDir = "data"
	cfg.LSM.MaxLevels = 7
	cfg.LSM.L0CompactionTrigger = 4
	cfg.LSM.LevelSizeMultiplier = 10
	cfg.LSM.BaseLevelSizeBytes = 4 << 20 // 4 MiB

	cfg.MemTable.MaxBytes = 16 << 20 // 16 MiB

	cfg.WAL.FileName = "wal.log"
	cfg.WAL.SyncEach = false

	cfg.BloomFilter.BitsPerKey = 10
	cfg.BloomFilter.NumHashFunctions = 3
	cfg.BloomFilter.FalsePositiveRate = 0.03

	cfg.Cache.BlockCacheEntries = 2048

	cfg.TableManager.BaseDataDir = "tables"
	cfg.TableManager.GlobalMemoryLimitSet = false

	cfg.ResourceManager.MaxThreads = 16
	cfg.ResourceManager.MaxMemoryBytes = 1 << 30 // 1 GiB
	cfg.ResourceManager.PressureRatio = 0.9
	cfg.ResourceManager.TaskQueueLength = 256

	cfg.WindowScheduler.TriggerIntervalUs = 50_000
	cfg.WindowScheduler.RetentionWindows = 1000
	cfg.WindowScheduler.MaxConcurrentDefault = 8

	cfg.ComputeEngine.DefaultTimeoutMs = 5000
	cfg.ComputeEngine.MetricsRingBufferLen = 1000

	return cfg
}

// Validate performs basic sanity checks, mirroring the teacher's
// validateConfig gate on load.
func Validate(cfg *EngineConfig) error {
	if cfg.LSM.MaxLevels < 1 {
		return errors.New("lsm.max_levels must be at least 1")
	}
	if cfg.LSM.L0CompactionTrigger < 1 {
		return errors.New("lsm.l0_compaction_trigger must be at least 1")
	}
	if cfg.MemTable.MaxBytes < 1 {
		return errors.New("memtable.max_bytes must be at least 1")
	}
	if cfg.BloomFilter.FalsePositiveRate <= 0 || cfg.BloomFilter.FalsePositiveRate >= 1 {
		return errors.New("bloom_filter.false_positive_rate must be between 0 and 1")
	}
	if cfg.ResourceManager.MaxThreads < 1 {
		return errors.New("resource_manager.max_threads must be at least 1")
	}
	if cfg.ResourceManager.PressureRatio <= 0 || cfg.ResourceManager.PressureRatio > 1 {
		return errors.New("resource_manager.pressure_ratio must be in (0, 1]")
	}
	return nil
}

// EnsureDir creates dir (and parents) if it doesn't already exist.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Clean(dir), 0o755); err != nil {
		return errors.Wrapf(err, "create dir %s", dir)
	}
	return nil
}
