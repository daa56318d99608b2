package sched

import (
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	Cores             int    `yaml:"cores"`                    // 2 (by default)
	TickMS            int    `yaml:"tick_ms"`                  // 5; 0 = manual ticking (tests/sim step the clock)
	SliceTicks        int    `yaml:"slice_ticks"`              // 5 (by default)
	MaxTasks          int    `yaml:"max_tasks"`                // 1024 (by default)
	DefaultChannelCap int    `yaml:"default_channel_capacity"` // 16 (by default)
	TeardownRetry     int    `yaml:"teardown_retry"`           // extra teardown attempts before marking leaked
	MemoryBudget      uint64 `yaml:"memory_budget"`            // bytes for the sim memory manager; 0 = unlimited
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		Cores:             2,
		TickMS:            5,
		SliceTicks:        5,
		MaxTasks:          1024,
		DefaultChannelCap: 16,
		TeardownRetry:     2,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	// sanity clamps
	if cfg.Cores <= 0 {
		cfg.Cores = 2
	}
	if cfg.TickMS < 0 {
		cfg.TickMS = 0
	}
	if cfg.SliceTicks <= 0 {
		cfg.SliceTicks = 5
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 1024
	}
	if cfg.DefaultChannelCap <= 0 {
		cfg.DefaultChannelCap = 16
	}
	if cfg.TeardownRetry < 0 {
		cfg.TeardownRetry = 0
	}

	return cfg
}
