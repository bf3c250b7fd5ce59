// Package config holds the run configuration for a purge and the
// viper/cobra wiring that lets every option be set by flag or by its
// mirrored environment variable, with the flag always winning.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/efspurge/efspurge/internal/errkind"
)

// EnvPrefix is prepended to every option's upper-snake name to form its
// environment variable, e.g. RootPath -> EFSPURGE_ROOT_PATH.
const EnvPrefix = "EFSPURGE"

// Config is the full set of knobs a purge run accepts. Each field's
// mapstructure tag carries its external option name; defaults live in
// Defaults().
type Config struct {
	RootPath string `mapstructure:"root_path"`

	MaxAgeDays float64 `mapstructure:"max_age_days"`
	DryRun     bool    `mapstructure:"dry_run"`

	// Legacy alias: when set (>0) it overrides both ScanSlots and
	// DeleteSlots, preserving the behavior of the deprecated
	// single-knob concurrency setting.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	ScanSlots   int `mapstructure:"max_concurrency_scanning"`
	DeleteSlots int `mapstructure:"max_concurrency_deletion"`
	SubdirSlots int `mapstructure:"max_concurrent_subdirs"`

	TaskBatchSize int `mapstructure:"task_batch_size"`

	RemoveEmptyDirs     bool `mapstructure:"remove_empty_dirs"`
	MaxEmptyDirsPerRun  int  `mapstructure:"max_empty_dirs_per_run"`

	MemoryLimitMB       int     `mapstructure:"memory_limit_mb"`
	MemorySoftRatio     float64 `mapstructure:"memory_soft_ratio"`
	MemoryHardRatio     float64 `mapstructure:"memory_hard_ratio"`
	MemoryCircuitRatio  float64 `mapstructure:"memory_circuit_ratio"`

	ProgressIntervalSeconds int `mapstructure:"progress_interval_seconds"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	Pretty   bool   `mapstructure:"pretty"`

	// Version is the running binary's version, stamped by the CLI for
	// the startup log line; not settable by flag or environment.
	Version string `mapstructure:"-"`
}

// Defaults returns the baseline Config before flags/env are applied:
// 1000 scan/delete slots, 100 subdir slots, 5000 task batch size,
// 800MB soft memory limit, 500 empty-dir cap, 30s progress interval.
func Defaults() Config {
	return Config{
		MaxAgeDays:              30,
		DryRun:                  false,
		ScanSlots:               1000,
		DeleteSlots:             1000,
		SubdirSlots:             100,
		TaskBatchSize:           5000,
		RemoveEmptyDirs:         false,
		MaxEmptyDirsPerRun:      500,
		MemoryLimitMB:           800,
		MemorySoftRatio:         0.70,
		MemoryHardRatio:         0.85,
		MemoryCircuitRatio:      0.95,
		ProgressIntervalSeconds: 30,
		LogLevel:                "INFO",
	}
}

// BindEnv registers every mapstructure key's env-var mirror on v, using
// EnvPrefix and upper-snake-casing the key.
func BindEnv(v *viper.Viper, cfg Config) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"root_path", "max_age_days", "dry_run", "max_concurrency",
		"max_concurrency_scanning", "max_concurrency_deletion",
		"max_concurrent_subdirs", "task_batch_size", "remove_empty_dirs",
		"max_empty_dirs_per_run", "memory_limit_mb", "memory_soft_ratio",
		"memory_hard_ratio", "memory_circuit_ratio",
		"progress_interval_seconds", "log_level", "log_file", "pretty",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks every field's numeric domain, returning an
// errkind.ConfigInvalid wrapped error naming the first violated field.
func (c Config) Validate() error {
	if c.RootPath == "" {
		return errkind.Wrapf(errkind.ConfigInvalid, "root path is required")
	}
	if c.MaxAgeDays < 0 {
		return errkind.Wrapf(errkind.ConfigInvalid, "max_age_days must be >= 0, got %v", c.MaxAgeDays)
	}
	if c.MaxConcurrency < 0 {
		return errkind.Wrapf(errkind.ConfigInvalid, "max_concurrency must be >= 0, got %d", c.MaxConcurrency)
	}
	if c.MaxConcurrency == 0 {
		if c.ScanSlots < 1 {
			return errkind.Wrapf(errkind.ConfigInvalid, "max_concurrency_scanning must be >= 1, got %d", c.ScanSlots)
		}
		if c.DeleteSlots < 1 {
			return errkind.Wrapf(errkind.ConfigInvalid, "max_concurrency_deletion must be >= 1, got %d", c.DeleteSlots)
		}
	}
	if c.SubdirSlots < 1 {
		return errkind.Wrapf(errkind.ConfigInvalid, "max_concurrent_subdirs must be >= 1, got %d", c.SubdirSlots)
	}
	if c.TaskBatchSize < 1 {
		return errkind.Wrapf(errkind.ConfigInvalid, "task_batch_size must be >= 1, got %d", c.TaskBatchSize)
	}
	if c.MaxEmptyDirsPerRun < 0 {
		return errkind.Wrapf(errkind.ConfigInvalid, "max_empty_dirs_per_run must be >= 0, got %d", c.MaxEmptyDirsPerRun)
	}
	if c.MemoryLimitMB < 0 {
		return errkind.Wrapf(errkind.ConfigInvalid, "memory_limit_mb must be >= 0, got %d", c.MemoryLimitMB)
	}
	if c.ProgressIntervalSeconds < 1 {
		return errkind.Wrapf(errkind.ConfigInvalid, "progress_interval_seconds must be >= 1, got %d", c.ProgressIntervalSeconds)
	}
	for _, ratio := range []float64{c.MemorySoftRatio, c.MemoryHardRatio, c.MemoryCircuitRatio} {
		if ratio < 0 || ratio > 1 {
			return errkind.Wrapf(errkind.ConfigInvalid, "memory ratio thresholds must be within [0,1], got %v", ratio)
		}
	}
	return nil
}

// ResolveConcurrency applies the legacy max_concurrency alias, returning
// the effective scan and delete slot counts plus whether the alias was
// used (the caller logs a deprecation warning when true).
func (c Config) ResolveConcurrency() (scanSlots, deleteSlots int, usedLegacyAlias bool) {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency, c.MaxConcurrency, true
	}
	return c.ScanSlots, c.DeleteSlots, false
}

// String renders the config as a single log-friendly line, used in the
// startup log entry.
func (c Config) String() string {
	return fmt.Sprintf(
		"root=%s max_age_days=%v dry_run=%v scan_slots=%d delete_slots=%d subdir_slots=%d "+
			"task_batch_size=%d remove_empty_dirs=%v max_empty_dirs_per_run=%d memory_limit_mb=%d",
		c.RootPath, c.MaxAgeDays, c.DryRun, c.ScanSlots, c.DeleteSlots, c.SubdirSlots,
		c.TaskBatchSize, c.RemoveEmptyDirs, c.MaxEmptyDirsPerRun, c.MemoryLimitMB,
	)
}
